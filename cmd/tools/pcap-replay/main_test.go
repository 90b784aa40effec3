package main

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/face.relay/internal/config"
	"github.com/banshee-data/face.relay/internal/face/network"
	"github.com/banshee-data/face.relay/internal/testutil"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func capture(t *testing.T) []byte {
	return testutil.WritePCAP(t, start, []testutil.Datagram{
		{DstPort: 5065, Payload: `{"mouth":{"open":0.8}}`},
		{DstPort: 5065, Payload: `garbage`, Offset: 5 * time.Millisecond},
		{DstPort: 6000, Payload: `{"mouth":{"open":0.1}}`, Offset: 10 * time.Millisecond},
		{DstPort: 5065, Payload: `{"left_eye":{"open":0.25},"head":{"yaw":90}}`, Offset: 20 * time.Millisecond},
	})
}

func TestReplayLocal(t *testing.T) {
	testutil.MuteLogs(t)
	cfg := config.MustLoadDefaultConfig()

	rep, err := replayLocal(context.Background(), bytes.NewReader(capture(t)), network.ReplayOptions{Port: 5065}, cfg)
	require.NoError(t, err)

	assert.Equal(t, 4, rep.Frames)
	assert.Equal(t, 3, rep.Payloads)
	assert.Equal(t, 1, rep.Skipped)
	assert.InDelta(t, 0.02, rep.SpanSecs, 1e-9)
	assert.EqualValues(t, 1, rep.Packets.Malformed)
	assert.EqualValues(t, 2, rep.Packets.Decoded)

	assert.Equal(t, 0.8, rep.Snapshot.MouthOpen)
	assert.Equal(t, 0.25, rep.Snapshot.LeftEyeOpen)
	assert.Equal(t, 90.0, rep.Snapshot.HeadYaw)

	assert.Equal(t, []channelOut{
		{Channel: "face/0", Value: 80},
		{Channel: "face/1", Value: 75},
		{Channel: "face/2", Value: 0},
		{Channel: "face/3", Value: 0},
		{Channel: "face/4", Value: 0},
	}, rep.Channels)
	require.Len(t, rep.Rotation, 4)
	// 90 degrees of yaw about Y
	assert.InDelta(t, 0.7071, rep.Rotation[0], 1e-4)
	assert.InDelta(t, 0.7071, rep.Rotation[2], 1e-4)
	assert.Empty(t, rep.Unmapped)
}

func TestReplayLocal_UnmappedPreset(t *testing.T) {
	testutil.MuteLogs(t)
	cfg := config.EmptyFaceConfig()
	cfg.Preset = &config.PresetConfig{MouthOpen: &config.ChannelRefConfig{Name: "jaw"}}

	rep, err := replayLocal(context.Background(), bytes.NewReader(capture(t)), network.ReplayOptions{Port: 5065}, cfg)
	require.NoError(t, err)
	assert.Empty(t, rep.Channels)
	assert.Len(t, rep.Unmapped, 1)
}

func TestReplayLocal_NotACapture(t *testing.T) {
	_, err := replayLocal(context.Background(), bytes.NewReader([]byte("hello world")), network.ReplayOptions{}, config.EmptyFaceConfig())
	assert.Error(t, err)
}

func TestReplaySend(t *testing.T) {
	sink := testutil.ListenUDP(t)
	conn, err := net.Dial("udp", sink.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	summary, err := replaySend(context.Background(), bytes.NewReader(capture(t)), network.ReplayOptions{Port: 5065}, conn)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Payloads)

	for _, want := range []string{`{"mouth":{"open":0.8}}`, `garbage`, `{"left_eye":{"open":0.25},"head":{"yaw":90}}`} {
		assert.Equal(t, want, string(testutil.ReadDatagram(t, sink, 2*time.Second)))
	}
}
