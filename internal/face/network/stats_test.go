package network

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/face.relay/internal/testutil"
)

func TestPacketStats_Counters(t *testing.T) {
	ps := NewPacketStats()

	ps.AddPacket(100)
	ps.AddPacket(50)
	ps.AddDecoded()
	ps.AddMalformed(errors.New("bad json"))
	ps.AddOversized(4096)
	ps.AddTransportError(errors.New("read failed"))
	ps.AddDropped()
	ps.SetSender(&net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 40000})
	ps.SetSender(nil)

	snap := ps.Snapshot()
	assert.EqualValues(t, 2, snap.Packets)
	assert.EqualValues(t, 150, snap.Bytes)
	assert.EqualValues(t, 1, snap.Decoded)
	assert.EqualValues(t, 1, snap.Malformed)
	assert.EqualValues(t, 1, snap.Oversized)
	assert.EqualValues(t, 1, snap.TransportErrors)
	assert.EqualValues(t, 1, snap.ForwardDropped)
	assert.Equal(t, "10.0.0.2:40000", snap.LastSender)
	assert.Equal(t, "read failed", snap.LastError)
	assert.False(t, snap.LastPacket.IsZero())
	assert.GreaterOrEqual(t, snap.Uptime, 0.0)
}

func TestPacketStats_LogStatsResetsInterval(t *testing.T) {
	logs := testutil.CaptureLogs(t)

	ps := NewPacketStats()
	ps.lastReset = time.Now().Add(-time.Second)
	ps.AddPacket(10)
	ps.AddDecoded()

	ps.LogStats()
	assert.Equal(t, 1, logs.Len())
	assert.Greater(t, ps.Snapshot().PacketsPerSec, 0.0)

	// Quiet interval: nothing logged, totals kept.
	ps.LogStats()
	assert.Equal(t, 1, logs.Len())
	assert.EqualValues(t, 1, ps.Snapshot().Packets)
	assert.Zero(t, ps.Snapshot().PacketsPerSec)
}
