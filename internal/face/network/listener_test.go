package network

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/face.relay/internal/face"
	"github.com/banshee-data/face.relay/internal/face/codec"
	"github.com/banshee-data/face.relay/internal/face/state"
	"github.com/banshee-data/face.relay/internal/testutil"
)

func newMockListener(t *testing.T, sockets ...*MockUDPSocket) (*Listener, *MockUDPSocketFactory) {
	t.Helper()
	factory := NewMockUDPSocketFactory(sockets...)
	l := NewListener(Config{
		SocketFactory: factory,
		LogInterval:   time.Hour,
	})
	t.Cleanup(l.Stop)
	return l, factory
}

func waitForDecoded(t *testing.T, l *Listener, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return l.Stats().Snapshot().Decoded >= n
	}, 2*time.Second, time.Millisecond, "listener did not decode %d datagrams", n)
}

func TestNewListener_Defaults(t *testing.T) {
	l := NewListener(Config{})

	assert.Equal(t, DefaultMaxDatagramBytes, l.maxDatagram)
	assert.Equal(t, DefaultStopTimeout, l.stopTimeout)
	assert.Equal(t, time.Minute, l.logInterval)
	assert.NotNil(t, l.State())
	assert.NotNil(t, l.Stats())
	assert.IsType(t, &RealUDPSocketFactory{}, l.socketFactory)
	assert.False(t, l.Running())
	assert.Nil(t, l.Addr())
	assert.NotEqual(t, l.ID(), NewListener(Config{}).ID())
}

func TestNewListener_UsesProvidedState(t *testing.T) {
	st := state.New()
	l := NewListener(Config{State: st})
	assert.Same(t, st, l.State())
}

func TestListener_StartBindsRequestedPort(t *testing.T) {
	sock := NewMockUDPSocket()
	l, factory := newMockListener(t, sock)
	l.rcvBuf = 1 << 20

	require.NoError(t, l.Start(5065))

	require.Len(t, factory.ListenCalls, 1)
	assert.Equal(t, "udp", factory.ListenCalls[0].Network)
	assert.Equal(t, 5065, factory.ListenCalls[0].Addr.Port)
	assert.Equal(t, 1<<20, sock.ReadBufferSize())
	assert.True(t, l.Running())
	assert.Equal(t, sock.LocalAddress, l.Addr())
}

func TestListener_StartTwice(t *testing.T) {
	l, _ := newMockListener(t)
	require.NoError(t, l.Start(5065))
	assert.ErrorIs(t, l.Start(5065), ErrAlreadyRunning)
}

func TestListener_StartRejectsPortOutOfRange(t *testing.T) {
	l, factory := newMockListener(t)

	for _, port := range []int{-1, 65536} {
		err := l.Start(port)
		var bindErr *BindError
		require.ErrorAs(t, err, &bindErr)
		assert.Equal(t, port, bindErr.Port)
	}
	assert.Empty(t, factory.ListenCalls)
	assert.False(t, l.Running())
}

func TestListener_StartBindFailure(t *testing.T) {
	l, factory := newMockListener(t)
	factory.Error = errors.New("address already in use")

	err := l.Start(5065)
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, 5065, bindErr.Port)
	assert.Contains(t, err.Error(), "address already in use")
	assert.False(t, l.Running())
}

func TestListener_SetReadBufferFailureIsNotFatal(t *testing.T) {
	sock := NewMockUDPSocket()
	sock.SetReadBufferError = errors.New("not permitted")
	l, _ := newMockListener(t, sock)
	l.rcvBuf = 1 << 20

	require.NoError(t, l.Start(5065))
	assert.True(t, l.Running())
}

func TestListener_StopUnblocksPendingRead(t *testing.T) {
	sock := NewMockUDPSocket()
	l, _ := newMockListener(t, sock)
	require.NoError(t, l.Start(5065))

	// The loop is parked in ReadFromUDP with nothing queued.
	time.Sleep(5 * time.Millisecond)

	start := time.Now()
	l.Stop()
	assert.Less(t, time.Since(start), DefaultStopTimeout)
	assert.True(t, sock.Closed())
	assert.False(t, l.Running())
	assert.Nil(t, l.Addr())
}

func TestListener_StopIsIdempotent(t *testing.T) {
	sock := NewMockUDPSocket()
	l, _ := newMockListener(t, sock)

	l.Stop() // never started

	require.NoError(t, l.Start(5065))
	l.Stop()
	l.Stop()
	assert.Equal(t, 1, sock.CloseCalls())
}

func TestListener_RestartResetsState(t *testing.T) {
	first, second := NewMockUDPSocket(), NewMockUDPSocket()
	l, factory := newMockListener(t, first, second)
	st := l.State()

	require.NoError(t, l.Start(5065))
	first.Deliver([]byte(`{"mouth":{"open":0.6}}`))
	waitForDecoded(t, l, 1)
	assert.Equal(t, 0.6, st.Value(face.MouthOpen))
	l.Stop()

	require.NoError(t, l.Start(5065))
	assert.Same(t, st, l.State())
	assert.Equal(t, face.Neutral(), st.Snapshot())
	assert.Len(t, factory.ListenCalls, 2)

	second.Deliver([]byte(`{"mouth":{"open":0.3}}`))
	waitForDecoded(t, l, 2)
	assert.Equal(t, 0.3, st.Value(face.MouthOpen))
}

func TestListener_MalformedDatagramsAreCountedAndSkipped(t *testing.T) {
	sock := NewMockUDPSocket()
	l, _ := newMockListener(t, sock)
	require.NoError(t, l.Start(5065))

	sock.Deliver([]byte(`{"mouth":{"open":0.5}}`))
	sock.Deliver([]byte(`not json`))
	sock.Deliver([]byte{0xff, 0xfe, 0x00})
	sock.Deliver([]byte(`{"mouth":{"open":0.7}`))
	sock.Deliver([]byte(`{"brow":{"left":0.25}}`))
	waitForDecoded(t, l, 2)

	snap := l.Stats().Snapshot()
	assert.EqualValues(t, 5, snap.Packets)
	assert.EqualValues(t, 3, snap.Malformed)
	assert.Contains(t, snap.LastError, "malformed")

	st := l.State()
	assert.Equal(t, 0.5, st.Value(face.MouthOpen))
	assert.Equal(t, 0.25, st.Value(face.BrowLeft))
	assert.Equal(t, uint64(2), st.Version())
}

func TestListener_OversizedDatagramIsDropped(t *testing.T) {
	sock := NewMockUDPSocket()
	factory := NewMockUDPSocketFactory(sock)
	l := NewListener(Config{
		SocketFactory:    factory,
		MaxDatagramBytes: 64,
		LogInterval:      time.Hour,
	})
	t.Cleanup(l.Stop)
	require.NoError(t, l.Start(5065))

	big := `{"mouth":{"open":0.9},"meta":"` + strings.Repeat("x", 128) + `"}`
	sock.Deliver([]byte(big))
	sock.Deliver([]byte(`{"mouth":{"open":0.1}}`))
	waitForDecoded(t, l, 1)

	snap := l.Stats().Snapshot()
	assert.EqualValues(t, 1, snap.Oversized)
	assert.EqualValues(t, 2, snap.Packets)
	assert.Equal(t, 0.1, l.State().Value(face.MouthOpen))
}

func TestListener_TransportErrorDoesNotStopLoop(t *testing.T) {
	sock := NewMockUDPSocket()
	l, _ := newMockListener(t, sock)
	require.NoError(t, l.Start(5065))

	sock.DeliverError(errors.New("connection refused"))
	sock.DeliverError(errors.New("connection refused"))
	sock.Deliver([]byte(`{"mouth":{"open":0.4}}`))
	waitForDecoded(t, l, 1)

	snap := l.Stats().Snapshot()
	assert.EqualValues(t, 2, snap.TransportErrors)
	assert.Equal(t, "connection refused", snap.LastError)
	assert.True(t, l.Running())
	assert.Equal(t, 0.4, l.State().Value(face.MouthOpen))
}

func TestListener_Ingest(t *testing.T) {
	l := NewListener(Config{LogInterval: time.Hour})

	require.NoError(t, l.Ingest([]byte(`{"head":{"yaw":12.5}}`)))
	assert.Equal(t, 12.5, l.State().Value(face.HeadYaw))

	err := l.Ingest([]byte(`[]`))
	assert.ErrorIs(t, err, codec.ErrMalformed)
	assert.Equal(t, 12.5, l.State().Value(face.HeadYaw))

	snap := l.Stats().Snapshot()
	assert.EqualValues(t, 2, snap.Packets)
	assert.EqualValues(t, 1, snap.Decoded)
	assert.EqualValues(t, 1, snap.Malformed)
}

func TestListener_ForwardsDatagrams(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	fwd := newPacketForwarder(client, "pipe", nil, time.Hour)
	defer fwd.Close()

	sock := NewMockUDPSocket()
	factory := NewMockUDPSocketFactory(sock)
	l := NewListener(Config{SocketFactory: factory, Forwarder: fwd, LogInterval: time.Hour})
	t.Cleanup(l.Stop)
	require.NoError(t, l.Start(5065))

	payload := []byte(`{"mouth":{"open":0.2}}`)
	sock.Deliver(payload)

	buf := make([]byte, 128)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

// Real sockets on the loopback interface.

func sendUDP(t *testing.T, addr net.Addr, payload string) {
	t.Helper()
	testutil.SendUDP(t, addr, []byte(payload))
}

func TestListener_EndToEndLoopback(t *testing.T) {
	l := NewListener(Config{BindAddress: "127.0.0.1", LogInterval: time.Hour})
	t.Cleanup(l.Stop)
	require.NoError(t, l.Start(0))

	st := l.State()
	assert.Equal(t, face.Neutral(), st.Snapshot())

	sendUDP(t, l.Addr(), `{"mouth":{"open":0.8}}`)
	waitForDecoded(t, l, 1)
	assert.Equal(t, 0.8, st.Value(face.MouthOpen))

	sendUDP(t, l.Addr(), `{"brow":{"left":0.5,"right":-0.5}}`)
	waitForDecoded(t, l, 2)

	snap := st.Snapshot()
	assert.Equal(t, 0.8, snap.MouthOpen)
	assert.Equal(t, 0.5, snap.BrowLeft)
	assert.Equal(t, -0.5, snap.BrowRight)
	assert.Equal(t, 1.0, snap.LeftEyeOpen)
	assert.NotEmpty(t, l.Stats().Snapshot().LastSender)
}

func TestListener_RebindSamePortAfterStop(t *testing.T) {
	l := NewListener(Config{BindAddress: "127.0.0.1", LogInterval: time.Hour})
	t.Cleanup(l.Stop)
	require.NoError(t, l.Start(0))
	port := l.Addr().(*net.UDPAddr).Port
	l.Stop()

	require.NoError(t, l.Start(port))
	assert.Equal(t, port, l.Addr().(*net.UDPAddr).Port)

	sendUDP(t, l.Addr(), `{"right_eye":{"open":0.1}}`)
	waitForDecoded(t, l, 1)
	assert.Equal(t, 0.1, l.State().Value(face.RightEyeOpen))
}

func TestListener_PortInUse(t *testing.T) {
	occupied, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer occupied.Close()
	port := occupied.LocalAddr().(*net.UDPAddr).Port

	l := NewListener(Config{BindAddress: "127.0.0.1", LogInterval: time.Hour})
	err = l.Start(port)

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, port, bindErr.Port)
	assert.False(t, l.Running())
}
