package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/face.relay/internal/face/codec"
	"github.com/banshee-data/face.relay/internal/face/state"
	"github.com/banshee-data/face.relay/internal/monitoring"
)

const (
	// DefaultPort is the port the tracking sender targets by default.
	DefaultPort = 5065
	// DefaultMaxDatagramBytes bounds an accepted datagram. Tracking
	// payloads are a few hundred bytes.
	DefaultMaxDatagramBytes = 4096
	// DefaultStopTimeout bounds how long Stop waits for the receive loop.
	DefaultStopTimeout = 200 * time.Millisecond

	maxReadBackoff = 50 * time.Millisecond
)

// ErrAlreadyRunning is returned by Start on a listener that has not been
// stopped.
var ErrAlreadyRunning = errors.New("listener already running")

// BindError reports that the listening socket could not be opened. It is
// fatal to that Start call and is not retried.
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind UDP port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Config contains configuration options for the Listener.
type Config struct {
	BindAddress      string        // host to bind; empty listens on all interfaces
	RcvBuf           int           // socket receive buffer; 0 keeps the OS default
	MaxDatagramBytes int           // larger datagrams are dropped
	StopTimeout      time.Duration // bounded join in Stop
	LogInterval      time.Duration // stats logging and error log throttling
	State            *state.State  // optional: shared state to write into
	Stats            *PacketStats  // optional: stats collector
	Forwarder        *PacketForwarder
	SocketFactory    UDPSocketFactory // optional: for testing
}

// Listener receives tracking datagrams on a dedicated goroutine and merges
// them into its shared state. The sampling side only ever reads State(), so
// nothing that happens here can block or fail a tick.
type Listener struct {
	id            uuid.UUID
	bindAddress   string
	rcvBuf        int
	maxDatagram   int
	stopTimeout   time.Duration
	logInterval   time.Duration
	state         *state.State
	stats         *PacketStats
	forwarder     *PacketForwarder
	socketFactory UDPSocketFactory
	errLog        *monitoring.Throttle

	mu  sync.Mutex
	run *listenerRun // nil while stopped
}

// listenerRun is the per-Start lifecycle of the receive goroutine.
type listenerRun struct {
	conn   UDPSocket
	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// NewListener creates a stopped Listener.
func NewListener(cfg Config) *Listener {
	l := &Listener{
		id:            uuid.New(),
		bindAddress:   cfg.BindAddress,
		rcvBuf:        cfg.RcvBuf,
		maxDatagram:   cfg.MaxDatagramBytes,
		stopTimeout:   cfg.StopTimeout,
		logInterval:   cfg.LogInterval,
		state:         cfg.State,
		stats:         cfg.Stats,
		forwarder:     cfg.Forwarder,
		socketFactory: cfg.SocketFactory,
	}
	if l.maxDatagram <= 0 {
		l.maxDatagram = DefaultMaxDatagramBytes
	}
	if l.stopTimeout <= 0 {
		l.stopTimeout = DefaultStopTimeout
	}
	if l.logInterval <= 0 {
		l.logInterval = time.Minute
	}
	if l.state == nil {
		l.state = state.New()
	}
	if l.stats == nil {
		l.stats = NewPacketStats()
	}
	if l.socketFactory == nil {
		l.socketFactory = NewRealUDPSocketFactory()
	}
	if l.forwarder != nil {
		l.forwarder.SetStats(l.stats)
	}
	l.errLog = monitoring.NewThrottle(l.logInterval)
	return l
}

// ID identifies this listener instance in logs and status output.
func (l *Listener) ID() uuid.UUID { return l.id }

// State returns the shared state this listener writes. The pointer is valid
// for the listener's whole lifetime, across restarts.
func (l *Listener) State() *state.State { return l.state }

// Stats returns the listener's datagram counters.
func (l *Listener) Stats() *PacketStats { return l.stats }

// Running reports whether a receive loop is active.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.run != nil
}

// Addr returns the bound address while running, nil otherwise.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.run == nil {
		return nil
	}
	return l.run.conn.LocalAddr()
}

// Start binds the UDP port and spawns the receive loop. Port 0 picks a free
// port (see Addr). The shared state is reset to the neutral face.
func (l *Listener) Start(port int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.run != nil {
		return ErrAlreadyRunning
	}
	if port < 0 || port > 65535 {
		return &BindError{Port: port, Err: fmt.Errorf("port out of range")}
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(l.bindAddress, strconv.Itoa(port)))
	if err != nil {
		return &BindError{Port: port, Err: err}
	}
	conn, err := l.socketFactory.ListenUDP("udp", addr)
	if err != nil {
		return &BindError{Port: port, Err: err}
	}

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			monitoring.Logf("[face/listener] Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	l.state.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	r := &listenerRun{
		conn:   conn,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	l.run = r

	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}
	go l.startStatsLogging(ctx)
	go l.receiveLoop(r)

	monitoring.Logf("[face/listener] %s listening on %s (max datagram %d bytes)", l.id, conn.LocalAddr(), l.maxDatagram)
	return nil
}

// Stop closes the socket, which unblocks a pending receive, and waits up to
// the stop timeout for the loop to exit. The socket is released before Stop
// returns even if the loop has to be abandoned. Calling Stop on a stopped
// listener does nothing.
func (l *Listener) Stop() {
	l.mu.Lock()
	r := l.run
	l.run = nil
	l.mu.Unlock()
	if r == nil {
		return
	}

	close(r.stop)
	r.cancel()
	if err := r.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		monitoring.Logf("[face/listener] error closing socket: %v", err)
	}

	timer := time.NewTimer(l.stopTimeout)
	defer timer.Stop()
	select {
	case <-r.done:
		monitoring.Logf("[face/listener] %s stopped", l.id)
	case <-timer.C:
		monitoring.Logf("[face/listener] %s receive loop did not exit within %v; abandoning it", l.id, l.stopTimeout)
	}
}

// receiveLoop runs until the socket is closed. Nothing else ends it: bad
// datagrams and transient read errors are counted and skipped.
func (l *Listener) receiveLoop(r *listenerRun) {
	defer close(r.done)

	// One spare byte detects datagrams over the limit, which the kernel
	// would otherwise silently truncate.
	buffer := make([]byte, l.maxDatagram+1)
	var backoff time.Duration

	for {
		n, addr, err := r.conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || r.stopping() {
				return
			}
			l.stats.AddTransportError(err)
			if l.errLog.Allow() {
				monitoring.Logf("[face/listener] UDP read error: %v", err)
			}

			backoff = min(max(2*backoff, time.Millisecond), maxReadBackoff)
			select {
			case <-r.stop:
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		l.stats.SetSender(addr)
		if n > l.maxDatagram {
			l.stats.AddPacket(n)
			l.stats.AddOversized(l.maxDatagram)
			if l.errLog.Allow() {
				monitoring.Logf("[face/listener] dropping datagram from %v larger than %d bytes", addr, l.maxDatagram)
			}
			continue
		}

		// Decode errors are counted inside Ingest.
		_ = l.Ingest(buffer[:n])
	}
}

func (r *listenerRun) stopping() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// Ingest runs one datagram through the decode and merge path. The receive
// loop calls it for every datagram; capture replay calls it directly.
// A malformed datagram is counted, logged at a bounded rate, and returned
// as an error matching codec.ErrMalformed; the state is left untouched.
func (l *Listener) Ingest(packet []byte) error {
	l.stats.AddPacket(len(packet))

	if l.forwarder != nil {
		l.forwarder.ForwardAsync(packet)
	}

	frame, err := codec.Decode(packet)
	if err != nil {
		l.stats.AddMalformed(err)
		if l.errLog.Allow() {
			monitoring.Logf("[face/listener] dropping datagram: %v", err)
		}
		return err
	}

	l.state.Update(frame)
	l.stats.AddDecoded()
	return nil
}

// startStatsLogging periodically logs datagram statistics until ctx is done.
func (l *Listener) startStatsLogging(ctx context.Context) {
	// An early report avoids a long silence on first run.
	first := min(2*time.Second, l.logInterval)
	select {
	case <-ctx.Done():
		return
	case <-time.After(first):
		l.stats.LogStats()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}
