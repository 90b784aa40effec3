package network

import (
	"net"
	"sync"
)

// UDPSocket defines the socket operations the listener needs.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP blocks until a datagram arrives or the socket is closed.
	// After Close it returns an error matching net.ErrClosed.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// Close closes the socket, unblocking a pending ReadFromUDP.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
// *net.UDPConn satisfies UDPSocket directly.
type RealUDPSocketFactory struct{}

// NewRealUDPSocketFactory creates a new RealUDPSocketFactory.
func NewRealUDPSocketFactory() *RealUDPSocketFactory {
	return &RealUDPSocketFactory{}
}

// ListenUDP binds a new UDP socket.
func (f *RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// mockRead is one queued result for MockUDPSocket.ReadFromUDP.
type mockRead struct {
	data []byte
	addr *net.UDPAddr
	err  error
}

// MockUDPSocket implements UDPSocket for testing. Reads block until a
// datagram or error is queued with Deliver/DeliverError, or until Close.
type MockUDPSocket struct {
	reads     chan mockRead
	closed    chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	readBufferSize int
	closeCalls     int

	// LocalAddress is returned by LocalAddr.
	LocalAddress *net.UDPAddr
	// SetReadBufferError is returned by SetReadBuffer if set.
	SetReadBufferError error
}

// NewMockUDPSocket creates an open MockUDPSocket.
func NewMockUDPSocket() *MockUDPSocket {
	return &MockUDPSocket{
		reads:  make(chan mockRead, 256),
		closed: make(chan struct{}),
		LocalAddress: &net.UDPAddr{
			IP:   net.ParseIP("127.0.0.1"),
			Port: 5065,
		},
	}
}

// Deliver queues a datagram from a fixed test sender.
func (m *MockUDPSocket) Deliver(data []byte) {
	m.DeliverFrom(data, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40000})
}

// DeliverFrom queues a datagram from addr.
func (m *MockUDPSocket) DeliverFrom(data []byte, addr *net.UDPAddr) {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.reads <- mockRead{data: cp, addr: addr}
}

// DeliverError queues a read error.
func (m *MockUDPSocket) DeliverError(err error) {
	m.reads <- mockRead{err: err}
}

// ReadFromUDP returns the next queued datagram, truncating it to len(b) as a
// real socket would.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	select {
	case <-m.closed:
		return 0, nil, net.ErrClosed
	default:
	}
	select {
	case <-m.closed:
		return 0, nil, net.ErrClosed
	case r := <-m.reads:
		if r.err != nil {
			return 0, nil, r.err
		}
		return copy(b, r.data), r.addr, nil
	}
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	if m.SetReadBufferError != nil {
		return m.SetReadBufferError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBufferSize = bytes
	return nil
}

// ReadBufferSize returns the value recorded by SetReadBuffer.
func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBufferSize
}

// Close unblocks pending reads. Closing twice returns net.ErrClosed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	m.closeCalls++
	m.mu.Unlock()
	err := net.ErrClosed
	m.closeOnce.Do(func() {
		close(m.closed)
		err = nil
	})
	return err
}

// Closed reports whether Close has been called.
func (m *MockUDPSocket) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// CloseCalls returns how many times Close was called.
func (m *MockUDPSocket) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.LocalAddress
}

// MockUDPSocketFactory implements UDPSocketFactory for testing.
type MockUDPSocketFactory struct {
	mu sync.Mutex
	// Sockets are handed out in order, one per ListenUDP call. When they run
	// out, a fresh MockUDPSocket is created.
	Sockets []*MockUDPSocket
	// Error is returned by ListenUDP if set.
	Error error
	// ListenCalls records all ListenUDP calls.
	ListenCalls []MockListenCall
}

// MockListenCall records a call to ListenUDP.
type MockListenCall struct {
	Network string
	Addr    *net.UDPAddr
}

// NewMockUDPSocketFactory creates a factory handing out the given sockets.
func NewMockUDPSocketFactory(sockets ...*MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Sockets: sockets}
}

// ListenUDP returns the next configured mock socket.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListenCalls = append(f.ListenCalls, MockListenCall{Network: network, Addr: laddr})
	if f.Error != nil {
		return nil, f.Error
	}
	if len(f.Sockets) == 0 {
		return NewMockUDPSocket(), nil
	}
	s := f.Sockets[0]
	f.Sockets = f.Sockets[1:]
	return s, nil
}
