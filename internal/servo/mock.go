package servo

import (
	"bytes"
	"errors"
	"sync"
)

// MockPort is an in-memory Port for tests. Reads block until data is added
// or the port is closed.
type MockPort struct {
	mu       sync.Mutex
	readCond *sync.Cond

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	// WriteError is returned by the next Write call if set.
	WriteError error
	// CloseError is returned by Close if set.
	CloseError error

	closed     bool
	writeCalls int
}

// NewMockPort creates an open MockPort.
func NewMockPort() *MockPort {
	m := &MockPort{}
	m.readCond = sync.NewCond(&m.mu)
	return m
}

// Read returns data added with AddReadData.
func (m *MockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for !m.closed && m.readBuf.Len() == 0 {
		m.readCond.Wait()
	}
	if m.readBuf.Len() > 0 {
		return m.readBuf.Read(p)
	}
	return 0, errors.New("serial port closed")
}

// Write records p.
func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeCalls++
	if m.closed {
		return 0, errors.New("serial port closed")
	}
	if m.WriteError != nil {
		err := m.WriteError
		m.WriteError = nil
		return 0, err
	}
	return m.writeBuf.Write(p)
}

// Close marks the port closed and wakes blocked readers.
func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.readCond.Broadcast()
	return m.CloseError
}

// SetWriteError makes the next Write fail with err.
func (m *MockPort) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteError = err
}

// AddReadData queues controller output.
func (m *MockPort) AddReadData(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBuf.Write(data)
	m.readCond.Broadcast()
}

// Written returns everything written so far and clears it.
func (m *MockPort) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.writeBuf.String()
	m.writeBuf.Reset()
	return s
}

// WriteCalls returns the number of Write calls.
func (m *MockPort) WriteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCalls
}

// Closed reports whether Close was called.
func (m *MockPort) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
