package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/face.relay/internal/monitoring"
)

// DropCounter records datagrams the forwarder had to drop.
type DropCounter interface {
	AddDropped()
}

// PacketForwarder mirrors received datagrams to another address, for example
// a second avatar host on the same network. Queueing never blocks the
// receive loop: when the queue is full the datagram is dropped and counted.
type PacketForwarder struct {
	conn        net.Conn
	channel     chan []byte
	stats       DropCounter
	logInterval time.Duration
	address     string
	closeOnce   sync.Once
	done        chan struct{}
}

// NewPacketForwarder creates a forwarder sending to address ("host:port").
func NewPacketForwarder(address string, stats DropCounter, logInterval time.Duration) (*PacketForwarder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}
	return newPacketForwarder(conn, address, stats, logInterval), nil
}

func newPacketForwarder(conn net.Conn, address string, stats DropCounter, logInterval time.Duration) *PacketForwarder {
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, 256),
		stats:       stats,
		logInterval: logInterval,
		address:     address,
		done:        make(chan struct{}),
	}
}

// SetStats replaces the drop counter. Call before Start.
func (f *PacketForwarder) SetStats(stats DropCounter) {
	f.stats = stats
}

// Address returns the forwarding destination.
func (f *PacketForwarder) Address() string {
	return f.address
}

// Start runs the sending goroutine until ctx is done or Close is called.
func (f *PacketForwarder) Start(ctx context.Context) {
	go func() {
		failed := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case packet := <-f.channel:
				if _, err := f.conn.Write(packet); err != nil {
					failed++
					lastError = err
				}
			case <-ticker.C:
				if failed > 0 && lastError != nil {
					monitoring.Logf("[face/forwarder] %d datagrams to %s failed (latest: %v)", failed, f.address, lastError)
					failed = 0
					lastError = nil
				}
			}
		}
	}()

	monitoring.Logf("[face/forwarder] mirroring datagrams to %s", f.address)
}

// ForwardAsync queues a copy of packet for sending, dropping it if the queue
// is full.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	cp := make([]byte, len(packet))
	copy(cp, packet)

	select {
	case f.channel <- cp:
	default:
		if f.stats != nil {
			f.stats.AddDropped()
		}
	}
}

// Close stops the sending goroutine and closes the connection.
func (f *PacketForwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		err = f.conn.Close()
	})
	return err
}
