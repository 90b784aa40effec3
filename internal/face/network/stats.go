package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/face.relay/internal/monitoring"
)

type counters struct {
	packets         int64
	bytes           int64
	decoded         int64
	malformed       int64
	oversized       int64
	transportErrors int64
	forwardDropped  int64
}

// StatsSnapshot is a copy of the listener's counters.
type StatsSnapshot struct {
	Packets         int64     `json:"packets"`
	Bytes           int64     `json:"bytes"`
	Decoded         int64     `json:"decoded"`
	Malformed       int64     `json:"malformed"`
	Oversized       int64     `json:"oversized"`
	TransportErrors int64     `json:"transport_errors"`
	ForwardDropped  int64     `json:"forward_dropped"`
	LastPacket      time.Time `json:"last_packet,omitzero"`
	LastSender      string    `json:"last_sender,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	Uptime          float64   `json:"uptime_seconds"`

	// Rates over the most recent logging interval.
	PacketsPerSec float64 `json:"packets_per_sec"`
	BytesPerSec   float64 `json:"bytes_per_sec"`
}

// PacketStats tracks datagram statistics with thread-safe operations.
// Critical sections are a few field updates; the receive loop never waits
// on a reader for longer than that.
type PacketStats struct {
	mu         sync.Mutex
	total      counters
	interval   counters
	lastReset  time.Time
	startTime  time.Time
	lastPacket time.Time
	lastSender string
	lastError  string
	pps, bps   float64
}

// NewPacketStats creates a new PacketStats instance.
func NewPacketStats() *PacketStats {
	now := time.Now()
	return &PacketStats{lastReset: now, startTime: now}
}

// AddPacket counts one received datagram of the given size.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.total.packets++
	ps.total.bytes += int64(bytes)
	ps.interval.packets++
	ps.interval.bytes += int64(bytes)
	ps.lastPacket = time.Now()
}

// AddDecoded counts a datagram merged into the shared state.
func (ps *PacketStats) AddDecoded() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.total.decoded++
	ps.interval.decoded++
}

// AddMalformed counts a datagram the codec rejected.
func (ps *PacketStats) AddMalformed(err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.total.malformed++
	ps.interval.malformed++
	ps.lastError = err.Error()
}

// AddOversized counts a datagram larger than the configured limit.
func (ps *PacketStats) AddOversized(limit int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.total.oversized++
	ps.interval.oversized++
	ps.lastError = fmt.Sprintf("datagram exceeds %d bytes", limit)
}

// AddTransportError counts a failed receive that was not a shutdown.
func (ps *PacketStats) AddTransportError(err error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.total.transportErrors++
	ps.interval.transportErrors++
	ps.lastError = err.Error()
}

// AddDropped counts a datagram the forwarder could not queue.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.total.forwardDropped++
	ps.interval.forwardDropped++
}

// SetSender records the address of the most recent sender.
func (ps *PacketStats) SetSender(addr *net.UDPAddr) {
	if addr == nil {
		return
	}
	s := addr.String()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.lastSender = s
}

// Snapshot returns the running totals.
func (ps *PacketStats) Snapshot() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return StatsSnapshot{
		Packets:         ps.total.packets,
		Bytes:           ps.total.bytes,
		Decoded:         ps.total.decoded,
		Malformed:       ps.total.malformed,
		Oversized:       ps.total.oversized,
		TransportErrors: ps.total.transportErrors,
		ForwardDropped:  ps.total.forwardDropped,
		LastPacket:      ps.lastPacket,
		LastSender:      ps.lastSender,
		LastError:       ps.lastError,
		Uptime:          time.Since(ps.startTime).Seconds(),
		PacketsPerSec:   ps.pps,
		BytesPerSec:     ps.bps,
	}
}

// getAndReset returns the interval counters and starts a new interval.
func (ps *PacketStats) getAndReset() (c counters, lastErr string, d time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := time.Now()
	d = now.Sub(ps.lastReset)
	c = ps.interval
	lastErr = ps.lastError
	ps.interval = counters{}
	ps.lastReset = now
	if secs := d.Seconds(); secs > 0 {
		ps.pps = float64(c.packets) / secs
		ps.bps = float64(c.bytes) / secs
	}
	return c, lastErr, d
}

// LogStats logs the counters accumulated since the previous call. Nothing is
// logged for a quiet interval.
func (ps *PacketStats) LogStats() {
	c, lastErr, d := ps.getAndReset()
	if c.packets == 0 && c.transportErrors == 0 {
		return
	}
	secs := d.Seconds()
	if secs <= 0 {
		secs = 1
	}
	msg := fmt.Sprintf("[face/listener] stats (/sec): %.1f datagrams, %.2f KB; decoded=%d",
		float64(c.packets)/secs, float64(c.bytes)/secs/1024, c.decoded)
	if bad := c.malformed + c.oversized + c.transportErrors; bad > 0 {
		msg += fmt.Sprintf(" malformed=%d oversized=%d transport_errors=%d (latest: %s)",
			c.malformed, c.oversized, c.transportErrors, lastErr)
	}
	if c.forwardDropped > 0 {
		msg += fmt.Sprintf(", %d dropped on forward", c.forwardDropped)
	}
	monitoring.Logf("%s", msg)
}
