// Package servo drives animatronic servo controllers over a serial line.
//
// Each sample is written as plain text lines, one per changed value:
//
//	S<index>=<value>
//	R<w>,<x>,<y>,<z>
//
// S lines carry mapped channel values, the R line the head orientation as
// a unit quaternion. When one sink serves several targets, see Attach for
// how their channels share the index space. Lines for one sample are buffered and written together
// on Flush.
package servo

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/face.relay/internal/face/mapping"
	"github.com/banshee-data/face.relay/internal/monitoring"
)

// ErrWriteFailed wraps every port write failure.
var ErrWriteFailed = errors.New("failed to write to servo controller")

// Ensure Sink is usable by the mapping router.
var (
	_ mapping.OutputSink = (*Sink)(nil)
	_ mapping.Flusher    = (*Sink)(nil)
	_ mapping.OutputSink = (*targetSink)(nil)
	_ mapping.Flusher    = (*targetSink)(nil)
)

// SinkConfig tunes the line output.
type SinkConfig struct {
	Deadband         float64 // channel changes smaller than this are not sent
	RotationDeadband float64 // per-component quaternion deadband
	Precision        int     // decimals for channel values
}

// DefaultSinkConfig returns the defaults used by the receiver.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		Deadband:         0.5,
		RotationDeadband: 0.001,
		Precision:        2,
	}
}

// Sink is a mapping.OutputSink writing to a servo controller.
type Sink struct {
	port Port
	cfg  SinkConfig

	mu      sync.Mutex
	pending bytes.Buffer
	last    map[int]float32
	lastRot *quat.Number
	writes  int64
	closed  bool
}

// NewSink wraps an open port.
func NewSink(port Port, cfg SinkConfig) *Sink {
	if cfg.Precision <= 0 {
		cfg.Precision = DefaultSinkConfig().Precision
	}
	return &Sink{
		port: port,
		cfg:  cfg,
		last: make(map[int]float32),
	}
}

// Open opens the port at path with open and wraps it in a Sink.
func Open(open Opener, path string, opts PortOptions, cfg SinkConfig) (*Sink, error) {
	if open == nil {
		open = OpenSerial
	}
	port, err := open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open servo port %s: %w", path, err)
	}
	return NewSink(port, cfg), nil
}

// SetChannel queues a channel value.
func (s *Sink) SetChannel(index int, value float32) error {
	if index < 0 {
		return fmt.Errorf("servo channel index %d out of range", index)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.last[index]; ok && math.Abs(float64(value-prev)) < s.cfg.Deadband {
		return nil
	}
	s.last[index] = value
	s.pending.WriteByte('S')
	s.pending.WriteString(strconv.Itoa(index))
	s.pending.WriteByte('=')
	s.pending.WriteString(strconv.FormatFloat(float64(value), 'f', s.cfg.Precision, 32))
	s.pending.WriteByte('\n')
	return nil
}

// Attach attaches the sink to r for each of targets. The controller has one
// flat channel space, so each target is numbered from its own base in
// target order, wide enough for the highest index channels uses on it.
// With mouth/0, eyes/0 and eyes/1, mouth/0 is S0 and the eyes are S1 and
// S2. Attach returns the base of every target.
func (s *Sink) Attach(r *mapping.Router, targets []string, channels []mapping.ChannelID) map[string]int {
	width := make(map[string]int)
	for _, id := range channels {
		if id.Index+1 > width[id.Target] {
			width[id.Target] = id.Index + 1
		}
	}
	bases := make(map[string]int, len(targets))
	next := 0
	for _, target := range targets {
		if _, ok := bases[target]; ok {
			continue
		}
		bases[target] = next
		r.Attach(target, &targetSink{sink: s, base: next})
		next += width[target]
	}
	return bases
}

// targetSink shifts one target's channel indices into the sink's space.
type targetSink struct {
	sink *Sink
	base int
}

func (t *targetSink) SetChannel(index int, value float32) error {
	if index < 0 {
		return fmt.Errorf("servo channel index %d out of range", index)
	}
	return t.sink.SetChannel(t.base+index, value)
}

func (t *targetSink) SetOrientation(q quat.Number) error { return t.sink.SetOrientation(q) }

func (t *targetSink) Flush() error { return t.sink.Flush() }

// SetOrientation queues the head orientation.
func (s *Sink) SetOrientation(q quat.Number) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastRot != nil && !rotationMoved(*s.lastRot, q, s.cfg.RotationDeadband) {
		return nil
	}
	s.lastRot = &q
	fmt.Fprintf(&s.pending, "R%.4f,%.4f,%.4f,%.4f\n", q.Real, q.Imag, q.Jmag, q.Kmag)
	return nil
}

func rotationMoved(a, b quat.Number, deadband float64) bool {
	return math.Abs(a.Real-b.Real) >= deadband ||
		math.Abs(a.Imag-b.Imag) >= deadband ||
		math.Abs(a.Jmag-b.Jmag) >= deadband ||
		math.Abs(a.Kmag-b.Kmag) >= deadband
}

// Flush writes the queued lines. After a failed write the last sent values
// are forgotten so the next sample resends everything.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.Len() == 0 {
		return nil
	}
	if s.closed {
		s.pending.Reset()
		return fmt.Errorf("%w: sink closed", ErrWriteFailed)
	}
	_, err := s.port.Write(s.pending.Bytes())
	s.pending.Reset()
	if err != nil {
		clear(s.last)
		s.lastRot = nil
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	s.writes++
	return nil
}

// Writes returns the number of successful port writes.
func (s *Sink) Writes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Monitor logs the controller's status lines until ctx is done or the port
// is closed. Lines are logged at most once per interval.
func (s *Sink) Monitor(ctx context.Context, interval time.Duration) error {
	throttle := monitoring.NewThrottle(interval)
	lines := make(chan string)
	errc := make(chan error, 1)

	go func() {
		scan := bufio.NewScanner(s.port)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if throttle.Allow() {
				monitoring.Logf("[servo] controller: %s", line)
			}
		}
	}
}

// Close closes the port. Later flushes fail.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}
