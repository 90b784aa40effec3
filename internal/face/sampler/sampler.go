// Package sampler runs the periodic tick that reads the shared tracking
// state, maps it and hands the result to the output sinks. The tick never
// waits on the network side and never fails: a bad sink is logged and the
// next tick runs as usual.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/face.relay/internal/face"
	"github.com/banshee-data/face.relay/internal/face/mapping"
	"github.com/banshee-data/face.relay/internal/monitoring"
	"github.com/banshee-data/face.relay/internal/timeutil"
)

const (
	// DefaultRateHz matches a typical render loop.
	DefaultRateHz = 60
	// DefaultHistorySize keeps ten seconds at the default rate.
	DefaultHistorySize = 600
)

// Snapshotter is the read side of the shared tracking state.
type Snapshotter interface {
	Snapshot() face.Snapshot
	Version() uint64
}

// Applier receives every mapped sample, typically a *mapping.Router.
type Applier interface {
	Apply(mapping.Sample)
}

// Record is the result of one tick.
type Record struct {
	Seq      uint64
	Time     time.Time
	Version  uint64 // state version the snapshot was taken at
	Snapshot face.Snapshot
	Sample   mapping.Sample
}

// Observer is notified after every tick. Observers run on the tick and must
// not block.
type Observer interface {
	Observe(Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Record)

// Observe implements Observer.
func (f ObserverFunc) Observe(r Record) { f(r) }

// Config configures a Sampler.
type Config struct {
	Source      Snapshotter
	Mapper      *mapping.Mapper
	Output      Applier        // optional
	RateHz      float64        // ticks per second for Run
	HistorySize int            // records kept for History
	Clock       timeutil.Clock // optional: for testing
	LogInterval time.Duration  // panic log throttling
}

// Sampler maps the shared state on every tick.
type Sampler struct {
	source   Snapshotter
	mapper   *mapping.Mapper
	output   Applier
	interval time.Duration
	clock    timeutil.Clock
	errLog   *monitoring.Throttle

	seq    atomic.Uint64
	panics atomic.Uint64

	mu        sync.RWMutex
	observers []Observer
	history   *ring
	running   bool
}

// New creates a Sampler.
func New(cfg Config) (*Sampler, error) {
	if cfg.Source == nil {
		return nil, errors.New("sampler: nil state source")
	}
	if cfg.Mapper == nil {
		return nil, errors.New("sampler: nil mapper")
	}
	rate := cfg.RateHz
	if rate == 0 {
		rate = DefaultRateHz
	}
	if rate < 0 || rate > 1000 {
		return nil, fmt.Errorf("sampler: rate %.1f Hz out of range (0, 1000]", rate)
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	logInterval := cfg.LogInterval
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &Sampler{
		source:   cfg.Source,
		mapper:   cfg.Mapper,
		output:   cfg.Output,
		interval: time.Duration(float64(time.Second) / rate),
		clock:    clock,
		errLog:   monitoring.NewThrottle(logInterval),
		history:  newRing(size),
	}, nil
}

// Interval returns the time between ticks in Run.
func (s *Sampler) Interval() time.Duration { return s.interval }

// AddObserver registers o for every subsequent tick.
func (s *Sampler) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Tick takes one snapshot, maps it and delivers the result. It is safe to
// call from a host's own frame loop instead of Run, but not from two
// goroutines at once.
func (s *Sampler) Tick() Record {
	version := s.source.Version()
	snap := s.source.Snapshot()
	rec := Record{
		Seq:      s.seq.Add(1),
		Time:     s.clock.Now(),
		Version:  version,
		Snapshot: snap,
		Sample:   s.mapper.Sample(snap),
	}

	if s.output != nil {
		s.guard("output", func() { s.output.Apply(rec.Sample) })
	}

	s.mu.Lock()
	s.history.push(rec)
	observers := s.observers
	s.mu.Unlock()

	for _, o := range observers {
		s.guard("observer", func() { o.Observe(rec) })
	}
	return rec
}

// guard runs fn, recovering and logging a panic so the tick survives it.
func (s *Sampler) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			if s.errLog.Allow() {
				monitoring.Logf("[sampler] Panic in %s: %v", what, r)
			}
		}
	}()
	fn()
}

// Run ticks at the configured rate until ctx is done. It returns
// ctx.Err().
func (s *Sampler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("sampler: already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	monitoring.Logf("[sampler] ticking every %v", s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.Tick()
		}
	}
}

// Ticks returns the number of ticks so far.
func (s *Sampler) Ticks() uint64 { return s.seq.Load() }

// Panics returns the number of recovered sink or observer panics.
func (s *Sampler) Panics() uint64 { return s.panics.Load() }

// Latest returns the most recent record.
func (s *Sampler) Latest() (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.last()
}

// History returns up to the last n records, oldest first. n <= 0 returns
// everything kept.
func (s *Sampler) History(n int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.tail(n)
}

// Mapper returns the mapper the sampler applies.
func (s *Sampler) Mapper() *mapping.Mapper { return s.mapper }

// ring is a fixed-capacity buffer of the newest records.
type ring struct {
	buf   []Record
	next  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Record, size)}
}

func (r *ring) push(rec Record) {
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) last() (Record, bool) {
	if r.count == 0 {
		return Record{}, false
	}
	return r.buf[(r.next-1+len(r.buf))%len(r.buf)], true
}

func (r *ring) tail(n int) []Record {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]Record, n)
	start := (r.next - n + len(r.buf)) % len(r.buf)
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}
