package mapping

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/face.relay/internal/monitoring"
)

// OutputSink applies mapped values to one target. Sinks are called from the
// sampling tick only, never concurrently with themselves.
type OutputSink interface {
	// SetChannel applies one scalar to the channel at index.
	SetChannel(index int, value float32) error
	// SetOrientation applies a composed rotation to the target's transform.
	SetOrientation(q quat.Number) error
}

// Flusher is implemented by sinks that buffer values and commit them once
// per sample.
type Flusher interface {
	Flush() error
}

// Router delivers samples to the sinks attached to each target. Sink errors
// are counted and logged at a bounded rate; they never reach the caller.
type Router struct {
	mu     sync.RWMutex
	sinks  map[string][]OutputSink
	errors atomic.Int64
	errLog *monitoring.Throttle
}

// NewRouter creates a Router with no sinks. Sink errors are logged at most
// once per logInterval.
func NewRouter(logInterval time.Duration) *Router {
	return &Router{
		sinks:  make(map[string][]OutputSink),
		errLog: monitoring.NewThrottle(logInterval),
	}
}

// Attach adds a sink for target. A target may have several sinks.
func (r *Router) Attach(target string, sink OutputSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[target] = append(r.sinks[target], sink)
}

// Targets lists the targets that have at least one sink.
func (r *Router) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sinks))
	for t := range r.sinks {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Errors returns the number of sink errors seen so far.
func (r *Router) Errors() int64 {
	return r.errors.Load()
}

// Apply routes every channel of s to its target's sinks, then the head
// rotation, then flushes the sinks of every target that was written.
// Channels whose target has no sink are skipped.
func (r *Router) Apply(s Sample) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var touched []string
	mark := func(target string) {
		if len(r.sinks[target]) > 0 && !slices.Contains(touched, target) {
			touched = append(touched, target)
		}
	}

	for _, id := range s.ChannelIDs() {
		for _, sink := range r.sinks[id.Target] {
			r.check(id.Target, sink.SetChannel(id.Index, s.Channels[id]))
		}
		mark(id.Target)
	}
	if s.HasRotation {
		for _, sink := range r.sinks[s.HeadTarget] {
			r.check(s.HeadTarget, sink.SetOrientation(s.Rotation))
		}
		mark(s.HeadTarget)
	}
	for _, target := range touched {
		for _, sink := range r.sinks[target] {
			if f, ok := sink.(Flusher); ok {
				r.check(target, f.Flush())
			}
		}
	}
}

func (r *Router) check(target string, err error) {
	if err == nil {
		return
	}
	r.errors.Add(1)
	if r.errLog.Allow() {
		monitoring.Logf("[mapping] sink error on target %q: %v", target, err)
	}
}

// LogSink is an OutputSink that writes the values it receives to the log,
// at most once per interval.
type LogSink struct {
	name     string
	throttle *monitoring.Throttle
	values   map[int]float32
	rotation *quat.Number
}

// NewLogSink creates a LogSink labelled name.
func NewLogSink(name string, interval time.Duration) *LogSink {
	return &LogSink{
		name:     name,
		throttle: monitoring.NewThrottle(interval),
		values:   make(map[int]float32),
	}
}

// SetChannel implements OutputSink.
func (l *LogSink) SetChannel(index int, value float32) error {
	l.values[index] = value
	return nil
}

// SetOrientation implements OutputSink.
func (l *LogSink) SetOrientation(q quat.Number) error {
	l.rotation = &q
	return nil
}

// Flush implements Flusher.
func (l *LogSink) Flush() error {
	if len(l.values) == 0 && l.rotation == nil {
		return nil
	}
	if l.throttle.Allow() {
		monitoring.Logf("[sink/%s] %s", l.name, l.line())
	}
	clear(l.values)
	l.rotation = nil
	return nil
}

func (l *LogSink) line() string {
	idx := make([]int, 0, len(l.values))
	for i := range l.values {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	parts := make([]string, 0, len(idx)+1)
	for _, i := range idx {
		parts = append(parts, fmt.Sprintf("[%d]=%.2f", i, l.values[i]))
	}
	if q := l.rotation; q != nil {
		parts = append(parts, fmt.Sprintf("rot=(%.3f, %.3f, %.3f, %.3f)", q.Real, q.Imag, q.Jmag, q.Kmag))
	}
	return strings.Join(parts, " ")
}
