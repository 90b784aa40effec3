// Package state holds the latest merged tracking values shared between the
// listener goroutine (writer) and the sampling tick (reader).
//
// Each parameter lives in its own atomic word, so neither side ever waits on
// the other. A snapshot may combine values from different, temporally close
// datagrams; parameters are independent and nothing requires a consistent
// cut across them. This is latest-value state, not a queue: a fast writer
// overwrites, a slow reader sees the newest values.
package state

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/face.relay/internal/face"
)

// State is the merged tracking state. Create it with New; the zero value
// holds zeros rather than the neutral face.
type State struct {
	values  [face.NumParams]atomic.Uint64
	version atomic.Uint64
	updated atomic.Int64
}

// New returns a State holding the neutral face.
func New() *State {
	s := &State{}
	s.Reset()
	return s
}

// Reset restores the neutral face and clears the update counters.
func (s *State) Reset() {
	for i := range s.values {
		s.values[i].Store(math.Float64bits(face.NeutralValue(face.Param(i))))
	}
	s.version.Store(0)
	s.updated.Store(0)
}

// Update merges the present fields of f. Absent fields keep their value.
// It reports whether anything was written.
func (s *State) Update(f face.Frame) bool {
	wrote := false
	for i := range s.values {
		if v, ok := f.Get(face.Param(i)); ok {
			s.values[i].Store(math.Float64bits(v))
			wrote = true
		}
	}
	if wrote {
		s.updated.Store(time.Now().UnixNano())
		s.version.Add(1)
	}
	return wrote
}

// Snapshot returns a fully populated copy of the current values.
func (s *State) Snapshot() face.Snapshot {
	var snap face.Snapshot
	for i := range s.values {
		snap.SetValue(face.Param(i), math.Float64frombits(s.values[i].Load()))
	}
	return snap
}

// Value returns the current value of a single parameter.
func (s *State) Value(p face.Param) float64 {
	if !p.Valid() {
		return 0
	}
	return math.Float64frombits(s.values[p].Load())
}

// Version counts the updates merged since the last Reset.
func (s *State) Version() uint64 {
	return s.version.Load()
}

// UpdatedAt returns when the last update was merged, or the zero time if
// none has been since the last Reset.
func (s *State) UpdatedAt() time.Time {
	ns := s.updated.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
