package mapping

import (
	"fmt"
	"strings"

	"github.com/banshee-data/face.relay/internal/face"
	"github.com/banshee-data/face.relay/internal/monitoring"
)

// ChannelCatalog enumerates the channels a target exposes, in index order.
type ChannelCatalog interface {
	ChannelNames() []string
}

// NameList is a ChannelCatalog backed by a slice.
type NameList []string

// ChannelNames implements ChannelCatalog.
func (n NameList) ChannelNames() []string { return n }

// ResolvedBinding is a binding whose channel has been fixed to an index.
type ResolvedBinding struct {
	Binding
	ID ChannelID
}

// ResolutionError reports a binding that could not be attached to a
// channel. It is not fatal: the binding is left out and that channel stays
// inert for the session.
type ResolutionError struct {
	Param  face.Param
	Target string
	Name   string
	Index  int
	Reason string
}

func (e *ResolutionError) Error() string {
	ref := e.Name
	if ref == "" {
		ref = fmt.Sprintf("#%d", e.Index)
	}
	return fmt.Sprintf("%s: channel %s on target %q: %s", e.Param, ref, e.Target, e.Reason)
}

// Resolve fixes every binding to a channel index. A non-negative index wins
// over a name; names match exactly, case included. Bindings with neither are
// dropped silently. Bindings that fail to resolve are dropped and reported
// in the returned errors.
func Resolve(bindings []Binding, catalogs map[string]ChannelCatalog) ([]ResolvedBinding, []error) {
	var (
		out  []ResolvedBinding
		errs []error
	)
	for _, b := range bindings {
		ref := b.Channel
		fail := func(reason string) {
			errs = append(errs, &ResolutionError{
				Param:  b.Param,
				Target: ref.Target,
				Name:   ref.Name,
				Index:  ref.Index,
				Reason: reason,
			})
		}

		if !b.Param.Valid() {
			fail("unknown tracking parameter")
			continue
		}
		if ref.Unset() {
			continue
		}

		catalog, known := catalogs[ref.Target]
		if ref.Index >= 0 {
			if known && ref.Index >= len(catalog.ChannelNames()) {
				fail(fmt.Sprintf("index out of range (target has %d channels)", len(catalog.ChannelNames())))
				continue
			}
			out = append(out, ResolvedBinding{Binding: b, ID: ChannelID{Target: ref.Target, Index: ref.Index}})
			continue
		}

		if !known {
			fail("target has no channel list to resolve names against")
			continue
		}
		idx := indexOf(catalog.ChannelNames(), ref.Name)
		if idx < 0 {
			fail("name not found")
			continue
		}
		out = append(out, ResolvedBinding{Binding: b, ID: ChannelID{Target: ref.Target, Index: idx}})
	}
	return out, errs
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// LogResolution writes one line summarising the resolved channels and one
// line per resolution failure.
func LogResolution(resolved []ResolvedBinding, errs []error) {
	parts := make([]string, 0, len(resolved))
	for _, rb := range resolved {
		parts = append(parts, fmt.Sprintf("%s=%s", rb.Param, rb.ID))
	}
	monitoring.Logf("[mapping] resolved %d channel(s): %s", len(resolved), strings.Join(parts, ", "))
	for _, err := range errs {
		monitoring.Logf("[mapping] Warning: unmapped %v", err)
	}
}
