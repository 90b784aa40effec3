// Package mapping turns a tracking snapshot into output channel values and
// a head orientation. Everything here is pure and runs on the sampling
// tick; channel names are resolved to indices once, before the first tick.
package mapping

import (
	"fmt"
	"math"

	"github.com/banshee-data/face.relay/internal/face"
)

// ChannelID is a resolved output channel: an index on a named target (one
// mesh, one servo board, ...).
type ChannelID struct {
	Target string
	Index  int
}

func (c ChannelID) String() string {
	return fmt.Sprintf("%s/%d", c.Target, c.Index)
}

// ChannelRef is an unresolved channel reference as written in
// configuration. A non-negative Index is used as is; otherwise Name is
// looked up in the target's channel list.
type ChannelRef struct {
	Target string `json:"target"`
	Index  int    `json:"index"`
	Name   string `json:"name,omitempty"`
}

// Unset reports whether the reference names no channel at all.
func (r ChannelRef) Unset() bool {
	return r.Index < 0 && r.Name == ""
}

// Range is an inclusive clamp interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Clamp limits v to the range.
func (r Range) Clamp(v float64) float64 {
	return math.Max(r.Min, math.Min(r.Max, v))
}

var (
	unitRange   = Range{Min: 0, Max: 1}
	signedRange = Range{Min: -1, Max: 1}
)

// Binding maps one tracking parameter onto one output channel. The value is
// computed as:
//
//	v = field
//	if Invert:     v = -v
//	if Input:      v = clamp(v, Input)
//	if Complement: v = 1 - v
//	v = v * Scale
//	if Output:     v = clamp(v, Output)
type Binding struct {
	Param      face.Param `json:"param"`
	Channel    ChannelRef `json:"channel"`
	Scale      float64    `json:"scale"`
	Invert     bool       `json:"invert,omitempty"`
	Complement bool       `json:"complement,omitempty"`
	Input      *Range     `json:"input,omitempty"`
	Output     *Range     `json:"output,omitempty"`
}

// Apply computes the channel value for a raw parameter value. A non-finite
// input is replaced by the parameter's neutral value first.
func (b Binding) Apply(v float64) float64 {
	if !face.Finite(v) {
		v = face.NeutralValue(b.Param)
	}
	if b.Invert {
		v = -v
	}
	if b.Input != nil {
		v = b.Input.Clamp(v)
	}
	if b.Complement {
		v = 1 - v
	}
	v *= b.Scale
	if b.Output != nil {
		v = b.Output.Clamp(v)
	}
	return v
}

// Scales are the per-group multipliers of the preset bindings.
type Scales struct {
	MouthOpen    float64
	EyeBlink     float64
	BrowRaise    float64
	HeadRotation float64
}

// DefaultScales returns blendshape weights in percent and unscaled head
// angles.
func DefaultScales() Scales {
	return Scales{
		MouthOpen:    100,
		EyeBlink:     100,
		BrowRaise:    100,
		HeadRotation: 1,
	}
}

// PresetRefs locates the channels driven by the preset bindings.
type PresetRefs struct {
	MouthOpen     ChannelRef
	LeftEyeBlink  ChannelRef
	RightEyeBlink ChannelRef
	LeftBrow      ChannelRef
	RightBrow     ChannelRef
}

// UnsetRef is a reference that leaves a preset channel unmapped.
func UnsetRef(target string) ChannelRef {
	return ChannelRef{Target: target, Index: -1}
}

// SingleMeshRefs puts every preset channel on one target, all unmapped until
// an index or name is filled in.
func SingleMeshRefs(target string) PresetRefs {
	return PresetRefs{
		MouthOpen:     UnsetRef(target),
		LeftEyeBlink:  UnsetRef(target),
		RightEyeBlink: UnsetRef(target),
		LeftBrow:      UnsetRef(target),
		RightBrow:     UnsetRef(target),
	}
}

// MultiMeshRefs is the split layout with separate mouth, eye and brow
// meshes, each carrying its channels from index 0.
func MultiMeshRefs() PresetRefs {
	return PresetRefs{
		MouthOpen:     ChannelRef{Target: "mouth", Index: 0},
		LeftEyeBlink:  ChannelRef{Target: "eyes", Index: 0},
		RightEyeBlink: ChannelRef{Target: "eyes", Index: 1},
		LeftBrow:      ChannelRef{Target: "brows", Index: 0},
		RightBrow:     ChannelRef{Target: "brows", Index: 1},
	}
}

// PresetBindings returns the standard facial bindings: mouth opening,
// blinks as the complement of eye openness, and signed brow raise. Inputs
// are clamped before scaling, so an eye reported 1.3 open still blinks 0.
func PresetBindings(s Scales, refs PresetRefs) []Binding {
	unit, signed := unitRange, signedRange
	return []Binding{
		{Param: face.MouthOpen, Channel: refs.MouthOpen, Scale: s.MouthOpen, Input: &unit},
		{Param: face.LeftEyeOpen, Channel: refs.LeftEyeBlink, Scale: s.EyeBlink, Input: &unit, Complement: true},
		{Param: face.RightEyeOpen, Channel: refs.RightEyeBlink, Scale: s.EyeBlink, Input: &unit, Complement: true},
		{Param: face.BrowLeft, Channel: refs.LeftBrow, Scale: s.BrowRaise, Input: &signed},
		{Param: face.BrowRight, Channel: refs.RightBrow, Scale: s.BrowRaise, Input: &signed},
	}
}
