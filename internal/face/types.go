package face

import (
	"fmt"
	"math"
)

// Param identifies one tracked facial parameter.
type Param int

const (
	HeadPitch Param = iota
	HeadYaw
	HeadRoll
	MouthOpen
	LeftEyeOpen
	RightEyeOpen
	BrowLeft
	BrowRight

	// NumParams is the number of tracked parameters.
	NumParams = int(BrowRight) + 1
)

var paramNames = [NumParams]string{
	HeadPitch:    "headPitch",
	HeadYaw:      "headYaw",
	HeadRoll:     "headRoll",
	MouthOpen:    "mouthOpen",
	LeftEyeOpen:  "leftEyeOpen",
	RightEyeOpen: "rightEyeOpen",
	BrowLeft:     "browLeft",
	BrowRight:    "browRight",
}

// neutral face: head level, eyes open, mouth closed, brows at rest.
var neutralValues = [NumParams]float64{
	LeftEyeOpen:  1,
	RightEyeOpen: 1,
}

// Params lists every parameter in index order.
func Params() []Param {
	ps := make([]Param, NumParams)
	for i := range ps {
		ps[i] = Param(i)
	}
	return ps
}

// Valid reports whether p names a known parameter.
func (p Param) Valid() bool {
	return p >= 0 && int(p) < NumParams
}

func (p Param) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Param(%d)", int(p))
	}
	return paramNames[p]
}

// ParseParam returns the parameter with the given name. Matching is exact.
func ParseParam(name string) (Param, error) {
	for i, n := range paramNames {
		if n == name {
			return Param(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tracking parameter %q", name)
}

// MarshalText implements encoding.TextMarshaler so parameters appear by name
// in JSON configuration.
func (p Param) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid tracking parameter %d", int(p))
	}
	return []byte(paramNames[p]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Param) UnmarshalText(b []byte) error {
	v, err := ParseParam(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// NeutralValue returns the value p takes before any update has been seen.
func NeutralValue(p Param) float64 {
	if !p.Valid() {
		return 0
	}
	return neutralValues[p]
}

// Frame is a partial update decoded from one datagram. A nil field was not
// present in the datagram and must leave the held value untouched.
// Head angles are in degrees.
type Frame struct {
	HeadPitch    *float64
	HeadYaw      *float64
	HeadRoll     *float64
	MouthOpen    *float64
	LeftEyeOpen  *float64
	RightEyeOpen *float64
	BrowLeft     *float64
	BrowRight    *float64
}

// Float returns a pointer to v, for building frames.
func Float(v float64) *float64 { return &v }

func (f *Frame) field(p Param) **float64 {
	switch p {
	case HeadPitch:
		return &f.HeadPitch
	case HeadYaw:
		return &f.HeadYaw
	case HeadRoll:
		return &f.HeadRoll
	case MouthOpen:
		return &f.MouthOpen
	case LeftEyeOpen:
		return &f.LeftEyeOpen
	case RightEyeOpen:
		return &f.RightEyeOpen
	case BrowLeft:
		return &f.BrowLeft
	case BrowRight:
		return &f.BrowRight
	}
	return nil
}

// Get returns the value carried for p and whether it was present.
func (f Frame) Get(p Param) (float64, bool) {
	ptr := f.field(p)
	if ptr == nil || *ptr == nil {
		return 0, false
	}
	return **ptr, true
}

// Set marks p as present with value v.
func (f *Frame) Set(p Param, v float64) {
	if ptr := f.field(p); ptr != nil {
		*ptr = Float(v)
	}
}

// Clear marks p as absent.
func (f *Frame) Clear(p Param) {
	if ptr := f.field(p); ptr != nil {
		*ptr = nil
	}
}

// Present lists the parameters carried by f in index order.
func (f Frame) Present() []Param {
	var ps []Param
	for i := 0; i < NumParams; i++ {
		if _, ok := f.Get(Param(i)); ok {
			ps = append(ps, Param(i))
		}
	}
	return ps
}

// Empty reports whether f carries no values at all.
func (f Frame) Empty() bool {
	return len(f.Present()) == 0
}

// Snapshot is a fully populated, point-in-time copy of the merged tracking
// state. Head angles are in degrees.
type Snapshot struct {
	HeadPitch    float64 `json:"head_pitch"`
	HeadYaw      float64 `json:"head_yaw"`
	HeadRoll     float64 `json:"head_roll"`
	MouthOpen    float64 `json:"mouth_open"`
	LeftEyeOpen  float64 `json:"left_eye_open"`
	RightEyeOpen float64 `json:"right_eye_open"`
	BrowLeft     float64 `json:"brow_left"`
	BrowRight    float64 `json:"brow_right"`
}

// Neutral returns the snapshot of a face at rest.
func Neutral() Snapshot {
	var s Snapshot
	for i := 0; i < NumParams; i++ {
		s.SetValue(Param(i), neutralValues[i])
	}
	return s
}

func (s *Snapshot) field(p Param) *float64 {
	switch p {
	case HeadPitch:
		return &s.HeadPitch
	case HeadYaw:
		return &s.HeadYaw
	case HeadRoll:
		return &s.HeadRoll
	case MouthOpen:
		return &s.MouthOpen
	case LeftEyeOpen:
		return &s.LeftEyeOpen
	case RightEyeOpen:
		return &s.RightEyeOpen
	case BrowLeft:
		return &s.BrowLeft
	case BrowRight:
		return &s.BrowRight
	}
	return nil
}

// Value returns the held value of p.
func (s Snapshot) Value(p Param) float64 {
	if ptr := s.field(p); ptr != nil {
		return *ptr
	}
	return 0
}

// SetValue overwrites the held value of p.
func (s *Snapshot) SetValue(p Param, v float64) {
	if ptr := s.field(p); ptr != nil {
		*ptr = v
	}
}

// Merge applies the present fields of f, leaving the others untouched.
func (s *Snapshot) Merge(f Frame) {
	for i := 0; i < NumParams; i++ {
		if v, ok := f.Get(Param(i)); ok {
			s.SetValue(Param(i), v)
		}
	}
}

// Map returns the snapshot keyed by parameter name.
func (s Snapshot) Map() map[string]float64 {
	m := make(map[string]float64, NumParams)
	for i := 0; i < NumParams; i++ {
		m[paramNames[i]] = s.Value(Param(i))
	}
	return m
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
