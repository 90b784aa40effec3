package mapping

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/num/quat"

	"github.com/banshee-data/face.relay/internal/face"
)

// HeadConfig configures the composed head orientation. An empty Target
// disables it.
type HeadConfig struct {
	Target string
	Scale  float64
}

// Sample is the output of one mapping pass.
type Sample struct {
	Channels map[ChannelID]float32

	// Rotation is the head orientation as a unit quaternion. It is only
	// meaningful when HasRotation is set.
	Rotation    quat.Number
	HasRotation bool
	HeadTarget  string
}

// ChannelIDs returns the sample's channels in target, then index order.
func (s Sample) ChannelIDs() []ChannelID {
	ids := make([]ChannelID, 0, len(s.Channels))
	for id := range s.Channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Target != ids[j].Target {
			return ids[i].Target < ids[j].Target
		}
		return ids[i].Index < ids[j].Index
	})
	return ids
}

// Mapper applies a fixed set of resolved bindings. It holds no mutable
// state and is safe for concurrent use.
type Mapper struct {
	bindings []ResolvedBinding
	head     HeadConfig
}

// NewMapper creates a Mapper. When two bindings drive the same channel the
// later one wins.
func NewMapper(bindings []ResolvedBinding, head HeadConfig) *Mapper {
	bs := make([]ResolvedBinding, len(bindings))
	copy(bs, bindings)
	return &Mapper{bindings: bs, head: head}
}

// Bindings returns the resolved bindings in evaluation order.
func (m *Mapper) Bindings() []ResolvedBinding {
	out := make([]ResolvedBinding, len(m.bindings))
	copy(out, m.bindings)
	return out
}

// Head returns the head orientation settings.
func (m *Mapper) Head() HeadConfig { return m.head }

// Sample maps one snapshot. It never fails; bad inputs produce neutral
// outputs.
func (m *Mapper) Sample(s face.Snapshot) Sample {
	out := Sample{Channels: make(map[ChannelID]float32, len(m.bindings))}
	for _, rb := range m.bindings {
		out.Channels[rb.ID] = float32(rb.Apply(s.Value(rb.Param)))
	}
	if m.head.Target != "" {
		out.Rotation = HeadRotation(s.HeadPitch, s.HeadYaw, s.HeadRoll, m.head.Scale)
		out.HasRotation = true
		out.HeadTarget = m.head.Target
	}
	return out
}

// HeadRotation composes pitch, yaw and roll, given in degrees and each
// multiplied by scale, into one orientation. The rotations are intrinsic and
// applied in that order: pitch about X, then yaw about the new Y, then roll
// about the new Z. Non-finite angles count as zero.
func HeadRotation(pitch, yaw, roll, scale float64) quat.Number {
	qx := axisAngle(quat.Number{Imag: 1}, degToRad(pitch*scale))
	qy := axisAngle(quat.Number{Jmag: 1}, degToRad(yaw*scale))
	qz := axisAngle(quat.Number{Kmag: 1}, degToRad(roll*scale))
	return quat.Mul(quat.Mul(qx, qy), qz)
}

// axisAngle returns the rotation of angle radians about the unit axis.
func axisAngle(axis quat.Number, angle float64) quat.Number {
	if !face.Finite(angle) {
		angle = 0
	}
	s, c := math.Sincos(angle / 2)
	return quat.Number{
		Real: c,
		Imag: axis.Imag * s,
		Jmag: axis.Jmag * s,
		Kmag: axis.Kmag * s,
	}
}

func degToRad(d float64) float64 {
	return d * math.Pi / 180
}
