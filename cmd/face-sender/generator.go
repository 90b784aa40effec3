package main

import (
	"math"

	"github.com/banshee-data/face.relay/internal/face"
)

const (
	blinkPeriod   = 4.0  // seconds between blinks
	blinkDuration = 0.15 // seconds the eyes stay shut
	changeEpsilon = 1e-4
)

// synthetic returns a smoothly moving face t seconds into the run.
func synthetic(t float64) face.Snapshot {
	wave := func(amp, hz, phase float64) float64 {
		return amp * math.Sin(2*math.Pi*hz*t+phase)
	}
	eyes := 1.0
	if math.Mod(t, blinkPeriod) >= blinkPeriod-blinkDuration {
		eyes = 0
	}
	return face.Snapshot{
		HeadPitch:    wave(10, 0.2, 0),
		HeadYaw:      wave(25, 0.1, 0),
		HeadRoll:     wave(5, 0.3, 0),
		MouthOpen:    0.5 + wave(0.5, 0.5, 0),
		LeftEyeOpen:  eyes,
		RightEyeOpen: eyes,
		BrowLeft:     wave(0.6, 0.25, 0),
		BrowRight:    wave(0.6, 0.25, math.Pi/4),
	}
}

// frameFor builds the datagram frame for cur. With partial set, only the
// parameters that moved since prev are included; a nil prev sends all.
func frameFor(cur face.Snapshot, prev *face.Snapshot, partial bool) face.Frame {
	var f face.Frame
	for _, p := range face.Params() {
		v := cur.Value(p)
		if partial && prev != nil && math.Abs(v-prev.Value(p)) < changeEpsilon {
			continue
		}
		f.Set(p, v)
	}
	return f
}
