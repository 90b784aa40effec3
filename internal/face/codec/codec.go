// Package codec converts between tracking datagrams and face.Frame values.
//
// A datagram is one UTF-8 JSON object:
//
//	{"head":{"pitch":1.5,"yaw":-3,"roll":0.2},
//	 "mouth":{"open":0.8},
//	 "left_eye":{"open":1},"right_eye":{"open":0.9},
//	 "brow":{"left":-0.1,"right":0.1}}
//
// Every object and every value inside it is optional. Keys match exactly, so
// "MOUTH" is not "mouth". Keys the receiver does not know (the sender adds
// "meta") are ignored. Values are not range checked here; clamping happens
// in the mapping layer.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/banshee-data/face.relay/internal/face"
)

// ErrMalformed is matched by every decode failure.
var ErrMalformed = errors.New("malformed tracking datagram")

// DecodeError describes why a datagram was rejected.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %v", ErrMalformed, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s", ErrMalformed, e.Reason)
}

// Unwrap exposes both ErrMalformed and the underlying parse error.
func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformed}
	}
	return []error{ErrMalformed, e.Err}
}

type headObj struct {
	Pitch *float64 `json:"pitch,omitempty"`
	Yaw   *float64 `json:"yaw,omitempty"`
	Roll  *float64 `json:"roll,omitempty"`
}

type openObj struct {
	Open *float64 `json:"open,omitempty"`
}

type browObj struct {
	Left  *float64 `json:"left,omitempty"`
	Right *float64 `json:"right,omitempty"`
}

type packet struct {
	Head     *headObj `json:"head,omitempty"`
	Mouth    *openObj `json:"mouth,omitempty"`
	LeftEye  *openObj `json:"left_eye,omitempty"`
	RightEye *openObj `json:"right_eye,omitempty"`
	Brow     *browObj `json:"brow,omitempty"`
}

// Decode parses one datagram. Fields missing from the payload are left nil
// in the returned frame so the caller can merge instead of overwrite.
func Decode(b []byte) (face.Frame, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return face.Frame{}, &DecodeError{Reason: "empty payload"}
	}
	if !utf8.Valid(trimmed) {
		return face.Frame{}, &DecodeError{Reason: "payload is not valid UTF-8"}
	}
	if trimmed[0] != '{' {
		return face.Frame{}, &DecodeError{Reason: "payload is not a JSON object"}
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return face.Frame{}, &DecodeError{Reason: "invalid JSON", Err: err}
	}

	var f face.Frame
	for _, g := range groups {
		raw, ok := top[g.key]
		if !ok {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return face.Frame{}, &DecodeError{Reason: fmt.Sprintf("%q is not an object", g.key), Err: err}
		}
		for _, l := range g.leaves {
			raw, ok := obj[l.key]
			if !ok {
				continue
			}
			var v *float64
			if err := json.Unmarshal(raw, &v); err != nil {
				return face.Frame{}, &DecodeError{Reason: fmt.Sprintf("%s.%s is not a number", g.key, l.key), Err: err}
			}
			if v != nil {
				f.Set(l.param, *v)
			}
		}
	}
	return f, nil
}

type leaf struct {
	key   string
	param face.Param
}

// groups maps wire keys to params. encoding/json matches struct tags
// case-insensitively, so Decode walks the raw keys instead.
var groups = []struct {
	key    string
	leaves []leaf
}{
	{"head", []leaf{{"pitch", face.HeadPitch}, {"yaw", face.HeadYaw}, {"roll", face.HeadRoll}}},
	{"mouth", []leaf{{"open", face.MouthOpen}}},
	{"left_eye", []leaf{{"open", face.LeftEyeOpen}}},
	{"right_eye", []leaf{{"open", face.RightEyeOpen}}},
	{"brow", []leaf{{"left", face.BrowLeft}, {"right", face.BrowRight}}},
}

// Encode renders f as a datagram, omitting absent fields and any object left
// empty. Non-finite values cannot be represented and are an error.
func Encode(f face.Frame) ([]byte, error) {
	for _, p := range f.Present() {
		if v, _ := f.Get(p); !face.Finite(v) {
			return nil, fmt.Errorf("cannot encode non-finite %s value %v", p, v)
		}
	}

	var pkt packet
	if f.HeadPitch != nil || f.HeadYaw != nil || f.HeadRoll != nil {
		pkt.Head = &headObj{Pitch: f.HeadPitch, Yaw: f.HeadYaw, Roll: f.HeadRoll}
	}
	if f.MouthOpen != nil {
		pkt.Mouth = &openObj{Open: f.MouthOpen}
	}
	if f.LeftEyeOpen != nil {
		pkt.LeftEye = &openObj{Open: f.LeftEyeOpen}
	}
	if f.RightEyeOpen != nil {
		pkt.RightEye = &openObj{Open: f.RightEyeOpen}
	}
	if f.BrowLeft != nil || f.BrowRight != nil {
		pkt.Brow = &browObj{Left: f.BrowLeft, Right: f.BrowRight}
	}

	b, err := json.Marshal(pkt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tracking frame: %w", err)
	}
	return b, nil
}

// EncodeSnapshot renders a complete snapshot, every field present.
func EncodeSnapshot(s face.Snapshot) ([]byte, error) {
	var f face.Frame
	for _, p := range face.Params() {
		f.Set(p, s.Value(p))
	}
	return Encode(f)
}
