// Package config loads the receiver configuration from JSON. Every field
// is optional; the Get* methods supply defaults for anything left out, so a
// partial file is safe.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/banshee-data/face.relay/internal/face"
	"github.com/banshee-data/face.relay/internal/face/mapping"
	"github.com/banshee-data/face.relay/internal/servo"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/face.defaults.json"

const (
	DefaultListenPort       = 5065
	DefaultRcvBuf           = 256 * 1024
	DefaultMaxDatagramBytes = 4096
	DefaultStopTimeout      = 200 * time.Millisecond
	DefaultLogInterval      = time.Minute
	DefaultSampleRateHz     = 60.0
	DefaultHistorySize      = 600
	DefaultHeadTarget       = "head"
	DefaultPresetTarget     = "face"
)

// Preset layouts.
const (
	LayoutSingle = "single" // every preset channel on one target
	LayoutMulti  = "multi"  // separate mouth, eyes and brows targets
)

// FaceConfig is the root receiver configuration.
type FaceConfig struct {
	// Listener
	ListenPort       *int    `json:"listen_port,omitempty"`
	BindAddress      *string `json:"bind_address,omitempty"`
	RcvBuf           *int    `json:"rcv_buf,omitempty"`
	MaxDatagramBytes *int    `json:"max_datagram_bytes,omitempty"`
	StopTimeout      *string `json:"stop_timeout,omitempty"` // duration string like "200ms"
	LogInterval      *string `json:"log_interval,omitempty"` // duration string like "1m"
	ForwardAddr      *string `json:"forward_addr,omitempty"`

	// Sampler
	SampleRateHz *float64 `json:"sample_rate_hz,omitempty"`
	HistorySize  *int     `json:"history_size,omitempty"`

	// Mapping
	MouthOpenScale    *float64            `json:"mouth_open_scale,omitempty"`
	EyeBlinkScale     *float64            `json:"eye_blink_scale,omitempty"`
	BrowRaiseScale    *float64            `json:"brow_raise_scale,omitempty"`
	HeadRotationScale *float64            `json:"head_rotation_scale,omitempty"`
	HeadTarget        *string             `json:"head_target,omitempty"`
	Targets           map[string][]string `json:"targets,omitempty"`
	Preset            *PresetConfig       `json:"preset,omitempty"`
	Bindings          []BindingConfig     `json:"bindings,omitempty"`

	// Outputs
	GRPCListen    *string            `json:"grpc_listen,omitempty"`
	HTTPListen    *string            `json:"http_listen,omitempty"`
	SerialPort    *string            `json:"serial_port,omitempty"`
	Serial        *servo.PortOptions `json:"serial,omitempty"`
	SerialTargets []string           `json:"serial_targets,omitempty"`
	ServoDeadband *float64           `json:"servo_deadband,omitempty"`
	LogSink       *bool              `json:"log_sink,omitempty"`
}

// ChannelRefConfig locates one channel. Index wins over Name when both are
// given.
type ChannelRefConfig struct {
	Target string `json:"target,omitempty"`
	Index  *int   `json:"index,omitempty"`
	Name   string `json:"name,omitempty"`
}

// PresetConfig places the standard mouth, blink and brow bindings. It is
// used only when no explicit bindings are configured.
type PresetConfig struct {
	Layout        string            `json:"layout,omitempty"` // "single" (default) or "multi"
	Target        string            `json:"target,omitempty"` // single layout target
	MouthOpen     *ChannelRefConfig `json:"mouth_open,omitempty"`
	LeftEyeBlink  *ChannelRefConfig `json:"left_eye_blink,omitempty"`
	RightEyeBlink *ChannelRefConfig `json:"right_eye_blink,omitempty"`
	LeftBrow      *ChannelRefConfig `json:"left_brow,omitempty"`
	RightBrow     *ChannelRefConfig `json:"right_brow,omitempty"`
}

// BindingConfig is one explicit parameter to channel binding.
type BindingConfig struct {
	Param      string   `json:"param"`
	Target     string   `json:"target"`
	Index      *int     `json:"index,omitempty"`
	Name       string   `json:"name,omitempty"`
	Scale      *float64 `json:"scale,omitempty"` // default 1
	Invert     bool     `json:"invert,omitempty"`
	Complement bool     `json:"complement,omitempty"`
	InputMin   *float64 `json:"input_min,omitempty"`
	InputMax   *float64 `json:"input_max,omitempty"`
	OutputMin  *float64 `json:"output_min,omitempty"`
	OutputMax  *float64 `json:"output_max,omitempty"`
}

func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }

// EmptyFaceConfig returns a FaceConfig with every field unset.
func EmptyFaceConfig() *FaceConfig {
	return &FaceConfig{}
}

// DefaultFaceConfig returns a FaceConfig with the listener, sampler and
// scale defaults filled in explicitly.
func DefaultFaceConfig() *FaceConfig {
	s := mapping.DefaultScales()
	return &FaceConfig{
		ListenPort:        ptrInt(DefaultListenPort),
		BindAddress:       ptrString(""),
		RcvBuf:            ptrInt(DefaultRcvBuf),
		MaxDatagramBytes:  ptrInt(DefaultMaxDatagramBytes),
		StopTimeout:       ptrString(DefaultStopTimeout.String()),
		LogInterval:       ptrString(DefaultLogInterval.String()),
		SampleRateHz:      ptrFloat64(DefaultSampleRateHz),
		HistorySize:       ptrInt(DefaultHistorySize),
		MouthOpenScale:    ptrFloat64(s.MouthOpen),
		EyeBlinkScale:     ptrFloat64(s.EyeBlink),
		BrowRaiseScale:    ptrFloat64(s.BrowRaise),
		HeadRotationScale: ptrFloat64(s.HeadRotation),
		HeadTarget:        ptrString(DefaultHeadTarget),
	}
}

// LoadConfig loads a FaceConfig from a JSON file. The file must have a
// .json extension and be under 1MB.
func LoadConfig(path string) (*FaceConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyFaceConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *FaceConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/face/*
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set. All problems are reported
// together.
func (c *FaceConfig) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.ListenPort != nil && (*c.ListenPort < 0 || *c.ListenPort > 65535) {
		add("listen_port must be between 0 and 65535, got %d", *c.ListenPort)
	}
	if c.RcvBuf != nil && *c.RcvBuf < 0 {
		add("rcv_buf must be non-negative, got %d", *c.RcvBuf)
	}
	if c.MaxDatagramBytes != nil && (*c.MaxDatagramBytes < 64 || *c.MaxDatagramBytes > 65507) {
		add("max_datagram_bytes must be between 64 and 65507, got %d", *c.MaxDatagramBytes)
	}
	for name, s := range map[string]*string{"stop_timeout": c.StopTimeout, "log_interval": c.LogInterval} {
		if s == nil || *s == "" {
			continue
		}
		if d, err := time.ParseDuration(*s); err != nil {
			add("invalid %s '%s': %w", name, *s, err)
		} else if d <= 0 {
			add("%s must be positive, got %s", name, *s)
		}
	}
	if c.SampleRateHz != nil && (*c.SampleRateHz <= 0 || *c.SampleRateHz > 1000) {
		add("sample_rate_hz must be in (0, 1000], got %g", *c.SampleRateHz)
	}
	if c.HistorySize != nil && *c.HistorySize <= 0 {
		add("history_size must be positive, got %d", *c.HistorySize)
	}
	for name, v := range map[string]*float64{
		"mouth_open_scale":    c.MouthOpenScale,
		"eye_blink_scale":     c.EyeBlinkScale,
		"brow_raise_scale":    c.BrowRaiseScale,
		"head_rotation_scale": c.HeadRotationScale,
		"servo_deadband":      c.ServoDeadband,
	} {
		if v != nil && !face.Finite(*v) {
			add("%s must be finite", name)
		}
	}
	if c.ServoDeadband != nil && *c.ServoDeadband < 0 {
		add("servo_deadband must be non-negative, got %g", *c.ServoDeadband)
	}
	if c.Preset != nil {
		switch c.Preset.Layout {
		case "", LayoutSingle, LayoutMulti:
		default:
			add("preset layout must be %q or %q, got %q", LayoutSingle, LayoutMulti, c.Preset.Layout)
		}
	}
	for i, b := range c.Bindings {
		if _, err := b.Binding(); err != nil {
			add("bindings[%d]: %w", i, err)
		}
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			add("serial: %w", err)
		}
	}

	// map iteration above is unordered
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

// Binding converts the configuration into a mapping binding.
func (b BindingConfig) Binding() (mapping.Binding, error) {
	p, err := face.ParseParam(b.Param)
	if err != nil {
		return mapping.Binding{}, err
	}
	if b.Target == "" {
		return mapping.Binding{}, fmt.Errorf("binding for %s has no target", b.Param)
	}
	out := mapping.Binding{
		Param:      p,
		Channel:    ChannelRefConfig{Target: b.Target, Index: b.Index, Name: b.Name}.Ref(b.Target),
		Scale:      1,
		Invert:     b.Invert,
		Complement: b.Complement,
	}
	if b.Scale != nil {
		if !face.Finite(*b.Scale) {
			return mapping.Binding{}, fmt.Errorf("binding for %s has non-finite scale", b.Param)
		}
		out.Scale = *b.Scale
	}
	if out.Input, err = rangeOf(b.InputMin, b.InputMax); err != nil {
		return mapping.Binding{}, fmt.Errorf("binding for %s input: %w", b.Param, err)
	}
	if out.Output, err = rangeOf(b.OutputMin, b.OutputMax); err != nil {
		return mapping.Binding{}, fmt.Errorf("binding for %s output: %w", b.Param, err)
	}
	return out, nil
}

func rangeOf(lo, hi *float64) (*mapping.Range, error) {
	if lo == nil && hi == nil {
		return nil, nil
	}
	r := mapping.Range{Min: math.Inf(-1), Max: math.Inf(1)}
	if lo != nil {
		r.Min = *lo
	}
	if hi != nil {
		r.Max = *hi
	}
	if r.Min > r.Max {
		return nil, fmt.Errorf("min %g is greater than max %g", r.Min, r.Max)
	}
	return &r, nil
}

// Ref converts the configuration into a channel reference, defaulting the
// target.
func (r ChannelRefConfig) Ref(defaultTarget string) mapping.ChannelRef {
	ref := mapping.UnsetRef(defaultTarget)
	if r.Target != "" {
		ref.Target = r.Target
	}
	if r.Index != nil {
		ref.Index = *r.Index
	}
	ref.Name = r.Name
	return ref
}

// GetListenPort returns the listen_port value or the default.
func (c *FaceConfig) GetListenPort() int {
	if c.ListenPort == nil {
		return DefaultListenPort
	}
	return *c.ListenPort
}

// GetBindAddress returns the bind_address value or "" (all interfaces).
func (c *FaceConfig) GetBindAddress() string {
	if c.BindAddress == nil {
		return ""
	}
	return *c.BindAddress
}

// GetRcvBuf returns the rcv_buf value or the default.
func (c *FaceConfig) GetRcvBuf() int {
	if c.RcvBuf == nil {
		return DefaultRcvBuf
	}
	return *c.RcvBuf
}

// GetMaxDatagramBytes returns the max_datagram_bytes value or the default.
func (c *FaceConfig) GetMaxDatagramBytes() int {
	if c.MaxDatagramBytes == nil {
		return DefaultMaxDatagramBytes
	}
	return *c.MaxDatagramBytes
}

func parseDuration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetStopTimeout parses and returns stop_timeout.
func (c *FaceConfig) GetStopTimeout() time.Duration {
	return parseDuration(c.StopTimeout, DefaultStopTimeout)
}

// GetLogInterval parses and returns log_interval.
func (c *FaceConfig) GetLogInterval() time.Duration {
	return parseDuration(c.LogInterval, DefaultLogInterval)
}

// GetSampleRateHz returns the sample_rate_hz value or the default.
func (c *FaceConfig) GetSampleRateHz() float64 {
	if c.SampleRateHz == nil {
		return DefaultSampleRateHz
	}
	return *c.SampleRateHz
}

// GetHistorySize returns the history_size value or the default.
func (c *FaceConfig) GetHistorySize() int {
	if c.HistorySize == nil {
		return DefaultHistorySize
	}
	return *c.HistorySize
}

// GetHeadTarget returns the target receiving the head rotation. An empty
// string disables rotation output.
func (c *FaceConfig) GetHeadTarget() string {
	if c.HeadTarget == nil {
		return DefaultHeadTarget
	}
	return *c.HeadTarget
}

func orString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// GetForwardAddr returns the datagram mirror address, or "" when disabled.
func (c *FaceConfig) GetForwardAddr() string { return orString(c.ForwardAddr) }

// GetGRPCListen returns the stream sink address, or "" when disabled.
func (c *FaceConfig) GetGRPCListen() string { return orString(c.GRPCListen) }

// GetHTTPListen returns the monitor address, or "" when disabled.
func (c *FaceConfig) GetHTTPListen() string { return orString(c.HTTPListen) }

// GetSerialPort returns the servo port path, or "" when disabled.
func (c *FaceConfig) GetSerialPort() string { return orString(c.SerialPort) }

// GetSerialOptions returns the servo port options.
func (c *FaceConfig) GetSerialOptions() servo.PortOptions {
	if c.Serial == nil {
		return servo.PortOptions{}
	}
	return *c.Serial
}

// GetServoSinkConfig returns the servo line output settings.
func (c *FaceConfig) GetServoSinkConfig() servo.SinkConfig {
	sc := servo.DefaultSinkConfig()
	if c.ServoDeadband != nil {
		sc.Deadband = *c.ServoDeadband
	}
	return sc
}

// GetLogSink reports whether channel values are also logged.
func (c *FaceConfig) GetLogSink() bool {
	return c.LogSink != nil && *c.LogSink
}

// Scales returns the preset scale factors.
func (c *FaceConfig) Scales() mapping.Scales {
	s := mapping.DefaultScales()
	if c.MouthOpenScale != nil {
		s.MouthOpen = *c.MouthOpenScale
	}
	if c.EyeBlinkScale != nil {
		s.EyeBlink = *c.EyeBlinkScale
	}
	if c.BrowRaiseScale != nil {
		s.BrowRaise = *c.BrowRaiseScale
	}
	if c.HeadRotationScale != nil {
		s.HeadRotation = *c.HeadRotationScale
	}
	return s
}

// HeadConfig returns the mapper's head orientation settings.
func (c *FaceConfig) HeadConfig() mapping.HeadConfig {
	return mapping.HeadConfig{Target: c.GetHeadTarget(), Scale: c.Scales().HeadRotation}
}

// PresetRefs returns where the preset bindings write.
func (c *FaceConfig) PresetRefs() mapping.PresetRefs {
	p := c.Preset
	if p == nil {
		p = &PresetConfig{}
	}
	var refs mapping.PresetRefs
	if p.Layout == LayoutMulti {
		refs = mapping.MultiMeshRefs()
	} else {
		target := p.Target
		if target == "" {
			target = DefaultPresetTarget
		}
		refs = mapping.SingleMeshRefs(target)
	}

	overlay := func(dst *mapping.ChannelRef, src *ChannelRefConfig) {
		if src != nil {
			*dst = src.Ref(dst.Target)
		}
	}
	overlay(&refs.MouthOpen, p.MouthOpen)
	overlay(&refs.LeftEyeBlink, p.LeftEyeBlink)
	overlay(&refs.RightEyeBlink, p.RightEyeBlink)
	overlay(&refs.LeftBrow, p.LeftBrow)
	overlay(&refs.RightBrow, p.RightBrow)
	return refs
}

// BuildBindings returns the explicit bindings, or the preset bindings when
// none are configured.
func (c *FaceConfig) BuildBindings() ([]mapping.Binding, error) {
	if len(c.Bindings) == 0 {
		return mapping.PresetBindings(c.Scales(), c.PresetRefs()), nil
	}
	out := make([]mapping.Binding, 0, len(c.Bindings))
	for i, bc := range c.Bindings {
		b, err := bc.Binding()
		if err != nil {
			return nil, fmt.Errorf("bindings[%d]: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Catalogs returns the configured channel lists by target.
func (c *FaceConfig) Catalogs() map[string]mapping.ChannelCatalog {
	out := make(map[string]mapping.ChannelCatalog, len(c.Targets))
	for target, names := range c.Targets {
		out[target] = mapping.NameList(names)
	}
	return out
}

// BuildMapper resolves the bindings against the configured catalogs.
// Resolution problems are returned alongside the mapper; they leave the
// affected bindings out but are not fatal.
func (c *FaceConfig) BuildMapper() (*mapping.Mapper, []error, error) {
	bindings, err := c.BuildBindings()
	if err != nil {
		return nil, nil, err
	}
	resolved, errs := mapping.Resolve(bindings, c.Catalogs())
	return mapping.NewMapper(resolved, c.HeadConfig()), errs, nil
}
