package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/face.relay/internal/face"
	"github.com/banshee-data/face.relay/internal/face/mapping"
	"github.com/banshee-data/face.relay/internal/servo"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestEmptyConfigDefaults(t *testing.T) {
	cfg := EmptyFaceConfig()

	if got := cfg.GetListenPort(); got != 5065 {
		t.Errorf("GetListenPort() = %d, want 5065", got)
	}
	if got := cfg.GetRcvBuf(); got != 256*1024 {
		t.Errorf("GetRcvBuf() = %d, want %d", got, 256*1024)
	}
	if got := cfg.GetMaxDatagramBytes(); got != 4096 {
		t.Errorf("GetMaxDatagramBytes() = %d, want 4096", got)
	}
	if got := cfg.GetStopTimeout(); got != 200*time.Millisecond {
		t.Errorf("GetStopTimeout() = %v, want 200ms", got)
	}
	if got := cfg.GetLogInterval(); got != time.Minute {
		t.Errorf("GetLogInterval() = %v, want 1m", got)
	}
	if got := cfg.GetSampleRateHz(); got != 60 {
		t.Errorf("GetSampleRateHz() = %v, want 60", got)
	}
	if got := cfg.GetHistorySize(); got != 600 {
		t.Errorf("GetHistorySize() = %d, want 600", got)
	}
	if got := cfg.GetHeadTarget(); got != "head" {
		t.Errorf("GetHeadTarget() = %q, want head", got)
	}
	if cfg.GetForwardAddr() != "" || cfg.GetGRPCListen() != "" || cfg.GetHTTPListen() != "" || cfg.GetSerialPort() != "" {
		t.Error("optional outputs should default to disabled")
	}
	if cfg.GetLogSink() {
		t.Error("GetLogSink() should default to false")
	}
	if diff := cmp.Diff(mapping.DefaultScales(), cfg.Scales()); diff != "" {
		t.Errorf("Scales() mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should be valid: %v", err)
	}
}

func TestDefaultFaceConfigMatchesGetters(t *testing.T) {
	def := DefaultFaceConfig()
	empty := EmptyFaceConfig()

	if def.GetListenPort() != empty.GetListenPort() ||
		def.GetStopTimeout() != empty.GetStopTimeout() ||
		def.GetLogInterval() != empty.GetLogInterval() ||
		def.GetSampleRateHz() != empty.GetSampleRateHz() ||
		def.GetHeadTarget() != empty.GetHeadTarget() {
		t.Error("DefaultFaceConfig disagrees with the getter fallbacks")
	}
	if err := def.Validate(); err != nil {
		t.Errorf("DefaultFaceConfig() invalid: %v", err)
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()

	if cfg.GetListenPort() != DefaultListenPort {
		t.Errorf("listen_port = %d, want %d", cfg.GetListenPort(), DefaultListenPort)
	}
	m, errs, err := cfg.BuildMapper()
	if err != nil {
		t.Fatalf("BuildMapper() error = %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("default config has resolution errors: %v", errs)
	}

	got := make(map[string]string)
	for _, rb := range m.Bindings() {
		got[rb.Param.String()] = rb.ID.String()
	}
	want := map[string]string{
		"mouthOpen":    "face/0",
		"leftEyeOpen":  "face/1",
		"rightEyeOpen": "face/2",
		"browLeft":     "face/3",
		"browRight":    "face/4",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("resolved channels mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_Partial(t *testing.T) {
	path := writeConfig(t, "face.json", `{
  "listen_port": 6000,
  "stop_timeout": "50ms",
  "mouth_open_scale": 1,
  "grpc_listen": "localhost:50061",
  "serial_port": "/dev/ttyACM0",
  "serial": {"baud_rate": 57600},
  "servo_deadband": 2
}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.GetListenPort() != 6000 {
		t.Errorf("GetListenPort() = %d, want 6000", cfg.GetListenPort())
	}
	if cfg.GetStopTimeout() != 50*time.Millisecond {
		t.Errorf("GetStopTimeout() = %v, want 50ms", cfg.GetStopTimeout())
	}
	if cfg.Scales().MouthOpen != 1 || cfg.Scales().EyeBlink != 100 {
		t.Errorf("Scales() = %+v", cfg.Scales())
	}
	if cfg.GetGRPCListen() != "localhost:50061" {
		t.Errorf("GetGRPCListen() = %q", cfg.GetGRPCListen())
	}
	if diff := cmp.Diff(servo.PortOptions{BaudRate: 57600}, cfg.GetSerialOptions()); diff != "" {
		t.Errorf("GetSerialOptions() mismatch (-want +got):\n%s", diff)
	}
	if cfg.GetServoSinkConfig().Deadband != 2 {
		t.Errorf("servo deadband = %v, want 2", cfg.GetServoSinkConfig().Deadband)
	}
	// untouched fields keep their defaults
	if cfg.GetSampleRateHz() != DefaultSampleRateHz {
		t.Errorf("GetSampleRateHz() = %v, want default", cfg.GetSampleRateHz())
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "face.yaml", `{}`, ".json extension"},
		{"bad json", "face.json", `{"listen_port": }`, "failed to parse"},
		{"unknown type", "face.json", `{"listen_port": "x"}`, "failed to parse"},
		{"invalid port", "face.json", `{"listen_port": 70000}`, "listen_port"},
		{"invalid duration", "face.json", `{"stop_timeout": "soon"}`, "stop_timeout"},
		{"zero rate", "face.json", `{"sample_rate_hz": 0}`, "sample_rate_hz"},
		{"bad layout", "face.json", `{"preset": {"layout": "triple"}}`, "preset layout"},
		{"bad parity", "face.json", `{"serial": {"parity": "mark"}}`, "serial"},
		{"unknown param", "face.json", `{"bindings": [{"param": "noseWiggle", "target": "face", "index": 0}]}`, "bindings[0]"},
		{"binding without target", "face.json", `{"bindings": [{"param": "mouthOpen", "index": 0}]}`, "no target"},
		{"inverted range", "face.json", `{"bindings": [{"param": "mouthOpen", "target": "face", "index": 0, "input_min": 1, "input_max": 0}]}`, "greater than max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.file, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadConfig_TooLarge(t *testing.T) {
	body := `{"bind_address": "` + strings.Repeat("x", 1024*1024) + `"}`
	if _, err := LoadConfig(writeConfig(t, "big.json", body)); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected too large error, got %v", err)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := &FaceConfig{
		ListenPort:   ptrInt(-1),
		HistorySize:  ptrInt(0),
		SampleRateHz: ptrFloat64(5000),
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"listen_port", "history_size", "sample_rate_hz"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidate_NonFiniteScale(t *testing.T) {
	cfg := &FaceConfig{MouthOpenScale: ptrFloat64(math.Inf(1))}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for infinite scale")
	}
}

func TestPresetRefs(t *testing.T) {
	idx := 7
	tests := []struct {
		name string
		cfg  *FaceConfig
		want mapping.PresetRefs
	}{
		{
			name: "no preset leaves single target unmapped",
			cfg:  EmptyFaceConfig(),
			want: mapping.SingleMeshRefs("face"),
		},
		{
			name: "multi layout",
			cfg:  &FaceConfig{Preset: &PresetConfig{Layout: LayoutMulti}},
			want: mapping.MultiMeshRefs(),
		},
		{
			name: "overrides keep the layout target unless given",
			cfg: &FaceConfig{Preset: &PresetConfig{
				Target:    "avatar",
				MouthOpen: &ChannelRefConfig{Index: &idx, Name: "ignored"},
				LeftBrow:  &ChannelRefConfig{Target: "brows", Name: "up"},
			}},
			want: func() mapping.PresetRefs {
				r := mapping.SingleMeshRefs("avatar")
				r.MouthOpen = mapping.ChannelRef{Target: "avatar", Index: 7, Name: "ignored"}
				r.LeftBrow = mapping.ChannelRef{Target: "brows", Index: -1, Name: "up"}
				return r
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.cfg.PresetRefs()); diff != "" {
				t.Errorf("PresetRefs() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildBindings_Explicit(t *testing.T) {
	zero, one := 0, 1
	cfg := &FaceConfig{
		Bindings: []BindingConfig{
			{Param: "headYaw", Target: "neck", Index: &zero, Scale: ptrFloat64(2), Invert: true, OutputMin: ptrFloat64(-90), OutputMax: ptrFloat64(90)},
			{Param: "mouthOpen", Target: "jaw", Index: &one, InputMax: ptrFloat64(0.5)},
		},
	}
	got, err := cfg.BuildBindings()
	if err != nil {
		t.Fatalf("BuildBindings() error = %v", err)
	}
	want := []mapping.Binding{
		{
			Param:   face.HeadYaw,
			Channel: mapping.ChannelRef{Target: "neck", Index: 0},
			Scale:   2,
			Invert:  true,
			Output:  &mapping.Range{Min: -90, Max: 90},
		},
		{
			Param:   face.MouthOpen,
			Channel: mapping.ChannelRef{Target: "jaw", Index: 1},
			Scale:   1,
			Input:   &mapping.Range{Min: math.Inf(-1), Max: 0.5},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("BuildBindings() mismatch (-want +got):\n%s", diff)
	}

	if v := got[0].Apply(60); v != -90 {
		t.Errorf("yaw 60 inverted, doubled and clamped = %v, want -90", v)
	}
}

func TestBuildMapper_ResolutionErrorsAreNotFatal(t *testing.T) {
	cfg := &FaceConfig{
		Targets: map[string][]string{"face": {"jawOpen"}},
		Bindings: []BindingConfig{
			{Param: "mouthOpen", Target: "face", Name: "jawOpen", Scale: ptrFloat64(100)},
			{Param: "browLeft", Target: "face", Name: "browUp"},
		},
		HeadTarget: ptrString(""),
	}
	m, errs, err := cfg.BuildMapper()
	if err != nil {
		t.Fatalf("BuildMapper() error = %v", err)
	}
	if len(errs) != 1 {
		t.Fatalf("got %d resolution errors, want 1: %v", len(errs), errs)
	}
	if len(m.Bindings()) != 1 {
		t.Fatalf("got %d bindings, want 1", len(m.Bindings()))
	}

	s := face.Neutral()
	s.MouthOpen = 0.4
	out := m.Sample(s)
	if got := out.Channels[mapping.ChannelID{Target: "face", Index: 0}]; got != 40 {
		t.Errorf("face/0 = %v, want 40", got)
	}
	if out.HasRotation {
		t.Error("empty head_target should disable rotation")
	}
}
