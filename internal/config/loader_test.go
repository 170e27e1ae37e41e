package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/phoneear/internal/config"
	"github.com/MrWong99/phoneear/internal/driver"
	"github.com/MrWong99/phoneear/pkg/types"
)

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Audio.Source != config.SourcePortAudio {
		t.Errorf("source: got %q, want portaudio", cfg.Audio.Source)
	}
	if cfg.Audio.SampleRate != 44100 || cfg.Audio.BlockSize != 256 {
		t.Errorf("audio: got rate=%d block=%d", cfg.Audio.SampleRate, cfg.Audio.BlockSize)
	}
	if cfg.Analysis.TransformLength != 512 || cfg.Analysis.HopLength != 256 {
		t.Errorf("analysis: got n=%d hop=%d", cfg.Analysis.TransformLength, cfg.Analysis.HopLength)
	}
	if len(cfg.Palette.ToneFrequencies) != 13 || cfg.Palette.ToneFrequencies[0] != 17000 {
		t.Errorf("tone_frequencies: got %v", cfg.Palette.ToneFrequencies)
	}
	d := cfg.Decoder
	if d.ThresholdFactor != 0.9 || d.DecisionSupportThreshold != 4 || d.SlotTickBudget != 10 || d.MinimumSupportFloor != 3 {
		t.Errorf("decoder: got %+v", d)
	}
	if d.TickInterval != 50*time.Millisecond || d.TickClock != driver.ClockWall {
		t.Errorf("tick: got %s/%s", d.TickInterval, d.TickClock)
	}
	if cfg.Output.LogLimit != 100 {
		t.Errorf("log_limit: got %d, want 100", cfg.Output.LogLimit)
	}
}

func TestLoadFromReader_FullDocument(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
audio:
  source: wav
  path: /tmp/message.wav
  sample_rate: 48000
  block_size: 480
  realtime: true
analysis:
  transform_length: 1024
  hop_length: 512
  frames_averaged_per_tick: 2
  weighting_enabled: true
palette:
  sync_hz: 17000
  band_low_hz: 17800
  band_high_hz: 20000
decoder:
  threshold_factor: 1.3
  decision_support_threshold: 7
  slot_tick_budget: 12
  minimum_support_floor: 2
  tick_interval: 40ms
  tick_clock: samples
  paused: true
output:
  log_limit: 10
  spectrum_events: true
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Palette.ToneFrequencies != nil {
		t.Errorf("derived palette must not receive default tones, got %v", cfg.Palette.ToneFrequencies)
	}

	dc := cfg.DriverSpec()
	if dc.BlockSize != 480 || dc.FramesAveragedPerTick != 2 || dc.TickInterval != 40*time.Millisecond {
		t.Errorf("driver spec: got %+v", dc)
	}
	if dc.Clock != driver.ClockSamples || !dc.Paused || !dc.Weighting || !dc.SpectrumEvents {
		t.Errorf("driver flags: got %+v", dc)
	}
	if dc.MaxEmptyReads != config.DefaultMaxEmptyReads {
		t.Errorf("max_empty_reads: got %d", dc.MaxEmptyReads)
	}
	if dc.Decoder.ThresholdFactor != 1.3 || dc.Decoder.DecisionSupportThreshold != 7 ||
		dc.Decoder.SlotTickBudget != 12 || dc.Decoder.MinimumSupportFloor != 2 || dc.Decoder.LogLimit != 10 {
		t.Errorf("decoder spec: got %+v", dc.Decoder)
	}

	sc := cfg.SpectrumSpec()
	if sc.SampleRate != 48000 || sc.TransformLength != 1024 || sc.HopLength != 512 || !sc.Weighting {
		t.Errorf("spectrum spec: got %+v", sc)
	}
	pc := cfg.PaletteSpec()
	if pc.SyncHz != 17000 || pc.BandLowHz != 17800 || pc.BandHighHz != 20000 || len(pc.ComparisonFrequencies) == 0 {
		t.Errorf("palette spec: got %+v", pc)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("decoder:\n  treshold_factor: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
	if !strings.Contains(err.Error(), "treshold_factor") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"source", "audio:\n  source: tape\n", "audio.source"},
		{"wav without path", "audio:\n  source: wav\n", "audio.path"},
		{"sample rate", "audio:\n  sample_rate: 1000\n", "audio.sample_rate"},
		{"channels", "audio:\n  input_channels: 12\n", "audio.input_channels"},
		{"hop", "analysis:\n  hop_length: 2048\n", "analysis.hop_length"},
		{"tone count", "palette:\n  tone_frequencies: [17000, 18000]\n", "tone_frequencies"},
		{"tones above nyquist", "audio:\n  sample_rate: 32000\n", "outside (0, 16000.0) Hz"},
		{"negative threshold", "decoder:\n  threshold_factor: -1\n", "decoder.threshold_factor"},
		{"tick clock", "decoder:\n  tick_clock: sundial\n", "decoder.tick_clock"},
		{"block size", "audio:\n  block_size: -4\n", "audio.block_size"},
		{"empty reads", "audio:\n  max_empty_reads: -1\n", "audio.max_empty_reads"},
		{"origin pattern", "server:\n  allowed_origins: [\"[lan\"]\n", "server.allowed_origins[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error mentioning %q, got nil", tt.want)
			}
			if !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(tt.want)) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
			if !errors.Is(err, types.ErrConfiguration) {
				t.Errorf("error does not match ErrConfiguration: %v", err)
			}
		})
	}
}

func TestValidate_ReportsField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("audio:\n  sample_rate: 1000\n"))
	var cfgErr *types.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want a *types.ConfigurationError", err)
	}
	if cfgErr.Field != "audio.sample_rate" {
		t.Errorf("Field = %q, want audio.sample_rate", cfgErr.Field)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
audio:
  source: tape
decoder:
  slot_tick_budget: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "audio.source", "decoder.slot_tick_budget"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
	if !errors.Is(err, types.ErrConfiguration) {
		t.Error("joined error should match ErrConfiguration through the decoder check")
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "phoneear.yaml")
	if err := os.WriteFile(path, []byte("audio:\n  source: pcm\n  path: \"-\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.Source != config.SourcePCM || cfg.Audio.InputChannels != 1 || cfg.Audio.InputRate != 44100 {
		t.Errorf("audio: got %+v", cfg.Audio)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	def := config.Default()
	def.Server.ListenAddr = ":8080"
	if d := config.Diff(def, cfg); d.HasChanges() {
		t.Errorf("example config differs from the defaults: %+v", d)
	}
}
