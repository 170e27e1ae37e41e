package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/phoneear/internal/decoder"
	"github.com/MrWong99/phoneear/internal/driver"
	"github.com/MrWong99/phoneear/internal/palette"
	"github.com/MrWong99/phoneear/pkg/types"
)

// Defaults of the original receiver: 44.1 kHz capture analysed by a
// 512-point transform, ten 50 ms ticks per slot.
const (
	DefaultSampleRate            = 44100
	DefaultBlockSize             = 256
	DefaultTransformLength       = 512
	DefaultFramesAveragedPerTick = 1
	DefaultTickInterval          = 50 * time.Millisecond
	DefaultMaxEmptyReads         = 200
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults, and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.Source == "" {
		a.Source = SourcePortAudio
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.BlockSize == 0 {
		a.BlockSize = DefaultBlockSize
	}
	if a.MaxEmptyReads == 0 {
		a.MaxEmptyReads = DefaultMaxEmptyReads
	}
	if a.InputChannels == 0 {
		a.InputChannels = 1
	}
	if a.InputRate == 0 {
		a.InputRate = a.SampleRate
	}

	an := &cfg.Analysis
	if an.TransformLength == 0 {
		an.TransformLength = DefaultTransformLength
	}
	if an.HopLength == 0 {
		an.HopLength = an.TransformLength / 2
	}
	if an.FramesAveragedPerTick == 0 {
		an.FramesAveragedPerTick = DefaultFramesAveragedPerTick
	}

	p := &cfg.Palette
	if len(p.ToneFrequencies) == 0 && p.SyncHz == 0 && p.BandLowHz == 0 && p.BandHighHz == 0 {
		p.ToneFrequencies = slices.Clone(palette.DefaultToneFrequencies)
	}
	if len(p.ComparisonBandFrequencies) == 0 {
		p.ComparisonBandFrequencies = slices.Clone(palette.DefaultComparisonFrequencies)
	}

	def := decoder.DefaultConfig()
	d := &cfg.Decoder
	if d.ThresholdFactor == 0 {
		d.ThresholdFactor = def.ThresholdFactor
	}
	if d.DecisionSupportThreshold == 0 {
		d.DecisionSupportThreshold = def.DecisionSupportThreshold
	}
	if d.SlotTickBudget == 0 {
		d.SlotTickBudget = def.SlotTickBudget
	}
	if d.MinimumSupportFloor == 0 {
		d.MinimumSupportFloor = def.MinimumSupportFloor
	}
	if d.TickInterval == 0 {
		d.TickInterval = DefaultTickInterval
	}
	if d.TickClock == "" {
		d.TickClock = driver.ClockWall
	}

	if cfg.Output.LogLimit == 0 {
		cfg.Output.LogLimit = def.LogLimit
	}
}

// invalid reports a bad value for field as a [*types.ConfigurationError].
func invalid(field, format string, args ...any) error {
	return &types.ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found; each
// matches [types.ErrConfiguration].
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, invalid("server.log_level", "%q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	for i, p := range cfg.Server.AllowedOrigins {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, invalid(fmt.Sprintf("server.allowed_origins[%d]", i), "%q is not a valid pattern", p))
		}
	}

	// Audio
	a := cfg.Audio
	if !a.Source.IsValid() {
		errs = append(errs, invalid("audio.source", "%q is invalid; valid values: wav, pcm, portaudio", a.Source))
	}
	if a.Source == SourceWAV && a.Path == "" {
		errs = append(errs, invalid("audio.path", "required when source is wav"))
	}
	if a.Source != SourcePortAudio && a.Device != "" {
		slog.Warn("audio.device is ignored for non-microphone sources", "source", a.Source, "device", a.Device)
	}
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		errs = append(errs, invalid("audio.sample_rate", "%d is out of range [8000, 192000]", a.SampleRate))
	}
	if a.InputRate < 0 {
		errs = append(errs, invalid("audio.input_rate", "%d must not be negative", a.InputRate))
	}
	if a.InputChannels < 0 || a.InputChannels > 8 {
		errs = append(errs, invalid("audio.input_channels", "%d is out of range [1, 8]", a.InputChannels))
	}

	// Analysis
	an := cfg.Analysis
	if an.HopLength < 0 || an.HopLength > an.TransformLength {
		errs = append(errs, invalid("analysis.hop_length", "%d is out of range (0, %d]", an.HopLength, an.TransformLength))
	}

	// Palette: building it checks frequency count, Nyquist, bin collisions
	// and the comparison band in one place.
	if _, err := palette.New(cfg.PaletteSpec()); err != nil {
		errs = append(errs, err)
	}

	// Decoder and driver ranges.
	if err := cfg.DriverSpec().Validate(); err != nil {
		errs = append(errs, err)
	}
	d := cfg.Decoder
	if d.DecisionSupportThreshold > d.SlotTickBudget {
		slog.Warn("decoder.decision_support_threshold exceeds slot_tick_budget; every slot will close by timeout",
			"support", d.DecisionSupportThreshold,
			"budget", d.SlotTickBudget,
		)
	}
	if d.TickClock == driver.ClockWall && a.Source == SourceWAV && !a.Realtime {
		slog.Warn("wall tick clock with unthrottled WAV replay decodes unreliably; set decoder.tick_clock: samples or audio.realtime: true")
	}

	return errors.Join(errs...)
}
