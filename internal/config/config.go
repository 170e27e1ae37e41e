// Package config provides the configuration schema, loader, and hot-reload
// watcher for the phoneear receiver.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/phoneear/internal/decoder"
	"github.com/MrWong99/phoneear/internal/driver"
	"github.com/MrWong99/phoneear/internal/palette"
	"github.com/MrWong99/phoneear/pkg/spectrum"
)

// LogLevel controls log verbosity for the phoneear server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// SourceKind selects the capture backend.
type SourceKind string

const (
	// SourceWAV replays a WAV recording from Audio.Path.
	SourceWAV SourceKind = "wav"

	// SourcePCM reads raw little-endian 16-bit PCM from Audio.Path, or stdin
	// when the path is "-" or empty.
	SourcePCM SourceKind = "pcm"

	// SourcePortAudio captures from a microphone. Requires a binary built
	// with the "portaudio" tag.
	SourcePortAudio SourceKind = "portaudio"
)

// IsValid reports whether k is a recognised source kind.
func (k SourceKind) IsValid() bool {
	return k == SourceWAV || k == SourcePCM || k == SourcePortAudio
}

// Config is the root configuration structure for phoneear.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Palette  PaletteConfig  `yaml:"palette"`
	Decoder  DecoderConfig  `yaml:"decoder"`
	Output   OutputConfig   `yaml:"output"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP API, health and metrics
	// endpoints (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists host patterns (path.Match syntax) of browser
	// origins allowed to open the event stream from another site.
	// Same-origin pages are always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AudioConfig selects and parameterises the capture source.
type AudioConfig struct {
	Source SourceKind `yaml:"source"`

	// Path is the WAV file for "wav", or the PCM stream for "pcm".
	Path string `yaml:"path"`

	// Device is a substring of the PortAudio input device name. Empty
	// selects the default input.
	Device string `yaml:"device"`

	// SampleRate is the rate in Hz at which samples reach the analysis.
	// File and stream inputs are resampled to it.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the number of samples per read.
	BlockSize int `yaml:"block_size"`

	// MaxEmptyReads is the number of consecutive empty reads tolerated
	// before the session fails. Zero disables the limit.
	MaxEmptyReads int `yaml:"max_empty_reads"`

	// InputRate and InputChannels describe a raw PCM stream. Zero means
	// SampleRate and mono.
	InputRate     int `yaml:"input_rate"`
	InputChannels int `yaml:"input_channels"`

	// Realtime throttles WAV replay to real time.
	Realtime bool `yaml:"realtime"`
}

// AnalysisConfig holds the spectral engine parameters.
type AnalysisConfig struct {
	TransformLength       int  `yaml:"transform_length"`
	HopLength             int  `yaml:"hop_length"`
	FramesAveragedPerTick int  `yaml:"frames_averaged_per_tick"`
	WeightingEnabled      bool `yaml:"weighting_enabled"`
}

// PaletteConfig holds the tone frequencies in Hz.
type PaletteConfig struct {
	// ToneFrequencies lists 13 frequencies in role order: sync, start,
	// digit 0…9, end. When empty the tones are derived from SyncHz and the
	// band limits.
	ToneFrequencies []float64 `yaml:"tone_frequencies"`

	SyncHz     float64 `yaml:"sync_hz"`
	BandLowHz  float64 `yaml:"band_low_hz"`
	BandHighHz float64 `yaml:"band_high_hz"`

	// ComparisonBandFrequencies lists the noise-baseline frequencies.
	ComparisonBandFrequencies []float64 `yaml:"comparison_band_frequencies"`
}

// DecoderConfig holds the voting and state machine parameters.
type DecoderConfig struct {
	ThresholdFactor          float64          `yaml:"threshold_factor"`
	DecisionSupportThreshold int              `yaml:"decision_support_threshold"`
	SlotTickBudget           int              `yaml:"slot_tick_budget"`
	MinimumSupportFloor      int              `yaml:"minimum_support_floor"`
	TickInterval             time.Duration    `yaml:"tick_interval"`
	TickClock                driver.TickClock `yaml:"tick_clock"`

	// Paused starts the receiver paused. Hot-reloadable.
	Paused bool `yaml:"paused"`
}

// OutputConfig controls what the receiver reports.
type OutputConfig struct {
	// LogLimit bounds the running message log.
	LogLimit int `yaml:"log_limit"`

	// SpectrumEvents enables per-tick spectrum events for the console level
	// display and WebSocket clients.
	SpectrumEvents bool `yaml:"spectrum_events"`
}

// PaletteSpec returns the palette parameters for cfg.
func (c *Config) PaletteSpec() palette.Config {
	return palette.Config{
		SampleRate:            c.Audio.SampleRate,
		TransformLength:       c.Analysis.TransformLength,
		ToneFrequencies:       c.Palette.ToneFrequencies,
		SyncHz:                c.Palette.SyncHz,
		BandLowHz:             c.Palette.BandLowHz,
		BandHighHz:            c.Palette.BandHighHz,
		ComparisonFrequencies: c.Palette.ComparisonBandFrequencies,
	}
}

// SpectrumSpec returns the STFT engine parameters for cfg.
func (c *Config) SpectrumSpec() spectrum.Config {
	return spectrum.Config{
		SampleRate:      c.Audio.SampleRate,
		TransformLength: c.Analysis.TransformLength,
		HopLength:       c.Analysis.HopLength,
		Weighting:       c.Analysis.WeightingEnabled,
	}
}

// DecoderSpec returns the decoder parameters for cfg.
func (c *Config) DecoderSpec() decoder.Config {
	return decoder.Config{
		ThresholdFactor:          c.Decoder.ThresholdFactor,
		DecisionSupportThreshold: c.Decoder.DecisionSupportThreshold,
		SlotTickBudget:           c.Decoder.SlotTickBudget,
		MinimumSupportFloor:      c.Decoder.MinimumSupportFloor,
		LogLimit:                 c.Output.LogLimit,
	}
}

// DriverSpec returns the sampling driver parameters for cfg.
func (c *Config) DriverSpec() driver.Config {
	return driver.Config{
		BlockSize:             c.Audio.BlockSize,
		FramesAveragedPerTick: c.Analysis.FramesAveragedPerTick,
		TickInterval:          c.Decoder.TickInterval,
		Clock:                 c.Decoder.TickClock,
		MaxEmptyReads:         c.Audio.MaxEmptyReads,
		SpectrumEvents:        c.Output.SpectrumEvents,
		Paused:                c.Decoder.Paused,
		Weighting:             c.Analysis.WeightingEnabled,
		Decoder:               c.DecoderSpec(),
	}
}
