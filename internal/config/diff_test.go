package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/phoneear/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if d.HasChanges() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_HotReloadableFields(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug
	new.Decoder.Paused = true
	new.Analysis.WeightingEnabled = true
	new.Decoder.ThresholdFactor = 1.3

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: got changed=%v level=%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.PausedChanged || !d.Paused {
		t.Errorf("paused: got changed=%v value=%v", d.PausedChanged, d.Paused)
	}
	if !d.WeightingChanged || !d.Weighting {
		t.Errorf("weighting: got changed=%v value=%v", d.WeightingChanged, d.Weighting)
	}
	if !d.ThresholdChanged || d.Threshold != 1.3 {
		t.Errorf("threshold: got changed=%v value=%v", d.ThresholdChanged, d.Threshold)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("hot-reloadable edits must not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":1" }, "server.listen_addr"},
		{"origins", func(c *config.Config) { c.Server.AllowedOrigins = []string{"*.lan"} }, "server.allowed_origins"},
		{"sample rate", func(c *config.Config) { c.Audio.SampleRate = 48000 }, "audio"},
		{"hop", func(c *config.Config) { c.Analysis.HopLength = 128 }, "analysis"},
		{"tones", func(c *config.Config) { c.Palette.ToneFrequencies[5] += 50 }, "palette"},
		{"budget", func(c *config.Config) { c.Decoder.SlotTickBudget = 12 }, "decoder"},
		{"log limit", func(c *config.Config) { c.Output.LogLimit = 3 }, "output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			new := config.Default()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !slices.Contains(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired = %v, want it to contain %q", d.RestartRequired, tt.want)
			}
			if d.PausedChanged || d.WeightingChanged || d.ThresholdChanged || d.LogLevelChanged {
				t.Errorf("unexpected hot-reload change: %+v", d)
			}
		})
	}
}
