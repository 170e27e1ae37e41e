package config

import "slices"

// ConfigDiff describes what changed between two configs.
//
// The log level, paused flag, weighting flag and threshold factor are applied
// to a running receiver. Everything else only takes effect on restart and is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PausedChanged bool
	Paused        bool

	WeightingChanged bool
	Weighting        bool

	ThresholdChanged bool
	Threshold        float64

	// RestartRequired names the changed sections that cannot be hot-reloaded.
	RestartRequired []string
}

// HasChanges reports whether any field differs.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.PausedChanged || d.WeightingChanged ||
		d.ThresholdChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Decoder.Paused != new.Decoder.Paused {
		d.PausedChanged = true
		d.Paused = new.Decoder.Paused
	}
	if old.Analysis.WeightingEnabled != new.Analysis.WeightingEnabled {
		d.WeightingChanged = true
		d.Weighting = new.Analysis.WeightingEnabled
	}
	if old.Decoder.ThresholdFactor != new.Decoder.ThresholdFactor {
		d.ThresholdChanged = true
		d.Threshold = new.Decoder.ThresholdFactor
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	oa, na := old.Analysis, new.Analysis
	oa.WeightingEnabled, na.WeightingEnabled = false, false
	if oa != na {
		d.RestartRequired = append(d.RestartRequired, "analysis")
	}
	if !samePalette(old.Palette, new.Palette) {
		d.RestartRequired = append(d.RestartRequired, "palette")
	}
	od, nd := old.Decoder, new.Decoder
	od.Paused, nd.Paused = false, false
	od.ThresholdFactor, nd.ThresholdFactor = 0, 0
	if od != nd {
		d.RestartRequired = append(d.RestartRequired, "decoder")
	}
	if old.Output != new.Output {
		d.RestartRequired = append(d.RestartRequired, "output")
	}

	return d
}

func samePalette(a, b PaletteConfig) bool {
	return slices.Equal(a.ToneFrequencies, b.ToneFrequencies) &&
		slices.Equal(a.ComparisonBandFrequencies, b.ComparisonBandFrequencies) &&
		a.SyncHz == b.SyncHz && a.BandLowHz == b.BandLowHz && a.BandHighHz == b.BandHighHz
}
