// Package palette maps the semantic tone roles (sync, start, digits, end) to
// FFT bin indices and estimates the per-frame noise baseline from a disjoint
// comparison band.
//
// A [Palette] is immutable after [New] returns and safe for concurrent use.
package palette

import (
	"fmt"
	"math"

	"github.com/MrWong99/phoneear/pkg/spectrum"
	"github.com/MrWong99/phoneear/pkg/types"
)

// Role is a symbolic tone. The numeric value is the tie-break order: when two
// roles have equal magnitude the lower value wins.
type Role int

const (
	Sync   Role = 0
	Start  Role = 1
	Digit0 Role = 2
	End    Role = 12

	// NumRoles is the palette size.
	NumRoles = 13
)

// DigitRole returns the role for decimal digit d (0–9).
func DigitRole(d int) Role { return Digit0 + Role(d) }

// IsDigit reports whether r is one of the ten digit roles.
func (r Role) IsDigit() bool { return r >= Digit0 && r < Digit0+10 }

// Digit returns the decimal digit of a digit role, or -1.
func (r Role) Digit() int {
	if !r.IsDigit() {
		return -1
	}
	return int(r - Digit0)
}

// String returns a short name: "sync", "start", "end", or "digit<d>".
func (r Role) String() string {
	switch {
	case r == Sync:
		return "sync"
	case r == Start:
		return "start"
	case r == End:
		return "end"
	case r.IsDigit():
		return fmt.Sprintf("digit%d", r.Digit())
	default:
		return "unknown"
	}
}

// Glyph is the one-character label of a role as used in level displays:
// '~' for sync, '[' for start, ']' for end, the digit otherwise.
func (r Role) Glyph() rune {
	switch {
	case r == Sync:
		return '~'
	case r == Start:
		return '['
	case r == End:
		return ']'
	case r.IsDigit():
		return rune('0' + r.Digit())
	default:
		return '?'
	}
}

// Default frequencies of the reference sender: a 17.0 kHz sync tone, the
// start delimiter at 17.8 kHz, digits 0–9 at 18.0–19.8 kHz in 200 Hz steps,
// the end delimiter at 20.0 kHz, and a comparison band at 15.8–16.8 kHz.
var (
	DefaultToneFrequencies = []float64{
		17000,
		17800,
		18000, 18200, 18400, 18600, 18800, 19000, 19200, 19400, 19600, 19800,
		20000,
	}
	DefaultComparisonFrequencies = []float64{15800, 16000, 16200, 16400, 16600, 16800}
)

// Config describes how to build a palette.
type Config struct {
	// SampleRate in Hz.
	SampleRate int

	// TransformLength is the FFT size; the frame has TransformLength/2+1 bins.
	TransformLength int

	// ToneFrequencies lists the 13 role frequencies in role order
	// (sync, start, digit0…digit9, end). When empty the tones are derived from
	// SyncHz, BandLowHz and BandHighHz.
	ToneFrequencies []float64

	// SyncHz, BandLowHz and BandHighHz derive the palette when
	// ToneFrequencies is empty: start..end are spaced evenly from BandLowHz
	// to BandHighHz inclusive.
	SyncHz     float64
	BandLowHz  float64
	BandHighHz float64

	// ComparisonFrequencies lists the noise-baseline frequencies.
	ComparisonFrequencies []float64
}

// Palette is the immutable role→bin mapping.
type Palette struct {
	sampleRate int
	length     int
	freqs      [NumRoles]float64
	bins       [NumRoles]int
	comparison []int
}

// New computes the nearest bin for every tone and comparison frequency.
// It fails with a [*types.ConfigurationError] when a frequency maps outside
// the valid bin range, two tones share a bin, or the comparison band is empty
// or overlaps the palette.
func New(cfg Config) (*Palette, error) {
	if cfg.SampleRate <= 0 {
		return nil, &types.ConfigurationError{Field: "sample_rate", Reason: fmt.Sprintf("%d must be positive", cfg.SampleRate)}
	}
	if cfg.TransformLength < 8 || cfg.TransformLength%2 != 0 {
		return nil, &types.ConfigurationError{Field: "transform_length", Reason: fmt.Sprintf("%d must be even and at least 8", cfg.TransformLength)}
	}

	tones := cfg.ToneFrequencies
	if len(tones) == 0 {
		var err error
		if tones, err = deriveTones(cfg.SyncHz, cfg.BandLowHz, cfg.BandHighHz); err != nil {
			return nil, err
		}
	}
	if len(tones) != NumRoles {
		return nil, &types.ConfigurationError{Field: "tone_frequencies", Reason: fmt.Sprintf("need %d frequencies, got %d", NumRoles, len(tones))}
	}
	if len(cfg.ComparisonFrequencies) == 0 {
		return nil, &types.ConfigurationError{Field: "comparison_band_frequencies", Reason: "at least one frequency is required"}
	}

	p := &Palette{sampleRate: cfg.SampleRate, length: cfg.TransformLength}
	owner := make(map[int]Role, NumRoles)
	for i, f := range tones {
		r := Role(i)
		bin, err := p.binFor(f, fmt.Sprintf("tone_frequencies[%d]", i))
		if err != nil {
			return nil, err
		}
		if prev, dup := owner[bin]; dup {
			return nil, &types.ConfigurationError{
				Field:  fmt.Sprintf("tone_frequencies[%d]", i),
				Reason: fmt.Sprintf("%.1f Hz maps to bin %d already used by %s; increase transform_length or tone spacing", f, bin, prev),
			}
		}
		owner[bin] = r
		p.freqs[r] = f
		p.bins[r] = bin
	}

	for i, f := range cfg.ComparisonFrequencies {
		field := fmt.Sprintf("comparison_band_frequencies[%d]", i)
		bin, err := p.binFor(f, field)
		if err != nil {
			return nil, err
		}
		if r, clash := owner[bin]; clash {
			return nil, &types.ConfigurationError{Field: field, Reason: fmt.Sprintf("%.1f Hz maps to bin %d of tone %s", f, bin, r)}
		}
		p.comparison = append(p.comparison, bin)
	}
	return p, nil
}

// deriveTones spaces start..end evenly across [low, high].
func deriveTones(sync, low, high float64) ([]float64, error) {
	if sync <= 0 || low <= 0 || high <= low {
		return nil, &types.ConfigurationError{
			Field:  "palette",
			Reason: fmt.Sprintf("either tone_frequencies or sync_hz/band_low_hz/band_high_hz (low < high) are required; got sync=%.1f low=%.1f high=%.1f", sync, low, high),
		}
	}
	out := make([]float64, NumRoles)
	out[Sync] = sync
	step := (high - low) / float64(NumRoles-2)
	for i := 1; i < NumRoles; i++ {
		out[i] = low + float64(i-1)*step
	}
	return out, nil
}

// binFor returns the bin nearest to freq, validating it against the usable
// range [1, N/2].
func (p *Palette) binFor(freq float64, field string) (int, error) {
	nyquist := float64(p.sampleRate) / 2
	if freq <= 0 || freq >= nyquist {
		return 0, &types.ConfigurationError{Field: field, Reason: fmt.Sprintf("%.1f Hz outside (0, %.1f) Hz", freq, nyquist)}
	}
	bin := int(math.Round(freq * float64(p.length) / float64(p.sampleRate)))
	if bin < 1 || bin > p.length/2 {
		return 0, &types.ConfigurationError{Field: field, Reason: fmt.Sprintf("%.1f Hz maps to bin %d outside [1, %d]", freq, bin, p.length/2)}
	}
	return bin, nil
}

// Bin returns the bin index bound to r.
func (p *Palette) Bin(r Role) int { return p.bins[r] }

// Frequency returns the configured frequency of r in Hz.
func (p *Palette) Frequency(r Role) float64 { return p.freqs[r] }

// ComparisonBins returns a copy of the comparison band bins.
func (p *Palette) ComparisonBins() []int {
	out := make([]int, len(p.comparison))
	copy(out, p.comparison)
	return out
}

// MagnitudeOf returns the dB value of frame at the bin precomputed for r.
func (p *Palette) MagnitudeOf(r Role, frame spectrum.Frame) float64 {
	return frame.At(p.bins[r])
}

// Candidates fills dst with the magnitude of every role in role order.
func (p *Palette) Candidates(frame spectrum.Frame, dst *[NumRoles]float64) {
	for r := range NumRoles {
		dst[r] = frame.At(p.bins[r])
	}
}

// Baseline is the arithmetic mean over the comparison band of frame.
func (p *Palette) Baseline(frame spectrum.Frame) float64 {
	var sum float64
	for _, b := range p.comparison {
		sum += frame.At(b)
	}
	return sum / float64(len(p.comparison))
}
