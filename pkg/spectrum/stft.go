package spectrum

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"

	"github.com/MrWong99/phoneear/pkg/types"
)

// Config holds the parameters of a short-time Fourier transform engine.
type Config struct {
	// SampleRate of the fed samples in Hz.
	SampleRate int

	// TransformLength is the FFT size in samples. Must be even and ≥ 8.
	TransformLength int

	// HopLength is the number of samples the analysis window advances per
	// spectrum. Range: (0, TransformLength]. Zero means TransformLength/2.
	HopLength int

	// Weighting enables the A-weighting curve from the start.
	Weighting bool
}

// STFT is a Hann-windowed short-time Fourier transform [Engine].
type STFT struct {
	cfg    Config
	fft    *fourier.FFT
	window []float64
	// norm converts |X[k]|² into the power of a full-scale sine (0 dB).
	norm      float64
	weighting bool
	aWeights  []float64

	pending []float64
	scratch []float64
	coeffs  []complex128
	power   []float64
	sum     []float64
	count   int
}

var _ Engine = (*STFT)(nil)

// NewSTFT validates cfg and returns a ready engine. Invalid parameters yield a
// [*types.ConfigurationError].
func NewSTFT(cfg Config) (*STFT, error) {
	if cfg.SampleRate <= 0 {
		return nil, &types.ConfigurationError{Field: "sample_rate", Reason: fmt.Sprintf("%d must be positive", cfg.SampleRate)}
	}
	if cfg.TransformLength < 8 || cfg.TransformLength%2 != 0 {
		return nil, &types.ConfigurationError{Field: "transform_length", Reason: fmt.Sprintf("%d must be even and at least 8", cfg.TransformLength)}
	}
	if cfg.HopLength == 0 {
		cfg.HopLength = cfg.TransformLength / 2
	}
	if cfg.HopLength < 0 || cfg.HopLength > cfg.TransformLength {
		return nil, &types.ConfigurationError{Field: "hop_length", Reason: fmt.Sprintf("%d out of range (0, %d]", cfg.HopLength, cfg.TransformLength)}
	}

	n := cfg.TransformLength
	bins := n/2 + 1
	window := hann(n)
	gain := floats.Sum(window)

	s := &STFT{
		cfg:       cfg,
		fft:       fourier.NewFFT(n),
		window:    window,
		norm:      4 / (gain * gain),
		weighting: cfg.Weighting,
		aWeights:  make([]float64, bins),
		pending:   make([]float64, 0, 2*n),
		scratch:   make([]float64, n),
		coeffs:    make([]complex128, bins),
		power:     make([]float64, bins),
		sum:       make([]float64, bins),
	}
	for k := range bins {
		s.aWeights[k] = AWeightingDB(float64(k) * float64(cfg.SampleRate) / float64(n))
	}
	return s, nil
}

// Feed implements [Engine].
func (s *STFT) Feed(samples []int16) {
	for _, v := range samples {
		s.pending = append(s.pending, float64(v)/32768)
	}
	n := s.cfg.TransformLength
	for len(s.pending) >= n {
		s.analyse(s.pending[:n])
		s.pending = s.pending[s.cfg.HopLength:]
	}
}

// analyse windows one block, transforms it, and accumulates the power spectrum.
func (s *STFT) analyse(block []float64) {
	floats.MulTo(s.scratch, block, s.window)
	s.coeffs = s.fft.Coefficients(s.coeffs, s.scratch)
	for k, c := range s.coeffs {
		a := cmplx.Abs(c)
		s.power[k] = a * a * s.norm
	}
	floats.Add(s.sum, s.power)
	s.count++
}

// FramesAvailable implements [Engine].
func (s *STFT) FramesAvailable() int { return s.count }

// NextFrame implements [Engine].
func (s *STFT) NextFrame() Frame {
	if s.count == 0 {
		return nil
	}
	out := make(Frame, len(s.sum))
	inv := 1 / float64(s.count)
	for k, p := range s.sum {
		db := MinDB
		if avg := p * inv; avg > 0 {
			db = 10 * math.Log10(avg)
		}
		if s.weighting {
			db += s.aWeights[k]
		}
		out[k] = math.Max(db, MinDB)
	}
	clear(s.sum)
	s.count = 0
	return out
}

// Reset implements [Engine].
func (s *STFT) Reset() {
	s.pending = s.pending[:0]
	clear(s.sum)
	s.count = 0
}

// SetWeighting implements [Engine].
func (s *STFT) SetWeighting(enabled bool) { s.weighting = enabled }

// Bins implements [Engine].
func (s *STFT) Bins() int { return s.cfg.TransformLength/2 + 1 }

// BinFrequency returns the centre frequency in Hz of bin k.
func (s *STFT) BinFrequency(k int) float64 {
	return float64(k) * float64(s.cfg.SampleRate) / float64(s.cfg.TransformLength)
}

// hann returns a periodic Hann window of length n.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// AWeightingDB returns the IEC 61672 A-weighting gain in dB at freq Hz.
// Frequency 0 maps to [MinDB].
func AWeightingDB(freq float64) float64 {
	if freq <= 0 {
		return MinDB
	}
	f2 := freq * freq
	const (
		c1 = 20.598997 * 20.598997
		c2 = 107.65265 * 107.65265
		c3 = 737.86223 * 737.86223
		c4 = 12194.217 * 12194.217
	)
	ra := c4 * f2 * f2 / ((f2 + c1) * math.Sqrt((f2+c2)*(f2+c3)) * (f2 + c4))
	return 20*math.Log10(ra) + 2.0
}
