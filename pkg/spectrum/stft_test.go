package spectrum_test

import (
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/phoneear/pkg/spectrum"
	"github.com/MrWong99/phoneear/pkg/types"
)

// sine returns n samples of a sine at freq Hz with the given peak amplitude
// (1.0 = full scale).
func sine(n, sampleRate int, freq, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestNewSTFT_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  spectrum.Config
	}{
		{"zero sample rate", spectrum.Config{SampleRate: 0, TransformLength: 512}},
		{"odd transform", spectrum.Config{SampleRate: 44100, TransformLength: 511}},
		{"tiny transform", spectrum.Config{SampleRate: 44100, TransformLength: 4}},
		{"hop too large", spectrum.Config{SampleRate: 44100, TransformLength: 512, HopLength: 1024}},
		{"negative hop", spectrum.Config{SampleRate: 44100, TransformLength: 512, HopLength: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := spectrum.NewSTFT(tt.cfg)
			if !errors.Is(err, types.ErrConfiguration) {
				t.Fatalf("err = %v, want configuration error", err)
			}
		})
	}
}

func TestSTFT_FrameCadence(t *testing.T) {
	s, err := spectrum.NewSTFT(spectrum.Config{SampleRate: 44100, TransformLength: 512, HopLength: 256})
	if err != nil {
		t.Fatalf("NewSTFT: %v", err)
	}
	if got := s.Bins(); got != 257 {
		t.Errorf("Bins() = %d, want 257", got)
	}

	s.Feed(make([]int16, 511))
	if got := s.FramesAvailable(); got != 0 {
		t.Fatalf("after 511 samples FramesAvailable = %d, want 0", got)
	}
	s.Feed(make([]int16, 1))
	if got := s.FramesAvailable(); got != 1 {
		t.Fatalf("after 512 samples FramesAvailable = %d, want 1", got)
	}
	s.Feed(make([]int16, 512))
	if got := s.FramesAvailable(); got != 3 {
		t.Fatalf("after 1024 samples FramesAvailable = %d, want 3", got)
	}

	f := s.NextFrame()
	if len(f) != 257 {
		t.Fatalf("len(frame) = %d, want 257", len(f))
	}
	if s.FramesAvailable() != 0 {
		t.Error("NextFrame did not reset the accumulator")
	}
	if s.NextFrame() != nil {
		t.Error("NextFrame with nothing accumulated should return nil")
	}
	for k, v := range f {
		if v != spectrum.MinDB {
			t.Fatalf("silence bin %d = %f, want %f", k, v, spectrum.MinDB)
		}
	}
}

func TestSTFT_ResetDropsBufferedAudio(t *testing.T) {
	s, err := spectrum.NewSTFT(spectrum.Config{SampleRate: 44100, TransformLength: 512, HopLength: 256})
	if err != nil {
		t.Fatalf("NewSTFT: %v", err)
	}

	tone := sine(1000, 44100, 18000, 0.8)
	s.Feed(tone[:700])
	if s.FramesAvailable() != 1 {
		t.Fatalf("FramesAvailable = %d before Reset, want 1", s.FramesAvailable())
	}
	s.Reset()
	if s.FramesAvailable() != 0 || s.NextFrame() != nil {
		t.Fatal("Reset kept accumulated spectra")
	}

	// The 444 tone samples still buffered before Reset must not complete a
	// window together with these.
	s.Feed(make([]int16, 68))
	if got := s.FramesAvailable(); got != 0 {
		t.Fatalf("FramesAvailable = %d after 68 fresh samples, want 0", got)
	}
	s.Feed(make([]int16, 444))
	if got := s.FramesAvailable(); got != 1 {
		t.Fatalf("FramesAvailable = %d after 512 fresh samples, want 1", got)
	}
	for k, v := range s.NextFrame() {
		if v != spectrum.MinDB {
			t.Fatalf("bin %d = %f after Reset and silence, want %f", k, v, spectrum.MinDB)
		}
	}
}

func TestSTFT_SinePeak(t *testing.T) {
	const (
		rate = 44100
		n    = 512
		bin  = 209
	)
	s, err := spectrum.NewSTFT(spectrum.Config{SampleRate: rate, TransformLength: n, HopLength: n})
	if err != nil {
		t.Fatalf("NewSTFT: %v", err)
	}
	freq := s.BinFrequency(bin)
	s.Feed(sine(n, rate, freq, 0.5))
	f := s.NextFrame()

	// A half-scale sine centred on a bin reads ≈ -6 dB.
	if got := f.At(bin); math.Abs(got-(-6.02)) > 0.1 {
		t.Errorf("peak = %.2f dB, want ≈ -6.02 dB", got)
	}
	for k, v := range f {
		if k != bin && v >= f.At(bin) {
			t.Errorf("bin %d (%.2f dB) not below peak %.2f dB", k, v, f.At(bin))
		}
	}
	// Far away bins only see quantisation noise.
	if got := f.At(186); got > -80 {
		t.Errorf("bin 186 = %.2f dB, want < -80 dB", got)
	}
}

func TestSTFT_Weighting(t *testing.T) {
	const rate, n, bin = 44100, 512, 209
	plain, _ := spectrum.NewSTFT(spectrum.Config{SampleRate: rate, TransformLength: n, HopLength: n})
	weighted, _ := spectrum.NewSTFT(spectrum.Config{SampleRate: rate, TransformLength: n, HopLength: n, Weighting: true})

	samples := sine(n, rate, plain.BinFrequency(bin), 0.5)
	plain.Feed(samples)
	weighted.Feed(samples)

	diff := weighted.NextFrame().At(bin) - plain.NextFrame().At(bin)
	want := spectrum.AWeightingDB(plain.BinFrequency(bin))
	if math.Abs(diff-want) > 1e-9 {
		t.Errorf("weighting delta = %.3f dB, want %.3f dB", diff, want)
	}

	weighted.SetWeighting(false)
	weighted.Feed(samples)
	plain.Feed(samples)
	if a, b := weighted.NextFrame().At(bin), plain.NextFrame().At(bin); a != b {
		t.Errorf("after SetWeighting(false) got %.3f, want %.3f", a, b)
	}
}

func TestAWeightingDB(t *testing.T) {
	// Reference: A(1 kHz) ≈ 0 dB, A(100 Hz) ≈ -19.1 dB.
	if got := spectrum.AWeightingDB(1000); math.Abs(got) > 0.05 {
		t.Errorf("A(1000) = %.3f, want ≈ 0", got)
	}
	if got := spectrum.AWeightingDB(100); math.Abs(got-(-19.1)) > 0.1 {
		t.Errorf("A(100) = %.3f, want ≈ -19.1", got)
	}
	if got := spectrum.AWeightingDB(0); got != spectrum.MinDB {
		t.Errorf("A(0) = %.3f, want MinDB", got)
	}
}

func TestFrame_AtAndClone(t *testing.T) {
	f := spectrum.Frame{-10, -20, -30}
	if f.At(1) != -20 {
		t.Errorf("At(1) = %f, want -20", f.At(1))
	}
	if f.At(-1) != spectrum.MinDB || f.At(3) != spectrum.MinDB {
		t.Error("out-of-range At should return MinDB")
	}
	c := f.Clone()
	c[0] = 0
	if f[0] != -10 {
		t.Error("Clone shares backing array")
	}
}
