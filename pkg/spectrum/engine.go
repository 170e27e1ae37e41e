// Package spectrum defines the Engine interface for spectral analysis
// backends and ships a short-time Fourier transform implementation on top of
// gonum's FFT.
//
// An Engine consumes a stream of signed 16-bit mono samples and produces
// [Frame] values: magnitude-per-bin vectors in decibels relative to a
// full-scale sine. Frames become available each time enough samples have
// accumulated for a transform window; callers poll [Engine.FramesAvailable]
// and pull an averaged frame with [Engine.NextFrame].
//
// Engines are not safe for concurrent use. The sampling driver owns its engine
// from a single goroutine.
package spectrum

// MinDB is the floor applied to every magnitude. Silence maps to MinDB instead
// of negative infinity so that baselines stay finite.
const MinDB = -160.0

// Frame is a spectral snapshot: one magnitude in dB per frequency bin, for
// bins 0..transformLength/2 inclusive.
type Frame []float64

// At returns the magnitude at bin, or [MinDB] if bin is out of range.
func (f Frame) At(bin int) float64 {
	if bin < 0 || bin >= len(f) {
		return MinDB
	}
	return f[bin]
}

// Clone returns a copy of f that does not share the backing array.
func (f Frame) Clone() Frame {
	if f == nil {
		return nil
	}
	out := make(Frame, len(f))
	copy(out, f)
	return out
}

// Engine is the spectral analysis contract consumed by the sampling driver.
type Engine interface {
	// Feed appends samples to the analysis buffer. Every time a full transform
	// window has accumulated (advancing by the hop length) one spectrum is
	// computed and counted towards FramesAvailable.
	Feed(samples []int16)

	// FramesAvailable returns the number of spectra accumulated since the
	// last NextFrame call.
	FramesAvailable() int

	// NextFrame returns the average of all accumulated spectra in dB and
	// resets the accumulator. It returns nil when no spectra are available.
	// The returned Frame is owned by the caller.
	NextFrame() Frame

	// SetWeighting enables or disables the A-weighting curve applied to
	// NextFrame output.
	SetWeighting(enabled bool)

	// Bins returns the number of frequency bins (transformLength/2 + 1).
	Bins() int

	// Reset discards buffered samples and accumulated spectra, so the next
	// spectrum is computed from audio fed after the call only.
	Reset()
}
