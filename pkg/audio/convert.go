package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a capture stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form, e.g. "44100Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Converter turns interleaved 16-bit samples of an arbitrary [Format] into
// mono samples at TargetRate. It logs a warning on the first format mismatch.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	TargetRate     int
	warnedMismatch sync.Once
}

// Convert downmixes to mono first, then resamples. If src is already mono at
// TargetRate the input slice is returned unchanged (zero allocation).
func (c *Converter) Convert(samples []int16, src Format) []int16 {
	if src.Channels <= 1 && src.SampleRate == c.TargetRate {
		return samples
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("capture format mismatch: converting",
			"from", src.String(),
			"to", Format{SampleRate: c.TargetRate, Channels: 1}.String(),
		)
	})
	out := samples
	if src.Channels > 1 {
		out = DownmixToMono(out, src.Channels)
	}
	return ResampleMono(out, src.SampleRate, c.TargetRate)
}

// DecodeLE16 converts little-endian int16 PCM bytes to samples. A trailing
// odd byte is ignored.
func DecodeLE16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// DownmixToMono averages each interleaved frame of the given channel count.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
// A trailing partial frame is dropped.
func DownmixToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(samples[i*channels+ch])
		}
		avg := sum / int32(channels)
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i] = int16(avg)
	}
	return out
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, or either rate is not positive, the
// input is returned unchanged.
func ResampleMono(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 1 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}
