// Package wavfile implements an [audio.Source] that replays a WAV recording,
// and a helper that writes 16-bit mono WAV files.
//
// Integer PCM recordings in any channel layout, bit depth (8/16/24/32) and
// sample rate are accepted; they are downmixed and resampled to the session's
// configured rate. IEEE-float and compressed encodings are rejected.
// With pacing enabled, Read throttles itself to real time so that wall-clock
// tick cadences behave as with a live microphone.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/transforms"
	"github.com/go-audio/wav"

	"github.com/MrWong99/phoneear/pkg/audio"
	"github.com/MrWong99/phoneear/pkg/types"
)

// wavFormatPCM is the fmt chunk audio format of integer PCM.
const wavFormatPCM = 1

// Option configures a [Source].
type Option func(*Source)

// WithPacing throttles Read to real time.
func WithPacing(enabled bool) Option {
	return func(s *Source) { s.paced = enabled }
}

// Source replays a WAV file. It implements [audio.Source].
type Source struct {
	path       string
	targetRate int
	paced      bool

	mu      sync.Mutex
	file    *os.File
	dec     *wav.Decoder
	format  audio.Format
	depth   int
	conv    audio.Converter
	raw     *goaudio.IntBuffer
	pending []int16

	started   time.Time
	delivered int64

	closed    chan struct{}
	closeOnce sync.Once
}

var _ audio.Source = (*Source)(nil)

// New returns a source for the WAV file at path that delivers samples at
// targetRate Hz. The file is not opened until Start.
func New(path string, targetRate int, opts ...Option) *Source {
	s := &Source{
		path:       path,
		targetRate: targetRate,
		conv:       audio.Converter{TargetRate: targetRate},
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start opens and validates the file.
func (s *Source) Start(_ context.Context) error {
	if s.targetRate <= 0 {
		return &types.ConfigurationError{Field: "audio.sample_rate", Reason: fmt.Sprintf("%d must be positive", s.targetRate)}
	}
	f, err := os.Open(s.path)
	if err != nil {
		return &types.DeviceError{Op: "start", Device: s.path, Err: err}
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return &types.DeviceError{Op: "start", Device: s.path, Err: errors.New("not a valid WAV file")}
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return &types.DeviceError{Op: "start", Device: s.path, Err: err}
	}
	if dec.WavAudioFormat != wavFormatPCM {
		f.Close()
		return &types.ConfigurationError{Field: "audio.path", Reason: fmt.Sprintf("unsupported WAV encoding %d, only integer PCM (1) is decoded", dec.WavAudioFormat)}
	}
	format := dec.Format()
	if format == nil || format.NumChannels <= 0 || format.SampleRate <= 0 {
		f.Close()
		return &types.DeviceError{Op: "start", Device: s.path, Err: errors.New("missing format chunk")}
	}
	depth := int(dec.BitDepth)
	switch depth {
	case 8, 16, 24, 32:
	default:
		f.Close()
		return &types.ConfigurationError{Field: "audio.path", Reason: fmt.Sprintf("unsupported WAV bit depth %d", depth)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.file = f
	s.dec = dec
	s.depth = depth
	s.format = audio.Format{SampleRate: format.SampleRate, Channels: format.NumChannels}
	s.started = time.Now()
	return nil
}

// Format returns the on-disk format of the recording. Valid after Start.
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Read implements [audio.Source]. It returns io.EOF once the recording is
// exhausted.
func (s *Source) Read(buf []int16) (int, error) {
	s.mu.Lock()
	if s.dec == nil {
		s.mu.Unlock()
		return 0, &types.DeviceError{Op: "read", Device: s.path, Err: errors.New("source not started")}
	}
	for len(s.pending) < len(buf) {
		more, err := s.decodeChunk(len(buf))
		if err != nil {
			s.mu.Unlock()
			return 0, &types.DeviceError{Op: "read", Device: s.path, Err: err}
		}
		if len(more) == 0 {
			break
		}
		s.pending = append(s.pending, more...)
	}
	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	s.delivered += int64(n)
	delivered, started := s.delivered, s.started
	s.mu.Unlock()

	if n == 0 {
		return 0, io.EOF
	}
	if s.paced {
		due := started.Add(time.Duration(delivered) * time.Second / time.Duration(s.targetRate))
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-s.closed:
				return n, nil
			}
		}
	}
	return n, nil
}

// decodeChunk reads roughly want output samples worth of PCM and converts it
// to mono int16 at the target rate. An empty result means end of file.
// Must be called with s.mu held.
func (s *Source) decodeChunk(want int) ([]int16, error) {
	frames := want * s.format.SampleRate / s.targetRate
	if frames < 1 {
		frames = 1
	}
	size := frames * s.format.Channels
	if s.raw == nil || len(s.raw.Data) != size {
		s.raw = &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: s.format.Channels, SampleRate: s.format.SampleRate},
			Data:           make([]int, size),
			SourceBitDepth: s.depth,
		}
	}
	n, err := s.dec.PCMBuffer(s.raw)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	chunk := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: s.format.Channels, SampleRate: s.format.SampleRate},
		Data:           s.raw.Data[:n],
		SourceBitDepth: s.depth,
	}
	fb := chunk.AsFloatBuffer()
	nominal(fb, chunk.SourceBitDepth)
	if err := transforms.MonoDownmix(fb); err != nil {
		return nil, err
	}
	if err := transforms.PCMScale(fb, 16); err != nil {
		return nil, err
	}
	samples := make([]int16, len(fb.Data))
	for i, v := range fb.Data {
		samples[i] = clamp16(v)
	}
	return s.conv.Convert(samples, audio.Format{SampleRate: s.format.SampleRate, Channels: 1}), nil
}

// nominal rescales raw integer PCM of the given bit depth to [-1, 1).
// 8-bit WAV data is unsigned and centred on 128.
func nominal(fb *goaudio.FloatBuffer, depth int) {
	offset := 0.0
	if depth == 8 {
		offset = 128
	}
	full := math.Ldexp(1, depth-1)
	for i, v := range fb.Data {
		fb.Data[i] = (v - offset) / full
	}
}

func clamp16(v float64) int16 {
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(v))
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int { return s.targetRate }

// Name implements [audio.Source].
func (s *Source) Name() string { return s.path }

// Close implements [audio.Source].
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.file != nil {
			err = s.file.Close()
		}
		s.dec = nil
	})
	return err
}

// Write stores mono 16-bit samples as a PCM WAV file at path.
func Write(path string, sampleRate int, samples []int16) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wavfile: create %q: %w", path, err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	data := make([]int, len(samples))
	for i, v := range samples {
		data[i] = int(v)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("wavfile: encode %q: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("wavfile: finalize %q: %w", path, err)
	}
	return f.Close()
}
