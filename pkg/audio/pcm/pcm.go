// Package pcm implements an [audio.Source] over raw little-endian 16-bit PCM
// delivered by an io.Reader, e.g. `arecord -f S16_LE -r 44100 -c 1 | phoneear listen -input -`.
package pcm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/phoneear/pkg/audio"
	"github.com/MrWong99/phoneear/pkg/types"
)

// Source reads interleaved s16le PCM of a declared [audio.Format] and
// delivers mono samples at the target rate.
type Source struct {
	name   string
	r      io.Reader
	format audio.Format
	target int

	mu      sync.Mutex
	conv    audio.Converter
	raw     []byte
	carry   []byte
	pending []int16
	started bool

	closeOnce sync.Once
}

var _ audio.Source = (*Source)(nil)

// New wraps r. format describes the incoming stream; samples are converted to
// mono at targetRate. If r implements io.Closer it is closed by Close.
func New(name string, r io.Reader, format audio.Format, targetRate int) *Source {
	return &Source{
		name:   name,
		r:      r,
		format: format,
		target: targetRate,
		conv:   audio.Converter{TargetRate: targetRate},
	}
}

// Start validates the declared format.
func (s *Source) Start(_ context.Context) error {
	if s.r == nil {
		return &types.DeviceError{Op: "start", Device: s.name, Err: errors.New("no input stream")}
	}
	if s.format.SampleRate <= 0 {
		return &types.ConfigurationError{Field: "audio.input_rate", Reason: fmt.Sprintf("%d must be positive", s.format.SampleRate)}
	}
	if s.format.Channels <= 0 {
		return &types.ConfigurationError{Field: "audio.channels", Reason: fmt.Sprintf("%d must be positive", s.format.Channels)}
	}
	if s.target <= 0 {
		return &types.ConfigurationError{Field: "audio.sample_rate", Reason: fmt.Sprintf("%d must be positive", s.target)}
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// Read implements [audio.Source]. A short underlying read yields a short (or
// empty) block rather than blocking for a full buffer.
func (s *Source) Read(buf []int16) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0, &types.DeviceError{Op: "read", Device: s.name, Err: errors.New("source not started")}
	}

	if len(s.pending) == 0 {
		frameBytes := 2 * s.format.Channels
		want := len(buf) * s.format.SampleRate / s.target * frameBytes
		if want < frameBytes {
			want = frameBytes
		}
		if cap(s.raw) < want {
			s.raw = make([]byte, want)
		}
		n, err := s.r.Read(s.raw[:want])
		data := append(s.carry, s.raw[:n]...)
		whole := len(data) / frameBytes * frameBytes
		s.carry = append([]byte(nil), data[whole:]...)
		if whole > 0 {
			s.pending = s.conv.Convert(audio.DecodeLE16(data[:whole]), s.format)
		}
		if err != nil && len(s.pending) == 0 {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, &types.DeviceError{Op: "read", Device: s.name, Err: err}
		}
	}

	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int { return s.target }

// Name implements [audio.Source].
func (s *Source) Name() string { return s.name }

// Close implements [audio.Source].
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if c, ok := s.r.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
