//go:build portaudio

// Package portaudio implements a live microphone [audio.Source] on top of
// PortAudio. It requires cgo and the PortAudio C library, so it is only built
// with the "portaudio" build tag.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/phoneear/pkg/audio"
	"github.com/MrWong99/phoneear/pkg/types"
)

// Source captures mono 16-bit audio from an input device.
type Source struct {
	device     string
	sampleRate int
	blockSize  int

	mu          sync.Mutex
	stream      *pa.Stream
	buf         []int16
	initialized bool
	name        string

	closeOnce sync.Once
}

var _ audio.Source = (*Source)(nil)

// New returns a source for the input device selected by device: empty for the
// system default, a 1-based index, or a device-name prefix.
func New(device string, sampleRate, blockSize int) *Source {
	return &Source{device: device, sampleRate: sampleRate, blockSize: blockSize, name: device}
}

// Start initialises PortAudio, opens the device, and starts the stream. Every
// resource acquired before a failure is released before returning.
func (s *Source) Start(_ context.Context) (err error) {
	if s.sampleRate <= 0 || s.blockSize <= 0 {
		return &types.ConfigurationError{Field: "audio", Reason: fmt.Sprintf("sample rate %d / block size %d must be positive", s.sampleRate, s.blockSize)}
	}
	if err := pa.Initialize(); err != nil {
		return &types.DeviceError{Op: "initialize", Device: s.device, Err: err}
	}
	defer func() {
		if err != nil {
			_ = pa.Terminate()
		}
	}()

	info, err := s.lookup()
	if err != nil {
		return &types.DeviceError{Op: "lookup", Device: s.device, Err: err}
	}

	p := pa.HighLatencyParameters(info, nil)
	p.Input.Channels = 1
	p.Output.Channels = 0
	p.SampleRate = float64(s.sampleRate)
	p.FramesPerBuffer = s.blockSize

	buf := make([]int16, s.blockSize)
	stream, err := pa.OpenStream(p, buf)
	if err != nil {
		return &types.ConfigurationError{Field: "audio.device", Reason: fmt.Sprintf("open %q at %d Hz: %v", info.Name, s.sampleRate, err)}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return &types.DeviceError{Op: "start", Device: info.Name, Err: err}
	}

	s.mu.Lock()
	s.stream = stream
	s.buf = buf
	s.initialized = true
	s.name = info.Name
	s.mu.Unlock()
	return nil
}

// lookup resolves the configured device selector.
func (s *Source) lookup() (*pa.DeviceInfo, error) {
	if s.device == "" {
		return pa.DefaultInputDevice()
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	if i, err := strconv.Atoi(s.device); err == nil && i > 0 && i <= len(devices) {
		return devices[i-1], nil
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.HasPrefix(d.Name, s.device) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no input device matches %q", s.device)
}

// Read implements [audio.Source]. Input overflow is reported as an empty read.
func (s *Source) Read(buf []int16) (int, error) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return 0, &types.DeviceError{Op: "read", Device: s.name, Err: errors.New("stream not started")}
	}
	if err := stream.Read(); err != nil {
		if errors.Is(err, pa.InputOverflowed) {
			return 0, nil
		}
		return 0, &types.DeviceError{Op: "read", Device: s.name, Err: err}
	}
	return copy(buf, s.buf), nil
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int { return s.sampleRate }

// Name implements [audio.Source].
func (s *Source) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name == "" {
		return "default"
	}
	return s.name
}

// Close aborts the stream (unblocking a pending Read) and terminates PortAudio.
func (s *Source) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stream != nil {
			if err := s.stream.Abort(); err != nil {
				errs = append(errs, err)
			}
			if err := s.stream.Close(); err != nil {
				errs = append(errs, err)
			}
			s.stream = nil
		}
		if s.initialized {
			if err := pa.Terminate(); err != nil {
				errs = append(errs, err)
			}
			s.initialized = false
		}
	})
	return errors.Join(errs...)
}

// ListInputDevices returns "index: name" lines for every capture-capable
// device, using the same 1-based index accepted by New.
func ListInputDevices() ([]string, error) {
	if err := pa.Initialize(); err != nil {
		return nil, err
	}
	defer pa.Terminate()

	devices, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	var out []string
	for i, d := range devices {
		if d.MaxInputChannels == 0 {
			continue
		}
		out = append(out, fmt.Sprintf("%d: %s (in:%d, %.0f Hz)", i+1, d.Name, d.MaxInputChannels, d.DefaultSampleRate))
	}
	return out, nil
}
