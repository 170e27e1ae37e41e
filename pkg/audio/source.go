// Package audio defines the capture-source abstraction consumed by the
// sampling driver, plus PCM helpers shared by the source implementations.
//
// A [Source] delivers fixed-size blocks of signed 16-bit mono samples at a
// fixed sample rate. Implementations live in sub-packages:
//
//   - audio/wavfile replays a WAV recording.
//   - audio/pcm reads raw little-endian PCM from any io.Reader.
//   - audio/portaudio captures a live microphone (build tag "portaudio").
//
// This package lives under pkg/ because external code is expected to provide
// additional capture backends.
package audio

import "context"

// Source is a blocking capture device.
//
// The lifecycle is Start → Read… → Close. Start is attempted exactly once per
// session; a failure is reported as a *types.DeviceError (or
// *types.ConfigurationError for unsupported parameters) and the session does
// not proceed. Close must be safe to call more than once and from a
// goroutine other than the one blocked in Read; it unblocks a pending Read.
type Source interface {
	// Start acquires the device. ctx bounds the start attempt only.
	Start(ctx context.Context) error

	// Read blocks until up to len(buf) samples are available and copies them
	// into buf. A return of n <= 0 with a nil error means "no data this time"
	// and is not fatal. io.EOF signals the end of a finite source (file
	// replay). Any other error is a device failure.
	Read(buf []int16) (n int, err error)

	// SampleRate returns the rate in Hz of the samples delivered by Read.
	SampleRate() int

	// Name identifies the device or file in logs and errors.
	Name() string

	// Close releases the device. Subsequent calls return nil.
	Close() error
}
