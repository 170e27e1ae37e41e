package app

import (
	"fmt"
	"io"
	"os"

	"github.com/MrWong99/phoneear/internal/config"
	"github.com/MrWong99/phoneear/pkg/audio"
	"github.com/MrWong99/phoneear/pkg/audio/pcm"
	"github.com/MrWong99/phoneear/pkg/audio/wavfile"
	"github.com/MrWong99/phoneear/pkg/types"
)

// SourceFactory opens a fresh capture source for one listen session.
type SourceFactory func() (audio.Source, error)

// newMicrophone is set by the portaudio build; it stays nil otherwise.
var newMicrophone func(device string, sampleRate, blockSize int) audio.Source

// MicrophoneSupported reports whether this binary can capture from a
// microphone.
func MicrophoneSupported() bool { return newMicrophone != nil }

// SourceFromConfig returns a factory for the source selected by cfg.
func SourceFromConfig(cfg config.AudioConfig) SourceFactory {
	return func() (audio.Source, error) {
		switch cfg.Source {
		case config.SourceWAV:
			return wavfile.New(cfg.Path, cfg.SampleRate, wavfile.WithPacing(cfg.Realtime)), nil

		case config.SourcePCM:
			var (
				r    io.Reader = os.Stdin
				name           = "stdin"
			)
			if cfg.Path != "" && cfg.Path != "-" {
				f, err := os.Open(cfg.Path)
				if err != nil {
					return nil, &types.DeviceError{Op: "open", Device: cfg.Path, Err: err}
				}
				r, name = f, cfg.Path
			}
			format := audio.Format{SampleRate: cfg.InputRate, Channels: cfg.InputChannels}
			return pcm.New(name, r, format, cfg.SampleRate), nil

		case config.SourcePortAudio:
			if newMicrophone == nil {
				return nil, &types.ConfigurationError{Field: "audio.source", Reason: "microphone capture needs a binary built with -tags portaudio"}
			}
			return newMicrophone(cfg.Device, cfg.SampleRate, cfg.BlockSize), nil
		}
		return nil, &types.ConfigurationError{Field: "audio.source", Reason: fmt.Sprintf("unknown source %q", cfg.Source)}
	}
}
