//go:build portaudio

package app

import (
	"github.com/MrWong99/phoneear/pkg/audio"
	"github.com/MrWong99/phoneear/pkg/audio/portaudio"
)

func init() {
	newMicrophone = func(device string, sampleRate, blockSize int) audio.Source {
		return portaudio.New(device, sampleRate, blockSize)
	}
}
