//go:build portaudio

package main

import "github.com/MrWong99/phoneear/pkg/audio/portaudio"

func init() {
	listDevices = portaudio.ListInputDevices
}
