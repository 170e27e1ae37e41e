package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is matching across package boundaries.
var (
	// ErrConfiguration matches every [*ConfigurationError].
	ErrConfiguration = errors.New("configuration error")

	// ErrDevice matches every [*DeviceError].
	ErrDevice = errors.New("device error")
)

// ConfigurationError reports an invalid sample rate, bin mapping, or
// unsupported device parameter. It is fatal to the current session: the
// pipeline does not start.
type ConfigurationError struct {
	// Field names the offending configuration key (e.g. "tone_frequencies[3]").
	Field string

	// Reason describes what is wrong with the value.
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Is reports whether target is [ErrConfiguration].
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// DeviceError reports a capture device that failed to start, entered an
// uninitialised state, or stopped delivering data. The session is aborted
// and all device resources are released.
type DeviceError struct {
	// Op is the failing operation ("start", "read", ...).
	Op string

	// Device identifies the device or file.
	Device string

	// Err is the underlying cause. May be nil.
	Err error
}

func (e *DeviceError) Error() string {
	msg := "device"
	if e.Device != "" {
		msg += " " + e.Device
	}
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *DeviceError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrDevice].
func (e *DeviceError) Is(target error) bool { return target == ErrDevice }
