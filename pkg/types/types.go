// Package types defines the shared types used across all phoneear packages.
//
// The decoder, the driver and the event consumers all exchange these values.
// Package-specific types stay in their packages; only data that crosses
// package boundaries lives here.
package types

import "time"

// State is the message-capture state of the symbol decoder.
type State int

const (
	// StateIdle means the pipeline is paused or not running. No decisions
	// are applied while idle.
	StateIdle State = iota

	// StateAwaitingStart means the decoder is listening for a start tone.
	StateAwaitingStart

	// StateCapturing means a start tone was seen and digits are being
	// collected into the message buffer.
	StateCapturing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingStart:
		return "awaiting_start"
	case StateCapturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// Message is a finalized decoded message.
type Message struct {
	// Coded is the raw digit sequence between the start and end tones, with
	// gap fillers ('_') where a slot lacked support.
	Coded string

	// Text is the decoded Latin text. Undecodable pairs become '_'.
	Text string

	// At is the wall-clock time at which the end tone was accepted.
	At time.Time
}

// LogLine renders m in the running message log format "[coded] = text".
func (m Message) LogLine() string {
	return "[" + m.Coded + "] = " + m.Text
}

// EventKind classifies events emitted by the sampling driver.
type EventKind int

const (
	// EventSpectrum carries a fresh spectral frame. Spectrum events are lossy:
	// a slow consumer only sees the most recent ones.
	EventSpectrum EventKind = iota

	// EventStateChanged carries the new decoder state.
	EventStateChanged

	// EventSymbolAppended carries a character appended to the message buffer.
	EventSymbolAppended

	// EventMessageFinalized carries a finalized [Message].
	EventMessageFinalized

	// EventError carries a session-fatal error (configuration or device).
	EventError
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventSpectrum:
		return "spectrum"
	case EventStateChanged:
		return "state"
	case EventSymbolAppended:
		return "symbol"
	case EventMessageFinalized:
		return "message"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single item of the driver's event stream. Only the field that
// matches Kind is populated.
type Event struct {
	Kind EventKind

	// Spectrum is the frame magnitudes in dB (EventSpectrum).
	Spectrum []float64

	// State is the new decoder state (EventStateChanged).
	State State

	// Symbol is the appended character (EventSymbolAppended).
	Symbol rune

	// Message is the finalized message (EventMessageFinalized).
	Message Message

	// Err is the fatal error (EventError).
	Err error
}
