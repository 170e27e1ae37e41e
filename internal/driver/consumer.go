package driver

import (
	"github.com/MrWong99/phoneear/pkg/spectrum"
	"github.com/MrWong99/phoneear/pkg/types"
)

// Consumer receives the driver's output. All methods are called from a single
// dispatcher goroutine, in the order the pipeline produced the events, and
// must return promptly: a slow consumer stalls the pipeline (spectrum
// callbacks excepted, which are dropped instead).
type Consumer interface {
	// OnSpectrum receives a copy of the frame classified by a tick.
	OnSpectrum(frame spectrum.Frame)

	// OnStateChanged receives every decoder state transition.
	OnStateChanged(state types.State)

	// OnSymbolAppended receives every character appended to the buffer.
	OnSymbolAppended(symbol rune)

	// OnMessageFinalized receives every decoded message.
	OnMessageFinalized(msg types.Message)

	// OnError receives a session-fatal error. It is called at most once per
	// session, after all other events.
	OnError(err error)
}

// Funcs adapts plain functions to [Consumer]. Nil fields are skipped.
type Funcs struct {
	Spectrum func(spectrum.Frame)
	State    func(types.State)
	Symbol   func(rune)
	Message  func(types.Message)
	Error    func(error)
}

var _ Consumer = Funcs{}

func (f Funcs) OnSpectrum(frame spectrum.Frame) {
	if f.Spectrum != nil {
		f.Spectrum(frame)
	}
}

func (f Funcs) OnStateChanged(state types.State) {
	if f.State != nil {
		f.State(state)
	}
}

func (f Funcs) OnSymbolAppended(symbol rune) {
	if f.Symbol != nil {
		f.Symbol(symbol)
	}
}

func (f Funcs) OnMessageFinalized(msg types.Message) {
	if f.Message != nil {
		f.Message(msg)
	}
}

func (f Funcs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// Multi fans every callback out to each consumer in order.
type Multi []Consumer

var _ Consumer = Multi(nil)

func (m Multi) OnSpectrum(frame spectrum.Frame) {
	for _, c := range m {
		c.OnSpectrum(frame)
	}
}

func (m Multi) OnStateChanged(state types.State) {
	for _, c := range m {
		c.OnStateChanged(state)
	}
}

func (m Multi) OnSymbolAppended(symbol rune) {
	for _, c := range m {
		c.OnSymbolAppended(symbol)
	}
}

func (m Multi) OnMessageFinalized(msg types.Message) {
	for _, c := range m {
		c.OnMessageFinalized(msg)
	}
}

func (m Multi) OnError(err error) {
	for _, c := range m {
		c.OnError(err)
	}
}

// Deliver routes ev to the matching Consumer method.
func Deliver(c Consumer, ev types.Event) {
	switch ev.Kind {
	case types.EventSpectrum:
		c.OnSpectrum(ev.Spectrum)
	case types.EventStateChanged:
		c.OnStateChanged(ev.State)
	case types.EventSymbolAppended:
		c.OnSymbolAppended(ev.Symbol)
	case types.EventMessageFinalized:
		c.OnMessageFinalized(ev.Message)
	case types.EventError:
		c.OnError(ev.Err)
	}
}
