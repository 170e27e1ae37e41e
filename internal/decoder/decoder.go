// Package decoder is the symbol decoding core: a voting [Window] that turns
// spectral frames into per-slot decisions, a [Decoder] state machine that
// tracks message capture, and an [Assembler] that pairs digits into letters.
//
// None of the types are safe for concurrent use. The sampling driver owns one
// Decoder from its pipeline goroutine and publishes results as events.
package decoder

import (
	"fmt"
	"time"

	"github.com/MrWong99/phoneear/internal/palette"
	"github.com/MrWong99/phoneear/pkg/spectrum"
	"github.com/MrWong99/phoneear/pkg/types"
)

// Config holds the tunable decoding parameters.
type Config struct {
	// ThresholdFactor scales the comparison-band baseline. A frame votes only
	// when its loudest tone exceeds baseline*ThresholdFactor. Magnitudes are
	// negative dB, so values below 1 are stricter.
	ThresholdFactor float64

	// DecisionSupportThreshold is the vote count that closes a slot early.
	DecisionSupportThreshold int

	// SlotTickBudget is the number of ticks after which a slot times out.
	SlotTickBudget int

	// MinimumSupportFloor is the support below which a timed-out slot becomes
	// a gap filler.
	MinimumSupportFloor int

	// LogLimit bounds the running message log. Zero keeps every line.
	LogLimit int
}

// DefaultConfig returns the parameters of the reference receiver.
func DefaultConfig() Config {
	return Config{
		ThresholdFactor:          0.9,
		DecisionSupportThreshold: 4,
		SlotTickBudget:           10,
		MinimumSupportFloor:      3,
		LogLimit:                 100,
	}
}

// Validate checks the parameter ranges.
func (c Config) Validate() error {
	switch {
	case c.ThresholdFactor <= 0:
		return &types.ConfigurationError{Field: "decoder.threshold_factor", Reason: fmt.Sprintf("%g must be positive", c.ThresholdFactor)}
	case c.DecisionSupportThreshold < 1:
		return &types.ConfigurationError{Field: "decoder.decision_support_threshold", Reason: fmt.Sprintf("%d must be at least 1", c.DecisionSupportThreshold)}
	case c.SlotTickBudget < 1:
		return &types.ConfigurationError{Field: "decoder.slot_tick_budget", Reason: fmt.Sprintf("%d must be at least 1", c.SlotTickBudget)}
	case c.MinimumSupportFloor < 0:
		return &types.ConfigurationError{Field: "decoder.minimum_support_floor", Reason: fmt.Sprintf("%d must not be negative", c.MinimumSupportFloor)}
	case c.LogLimit < 0:
		return &types.ConfigurationError{Field: "output.log_limit", Reason: fmt.Sprintf("%d must not be negative", c.LogLimit)}
	}
	return nil
}

// Outcome reports what a single tick did.
type Outcome struct {
	// Decision is valid when Decided is true.
	Decision Decision
	Decided  bool

	// Events lists the state changes, appended symbols and finalized
	// messages caused by the decision, in order.
	Events []types.Event
}

// Option configures a [Decoder].
type Option func(*Decoder)

// WithClock overrides the time source stamped on finalized messages.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) { d.now = now }
}

// Decoder is the message-capture state machine. It owns its voting window
// and assembler.
type Decoder struct {
	cfg    Config
	window *Window
	asm    *Assembler
	state  types.State
	now    func() time.Time
}

// New builds a decoder in [types.StateAwaitingStart].
func New(pal *palette.Palette, cfg Config, opts ...Option) (*Decoder, error) {
	if pal == nil {
		return nil, &types.ConfigurationError{Field: "palette", Reason: "must not be nil"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Decoder{
		cfg:    cfg,
		window: NewWindow(pal, cfg.ThresholdFactor, cfg.DecisionSupportThreshold, cfg.SlotTickBudget),
		asm:    NewAssembler(cfg.LogLimit),
		state:  types.StateAwaitingStart,
		now:    time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// State returns the current capture state.
func (d *Decoder) State() types.State { return d.state }

// Buffer returns the message buffer, start marker included.
func (d *Decoder) Buffer() string { return d.asm.Buffer() }

// Log returns the running message log.
func (d *Decoder) Log() []string { return d.asm.Log() }

// Window exposes the voting window for inspection.
func (d *Decoder) Window() *Window { return d.window }

// SetThreshold changes the baseline threshold factor.
func (d *Decoder) SetThreshold(f float64) { d.window.SetThreshold(f) }

// Tick runs one voting-window tick and applies the resulting decision. While
// idle the window does not advance.
func (d *Decoder) Tick(frame spectrum.Frame) Outcome {
	if d.state == types.StateIdle {
		return Outcome{}
	}
	dec, ok := d.window.Tick(frame)
	if !ok {
		return Outcome{}
	}
	return Outcome{Decision: dec, Decided: true, Events: d.Apply(dec)}
}

// Apply feeds one decision into the state machine and returns the events it
// caused. Combinations with no defined transition are ignored.
func (d *Decoder) Apply(dec Decision) []types.Event {
	if dec.Sync {
		return nil
	}
	if dec.Timeout && dec.Support < d.cfg.MinimumSupportFloor {
		if d.state != types.StateCapturing {
			return nil
		}
		return d.appendSymbol(GapFiller, nil)
	}

	switch {
	case dec.Role == palette.Start:
		if d.state == types.StateCapturing {
			return nil
		}
		d.asm.Reset()
		events := d.setState(types.StateCapturing, nil)
		return d.appendSymbol(StartMarker, events)
	case dec.Role.IsDigit():
		if d.state != types.StateCapturing {
			return nil
		}
		return d.appendSymbol(rune('0'+dec.Role.Digit()), nil)
	case dec.Role == palette.End:
		if d.state != types.StateCapturing {
			return nil
		}
		msg := d.asm.Finalize(d.now())
		events := []types.Event{{Kind: types.EventMessageFinalized, Message: msg}}
		return d.setState(types.StateAwaitingStart, events)
	}
	return nil
}

// Pause moves the decoder to idle, dropping any partial message and the
// current slot.
func (d *Decoder) Pause() []types.Event {
	d.window.Reset()
	d.asm.Reset()
	return d.setState(types.StateIdle, nil)
}

// Resume leaves idle and waits for the next start tone.
func (d *Decoder) Resume() []types.Event {
	if d.state != types.StateIdle {
		return nil
	}
	d.window.Reset()
	return d.setState(types.StateAwaitingStart, nil)
}

// Reset returns to awaiting start with an empty buffer and a fresh window.
func (d *Decoder) Reset() []types.Event {
	d.window.Reset()
	d.asm.Reset()
	return d.setState(types.StateAwaitingStart, nil)
}

func (d *Decoder) appendSymbol(r rune, events []types.Event) []types.Event {
	d.asm.Append(r)
	return append(events, types.Event{Kind: types.EventSymbolAppended, Symbol: r})
}

func (d *Decoder) setState(s types.State, events []types.Event) []types.Event {
	if d.state == s {
		return events
	}
	d.state = s
	return append(events, types.Event{Kind: types.EventStateChanged, State: s})
}
