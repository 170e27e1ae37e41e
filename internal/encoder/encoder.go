// Package encoder renders text messages as the tone sequence understood by
// the decoder: one slot of the start tone, two digit slots per letter (its
// ASCII code 65–90), and one slot of the end tone.
//
// It exists for loopback testing. Played through a speaker, or written to a
// WAV file and fed back through the file source, its output exercises the
// complete receive path.
package encoder

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/phoneear/internal/palette"
)

// ErrUnsupported is returned for characters outside A–Z.
var ErrUnsupported = errors.New("encoder: unsupported character")

// Config controls the rendered waveform.
type Config struct {
	// SampleRate of the output in Hz.
	SampleRate int

	// SlotDuration is the length of one tone. It should equal the receiver's
	// slot_tick_budget × tick_interval.
	SlotDuration time.Duration

	// Amplitude is the peak level relative to full scale, in (0, 1].
	Amplitude float64

	// Ramp is the raised-cosine fade applied at both ends of every tone.
	Ramp time.Duration

	// LeadSlots and TailSlots add silent slots before and after the message.
	LeadSlots int
	TailSlots int

	// SyncSlots adds slots of the sync tone before the start tone.
	SyncSlots int
}

// DefaultConfig returns slots matching the default receiver: 10 ticks of
// 50 ms at 44.1 kHz.
func DefaultConfig() Config {
	return Config{
		SampleRate:   44100,
		SlotDuration: 500 * time.Millisecond,
		Amplitude:    0.5,
		Ramp:         5 * time.Millisecond,
		LeadSlots:    1,
		TailSlots:    1,
	}
}

// Encoder renders role sequences with the frequencies of a palette.
type Encoder struct {
	cfg  Config
	pal  *palette.Palette
	slot int
	ramp int
}

// New validates cfg.
func New(pal *palette.Palette, cfg Config) (*Encoder, error) {
	if pal == nil {
		return nil, errors.New("encoder: palette is required")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("encoder: sample rate %d must be positive", cfg.SampleRate)
	}
	if cfg.Amplitude <= 0 || cfg.Amplitude > 1 {
		return nil, fmt.Errorf("encoder: amplitude %g outside (0, 1]", cfg.Amplitude)
	}
	slot := int(math.Round(cfg.SlotDuration.Seconds() * float64(cfg.SampleRate)))
	if slot <= 0 {
		return nil, fmt.Errorf("encoder: slot duration %s is too short", cfg.SlotDuration)
	}
	ramp := int(math.Round(cfg.Ramp.Seconds() * float64(cfg.SampleRate)))
	if ramp < 0 || 2*ramp > slot {
		return nil, fmt.Errorf("encoder: ramp %s does not fit in slot %s", cfg.Ramp, cfg.SlotDuration)
	}
	for _, f := range []float64{pal.Frequency(palette.Sync), pal.Frequency(palette.End)} {
		if f >= float64(cfg.SampleRate)/2 {
			return nil, fmt.Errorf("encoder: tone %.0f Hz not representable at %d Hz", f, cfg.SampleRate)
		}
	}
	return &Encoder{cfg: cfg, pal: pal, slot: slot, ramp: ramp}, nil
}

// SlotSamples returns the number of samples per slot.
func (e *Encoder) SlotSamples() int { return e.slot }

// Roles converts text to the tone sequence start, digits…, end. Letters are
// case-insensitive; anything else fails with [ErrUnsupported].
func (e *Encoder) Roles(text string) ([]palette.Role, error) {
	var digits strings.Builder
	for i, r := range text {
		u := unicode.ToUpper(r)
		if u < 'A' || u > 'Z' {
			return nil, fmt.Errorf("%w %q at offset %d", ErrUnsupported, r, i)
		}
		fmt.Fprintf(&digits, "%d", u)
	}
	return e.DigitRoles(digits.String())
}

// DigitRoles converts a raw digit string to start, digits…, end. It allows
// codes that do not decode to letters, which is useful for testing.
func (e *Encoder) DigitRoles(coded string) ([]palette.Role, error) {
	roles := make([]palette.Role, 0, len(coded)+2)
	roles = append(roles, palette.Start)
	for i, c := range coded {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w %q at offset %d", ErrUnsupported, c, i)
		}
		roles = append(roles, palette.DigitRole(int(c-'0')))
	}
	return append(roles, palette.End), nil
}

// Encode renders text into 16-bit samples.
func (e *Encoder) Encode(text string) ([]int16, error) {
	roles, err := e.Roles(text)
	if err != nil {
		return nil, err
	}
	return e.Render(roles), nil
}

// Render synthesizes the lead silence, sync slots, one slot per role, and the
// tail silence.
func (e *Encoder) Render(roles []palette.Role) []int16 {
	total := e.cfg.LeadSlots + e.cfg.SyncSlots + len(roles) + e.cfg.TailSlots
	out := make([]int16, e.cfg.LeadSlots*e.slot, total*e.slot)
	for range e.cfg.SyncSlots {
		out = e.appendTone(out, e.pal.Frequency(palette.Sync))
	}
	for _, r := range roles {
		out = e.appendTone(out, e.pal.Frequency(r))
	}
	return append(out, make([]int16, e.cfg.TailSlots*e.slot)...)
}

func (e *Encoder) appendTone(out []int16, freq float64) []int16 {
	w := 2 * math.Pi * freq / float64(e.cfg.SampleRate)
	peak := e.cfg.Amplitude * math.MaxInt16
	for i := range e.slot {
		g := 1.0
		switch {
		case i < e.ramp:
			g = 0.5 - 0.5*math.Cos(math.Pi*float64(i)/float64(e.ramp))
		case i >= e.slot-e.ramp:
			g = 0.5 - 0.5*math.Cos(math.Pi*float64(e.slot-1-i)/float64(e.ramp))
		}
		out = append(out, int16(math.Round(peak*g*math.Sin(w*float64(i)))))
	}
	return out
}
