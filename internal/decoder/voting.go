package decoder

import (
	"github.com/MrWong99/phoneear/internal/palette"
	"github.com/MrWong99/phoneear/pkg/spectrum"
)

// Decision is the outcome of one closed decode slot.
type Decision struct {
	// Role is the role with the highest support (lowest index on ties).
	Role palette.Role

	// Support is the histogram count of Role when the slot closed.
	Support int

	// Timeout is true when the slot closed because the tick budget ran out
	// rather than because Role reached the decision threshold.
	Timeout bool

	// Sync is true for a synchronization event. Sync decisions carry no
	// symbol.
	Sync bool
}

// Window is the per-slot voting histogram. Frames vote for their dominant
// role; the slot closes on enough support or when the tick budget elapses.
type Window struct {
	pal       *palette.Palette
	threshold float64
	support   int
	budget    int

	hist   [palette.NumRoles]int
	ticks  int
	locked bool
	cands  [palette.NumRoles]float64
}

// NewWindow returns a window over pal. thresholdFactor scales the per-frame
// baseline, support is the count that triggers an early decision, and budget
// is the number of ticks per slot.
func NewWindow(pal *palette.Palette, thresholdFactor float64, support, budget int) *Window {
	return &Window{pal: pal, threshold: thresholdFactor, support: support, budget: budget}
}

// SetThreshold replaces the baseline threshold factor. It takes effect on the
// next frame.
func (w *Window) SetThreshold(f float64) { w.threshold = f }

// Threshold returns the current threshold factor.
func (w *Window) Threshold() float64 { return w.threshold }

// Reset clears the histogram, tick counter and lock.
func (w *Window) Reset() {
	w.hist = [palette.NumRoles]int{}
	w.ticks = 0
	w.locked = false
}

// Ticks returns the number of ticks elapsed in the current slot.
func (w *Window) Ticks() int { return w.ticks }

// Locked reports whether a count decision already happened in this slot.
func (w *Window) Locked() bool { return w.locked }

// Vote classifies frame and returns the dominant role and whether it cleared
// the baseline threshold. It does not modify the window.
func (w *Window) Vote(frame spectrum.Frame) (palette.Role, bool) {
	w.pal.Candidates(frame, &w.cands)
	winner := palette.Sync
	for r := 1; r < palette.NumRoles; r++ {
		if w.cands[r] > w.cands[winner] {
			winner = palette.Role(r)
		}
	}
	return winner, w.cands[winner] > w.pal.Baseline(frame)*w.threshold
}

// Tick advances the window by one tick. frame is the spectrum pulled for this
// tick, or nil when no new frame arrived; a nil frame only advances the tick
// counter. Tick returns a decision when the slot closes.
func (w *Window) Tick(frame spectrum.Frame) (Decision, bool) {
	if frame != nil {
		if role, ok := w.Vote(frame); ok {
			w.hist[role]++
			if role == palette.Sync {
				d := Decision{Role: palette.Sync, Support: w.hist[palette.Sync], Sync: true}
				w.Reset()
				return d, true
			}
		}
	}

	w.ticks++
	if !w.locked {
		if role, n := w.leader(); n >= w.support {
			w.hist = [palette.NumRoles]int{}
			w.locked = true
			if w.ticks >= w.budget {
				w.Reset()
			}
			return Decision{Role: role, Support: n}, true
		}
	}
	if w.ticks < w.budget {
		return Decision{}, false
	}

	if w.locked {
		w.Reset()
		return Decision{}, false
	}
	role, n := w.leader()
	w.Reset()
	return Decision{Role: role, Support: n, Timeout: true}, true
}

// leader returns the role with the highest count; the lowest index wins ties.
func (w *Window) leader() (palette.Role, int) {
	best := 0
	for r := 1; r < palette.NumRoles; r++ {
		if w.hist[r] > w.hist[best] {
			best = r
		}
	}
	return palette.Role(best), w.hist[best]
}
