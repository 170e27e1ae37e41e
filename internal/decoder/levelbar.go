package decoder

import (
	"fmt"
	"strings"

	"github.com/MrWong99/phoneear/internal/palette"
	"github.com/MrWong99/phoneear/pkg/spectrum"
)

const (
	levelFloorDB = -100.0
	levelStepDB  = 5.0
	levelMaxBars = 15
)

// LevelBar renders a magnitude as a run of '|' characters: one bar at or
// below -100 dB, one more per 5 dB above that, capped at 15 bars.
func LevelBar(db float64) string {
	n := 1
	if db > levelFloorDB {
		n = int((db-levelFloorDB)/levelStepDB) + 1
	}
	n = min(n, levelMaxBars)
	return strings.Repeat("|", n)
}

// LevelDisplay renders one line per palette role, e.g.
// "18.0 kHz (0): ||||||", in role order.
func LevelDisplay(pal *palette.Palette, frame spectrum.Frame) string {
	var b strings.Builder
	for r := range palette.NumRoles {
		role := palette.Role(r)
		if r > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%4.1f kHz (%c): %s", pal.Frequency(role)/1000, role.Glyph(), LevelBar(pal.MagnitudeOf(role, frame)))
	}
	return b.String()
}
