package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/phoneear/internal/decoder"
	"github.com/MrWong99/phoneear/internal/driver"
	"github.com/MrWong99/phoneear/internal/palette"
	"github.com/MrWong99/phoneear/pkg/spectrum"
	"github.com/MrWong99/phoneear/pkg/types"
)

// clearScreen moves the cursor home and clears the terminal.
const clearScreen = "\033[H\033[2J"

// console prints decoded symbols and messages to a terminal. With levels set
// it redraws the per-tone level display on every spectrum event.
type console struct {
	mu     sync.Mutex
	w      io.Writer
	pal    *palette.Palette
	levels bool

	// open is true while a partially received message is on screen.
	open bool
	last string
}

var _ driver.Consumer = (*console)(nil)

func newConsole(w io.Writer, pal *palette.Palette, levels bool) *console {
	return &console{w: w, pal: pal, levels: levels}
}

func (c *console) OnSpectrum(frame spectrum.Frame) {
	if !c.levels {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.w, clearScreen)
	fmt.Fprintln(c.w, decoder.LevelDisplay(c.pal, frame))
	if c.last != "" {
		fmt.Fprintf(c.w, "\nlast: %s\n", c.last)
	}
}

func (c *console) OnStateChanged(state types.State) {
	if c.levels {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case state == types.StateCapturing && !c.open:
		fmt.Fprint(c.w, "receiving ")
		c.open = true
	case state != types.StateCapturing && c.open:
		fmt.Fprintln(c.w)
		c.open = false
	}
}

func (c *console) OnSymbolAppended(symbol rune) {
	if c.levels {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%c", symbol)
}

func (c *console) OnMessageFinalized(m types.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = m.LogLine()
	if c.levels {
		return
	}
	if c.open {
		fmt.Fprintln(c.w)
		c.open = false
	}
	fmt.Fprintln(c.w, c.last)
}

func (c *console) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		fmt.Fprintln(c.w)
		c.open = false
	}
	fmt.Fprintf(c.w, "error: %v\n", err)
}
