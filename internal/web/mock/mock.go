// Package mock provides a test double for the web.Controller interface.
//
// Controller records every call and returns the errors and snapshot set in
// its exported fields.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/phoneear/internal/driver"
)

// Controller is a mock implementation of web.Controller.
type Controller struct {
	mu sync.Mutex

	// StartErr is returned by Start.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// Snapshot is returned by Status.
	Snapshot driver.Snapshot

	// --- Call records ---

	// StartedBy records the startedBy argument of every Start call.
	StartedBy []string

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// PauseCalls, WeightingCalls and ThresholdCalls record the arguments of
	// the settings methods in order.
	PauseCalls     []bool
	WeightingCalls []bool
	ThresholdCalls []float64
}

// Start records the call and returns StartErr.
func (c *Controller) Start(_ context.Context, startedBy string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartedBy = append(c.StartedBy, startedBy)
	return c.StartErr
}

// Stop records the call and returns StopErr.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	return c.StopErr
}

// Status returns Snapshot.
func (c *Controller) Status() driver.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Snapshot
}

// Pause records the call.
func (c *Controller) Pause(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PauseCalls = append(c.PauseCalls, paused)
}

// SetWeighting records the call.
func (c *Controller) SetWeighting(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.WeightingCalls = append(c.WeightingCalls, enabled)
}

// SetThreshold records the call.
func (c *Controller) SetThreshold(factor float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ThresholdCalls = append(c.ThresholdCalls, factor)
}
