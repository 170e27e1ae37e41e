// Package mock provides a test double for the spectrum.Engine interface.
//
// Engine hands out pre-queued frames: each Feed call moves the next frame of
// Queue into the available set, so tests can script exactly which spectra the
// driver sees.
//
// Example:
//
//	eng := &mock.Engine{Queue: []spectrum.Frame{f1, f2}}
//	eng.Feed(samples) // f1 now available
package mock

import (
	"sync"

	"github.com/MrWong99/phoneear/pkg/spectrum"
)

// Engine is a mock implementation of spectrum.Engine.
type Engine struct {
	mu sync.Mutex

	// Queue holds the frames that become available, one per Feed call.
	Queue []spectrum.Frame

	// BinCount is returned by Bins.
	BinCount int

	// --- Call records ---

	// FedSamples is the total number of samples passed to Feed.
	FedSamples int

	// FeedCallCount is the number of Feed calls.
	FeedCallCount int

	// WeightingCalls records every SetWeighting argument in order.
	WeightingCalls []bool

	// ResetCallCount is the number of Reset calls.
	ResetCallCount int

	available []spectrum.Frame
}

// Feed records the call and releases the next queued frame.
func (e *Engine) Feed(samples []int16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.FeedCallCount++
	e.FedSamples += len(samples)
	if len(e.Queue) > 0 {
		e.available = append(e.available, e.Queue[0])
		e.Queue = e.Queue[1:]
	}
}

// FramesAvailable returns the number of released, unread frames.
func (e *Engine) FramesAvailable() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.available)
}

// NextFrame returns the most recently released frame and clears the
// available set, mirroring an averaging engine that is drained on read.
func (e *Engine) NextFrame() spectrum.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.available) == 0 {
		return nil
	}
	f := e.available[len(e.available)-1]
	e.available = nil
	return f.Clone()
}

// SetWeighting records the call.
func (e *Engine) SetWeighting(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.WeightingCalls = append(e.WeightingCalls, enabled)
}

// Reset records the call and drops the released, unread frames.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ResetCallCount++
	e.available = nil
}

// Resets returns ResetCallCount under the lock.
func (e *Engine) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ResetCallCount
}

// Bins returns BinCount.
func (e *Engine) Bins() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.BinCount
}

// Ensure Engine implements spectrum.Engine at compile time.
var _ spectrum.Engine = (*Engine)(nil)
