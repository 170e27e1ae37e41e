// Package mock provides an in-memory mock implementation of the
// [audio.Source] interface for use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test sets to control return values.
//
// Typical usage:
//
//	src := &mock.Source{
//	    Rate:   44100,
//	    Blocks: [][]int16{block1, block2},
//	}
//	// Read returns block1, block2, then io.EOF.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/phoneear/pkg/audio"
)

// Source is a mock implementation of [audio.Source].
// Set the exported fields before use; inspect the CallCount* fields after.
type Source struct {
	mu sync.Mutex

	// Rate is returned by SampleRate.
	Rate int

	// DeviceName is returned by Name. Defaults to "mock".
	DeviceName string

	// Blocks are returned by successive Read calls. An empty (non-nil) block
	// yields n == 0, simulating a transient empty read.
	Blocks [][]int16

	// ReadErr, if non-nil, is returned once Blocks is exhausted instead of
	// io.EOF.
	ReadErr error

	// BlockWhenDrained makes Read block until Close once Blocks is exhausted,
	// simulating a live device with no further input.
	BlockWhenDrained bool

	// StartErr is returned by Start.
	StartErr error

	// CloseErr is returned by the first Close call.
	CloseErr error

	// --- Call records ---

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed    chan struct{}
	closeOnce sync.Once
}

func (s *Source) closedCh() chan struct{} {
	if s.closed == nil {
		s.closed = make(chan struct{})
	}
	return s.closed
}

// Start records the call and returns StartErr.
func (s *Source) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	s.closedCh()
	return s.StartErr
}

// Read returns the next queued block.
func (s *Source) Read(buf []int16) (int, error) {
	s.mu.Lock()
	s.CallCountRead++
	closed := s.closedCh()
	if len(s.Blocks) > 0 {
		b := s.Blocks[0]
		n := copy(buf, b)
		if n < len(b) {
			s.Blocks[0] = b[n:]
		} else {
			s.Blocks = s.Blocks[1:]
		}
		s.mu.Unlock()
		return n, nil
	}
	readErr := s.ReadErr
	wait := s.BlockWhenDrained
	s.mu.Unlock()

	if wait {
		<-closed
		return 0, io.EOF
	}
	if readErr != nil {
		return 0, readErr
	}
	return 0, io.EOF
}

// SampleRate returns Rate.
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Rate
}

// Name returns DeviceName or "mock".
func (s *Source) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeviceName == "" {
		return "mock"
	}
	return s.DeviceName
}

// Close records the call, unblocks pending reads, and returns CloseErr on the
// first call.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	closed := s.closedCh()
	s.mu.Unlock()

	var err error
	s.closeOnce.Do(func() {
		close(closed)
		err = s.CloseErr
	})
	return err
}

// Closes returns the number of Close calls. Thread-safe.
func (s *Source) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// Ensure Source implements audio.Source at compile time.
var _ audio.Source = (*Source)(nil)
