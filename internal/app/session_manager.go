package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/phoneear/internal/config"
	"github.com/MrWong99/phoneear/internal/decoder"
	"github.com/MrWong99/phoneear/internal/driver"
	"github.com/MrWong99/phoneear/internal/observe"
	"github.com/MrWong99/phoneear/internal/palette"
	"github.com/MrWong99/phoneear/internal/web"
	"github.com/MrWong99/phoneear/pkg/spectrum"
)

// EngineFactory builds a fresh spectral engine for one listen session.
type EngineFactory func() (spectrum.Engine, error)

// SessionInfo holds metadata about a listen session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// Source is the name of the capture device or file.
	Source string

	// StartedAt is when the session was started.
	StartedAt time.Time

	// StartedBy identifies who requested the session ("startup" or the
	// remote address of an API client).
	StartedBy string
}

// SessionManager manages the lifecycle of listen sessions.
// Only one session can be active at a time (enforced by mutex).
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	active  bool
	info    SessionInfo
	drv     *driver.Driver
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error

	// Settings that outlive a single session. Applied to every new driver.
	paused    bool
	weighting bool
	threshold float64

	// Dependencies injected at construction.
	cfg      *config.Config
	pal      *palette.Palette
	sources  SourceFactory
	engines  EngineFactory
	consumer driver.Consumer
	metrics  *observe.Metrics
	decOpts  []decoder.Option
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config   *config.Config
	Palette  *palette.Palette
	Sources  SourceFactory
	Engines  EngineFactory
	Consumer driver.Consumer
	Metrics  *observe.Metrics

	// DecoderOptions are forwarded to each session's decoder.
	DecoderOptions []decoder.Option
}

var _ web.Controller = (*SessionManager)(nil)

// NewSessionManager creates a SessionManager with the given dependencies.
// A nil Engines builds STFT engines from the analysis config.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		cfg:       cfg.Config,
		pal:       cfg.Palette,
		sources:   cfg.Sources,
		engines:   cfg.Engines,
		consumer:  cfg.Consumer,
		metrics:   cfg.Metrics,
		decOpts:   cfg.DecoderOptions,
		paused:    cfg.Config.Decoder.Paused,
		weighting: cfg.Config.Analysis.WeightingEnabled,
		threshold: cfg.Config.Decoder.ThresholdFactor,
	}
	if sm.sources == nil {
		sm.sources = SourceFromConfig(cfg.Config.Audio)
	}
	if sm.engines == nil {
		spec := cfg.Config.SpectrumSpec()
		sm.engines = func() (spectrum.Engine, error) { return spectrum.NewSTFT(spec) }
	}
	return sm
}

// Start opens the capture source and begins decoding in the background.
// The session outlives ctx; end it with [SessionManager.Stop].
//
// Returns an error wrapping [web.ErrSessionActive] if a session is already
// active. Device failures during start are reported asynchronously through
// the consumer and [SessionManager.LastError].
func (sm *SessionManager) Start(ctx context.Context, startedBy string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return fmt.Errorf("session: %w (id=%s)", web.ErrSessionActive, sm.info.SessionID)
	}

	src, err := sm.sources()
	if err != nil {
		return fmt.Errorf("session: open source: %w", err)
	}
	eng, err := sm.engines()
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("session: build spectral engine: %w", err)
	}

	spec := sm.cfg.DriverSpec()
	spec.Paused = sm.paused
	spec.Weighting = sm.weighting
	spec.Decoder.ThresholdFactor = sm.threshold

	d, err := driver.New(spec, src, eng, sm.pal, sm.consumer,
		driver.WithMetrics(sm.metrics),
		driver.WithDecoderOptions(sm.decOpts...),
	)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("session: %w", err)
	}

	now := time.Now().UTC()
	sessionID := "listen-" + uuid.NewString()

	runCtx, cancel := context.WithCancel(observe.WithSession(context.WithoutCancel(ctx), sessionID))
	done := make(chan struct{})

	sm.active = true
	sm.drv = d
	sm.cancel = cancel
	sm.done = done
	sm.lastErr = nil
	sm.info = SessionInfo{
		SessionID: sessionID,
		Source:    src.Name(),
		StartedAt: now,
		StartedBy: startedBy,
	}

	slog.Info("session started",
		"session_id", sessionID,
		"source", src.Name(),
		"started_by", startedBy,
		"paused", sm.paused,
	)

	go sm.run(runCtx, d, sessionID, done)
	return nil
}

func (sm *SessionManager) run(ctx context.Context, d *driver.Driver, sessionID string, done chan struct{}) {
	defer close(done)
	err := d.Run(ctx)

	sm.mu.Lock()
	sm.active = false
	sm.cancel = nil
	sm.lastErr = err
	sm.mu.Unlock()

	if err != nil {
		slog.Error("session ended", "session_id", sessionID, "err", err)
		return
	}
	slog.Info("session ended", "session_id", sessionID)
}

// Stop ends the active session and waits for the driver to release the
// capture source.
//
// Returns an error wrapping [web.ErrNoSession] if no session is active.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return fmt.Errorf("session: %w", web.ErrNoSession)
	}
	sessionID := sm.info.SessionID
	cancel, done := sm.cancel, sm.done
	sm.mu.Unlock()

	cancel()
	<-done

	slog.Info("session stopped", "session_id", sessionID)
	return nil
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the current or most recent session.
// Returns zero value if no session was ever started.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Done returns a channel closed when the current or most recent session
// ends. Before the first session it returns a closed channel.
func (sm *SessionManager) Done() <-chan struct{} {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sm.done
}

// LastError returns the error the most recent session ended with, or nil if
// it is still running or ended cleanly.
func (sm *SessionManager) LastError() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastErr
}

// Status returns the driver snapshot of the current or most recent session.
// Before the first session it reports the configured settings.
func (sm *SessionManager) Status() driver.Snapshot {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.drv != nil {
		return sm.drv.Snapshot()
	}
	return driver.Snapshot{
		Paused:    sm.paused,
		Weighting: sm.weighting,
		Threshold: sm.threshold,
	}
}

// Pause suspends (true) or resumes (false) decoding. The setting carries over
// to later sessions.
func (sm *SessionManager) Pause(paused bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.paused = paused
	if sm.drv != nil {
		sm.drv.Pause(paused)
	}
}

// SetWeighting enables or disables A-weighting.
func (sm *SessionManager) SetWeighting(enabled bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.weighting = enabled
	if sm.drv != nil {
		sm.drv.SetWeighting(enabled)
	}
}

// SetThreshold changes the baseline threshold factor. Non-positive values
// are ignored.
func (sm *SessionManager) SetThreshold(factor float64) {
	if factor <= 0 {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.threshold = factor
	if sm.drv != nil {
		sm.drv.SetThreshold(factor)
	}
}

