// Package app wires the phoneear subsystems into a running receiver.
//
// The App struct owns the full lifecycle: New builds the palette, metrics,
// event fan-out, session manager and HTTP server, Run starts the listen
// session and serves until the context ends, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithSourceFactory,
// WithEngineFactory, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/phoneear/internal/config"
	"github.com/MrWong99/phoneear/internal/decoder"
	"github.com/MrWong99/phoneear/internal/driver"
	"github.com/MrWong99/phoneear/internal/health"
	"github.com/MrWong99/phoneear/internal/observe"
	"github.com/MrWong99/phoneear/internal/palette"
	"github.com/MrWong99/phoneear/internal/web"
)

const (
	serverShutdownTimeout = 5 * time.Second
	readHeaderTimeout     = 10 * time.Second

	// minStall is the shortest tick stall reported by /readyz.
	minStall = 2 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems, initialised in New and torn down in Shutdown.
	pal      *palette.Palette
	metrics  *observe.Metrics
	scrape   http.Handler
	hub      *web.Hub
	sessions *SessionManager
	server   *http.Server
	listener net.Listener

	// Injected or defaulted by options.
	sources          SourceFactory
	engines          EngineFactory
	consumers        []driver.Consumer
	decOpts          []decoder.Option
	level            *slog.LevelVar
	exitOnSessionEnd bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSourceFactory replaces the capture source selected by the audio config.
func WithSourceFactory(f SourceFactory) Option {
	return func(a *App) { a.sources = f }
}

// WithEngineFactory replaces the STFT engine built from the analysis config.
func WithEngineFactory(f EngineFactory) Option {
	return func(a *App) { a.engines = f }
}

// WithConsumers adds event consumers next to the WebSocket hub, for example
// the console printer.
func WithConsumers(cs ...driver.Consumer) Option {
	return func(a *App) { a.consumers = append(a.consumers, cs...) }
}

// WithMetrics injects a metrics instance instead of the global one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at GET /metrics instead of the default
// Prometheus registry handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithDecoderOptions forwards options to every session's decoder.
func WithDecoderOptions(opts ...decoder.Option) Option {
	return func(a *App) { a.decOpts = append(a.decOpts, opts...) }
}

// WithLogLevel lets hot reloads change the level of the handler built on v.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithExitOnSessionEnd makes Run return when the listen session ends on its
// own (end of file, device failure). Without it Run keeps serving the HTTP
// API so that a new session can be started.
func WithExitOnSessionEnd(exit bool) Option {
	return func(a *App) { a.exitOnSessionEnd = exit }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
//
// New binds the HTTP listener when cfg.Server.ListenAddr is set but does not
// start serving or capturing; that is Run's job.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Palette ───────────────────────────────────────────────────────
	pal, err := palette.New(cfg.PaletteSpec())
	if err != nil {
		return nil, fmt.Errorf("app: init palette: %w", err)
	}
	a.pal = pal

	// ── 2. Metrics ───────────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}

	// ── 3. Event fan-out ─────────────────────────────────────────────────
	a.hub = web.NewHub(pal, a.metrics, web.WithOriginPatterns(cfg.Server.AllowedOrigins...))
	consumer := driver.Multi(append([]driver.Consumer{a.hub}, a.consumers...))

	// ── 4. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:         cfg,
		Palette:        pal,
		Sources:        a.sources,
		Engines:        a.engines,
		Consumer:       consumer,
		Metrics:        a.metrics,
		DecoderOptions: a.decOpts,
	})

	// ── 5. HTTP server ───────────────────────────────────────────────────
	if err := a.initServer(ctx); err != nil {
		return nil, fmt.Errorf("app: init http server: %w", err)
	}

	slog.Info("app initialised",
		"sync_hz", pal.Frequency(palette.Sync),
		"end_hz", pal.Frequency(palette.End),
		"http", a.Addr(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initServer builds the mux with health, metrics, API and stream routes and
// binds the listener.
func (a *App) initServer(ctx context.Context) error {
	if a.cfg.Server.ListenAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	health.New(
		health.Running("session", a.sessions.IsActive),
		a.ticksChecker(),
	).Register(mux)
	mux.Handle("GET /metrics", a.scrape)
	web.NewAPI(a.sessions).Register(mux, a.hub)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return err
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return nil
}

// ticksChecker fails when decoding is running but ticks stopped advancing.
// A paused session does not tick and passes.
func (a *App) ticksChecker() health.Checker {
	stall := max(10*a.cfg.Decoder.TickInterval, minStall)
	advancing := health.Advancing("ticks", func() uint64 { return a.sessions.Status().Ticks }, stall)
	return health.Checker{Name: advancing.Name, Check: func(ctx context.Context) error {
		if a.sessions.Status().Paused {
			return nil
		}
		return advancing.Check(ctx)
	}}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the listen session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Palette returns the tone palette the receiver decodes against.
func (a *App) Palette() *palette.Palette { return a.pal }

// Addr returns the bound HTTP address, or "" when the server is disabled.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, starts the listen session and blocks until ctx is
// cancelled, or until the session ends when [WithExitOnSessionEnd] is set.
// A session that ends with an error is returned in the latter case.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		// Stream handlers end with the app, not with server.Shutdown.
		a.server.BaseContext = func(net.Listener) context.Context { return gctx }
		g.Go(func() error {
			slog.Info("http server listening", "addr", a.Addr())
			if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				slog.Warn("http server shutdown", "err", err)
			}
			return nil
		})
	}

	if err := a.sessions.Start(gctx, "startup"); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("app: %w", err)
	}
	done := a.sessions.Done()

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-done:
		}
		if !a.exitOnSessionEnd {
			if err := a.sessions.LastError(); err != nil {
				slog.Warn("listen session failed, API stays up", "err", err)
			}
			return nil
		}
		cancel()
		return a.sessions.LastError()
	})

	slog.Info("app running", "source", a.sessions.Info().Source)
	err := g.Wait()

	if a.sessions.IsActive() {
		_ = a.sessions.Stop()
	}
	return err
}

// ApplyDiff applies the hot-reloadable part of a config change to the
// running receiver.
func (a *App) ApplyDiff(d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PausedChanged {
		a.sessions.Pause(d.Paused)
	}
	if d.WeightingChanged {
		a.sessions.SetWeighting(d.Weighting)
	}
	if d.ThresholdChanged {
		a.sessions.SetThreshold(d.Threshold)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the listen session, closes the HTTP listener and runs the
// registered closers. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.sessions.IsActive() {
			stopped := make(chan struct{})
			go func() {
				_ = a.sessions.Stop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded while stopping the session")
				shutdownErr = ctx.Err()
				return
			}
		}

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown", "err", err)
			}
			if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				slog.Warn("http listener close", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// AddCloser registers fn to run during Shutdown, after the session and the
// HTTP server are stopped.
func (a *App) AddCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}
