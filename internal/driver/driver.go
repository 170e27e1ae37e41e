// Package driver runs the capture → analysis → decode pipeline.
//
// A [Driver] owns one session at a time. [Driver.Run] starts the capture
// source once and then runs three goroutines under an errgroup:
//
//   - capture performs the blocking reads and hands blocks over in order;
//   - pipeline owns the spectral engine, the palette, and the decoder, drives
//     the tick cadence, and applies settings changes;
//   - dispatch delivers events to the [Consumer] in order.
//
// Other goroutines never touch decoder state. They observe it through
// [Driver.Snapshot] and change settings through [Driver.Pause],
// [Driver.SetWeighting] and [Driver.SetThreshold], which are applied by the
// pipeline goroutine.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/phoneear/internal/decoder"
	"github.com/MrWong99/phoneear/internal/observe"
	"github.com/MrWong99/phoneear/internal/palette"
	"github.com/MrWong99/phoneear/pkg/audio"
	"github.com/MrWong99/phoneear/pkg/spectrum"
	"github.com/MrWong99/phoneear/pkg/types"
)

// emptyReadBackoff is the pause after a read that delivered no samples.
const emptyReadBackoff = 5 * time.Millisecond

// errNoData is wrapped in the DeviceError raised after too many empty reads.
var errNoData = errors.New("no samples delivered")

// TickClock selects what paces the voting-window ticks.
type TickClock string

const (
	// ClockWall ticks on a wall-clock ticker every TickInterval.
	ClockWall TickClock = "wall"

	// ClockSamples ticks every SampleRate*TickInterval samples fed to the
	// engine. Replays of recordings decode identically at any speed.
	ClockSamples TickClock = "samples"
)

// Config holds the driver parameters.
type Config struct {
	// BlockSize is the number of samples requested per read.
	BlockSize int

	// FramesAveragedPerTick is the minimum number of engine spectra that must
	// have accumulated for a tick to pull (and average) a frame.
	FramesAveragedPerTick int

	// TickInterval is the duration of one tick.
	TickInterval time.Duration

	// Clock selects the tick source. Empty means [ClockWall].
	Clock TickClock

	// MaxEmptyReads is the number of consecutive empty reads tolerated before
	// the session fails with a DeviceError. Zero disables the limit.
	MaxEmptyReads int

	// SpectrumEvents enables lossy per-tick spectrum events.
	SpectrumEvents bool

	// Paused starts the session paused.
	Paused bool

	// Weighting enables A-weighting in the engine.
	Weighting bool

	// Decoder holds the voting and state machine parameters.
	Decoder decoder.Config
}

// Validate checks the parameter ranges.
func (c Config) Validate() error {
	var errs []error
	if c.BlockSize <= 0 {
		errs = append(errs, &types.ConfigurationError{Field: "audio.block_size", Reason: fmt.Sprintf("%d must be positive", c.BlockSize)})
	}
	if c.FramesAveragedPerTick < 1 {
		errs = append(errs, &types.ConfigurationError{Field: "analysis.frames_averaged_per_tick", Reason: fmt.Sprintf("%d must be at least 1", c.FramesAveragedPerTick)})
	}
	if c.TickInterval <= 0 {
		errs = append(errs, &types.ConfigurationError{Field: "decoder.tick_interval", Reason: fmt.Sprintf("%s must be positive", c.TickInterval)})
	}
	if c.Clock != "" && c.Clock != ClockWall && c.Clock != ClockSamples {
		errs = append(errs, &types.ConfigurationError{Field: "decoder.tick_clock", Reason: fmt.Sprintf("unknown clock %q", c.Clock)})
	}
	if c.MaxEmptyReads < 0 {
		errs = append(errs, &types.ConfigurationError{Field: "audio.max_empty_reads", Reason: fmt.Sprintf("%d must not be negative", c.MaxEmptyReads)})
	}
	if err := c.Decoder.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Snapshot is an immutable view of the pipeline published after every tick
// and settings change.
type Snapshot struct {
	Running   bool
	Source    string
	State     types.State
	Buffer    string
	Paused    bool
	Weighting bool
	Threshold float64

	// Log is the running message log, oldest first.
	Log []string

	// LastMessage is the most recently finalized message.
	LastMessage types.Message

	Frames    uint64
	Ticks     uint64
	Decisions uint64
}

// Option configures a [Driver].
type Option func(*Driver)

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithDecoderOptions forwards options to the decoder built by [New].
func WithDecoderOptions(opts ...decoder.Option) Option {
	return func(d *Driver) { d.decOpts = append(d.decOpts, opts...) }
}

// Driver ties a capture source, a spectral engine and the decoder together.
type Driver struct {
	cfg      Config
	src      audio.Source
	eng      spectrum.Engine
	pal      *palette.Palette
	dec      *decoder.Decoder
	consumer Consumer
	metrics  *observe.Metrics
	decOpts  []decoder.Option

	running atomic.Bool
	snap    atomic.Pointer[Snapshot]

	// Requested settings. Written by any goroutine, applied by the pipeline
	// goroutine when it receives on wake.
	wantPaused    atomic.Bool
	wantWeighting atomic.Bool
	wantThreshold atomic.Uint64
	wake          chan struct{}

	// Pipeline-goroutine state.
	paused      bool
	weighting   bool
	sinceTick   int
	perTick     int
	lastMessage types.Message
	frames      uint64
	ticks       uint64
	decisions   uint64
}

// New validates cfg and builds a driver. The decoder is created here and
// reused across sessions.
func New(cfg Config, src audio.Source, eng spectrum.Engine, pal *palette.Palette, consumer Consumer, opts ...Option) (*Driver, error) {
	if cfg.Clock == "" {
		cfg.Clock = ClockWall
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}
	if src == nil || eng == nil || pal == nil {
		return nil, &types.ConfigurationError{Field: "driver", Reason: "source, engine and palette are required"}
	}
	if consumer == nil {
		consumer = Funcs{}
	}

	d := &Driver{
		cfg:      cfg,
		src:      src,
		eng:      eng,
		pal:      pal,
		consumer: consumer,
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}

	dec, err := decoder.New(pal, cfg.Decoder, d.decOpts...)
	if err != nil {
		return nil, fmt.Errorf("driver: %w", err)
	}
	d.dec = dec

	d.wantPaused.Store(cfg.Paused)
	d.wantWeighting.Store(cfg.Weighting)
	d.wantThreshold.Store(math.Float64bits(cfg.Decoder.ThresholdFactor))
	d.publish(false)
	return d, nil
}

// Pause requests that decoding be suspended (true) or resumed (false). Audio
// keeps being read while paused and is discarded before analysis.
func (d *Driver) Pause(paused bool) {
	d.wantPaused.Store(paused)
	d.notify()
}

// SetWeighting requests that A-weighting be enabled or disabled.
func (d *Driver) SetWeighting(enabled bool) {
	d.wantWeighting.Store(enabled)
	d.notify()
}

// SetThreshold requests a new baseline threshold factor. Non-positive values
// are ignored.
func (d *Driver) SetThreshold(factor float64) {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return
	}
	d.wantThreshold.Store(math.Float64bits(factor))
	d.notify()
}

func (d *Driver) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns the most recently published pipeline view with the
// latest requested settings. Safe for concurrent use.
func (d *Driver) Snapshot() Snapshot {
	s := *d.snap.Load()
	s.Paused = d.wantPaused.Load()
	s.Weighting = d.wantWeighting.Load()
	return s
}

// Running reports whether a session is in progress.
func (d *Driver) Running() bool { return d.running.Load() }

// Palette returns the palette the driver decodes against.
func (d *Driver) Palette() *palette.Palette { return d.pal }

// Run executes one session and blocks until ctx is cancelled, the source
// reports end of input, or a configuration or device error occurs. Such
// errors are reported to the consumer once and returned. Cancellation and
// end of input return nil.
//
// The source is started once and closed on every exit path. When Run returns
// the decoder is awaiting start with an empty buffer.
func (d *Driver) Run(ctx context.Context) (err error) {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("driver: session already running")
	}
	defer d.running.Store(false)

	ctx, span := observe.StartSpan(ctx, "driver.Run", trace.WithAttributes(
		attribute.String("source", d.src.Name()),
		attribute.Int("sample_rate", d.src.SampleRate()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	log := observe.Logger(ctx)

	if err := d.src.Start(ctx); err != nil {
		_ = d.src.Close()
		d.metrics.RecordDeviceError(ctx, "start")
		d.consumer.OnError(err)
		return err
	}
	defer func() {
		if cerr := d.src.Close(); cerr != nil {
			log.Warn("driver: close source", "source", d.src.Name(), "err", cerr)
		}
	}()

	rate := d.src.SampleRate()
	d.perTick = int(math.Round(float64(rate) * d.cfg.TickInterval.Seconds()))
	if d.cfg.Clock == ClockSamples && d.perTick < 1 {
		err := &types.ConfigurationError{Field: "decoder.tick_interval", Reason: fmt.Sprintf("%s is shorter than one sample at %d Hz", d.cfg.TickInterval, rate)}
		d.consumer.OnError(err)
		return err
	}

	d.metrics.ActiveSessions.Add(ctx, 1)
	defer d.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	log.Info("capture started",
		"source", d.src.Name(),
		"sample_rate", rate,
		"block_size", d.cfg.BlockSize,
		"transform_length", 2*(d.eng.Bins()-1),
		"frames_averaged", d.cfg.FramesAveragedPerTick,
		"tick_interval", d.cfg.TickInterval,
		"tick_clock", d.cfg.Clock,
	)

	g, gctx := errgroup.WithContext(ctx)
	// A blocking Read only returns once the source is closed.
	stop := context.AfterFunc(gctx, func() { _ = d.src.Close() })
	defer stop()

	blocks := make(chan []int16, 16)
	events := make(chan types.Event, 64)
	spectra := make(chan spectrum.Frame, 1)

	g.Go(func() error { return d.capture(gctx, blocks) })
	g.Go(func() error { return d.pipeline(gctx, blocks, events, spectra) })
	g.Go(func() error { return d.dispatch(events, spectra) })

	err = g.Wait()
	if err != nil {
		var de *types.DeviceError
		if errors.As(err, &de) {
			d.metrics.RecordDeviceError(ctx, de.Op)
		}
		log.Error("capture stopped", "source", d.src.Name(), "err", err)
		d.consumer.OnError(err)
		return err
	}
	log.Info("capture stopped", "source", d.src.Name(), "frames", d.frames, "ticks", d.ticks, "decisions", d.decisions)
	return nil
}

// capture reads blocks until the source ends or the session is cancelled.
func (d *Driver) capture(ctx context.Context, blocks chan<- []int16) error {
	defer close(blocks)
	empty := 0
	for {
		buf := make([]int16, d.cfg.BlockSize)
		n, err := d.src.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				observe.Logger(ctx).Info("end of input", "source", d.src.Name())
				return nil
			}
			var de *types.DeviceError
			if errors.As(err, &de) {
				return err
			}
			return &types.DeviceError{Op: "read", Device: d.src.Name(), Err: err}
		}
		if n <= 0 {
			empty++
			d.metrics.ReadAnomalies.Add(ctx, 1)
			if d.cfg.MaxEmptyReads > 0 && empty > d.cfg.MaxEmptyReads {
				return &types.DeviceError{Op: "read", Device: d.src.Name(), Err: fmt.Errorf("%w in %d consecutive reads", errNoData, empty)}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(emptyReadBackoff):
			}
			continue
		}
		empty = 0
		select {
		case blocks <- buf[:n]:
		case <-ctx.Done():
			return nil
		}
	}
}

// pipeline owns the engine and decoder for the duration of a session.
func (d *Driver) pipeline(ctx context.Context, blocks <-chan []int16, events chan<- types.Event, spectra chan spectrum.Frame) error {
	defer close(events)
	emit := func(evs []types.Event) {
		for _, ev := range evs {
			d.record(ctx, ev)
			events <- ev
		}
	}

	// Every session starts from a clean slate.
	d.paused = false
	d.sinceTick = 0
	d.weighting = !d.wantWeighting.Load()
	emit(d.dec.Reset())
	d.reconcile(ctx, emit)

	var tickC <-chan time.Time
	if d.cfg.Clock == ClockWall {
		t := time.NewTicker(d.cfg.TickInterval)
		defer t.Stop()
		tickC = t.C
	}

	defer func() {
		emit(d.dec.Reset())
		d.publish(false)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.wake:
			d.reconcile(ctx, emit)
		case <-tickC:
			d.tick(ctx, emit, spectra)
		case blk, ok := <-blocks:
			if !ok {
				return nil
			}
			d.consume(ctx, blk, emit, spectra)
		}
	}
}

// consume feeds one block to the engine. With the sample clock the block is
// split at tick boundaries so that every tick sees exactly perTick samples.
func (d *Driver) consume(ctx context.Context, blk []int16, emit func([]types.Event), spectra chan spectrum.Frame) {
	d.metrics.Samples.Add(ctx, int64(len(blk)))
	if d.paused {
		return
	}
	if d.cfg.Clock != ClockSamples {
		d.feed(ctx, blk)
		return
	}
	for len(blk) > 0 {
		k := min(d.perTick-d.sinceTick, len(blk))
		d.feed(ctx, blk[:k])
		d.sinceTick += k
		blk = blk[k:]
		if d.sinceTick == d.perTick {
			d.sinceTick = 0
			d.tick(ctx, emit, spectra)
			if d.paused {
				return
			}
		}
	}
}

func (d *Driver) feed(ctx context.Context, samples []int16) {
	start := time.Now()
	d.eng.Feed(samples)
	d.metrics.AnalysisDuration.Record(ctx, time.Since(start).Seconds())
}

// tick pulls a frame when enough spectra have accumulated and advances the
// decoder by one tick.
func (d *Driver) tick(ctx context.Context, emit func([]types.Event), spectra chan spectrum.Frame) {
	if d.paused {
		return
	}
	var frame spectrum.Frame
	if d.eng.FramesAvailable() >= d.cfg.FramesAveragedPerTick {
		frame = d.eng.NextFrame()
	}
	if frame != nil {
		d.frames++
		d.metrics.Frames.Add(ctx, 1)
		if d.cfg.SpectrumEvents {
			d.offerSpectrum(ctx, spectra, frame.Clone())
		}
	}

	d.ticks++
	d.metrics.Ticks.Add(ctx, 1)
	out := d.dec.Tick(frame)
	if out.Decided {
		d.decisions++
		kind := observe.DecisionCount
		switch {
		case out.Decision.Sync:
			kind = observe.DecisionSync
		case out.Decision.Timeout:
			kind = observe.DecisionTimeout
		}
		d.metrics.RecordDecision(ctx, out.Decision.Role.String(), kind)
		observe.Logger(ctx).Debug("slot closed",
			"role", out.Decision.Role.String(),
			"support", out.Decision.Support,
			"kind", kind,
			"state", d.dec.State().String(),
		)
	}
	emit(out.Events)
	d.publish(true)
}

// offerSpectrum hands frame to the dispatcher, replacing a frame it has not
// picked up yet.
func (d *Driver) offerSpectrum(ctx context.Context, spectra chan spectrum.Frame, frame spectrum.Frame) {
	select {
	case spectra <- frame:
		return
	default:
	}
	select {
	case <-spectra:
		d.metrics.RecordDroppedEvent(ctx, types.EventSpectrum.String())
	default:
	}
	select {
	case spectra <- frame:
	default:
		d.metrics.RecordDroppedEvent(ctx, types.EventSpectrum.String())
	}
}

// reconcile applies requested settings that differ from the current ones.
func (d *Driver) reconcile(ctx context.Context, emit func([]types.Event)) {
	log := observe.Logger(ctx)
	if p := d.wantPaused.Load(); p != d.paused {
		d.paused = p
		d.sinceTick = 0
		if p {
			emit(d.dec.Pause())
		} else {
			d.eng.Reset() // no spectrum may mix in audio from before the pause
			emit(d.dec.Resume())
		}
		log.Info("decoding paused", "paused", p)
	}
	if w := d.wantWeighting.Load(); w != d.weighting {
		d.weighting = w
		d.eng.SetWeighting(w)
		log.Info("weighting changed", "enabled", w)
	}
	if th := math.Float64frombits(d.wantThreshold.Load()); th != d.dec.Window().Threshold() {
		d.dec.SetThreshold(th)
		log.Info("threshold changed", "factor", th)
	}
	d.publish(true)
}

// record updates counters for one outgoing event.
func (d *Driver) record(ctx context.Context, ev types.Event) {
	switch ev.Kind {
	case types.EventSymbolAppended:
		d.metrics.RecordSymbol(ctx, ev.Symbol)
	case types.EventMessageFinalized:
		d.metrics.Messages.Add(ctx, 1)
		d.lastMessage = ev.Message
		observe.Logger(ctx).Info("message decoded", "coded", ev.Message.Coded, "text", ev.Message.Text)
	}
}

// publish stores a fresh snapshot. Only the pipeline goroutine and New call
// it.
func (d *Driver) publish(running bool) {
	d.snap.Store(&Snapshot{
		Running:     running,
		Source:      d.src.Name(),
		State:       d.dec.State(),
		Buffer:      d.dec.Buffer(),
		Paused:      d.wantPaused.Load(),
		Weighting:   d.wantWeighting.Load(),
		Threshold:   d.dec.Window().Threshold(),
		Log:         d.dec.Log(),
		LastMessage: d.lastMessage,
		Frames:      d.frames,
		Ticks:       d.ticks,
		Decisions:   d.decisions,
	})
}

// dispatch delivers events to the consumer until the pipeline closes events.
func (d *Driver) dispatch(events <-chan types.Event, spectra <-chan spectrum.Frame) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				select {
				case f := <-spectra:
					d.consumer.OnSpectrum(f)
				default:
				}
				return nil
			}
			Deliver(d.consumer, ev)
		case f := <-spectra:
			d.consumer.OnSpectrum(f)
		}
	}
}
