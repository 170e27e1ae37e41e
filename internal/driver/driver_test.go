package driver_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/phoneear/internal/decoder"
	"github.com/MrWong99/phoneear/internal/driver"
	"github.com/MrWong99/phoneear/internal/observe"
	"github.com/MrWong99/phoneear/internal/palette"
	audiomock "github.com/MrWong99/phoneear/pkg/audio/mock"
	"github.com/MrWong99/phoneear/pkg/spectrum"
	spectrummock "github.com/MrWong99/phoneear/pkg/spectrum/mock"
	"github.com/MrWong99/phoneear/pkg/types"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

// recorder is a thread-safe Consumer that records every callback.
type recorder struct {
	mu       sync.Mutex
	spectra  int
	states   []types.State
	symbols  []rune
	messages []types.Message
	errs     []error
}

func (r *recorder) OnSpectrum(spectrum.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spectra++
}

func (r *recorder) OnStateChanged(s types.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnSymbolAppended(c rune) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.symbols = append(r.symbols, c)
}

func (r *recorder) OnMessageFinalized(m types.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		spectra:  r.spectra,
		states:   append([]types.State(nil), r.states...),
		symbols:  append([]rune(nil), r.symbols...),
		messages: append([]types.Message(nil), r.messages...),
		errs:     append([]error(nil), r.errs...),
	}
}

func testPalette(t *testing.T) *palette.Palette {
	t.Helper()
	p, err := palette.New(palette.Config{
		SampleRate:            44100,
		TransformLength:       512,
		ToneFrequencies:       palette.DefaultToneFrequencies,
		ComparisonFrequencies: palette.DefaultComparisonFrequencies,
	})
	if err != nil {
		t.Fatalf("palette.New: %v", err)
	}
	return p
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// toneFrame is a 257-bin frame with the comparison band at -100 dB, the rest
// at -120 dB, and role (if any) at -30 dB.
func toneFrame(p *palette.Palette, roles ...palette.Role) spectrum.Frame {
	f := make(spectrum.Frame, 257)
	for i := range f {
		f[i] = -120
	}
	for _, b := range p.ComparisonBins() {
		f[b] = -100
	}
	for _, r := range roles {
		f[p.Bin(r)] = -30
	}
	return f
}

// sampleClockConfig ticks every 10 samples at 1 kHz.
func sampleClockConfig() driver.Config {
	return driver.Config{
		BlockSize:             10,
		FramesAveragedPerTick: 1,
		TickInterval:          10 * time.Millisecond,
		Clock:                 driver.ClockSamples,
		Decoder:               decoder.DefaultConfig(),
	}
}

// scriptSlots queues budget frames per role and one 10-sample block per frame.
func scriptSlots(p *palette.Palette, budget int, roles ...palette.Role) ([]spectrum.Frame, [][]int16) {
	var frames []spectrum.Frame
	var blocks [][]int16
	for _, r := range roles {
		for range budget {
			frames = append(frames, toneFrame(p, r))
			blocks = append(blocks, make([]int16, 10))
		}
	}
	return frames, blocks
}

func runWithTimeout(t *testing.T, d *driver.Driver, ctx context.Context) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestNew_InvalidConfig(t *testing.T) {
	p := testPalette(t)
	tests := []struct {
		name   string
		mutate func(*driver.Config)
	}{
		{"zero block", func(c *driver.Config) { c.BlockSize = 0 }},
		{"zero frames per tick", func(c *driver.Config) { c.FramesAveragedPerTick = 0 }},
		{"zero tick", func(c *driver.Config) { c.TickInterval = 0 }},
		{"unknown clock", func(c *driver.Config) { c.Clock = "sundial" }},
		{"negative empty reads", func(c *driver.Config) { c.MaxEmptyReads = -1 }},
		{"bad decoder", func(c *driver.Config) { c.Decoder.SlotTickBudget = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := sampleClockConfig()
			tt.mutate(&cfg)
			_, err := driver.New(cfg, &audiomock.Source{Rate: 1000}, &spectrummock.Engine{BinCount: 257}, p, nil)
			if !errors.Is(err, types.ErrConfiguration) {
				t.Fatalf("New() error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestRun_DecodesScriptedMessage(t *testing.T) {
	p := testPalette(t)
	frames, blocks := scriptSlots(p, 10,
		palette.Start,
		palette.DigitRole(7), palette.DigitRole(2),
		palette.DigitRole(7), palette.DigitRole(3),
		palette.End,
	)
	src := &audiomock.Source{Rate: 1000, Blocks: blocks}
	eng := &spectrummock.Engine{Queue: frames, BinCount: 257}
	rec := &recorder{}

	d, err := driver.New(sampleClockConfig(), src, eng, p, rec, driver.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := runWithTimeout(t, d, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := rec.snapshot()
	if len(got.messages) != 1 || got.messages[0].Coded != "7273" || got.messages[0].Text != "HI" {
		t.Fatalf("messages = %+v, want one message 7273 = HI", got.messages)
	}
	if string(got.symbols) != "[7273" {
		t.Errorf("symbols = %q, want %q", string(got.symbols), "[7273")
	}
	wantStates := []types.State{types.StateCapturing, types.StateAwaitingStart}
	if len(got.states) != len(wantStates) || got.states[0] != wantStates[0] || got.states[1] != wantStates[1] {
		t.Errorf("states = %v, want %v", got.states, wantStates)
	}
	if len(got.errs) != 0 {
		t.Errorf("errors = %v, want none", got.errs)
	}

	snap := d.Snapshot()
	if snap.Running || snap.State != types.StateAwaitingStart || snap.Buffer != "" {
		t.Errorf("snapshot = %+v, want stopped, awaiting_start, empty buffer", snap)
	}
	if snap.Ticks != 60 || snap.Frames != 60 || snap.Decisions != 6 {
		t.Errorf("snapshot counters ticks=%d frames=%d decisions=%d, want 60/60/6", snap.Ticks, snap.Frames, snap.Decisions)
	}
	if len(snap.Log) != 1 || snap.Log[0] != "[7273] = HI" {
		t.Errorf("snapshot log = %q", snap.Log)
	}
	if snap.LastMessage.Text != "HI" {
		t.Errorf("LastMessage = %+v", snap.LastMessage)
	}
	if src.Closes() == 0 {
		t.Error("source was not closed")
	}
	if len(eng.WeightingCalls) != 1 || eng.WeightingCalls[0] {
		t.Errorf("WeightingCalls = %v, want [false]", eng.WeightingCalls)
	}
}

func TestRun_StartFailure(t *testing.T) {
	p := testPalette(t)
	startErr := &types.DeviceError{Op: "open", Device: "mic", Err: errors.New("busy")}
	src := &audiomock.Source{Rate: 1000, StartErr: startErr}
	eng := &spectrummock.Engine{BinCount: 257}
	rec := &recorder{}

	d, err := driver.New(sampleClockConfig(), src, eng, p, rec, driver.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = runWithTimeout(t, d, context.Background())
	if !errors.Is(err, types.ErrDevice) {
		t.Fatalf("Run() error = %v, want ErrDevice", err)
	}

	got := rec.snapshot()
	if len(got.errs) != 1 || !errors.Is(got.errs[0], types.ErrDevice) {
		t.Errorf("consumer errors = %v, want the start error once", got.errs)
	}
	if src.CallCountStart != 1 {
		t.Errorf("Start called %d times, want 1", src.CallCountStart)
	}
	if src.CallCountRead != 0 || eng.FeedCallCount != 0 {
		t.Errorf("work after failed start: reads=%d feeds=%d", src.CallCountRead, eng.FeedCallCount)
	}
	if src.Closes() == 0 {
		t.Error("source was not released after failed start")
	}
}

func TestRun_EmptyReadsAreAbsorbedUntilLimit(t *testing.T) {
	p := testPalette(t)

	t.Run("below limit", func(t *testing.T) {
		src := &audiomock.Source{Rate: 1000, Blocks: [][]int16{{}, {}, make([]int16, 10), {}, make([]int16, 10)}}
		rec := &recorder{}
		cfg := sampleClockConfig()
		cfg.MaxEmptyReads = 2
		d, err := driver.New(cfg, src, &spectrummock.Engine{BinCount: 257}, p, rec, driver.WithMetrics(testMetrics(t)))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := runWithTimeout(t, d, context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := rec.snapshot(); len(got.errs) != 0 {
			t.Errorf("errors = %v, want none", got.errs)
		}
		if snap := d.Snapshot(); snap.Ticks != 2 {
			t.Errorf("Ticks = %d, want 2", snap.Ticks)
		}
	})

	t.Run("over limit", func(t *testing.T) {
		src := &audiomock.Source{Rate: 1000, Blocks: [][]int16{{}, {}, {}, {}}}
		rec := &recorder{}
		cfg := sampleClockConfig()
		cfg.MaxEmptyReads = 3
		d, err := driver.New(cfg, src, &spectrummock.Engine{BinCount: 257}, p, rec, driver.WithMetrics(testMetrics(t)))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		err = runWithTimeout(t, d, context.Background())
		var de *types.DeviceError
		if !errors.As(err, &de) || de.Op != "read" {
			t.Fatalf("Run() error = %v, want read DeviceError", err)
		}
		if got := rec.snapshot(); len(got.errs) != 1 {
			t.Errorf("consumer errors = %v, want exactly one", got.errs)
		}
	})
}

func TestRun_ReadFailureIsDeviceError(t *testing.T) {
	p := testPalette(t)
	usb := errors.New("usb unplugged")
	src := &audiomock.Source{Rate: 1000, Blocks: [][]int16{make([]int16, 10)}, ReadErr: usb}
	d, err := driver.New(sampleClockConfig(), src, &spectrummock.Engine{BinCount: 257}, p, nil, driver.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = runWithTimeout(t, d, context.Background())
	if !errors.Is(err, types.ErrDevice) || !errors.Is(err, usb) {
		t.Fatalf("Run() error = %v, want DeviceError wrapping %v", err, usb)
	}
	if src.Closes() == 0 {
		t.Error("source was not closed")
	}
}

func TestRun_CancelStopsPromptly(t *testing.T) {
	p := testPalette(t)
	src := &audiomock.Source{Rate: 1000, BlockWhenDrained: true}
	cfg := sampleClockConfig()
	cfg.Clock = driver.ClockWall
	rec := &recorder{}
	d, err := driver.New(cfg, src, &spectrummock.Engine{BinCount: 257}, p, rec, driver.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for d.Snapshot().Ticks < 3 {
		if time.Now().After(deadline) {
			t.Fatal("wall clock never ticked")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !d.Running() || !d.Snapshot().Running {
		t.Error("driver not reported as running")
	}
	if err := d.Run(ctx); err == nil {
		t.Error("second concurrent Run() succeeded, want error")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if d.Running() {
		t.Error("Running() = true after Run returned")
	}
	if src.Closes() == 0 {
		t.Error("source was not closed")
	}
	if snap := d.Snapshot(); snap.State != types.StateAwaitingStart || snap.Buffer != "" {
		t.Errorf("after stop State=%s Buffer=%q", snap.State, snap.Buffer)
	}
}

func TestRun_PausedDropsAudio(t *testing.T) {
	p := testPalette(t)
	frames, blocks := scriptSlots(p, 10, palette.Start, palette.DigitRole(6))
	src := &audiomock.Source{Rate: 1000, Blocks: blocks}
	eng := &spectrummock.Engine{Queue: frames, BinCount: 257}
	rec := &recorder{}
	cfg := sampleClockConfig()
	cfg.Paused = true

	d, err := driver.New(cfg, src, eng, p, rec, driver.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := runWithTimeout(t, d, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if src.CallCountRead < len(frames) {
		t.Errorf("reads = %d, want at least %d (audio keeps flowing while paused)", src.CallCountRead, len(frames))
	}
	if eng.FeedCallCount != 0 {
		t.Errorf("engine fed %d times while paused", eng.FeedCallCount)
	}
	got := rec.snapshot()
	if len(got.symbols) != 0 || len(got.messages) != 0 {
		t.Errorf("decode effects while paused: symbols=%q messages=%v", string(got.symbols), got.messages)
	}
	want := []types.State{types.StateIdle, types.StateAwaitingStart}
	if len(got.states) != 2 || got.states[0] != want[0] || got.states[1] != want[1] {
		t.Errorf("states = %v, want %v", got.states, want)
	}
	if !d.Snapshot().Paused {
		t.Error("snapshot does not report paused")
	}
}

func TestRun_SettingsAppliedByPipeline(t *testing.T) {
	p := testPalette(t)
	src := &audiomock.Source{Rate: 1000, BlockWhenDrained: true}
	eng := &spectrummock.Engine{BinCount: 257}
	cfg := sampleClockConfig()
	cfg.Clock = driver.ClockWall
	d, err := driver.New(cfg, src, eng, p, nil, driver.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.SetWeighting(true)
	d.SetThreshold(1.2)
	d.SetThreshold(-1) // ignored
	d.Pause(true)

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := d.Snapshot()
		if snap.Threshold == 1.2 && snap.State == types.StateIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("settings not applied: %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}

	d.Pause(false)
	deadline = time.Now().Add(2 * time.Second)
	for d.Snapshot().State != types.StateAwaitingStart {
		if time.Now().After(deadline) {
			t.Fatal("resume not applied")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.Resets() != 1 {
		t.Errorf("engine reset %d times, want once on resume", eng.Resets())
	}
	if n := len(eng.WeightingCalls); n == 0 || !eng.WeightingCalls[n-1] {
		t.Errorf("WeightingCalls = %v, want last call true", eng.WeightingCalls)
	}
	if snap := d.Snapshot(); !snap.Weighting || snap.Paused {
		t.Errorf("snapshot weighting=%v paused=%v, want true/false", snap.Weighting, snap.Paused)
	}
}

func TestRun_SpectrumEvents(t *testing.T) {
	p := testPalette(t)
	frames, blocks := scriptSlots(p, 10, palette.DigitRole(1))
	src := &audiomock.Source{Rate: 1000, Blocks: blocks}
	rec := &recorder{}
	cfg := sampleClockConfig()
	cfg.SpectrumEvents = true

	d, err := driver.New(cfg, src, &spectrummock.Engine{Queue: frames, BinCount: 257}, p, rec, driver.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := runWithTimeout(t, d, context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := rec.snapshot(); got.spectra == 0 || got.spectra > len(frames) {
		t.Errorf("spectra delivered = %d, want 1..%d", got.spectra, len(frames))
	}
}

func TestRun_SessionsAreRepeatable(t *testing.T) {
	p := testPalette(t)
	rec := &recorder{}
	src := &audiomock.Source{Rate: 1000}
	eng := &spectrummock.Engine{BinCount: 257}
	d, err := driver.New(sampleClockConfig(), src, eng, p, rec, driver.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := range 2 {
		frames, blocks := scriptSlots(p, 10, palette.Start, palette.DigitRole(6), palette.DigitRole(5), palette.End)
		src.Blocks = blocks
		eng.Queue = frames
		if err := runWithTimeout(t, d, context.Background()); err != nil {
			t.Fatalf("session %d: Run: %v", i, err)
		}
	}
	got := rec.snapshot()
	if len(got.messages) != 2 || got.messages[1].Text != "A" {
		t.Errorf("messages = %+v, want two A messages", got.messages)
	}
	if log := d.Snapshot().Log; strings.Join(log, "|") != "[65] = A|[65] = A" {
		t.Errorf("log = %q", log)
	}
}

func TestFuncsAndMulti(t *testing.T) {
	var got []string
	f := driver.Funcs{
		State:   func(s types.State) { got = append(got, "state:"+s.String()) },
		Message: func(m types.Message) { got = append(got, "msg:"+m.Text) },
	}
	rec := &recorder{}
	m := driver.Multi{f, rec}

	driver.Deliver(m, types.Event{Kind: types.EventStateChanged, State: types.StateCapturing})
	driver.Deliver(m, types.Event{Kind: types.EventSymbolAppended, Symbol: '7'})
	driver.Deliver(m, types.Event{Kind: types.EventMessageFinalized, Message: types.Message{Text: "HI"}})
	driver.Deliver(m, types.Event{Kind: types.EventError, Err: io.ErrUnexpectedEOF})

	if strings.Join(got, ",") != "state:capturing,msg:HI" {
		t.Errorf("funcs saw %v", got)
	}
	r := rec.snapshot()
	if len(r.states) != 1 || string(r.symbols) != "7" || len(r.messages) != 1 || len(r.errs) != 1 {
		t.Errorf("recorder = %+v", &r)
	}
}
