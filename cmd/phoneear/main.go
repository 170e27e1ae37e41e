// Command phoneear listens for near-ultrasonic tone messages and prints the
// decoded text.
//
// Usage:
//
//	phoneear [listen] [-config file] [-input file|-] [-listen addr] [-levels]
//	phoneear encode -o out.wav [-config file] [-sync n] [-digits] TEXT
//	phoneear devices
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/phoneear/internal/app"
	"github.com/MrWong99/phoneear/internal/config"
	"github.com/MrWong99/phoneear/internal/driver"
	"github.com/MrWong99/phoneear/internal/encoder"
	"github.com/MrWong99/phoneear/internal/observe"
	"github.com/MrWong99/phoneear/internal/palette"
	"github.com/MrWong99/phoneear/pkg/audio/wavfile"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// listDevices is set by the portaudio build.
var listDevices func() ([]string, error)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := "listen"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "listen":
		return runListen(args)
	case "encode":
		return runEncode(args, os.Stdout)
	case "devices":
		return runDevices(os.Stdout)
	case "version":
		fmt.Println("phoneear", version)
		return 0
	}
	fmt.Fprintf(os.Stderr, "phoneear: unknown command %q (want listen, encode, devices or version)\n", cmd)
	return 2
}

// ── listen ─────────────────────────────────────────────────────────────────────

func runListen(args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	input := fs.String("input", "", `decode a WAV file, a raw PCM file, or "-" for PCM on stdin instead of the configured source`)
	listenAddr := fs.String("listen", "", "HTTP address for the API, health and metrics endpoints (overrides server.listen_addr)")
	levels := fs.Bool("levels", false, "redraw the per-tone level display on every tick")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phoneear: %v\n", err)
		return 1
	}
	applyOverrides(cfg, *input, *listenAddr, *levels)
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "phoneear: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(&level))

	slog.Info("phoneear starting",
		"version", version,
		"config", *configPath,
		"source", cfg.Audio.Source,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "phoneear",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	pal, err := palette.New(cfg.PaletteSpec())
	if err != nil {
		slog.Error("invalid palette", "err", err)
		_ = tel.Shutdown(context.Background())
		return 1
	}
	application, err := app.New(ctx, cfg,
		app.WithConsumers(newConsole(os.Stdout, pal, *levels)),
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler()),
		app.WithLogLevel(&level),
		app.WithExitOnSessionEnd(cfg.Server.ListenAddr == ""),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = tel.Shutdown(context.Background())
		return 1
	}
	application.AddCloser(func() error { return tel.Shutdown(context.Background()) })

	// ── Hot reload ────────────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, func(d config.ConfigDiff, _ *config.Config) {
			application.ApplyDiff(d)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go func() { _ = w.Watch(ctx) }()
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	if !*levels {
		printStartupSummary(cfg, pal, application.Addr())
	}

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
	}
	return cfg, err
}

// applyOverrides folds command-line flags into cfg.
func applyOverrides(cfg *config.Config, input, listenAddr string, levels bool) {
	switch {
	case input == "-":
		cfg.Audio.Source, cfg.Audio.Path = config.SourcePCM, "-"
	case strings.EqualFold(filepath.Ext(input), ".wav"):
		cfg.Audio.Source, cfg.Audio.Path = config.SourceWAV, input
	case input != "":
		cfg.Audio.Source, cfg.Audio.Path = config.SourcePCM, input
	}
	if input != "" {
		// Files decode faster than real time, so tick on their samples.
		cfg.Decoder.TickClock = driver.ClockSamples
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if levels {
		cfg.Output.SpectrumEvents = true
	}
}

// ── encode ─────────────────────────────────────────────────────────────────────

func runEncode(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("encode", flag.ContinueOnError)
	configPath := fs.String("config", "", "configuration whose palette and timing to use")
	out := fs.String("o", "", "output WAV file (required)")
	syncSlots := fs.Int("sync", 0, "number of sync tone slots before the start tone")
	digits := fs.Bool("digits", false, "treat TEXT as the coded digit string instead of letters")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *out == "" || fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: phoneear encode -o out.wav [-config file] [-sync n] [-digits] TEXT")
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phoneear: %v\n", err)
		return 1
	}
	pal, err := palette.New(cfg.PaletteSpec())
	if err != nil {
		fmt.Fprintf(os.Stderr, "phoneear: %v\n", err)
		return 1
	}

	ecfg := encoder.DefaultConfig()
	ecfg.SampleRate = cfg.Audio.SampleRate
	ecfg.SlotDuration = time.Duration(cfg.Decoder.SlotTickBudget) * cfg.Decoder.TickInterval
	ecfg.SyncSlots = *syncSlots
	enc, err := encoder.New(pal, ecfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "phoneear: %v\n", err)
		return 1
	}

	text := fs.Arg(0)
	roles, err := enc.Roles(text)
	if *digits {
		roles, err = enc.DigitRoles(text)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "phoneear: %v\n", err)
		return 1
	}
	samples := enc.Render(roles)
	if err := wavfile.Write(*out, ecfg.SampleRate, samples); err != nil {
		fmt.Fprintf(os.Stderr, "phoneear: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s: %d tones, %.2f s\n", *out, len(roles),
		float64(len(samples))/float64(ecfg.SampleRate))
	return 0
}

// ── devices ────────────────────────────────────────────────────────────────────

func runDevices(stdout io.Writer) int {
	if listDevices == nil {
		fmt.Fprintln(os.Stderr, "phoneear: this binary was built without microphone support (rebuild with -tags portaudio)")
		return 1
	}
	devices, err := listDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "phoneear: %v\n", err)
		return 1
	}
	for _, d := range devices {
		fmt.Fprintln(stdout, d)
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, pal *palette.Palette, addr string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        phoneear — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	source := string(cfg.Audio.Source)
	if cfg.Audio.Path != "" {
		source += " " + filepath.Base(cfg.Audio.Path)
	} else if cfg.Audio.Device != "" {
		source += " " + cfg.Audio.Device
	}
	printRow("Source", source)
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Audio.SampleRate))
	printRow("Transform", fmt.Sprintf("%d / hop %d", cfg.Analysis.TransformLength, cfg.Analysis.HopLength))
	printRow("Tones", fmt.Sprintf("%.0f–%.0f Hz", pal.Frequency(palette.Start), pal.Frequency(palette.End)))
	printRow("Sync", fmt.Sprintf("%.0f Hz", pal.Frequency(palette.Sync)))
	printRow("Tick", fmt.Sprintf("%s (%s clock)", cfg.Decoder.TickInterval, cfg.Decoder.TickClock))
	printRow("Votes", fmt.Sprintf("%d of %d ticks", cfg.Decoder.DecisionSupportThreshold, cfg.Decoder.SlotTickBudget))
	printRow("Threshold", fmt.Sprintf("× %.2f", cfg.Decoder.ThresholdFactor))
	if addr != "" {
		printRow("HTTP", addr)
	} else {
		printRow("HTTP", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len([]rune(value)) > 21 {
		value = string([]rune(value)[:20]) + "…"
	}
	fmt.Printf("║  %-12s : %-21s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
