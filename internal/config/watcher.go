package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and reports validated edits as a [ConfigDiff].
//
// Edits that fail to parse or validate are logged once and ignored; the
// receiver keeps running on the last good config. Edits that leave the
// effective config unchanged (comments, reordering) are not reported.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(ConfigDiff, *Config)

	mu      sync.Mutex
	current *Config

	// Poll state, only touched by Watch.
	stamp    fileStamp
	accepted [sha256.Size]byte
	rejected [sha256.Size]byte
}

type fileStamp struct {
	mod  time.Time
	size int64
}

func stampOf(fi os.FileInfo) fileStamp {
	return fileStamp{mod: fi.ModTime(), size: fi.Size()}
}

func (s fileStamp) same(o fileStamp) bool {
	return s.size == o.size && s.mod.Equal(o.mod)
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 2 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads and validates the file at path. Polling starts with
// [Watcher.Watch]. onChange may be nil.
func NewWatcher(path string, onChange func(ConfigDiff, *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 2 * time.Second,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.stamp = stampOf(fi)
	w.accepted = sha256.Sum256(data)
	return w, nil
}

// Current returns the last config that validated.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Watch polls until ctx is done and always returns nil. Call it once.
func (w *Watcher) Watch(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	fi, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	st := stampOf(fi)
	if st.same(w.stamp) {
		return
	}
	w.stamp = st

	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return
	}
	sum := sha256.Sum256(data)
	if sum == w.accepted || sum == w.rejected {
		return
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.rejected = sum
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}
	w.accepted = sum

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	d := Diff(old, cfg)
	if !d.HasChanges() {
		slog.Debug("config watcher: file changed, settings did not", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration reloaded", "path", w.path, "restart_required", d.RestartRequired)
	if w.onChange != nil {
		w.onChange(d, cfg)
	}
}
