package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Change is passed to the watcher callback after a successful reload.
type Change struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher polls a config file and reports valid edits. An edit is detected
// by mtime and confirmed by content hash, so touching the file is a no-op.
// Edits that fail to parse or validate are logged and skipped.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(Change)

	mu        sync.Mutex
	current   *Config
	lastMtime time.Time
	lastHash  [sha256.Size]byte
	reloads   int
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithInitial seeds the watcher with the config already loaded at startup.
func WithInitial(cfg *Config) WatcherOption {
	return func(w *Watcher) { w.current = cfg }
}

// NewWatcher reads path once to record its state. Polling starts with
// [Watcher.Run].
func NewWatcher(path string, onChange func(Change), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	if w.current == nil {
		w.current = cfg
	}
	w.lastHash = hash
	w.lastMtime = mtime
	return w, nil
}

// Run polls until ctx ends and returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check()
		}
	}
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads counts the edits applied since start.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.lastMtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, hash, mtime, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.lastMtime = mtime
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	change := Change{Old: w.current, New: cfg, Diff: Diff(w.current, cfg)}
	w.current = cfg
	w.lastHash = hash
	w.reloads++
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"hot", change.Diff.Changed(),
		"restart_required", change.Diff.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(change)
	}
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := load(data, true)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
