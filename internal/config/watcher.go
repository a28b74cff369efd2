package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// fileState captures the on-disk identity of the config file at the time it
// was last parsed. The mtime gates the cheap path; the digest decides whether
// the content actually changed.
type fileState struct {
	mtime  time.Time
	digest [sha256.Size]byte
}

// Watcher polls a config file and invokes a callback when its content
// changes and parses to a valid configuration. Invalid edits are logged and
// skipped, keeping the last good config in place.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	seen     fileState
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path and starts polling it in a background
// goroutine. The initial load must succeed; later invalid edits only log.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, state, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.seen = state

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop terminates the polling goroutine. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.refresh()
		}
	}
}

// refresh re-reads the file if its mtime moved and swaps in the new config
// when the content differs and validates.
func (w *Watcher) refresh() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, state, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if state.digest == w.seen.digest {
		// Touched but identical; remember the new mtime so the next poll
		// takes the cheap path again.
		w.seen.mtime = state.mtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.seen = state
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Callback runs outside the lock so it can call Current().
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// read loads and validates the file once, returning the parsed config
// together with the digest and mtime of the bytes it was parsed from.
func (w *Watcher) read() (*Config, fileState, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}

	return cfg, fileState{mtime: info.ModTime(), digest: sha256.Sum256(data)}, nil
}
