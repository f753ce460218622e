package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// Watcher reloads a config file when its content changes. It polls on an
// interval and can be asked to check at once with [Watcher.Check], which
// the CLI does on SIGHUP. A changed file that still validates replaces the
// current config and is passed to the callback together with its
// predecessor; an invalid edit is logged and the last valid config stays.
type Watcher struct {
	path     string
	interval time.Duration
	clock    clock.Clock
	onChange func(old, new *Config)
	log      *slog.Logger

	// checkMu serialises checks so callbacks never overlap.
	checkMu sync.Mutex

	mu      sync.Mutex
	current *Config
	size    int64
	mtime   time.Time
	hash    [sha256.Size]byte

	ticker   *clock.Ticker
	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherClock sets the clock driving the poll loop.
func WithWatcherClock(c clock.Clock) WatcherOption {
	return func(w *Watcher) { w.clock = c }
}

// WithWatcherLogger sets the logger. Defaults to [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path and starts polling it. The initial load must
// succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.clock == nil {
		w.clock = clock.New()
	}
	if w.log == nil {
		w.log = slog.Default()
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.size, w.mtime, w.hash = snap.cfg, snap.size, snap.mtime, snap.hash

	w.ticker = w.clock.Ticker(w.interval)
	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight check to finish. No callback
// runs after Stop returns. Stop is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.ticker.Stop()
		close(w.done)
	})
	<-w.exited
}

func (w *Watcher) poll() {
	defer close(w.exited)
	for {
		select {
		case <-w.done:
			return
		case <-w.ticker.C:
			w.Check()
		}
	}
}

// Check reloads the file if its size or modification time moved and its
// content hash differs. It reports whether the current config was replaced.
func (w *Watcher) Check() bool {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	unchanged := info.Size() == w.size && info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return false
	}

	snap, err := w.read()
	if err != nil {
		w.log.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	w.size, w.mtime = snap.size, snap.mtime
	if snap.hash == w.hash {
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current, w.hash = snap.cfg, snap.hash
	w.mu.Unlock()

	w.log.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, snap.cfg)
	}
	return true
}

type snapshot struct {
	cfg   *Config
	size  int64
	mtime time.Time
	hash  [sha256.Size]byte
}

// read loads, validates and fingerprints the file.
func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadBytes(data)
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, size: info.Size(), mtime: info.ModTime(), hash: sha256.Sum256(data)}, nil
}
