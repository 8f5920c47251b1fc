package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher reloads a config file when it changes on disk or when [Watcher.Reload]
// is called, and hands each accepted config to a callback.
//
// A reload is accepted only if the file parses, validates, and differs from
// the current config according to [Diff]. Edits that touch only comments,
// formatting, or values equal to their defaults are absorbed silently.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	logger   *slog.Logger

	// reloadMu serialises reloads from the poll loop and from Reload.
	reloadMu sync.Mutex
	stamp    fileStamp
	lastErr  string

	mu      sync.Mutex
	current *Config

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileStamp is the cheap identity of a file version. A changed stamp only
// means the file is worth reading again.
type fileStamp struct {
	size  int64
	mtime time.Time
}

func stampOf(info fs.FileInfo) fileStamp {
	return fileStamp{size: info.Size(), mtime: info.ModTime()}
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is stat'ed. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default: [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWatcher loads path and starts polling it. The initial load must
// succeed. onChange may be nil; it is never called concurrently with itself.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("path", path)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	w.current = cfg
	w.stamp = stampOf(info)

	go w.loop()
	return w, nil
}

// Current returns the last accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file regardless of its stamp. It reports whether a
// new config was accepted. The returned error is the load or validation
// failure, in which case the current config is kept.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	return w.reload(stampOf(info))
}

// Stop ends polling and waits for an in-flight reload to finish. It is safe
// to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		w.report(err)
		return
	}
	stamp := stampOf(info)
	if stamp == w.stamp {
		return
	}
	_, _ = w.reload(stamp)
}

// reload loads the file and swaps it in if it differs. Callers hold reloadMu.
func (w *Watcher) reload(stamp fileStamp) (bool, error) {
	cfg, err := Load(w.path)
	if err != nil {
		w.report(err)
		return false, err
	}
	w.stamp = stamp
	w.lastErr = ""

	w.mu.Lock()
	old := w.current
	diff := Diff(old, cfg)
	if !diff.Changed() {
		w.mu.Unlock()
		w.logger.Debug("config file changed without effect")
		return false, nil
	}
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("config reloaded",
		"log_level_changed", diff.LogLevelChanged,
		"restart_required", diff.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// report logs err once until a different error or a successful load occurs.
func (w *Watcher) report(err error) {
	msg := err.Error()
	if msg == w.lastErr {
		return
	}
	w.lastErr = msg
	if errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("config file disappeared, keeping current config", "err", err)
		return
	}
	w.logger.Warn("config reload rejected, keeping current config", "err", err)
}
