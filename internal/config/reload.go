package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs the burst of events editors emit for one save.
const reloadDebounce = 300 * time.Millisecond

// Reloader keeps the active configuration and swaps in a new one when the
// file changes (fsnotify) or, on Unix, when the process receives SIGHUP.
// A new configuration must pass Load's validation and every registered
// check before any callback sees it.
type Reloader struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	logger    *slog.Logger
	checks    []func(*Config) error
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Check registers a validation step that runs on every candidate
// configuration. A non-nil error rejects the reload.
func (r *Reloader) Check(fn func(*Config) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, fn)
}

// OnReload registers a callback invoked with each accepted configuration.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start watches the config file's directory, so saves that replace the
// file by rename are seen too, and registers the SIGHUP handler.
func (r *Reloader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("failed to create file watcher", "error", err)
		return
	}
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		r.logger.Error("failed to watch config directory", "dir", dir, "error", err)
		watcher.Close()
		return
	}
	r.watcher = watcher
	r.logger.Info("config file watcher started", "path", r.path)

	go r.watchLoop()
	r.registerSignalHandler()
}

// Stop terminates the file watcher and signal handler.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Reload loads the file and, if it is valid, makes it current and notifies
// callbacks. It reports whether the new configuration was accepted.
func (r *Reloader) Reload() bool {
	r.logger.Info("reloading configuration", "path", r.path)

	next, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload failed: invalid config, keeping current",
			"path", r.path, "error", err)
		return false
	}

	r.mu.RLock()
	checks := make([]func(*Config) error, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()
	for _, check := range checks {
		if err := check(next); err != nil {
			r.logger.Error("config reload rejected, keeping current",
				"path", r.path, "error", err)
			return false
		}
	}

	r.mu.Lock()
	old := r.current
	r.current = next
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	for _, w := range next.Warnings {
		r.logger.Warn("config warning", "warning", w)
	}
	r.logChanges(old, next)

	for _, cb := range callbacks {
		cb(next)
	}

	r.logger.Info("configuration reloaded successfully")
	return true
}

func (r *Reloader) watchLoop() {
	name := filepath.Clean(r.path)
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() { r.Reload() })
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// logChanges logs the settings that differ between old and new.
func (r *Reloader) logChanges(old, new *Config) {
	if old == nil {
		return
	}
	if len(old.Endpoints) != len(new.Endpoints) {
		r.logger.Info("endpoint count changed", "old", len(old.Endpoints), "new", len(new.Endpoints))
	}
	if old.Retry.Retries() != new.Retry.Retries() || old.Retry.BaseDelay != new.Retry.BaseDelay {
		r.logger.Info("retry policy changed",
			"old_max_retries", old.Retry.Retries(),
			"new_max_retries", new.Retry.Retries(),
			"old_base_delay", old.Retry.BaseDelay,
			"new_base_delay", new.Retry.BaseDelay,
		)
	}
	if old.Cache.DefaultTTL != new.Cache.DefaultTTL {
		r.logger.Info("default cache ttl changed", "old", old.Cache.DefaultTTL, "new", new.Cache.DefaultTTL)
	}
	if old.RateLimit != new.RateLimit {
		r.logger.Info("rate limit config changed",
			"old_rps", old.RateLimit.RequestsPerSecond,
			"new_rps", new.RateLimit.RequestsPerSecond,
			"old_burst", old.RateLimit.BurstSize,
			"new_burst", new.RateLimit.BurstSize,
		)
	}
	if old.CircuitBreaker != new.CircuitBreaker {
		r.logger.Info("circuit breaker config changed")
	}
	if old.Backend.BaseURL != new.Backend.BaseURL || old.Storage.Driver != new.Storage.Driver {
		r.logger.Warn("backend.base_url and storage changes take effect on restart only")
	}
}
