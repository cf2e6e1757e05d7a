// Package connwatch monitors broker reachability at the service level.
// The transport session already retries dropped connections on its own;
// connwatch sits above it and turns connection state into an observable
// health flag with ready/down transition callbacks, covering
// multi-second to multi-minute outages: broker restarts, network
// partitions, DNS flaps.
//
// A Watcher probes in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with state-transition callbacks
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the broker is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Config controls a watcher's probe schedule and callbacks.
type Config struct {
	// Name is a human-readable identifier for logging (e.g., "broker").
	Name string

	// Probe checks reachability. Must be safe for concurrent use.
	Probe ProbeFunc

	// InitialDelay is the delay before the first startup retry (default 2s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default 60s).
	MaxDelay time.Duration

	// MaxRetries bounds startup probe attempts before falling through
	// to background polling (default 10).
	MaxRetries int

	// PollInterval is the background check cadence (default 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call (default 10s).
	ProbeTimeout time.Duration

	// OnReady fires on the not-ready to ready transition. Runs on its
	// own goroutine; must not block indefinitely. Optional.
	OnReady func()

	// OnDown fires on the ready to not-ready transition. Runs on its
	// own goroutine. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is the current health snapshot, suitable for JSON
// serialization in health surfaces.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher runs the probe loop for one dependency.
type Watcher struct {
	cfg    Config
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts a watcher goroutine that runs until ctx is cancelled or
// Stop is called. Panics if Name is empty or Probe is nil — those are
// programming errors, not runtime conditions.
func Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the watched dependency is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run is the watcher goroutine. Phase 1: startup probing with
// exponential backoff. Phase 2: periodic polling with transition
// callbacks.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.cfg.Logger

	delay := w.cfg.InitialDelay
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.recordResult(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("dependency reachable",
				"name", w.cfg.Name,
				"after_attempts", attempt,
			)
			if w.cfg.OnReady != nil {
				go w.cfg.OnReady()
			}
			break
		}

		if attempt == w.cfg.MaxRetries {
			logger.Info("startup probing exhausted, entering background polling",
				"name", w.cfg.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"name", w.cfg.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return // context cancelled
		}

		delay *= 2
		if delay > w.cfg.MaxDelay {
			delay = w.cfg.MaxDelay
		}
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.recordResult(err)
			wasReady := w.ready.Load()

			switch {
			case wasReady && err != nil:
				w.ready.Store(false)
				logger.Info("dependency became unreachable",
					"name", w.cfg.Name,
					"error", err,
				)
				if w.cfg.OnDown != nil {
					go w.cfg.OnDown(err)
				}
			case !wasReady && err == nil:
				w.ready.Store(true)
				logger.Info("dependency recovered", "name", w.cfg.Name)
				if w.cfg.OnReady != nil {
					go w.cfg.OnReady()
				}
			case !wasReady && err != nil:
				logger.Debug("dependency still unreachable",
					"name", w.cfg.Name,
					"error", err,
				)
			}
		}
	}
}

// probe calls the configured ProbeFunc with the probe timeout applied.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
