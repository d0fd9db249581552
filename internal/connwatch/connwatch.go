// Package connwatch provides periodic health monitoring for connected
// MCP servers.
//
// A Watcher probes one server on a fixed interval (by default a JSON-RPC
// ping) and records whether it answered. Watchers report status only:
// they never reconnect, restart, or back off. A server whose transport
// dies is moved to failed by the registry, not by its watcher.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc returns nil when the server answered.
type ProbeFunc func(ctx context.Context) error

// Schedule sets probe timing. Zero fields take DefaultSchedule values.
type Schedule struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

// DefaultSchedule probes every minute and gives each probe ten seconds.
func DefaultSchedule() Schedule {
	return Schedule{Interval: time.Minute, ProbeTimeout: 10 * time.Second}
}

// WatcherConfig describes one watched server. OnReady and OnDown are
// optional and run on their own goroutine at each transition.
type WatcherConfig struct {
	Name     string
	Probe    ProbeFunc
	Schedule Schedule
	OnReady  func()
	OnDown   func(err error)
	Logger   *slog.Logger
}

// ServiceStatus is what /health and the status command report per
// server.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError is nil after a successful probe.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := ServiceStatus{Name: w.config.Name, Ready: w.ready.Load(), LastCheck: w.lastCheck}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}

// Wait returns once the watcher has stopped probing.
func (w *Watcher) Wait() { <-w.done }

func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run probes once immediately, then on every tick until ctx ends.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	w.check(ctx)

	ticker := time.NewTicker(w.config.Schedule.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one probe and fires transition callbacks.
func (w *Watcher) check(ctx context.Context) {
	logger := w.config.Logger

	err := w.probe(ctx)
	if ctx.Err() != nil {
		// Stopped mid-probe; the result says nothing about the server.
		return
	}
	first := w.recordResult(err)
	wasReady := w.ready.Load()

	switch {
	case err == nil && !wasReady:
		w.ready.Store(true)
		if first {
			logger.Debug("server health check passed", "server", w.config.Name)
		} else {
			logger.Info("server recovered", "server", w.config.Name)
		}
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
	case err != nil && wasReady:
		w.ready.Store(false)
		logger.Warn("server stopped answering health checks",
			"server", w.config.Name,
			"error", err,
		)
		if w.config.OnDown != nil {
			go w.config.OnDown(err)
		}
	case err != nil && first:
		logger.Warn("server health check failed",
			"server", w.config.Name,
			"error", err,
		)
	case err != nil:
		logger.Debug("server still unhealthy",
			"server", w.config.Name,
			"error", err,
		)
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Schedule.ProbeTimeout)
	defer cancel()

	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex and reports
// whether it was the first probe.
func (w *Watcher) recordResult(err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	first := w.lastCheck.IsZero()
	w.lastErr = err
	w.lastCheck = time.Now()
	return first
}

// Manager coordinates the watchers for a set of servers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	schedule Schedule
	logger   *slog.Logger
}

// NewManager creates a health watch manager. Zero schedule fields take
// the defaults and apply to every watcher that does not set its own.
func NewManager(schedule Schedule, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		schedule: withDefaults(schedule, DefaultSchedule()),
		logger:   logger,
	}
}

func withDefaults(s, defaults Schedule) Schedule {
	if s.Interval <= 0 {
		s.Interval = defaults.Interval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = defaults.ProbeTimeout
	}
	return s
}

// Watch registers and starts a watcher. The watcher runs in a background
// goroutine until ctx is cancelled, Stop is called, or the name is
// unwatched. A watcher already registered under the same name is
// stopped and replaced.
//
// Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Schedule = withDefaults(cfg.Schedule, m.schedule)

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w
}

// Unwatch stops and removes the watcher for name, if any.
func (m *Manager) Unwatch(name string) {
	m.mu.Lock()
	w := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

// Get returns the status of one watched server.
func (m *Manager) Get(name string) (ServiceStatus, bool) {
	m.mu.RLock()
	w, ok := m.watchers[name]
	m.mu.RUnlock()
	if !ok {
		return ServiceStatus{}, false
	}
	return w.Status(), true
}

func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop ends every watcher and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	all := m.watchers
	m.watchers = make(map[string]*Watcher)
	m.mu.Unlock()

	for _, w := range all {
		w.Stop()
	}
}
