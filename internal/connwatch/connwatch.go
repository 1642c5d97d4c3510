// Package connwatch tracks the reachability of the remote services a
// provider path depends on: the hosted agent service, the tool bridge
// and the chat model endpoint.
//
// Each Watcher probes one service. At startup it retries with
// exponential backoff (2s, 4s, 8s, ... capped at 60s); afterwards it
// polls at a fixed interval and reports ready/down transitions through
// callbacks and the event bus. httpkit's transport retry covers
// sub-second dial errors; connwatch covers outages that last minutes.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/switchboard/internal/events"
)

// Well-known service names.
const (
	ServiceAgent      = "agent_service"
	ServiceToolBridge = "tool_bridge"
	ServiceModels     = "models"
	ServiceMQTT       = "mqtt"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Pinger is satisfied by every client with a cheap health call.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BackoffConfig controls startup retries and background polling.
type BackoffConfig struct {
	InitialDelay time.Duration // first startup retry delay (default 2s)
	MaxDelay     time.Duration // ceiling for delay growth (default 60s)
	Multiplier   float64       // growth per retry (default 2.0)
	MaxRetries   int           // startup attempts (default 10)
	PollInterval time.Duration // background check interval (default 60s)
	ProbeTimeout time.Duration // per-probe limit (default 10s)
}

// DefaultBackoffConfig returns the default schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	Name    string
	Probe   ProbeFunc
	Backoff BackoffConfig

	// OnReady and OnDown run in their own goroutine on each transition.
	OnReady func()
	OnDown  func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the JSON health view of one service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	cfg    WatcherConfig
	events *events.Bus
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{Name: w.cfg.Name, Ready: w.ready.Load(), LastCheck: w.lastCheck}
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

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	b := w.cfg.Backoff
	log := w.cfg.Logger

	delay := b.InitialDelay
	for attempt := 1; attempt <= b.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			log.Info("service connected", "attempts", attempt)
			break
		}
		if attempt == b.MaxRetries {
			log.Warn("service unreachable at startup, continuing in background",
				"attempts", attempt, "error", err)
			break
		}
		log.Debug("startup probe failed", "attempt", attempt, "next_delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = min(time.Duration(float64(delay)*b.Multiplier), b.MaxDelay)
	}

	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.check(ctx); err != nil && !w.IsReady() {
				log.Debug("service still unreachable", "error", err)
			}
		}
	}
}

// check probes once, records the result and fires transition hooks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.ProbeTimeout)
	err := w.cfg.Probe(probeCtx)
	cancel()

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	nowReady := err == nil
	if w.ready.Swap(nowReady) == nowReady {
		return err
	}

	if nowReady {
		w.cfg.Logger.Info("service ready")
		w.events.Emit(events.SourceConnwatch, events.KindServiceReady, map[string]any{"service": w.cfg.Name})
		if w.cfg.OnReady != nil {
			go w.cfg.OnReady()
		}
		return nil
	}

	w.cfg.Logger.Warn("service became unreachable", "error", err)
	w.events.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
		"service": w.cfg.Name,
		"error":   err.Error(),
	})
	if w.cfg.OnDown != nil {
		go w.cfg.OnDown(err)
	}
	return err
}

// Manager coordinates the service watchers.
type Manager struct {
	logger *slog.Logger
	events *events.Bus

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. Transitions are published on bus,
// which may be nil.
func NewManager(logger *slog.Logger, bus *events.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		events:   bus,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts a watcher that runs until ctx ends or Stop is called.
// It panics on an empty Name or nil Probe.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" || cfg.Probe == nil {
		panic("connwatch: WatcherConfig needs a Name and a Probe")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Logger = cfg.Logger.With("service", cfg.Name)
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, events: m.events, cancel: cancel, done: make(chan struct{})}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// WatchPinger watches a client through its Ping method.
func (m *Manager) WatchPinger(ctx context.Context, name string, p Pinger, backoff BackoffConfig) *Watcher {
	return m.Watch(ctx, WatcherConfig{Name: name, Probe: p.Ping, Backoff: backoff})
}

// Status returns every watched service sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	for _, w := range ws {
		w.Stop()
	}
}
