// Package connwatch keeps an eye on the services a turn depends on: the
// model provider and each MCP server. Every watched service is probed
// on its own goroutine. A healthy service is rechecked every
// PollInterval; an unreachable one is retried with exponential backoff
// until it answers again. Transitions are logged and published on the
// event bus, and [Manager.Status] feeds the /health endpoint.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/statebridge/internal/events"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Options controls probe timing. Zero fields take the defaults.
type Options struct {
	PollInterval time.Duration // recheck interval while healthy; default 5m
	InitialDelay time.Duration // first retry after a failure; default 2s
	MaxDelay     time.Duration // backoff ceiling; default 60s
	ProbeTimeout time.Duration // per probe; default 10s
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Minute
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 2 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 60 * time.Second
	}
	if o.MaxDelay < o.InitialDelay {
		o.MaxDelay = o.InitialDelay
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	return o
}

// Status is the health of one service as reported by /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Checked   bool      `json:"checked"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

type watcher struct {
	name  string
	probe ProbeFunc

	mu     sync.Mutex
	status Status
}

func (w *watcher) snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// record stores a probe outcome and reports whether readiness changed.
// The first probe always counts as a change.
func (w *watcher) record(err error, now time.Time) (changed bool, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ready := err == nil
	changed = !w.status.Checked || w.status.Ready != ready
	w.status.Checked = true
	w.status.LastCheck = now
	if changed {
		w.status.Since = now
	}
	if ready {
		failures = w.status.Failures
		w.status.Failures = 0
		w.status.LastError = ""
	} else {
		w.status.Failures++
		w.status.LastError = err.Error()
		failures = w.status.Failures
	}
	w.status.Ready = ready
	return changed, failures
}

// Manager runs a set of watchers.
type Manager struct {
	opts   Options
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*watcher
	wg       sync.WaitGroup

	now func() time.Time
}

// NewManager creates a Manager. bus may be nil.
func NewManager(opts Options, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:     opts.withDefaults(),
		bus:      bus,
		logger:   logger,
		watchers: make(map[string]*watcher),
		now:      time.Now,
	}
}

// Watch starts probing a service until ctx ends. Watching a name twice
// replaces nothing; the second call is ignored.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc) {
	m.mu.Lock()
	if _, ok := m.watchers[name]; ok {
		m.mu.Unlock()
		m.logger.Warn("service already watched", "service", name)
		return
	}
	w := &watcher{name: name, probe: probe, status: Status{Name: name}}
	m.watchers[name] = w
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, w)
	}()
}

// Wait blocks until every watcher has exited.
func (m *Manager) Wait() { m.wg.Wait() }

// Status returns every watched service, sorted by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every checked service is ready. Services not
// probed yet do not count against it.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if s.Checked && !s.Ready {
			return false
		}
	}
	return true
}

func (m *Manager) run(ctx context.Context, w *watcher) {
	delay := m.opts.InitialDelay
	for {
		err := m.check(ctx, w)
		if ctx.Err() != nil {
			return
		}

		wait := m.opts.PollInterval
		if err != nil {
			wait = delay
			delay *= 2
			if delay > m.opts.MaxDelay {
				delay = m.opts.MaxDelay
			}
		} else {
			delay = m.opts.InitialDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and reports transitions.
func (m *Manager) check(ctx context.Context, w *watcher) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	changed, failures := w.record(err, m.now())
	switch {
	case changed && err == nil:
		m.logger.Info("service ready", "service", w.name, "after_failures", failures)
		m.bus.Emit(events.SourceHealth, events.KindServiceReady, map[string]any{
			"service":  w.name,
			"failures": failures,
		})
	case changed:
		m.logger.Warn("service unreachable", "service", w.name, "error", err)
		m.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
			"service": w.name,
			"error":   err.Error(),
		})
	case err != nil:
		m.logger.Debug("service still unreachable", "service", w.name, "failures", failures, "error", err)
	}
	return err
}
