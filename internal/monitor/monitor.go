// Package monitor samples resource usage of active sessions, keeps a short
// history per session and evicts sessions under sustained memory pressure.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/metrics"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
)

// statsTimeout bounds a single container stats call.
const statsTimeout = 10 * time.Second

type Options struct {
	Interval        time.Duration
	WindowSize      int
	PressureRatio   float64
	PressureSamples int
	Concurrency     int
}

func OptionsFromConfig(c config.MonitorConfig) Options {
	return Options{
		Interval:        c.Interval(),
		WindowSize:      c.WindowSize,
		PressureRatio:   c.MemoryPressureRatio,
		PressureSamples: c.PressureSamples,
		Concurrency:     c.Concurrency,
	}
}

type Monitor struct {
	sessions Sessions
	stats    StatsSource
	host     HostProbe
	opts     Options
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	windows map[string]*window
}

// New creates a monitor. host may be nil to skip host sampling.
func New(sessions Sessions, stats StatsSource, host HostProbe, opts Options, logger *slog.Logger, m *metrics.Metrics) *Monitor {
	if opts.WindowSize < 1 {
		opts.WindowSize = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Monitor{
		sessions: sessions,
		stats:    stats,
		host:     host,
		opts:     opts,
		logger:   logger,
		metrics:  m,
		windows:  make(map[string]*window),
	}
}

func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("resource monitor started", "interval", m.opts.Interval,
		"window", m.opts.WindowSize, "pressure_ratio", m.opts.PressureRatio)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("resource monitor stopped")
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// Samples returns the recorded samples for a session, oldest first, or nil
// when the session is not being monitored.
func (m *Monitor) Samples(id string) []runtime.Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.windows[id]
	if !ok {
		return nil
	}
	return w.ordered()
}

// sample runs one monitoring cycle.
func (m *Monitor) sample(ctx context.Context) {
	m.sampleHost(ctx)

	active, err := m.sessions.ListActive(ctx)
	if err != nil {
		m.logger.Error("monitor: list active sessions", "error", err)
		return
	}

	var (
		mu         sync.Mutex
		underPress []*store.Session
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for _, sess := range active {
		if sess.RuntimeHandle == "" {
			continue
		}
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, statsTimeout)
			defer cancel()

			u, err := m.stats.Stats(sctx, sess.RuntimeHandle)
			if err != nil {
				// The reaper or reconciliation deals with missing containers.
				if !errors.Is(err, runtime.ErrNotFound) {
					m.logger.Warn("monitor: stats", "session_id", sess.ID, "error", err)
				}
				return nil
			}
			m.metrics.ObserveUsage(sess.ID, u)
			if m.record(sess, *u) {
				mu.Lock()
				underPress = append(underPress, sess)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, sess := range underPress {
		m.evict(ctx, sess)
	}
	m.prune(active)
}

// record appends u to the session's window and reports whether the session
// has now been under memory pressure for PressureSamples samples in a row.
// A new container (after resize) starts a new window.
func (m *Monitor) record(sess *store.Session, u runtime.Usage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[sess.ID]
	if !ok || w.handle != sess.RuntimeHandle {
		w = newWindow(sess.RuntimeHandle, m.opts.WindowSize)
		m.windows[sess.ID] = w
	}
	w.push(u)
	return m.opts.PressureSamples > 0 && w.pressureStreak(m.opts.PressureRatio) >= m.opts.PressureSamples
}

func (m *Monitor) evict(ctx context.Context, sess *store.Session) {
	handle := sess.RuntimeHandle
	stopped, err := m.sessions.TryStop(ctx, sess.ID, session.StopRequest{
		Reason:          session.ReasonEvicted,
		Evict:           true,
		RemoveContainer: true,
		Eligible:        func(s *store.Session) bool { return s.RuntimeHandle == handle },
	})
	switch {
	case errors.Is(err, session.ErrBusy):
		m.logger.Debug("monitor: session busy, eviction deferred", "session_id", sess.ID)
		return
	case err != nil:
		m.logger.Error("monitor: evicting session", "session_id", sess.ID, "error", err)
		return
	case !stopped:
		return
	}

	m.metrics.Evicted()
	m.logger.Warn("evicted session under memory pressure", "session_id", sess.ID,
		"user_id", sess.UserID, "memory_limit", sess.Limits.MemoryBytes)
	m.forget(sess.ID)
}

// prune drops windows and gauges of sessions that are no longer active.
func (m *Monitor) prune(active []*store.Session) {
	live := make(map[string]struct{}, len(active))
	for _, s := range active {
		live[s.ID] = struct{}{}
	}
	m.mu.Lock()
	var gone []string
	for id := range m.windows {
		if _, ok := live[id]; !ok {
			gone = append(gone, id)
			delete(m.windows, id)
		}
	}
	m.mu.Unlock()
	for _, id := range gone {
		m.metrics.ForgetSession(id)
	}
}

func (m *Monitor) forget(id string) {
	m.mu.Lock()
	delete(m.windows, id)
	m.mu.Unlock()
	m.metrics.ForgetSession(id)
}

func (m *Monitor) sampleHost(ctx context.Context) {
	if m.host == nil {
		return
	}
	snap, err := m.host.Snapshot(ctx)
	if err != nil {
		m.logger.Warn("monitor: host snapshot", "error", err)
		return
	}
	m.metrics.ObserveHost(snap.MemUsedPercent, snap.CPUPercent)
}
