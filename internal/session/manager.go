// Package session is the lab-session lifecycle manager. Every status change
// goes through Manager, under a per-session lock, so the registry and the
// container runtime stay consistent.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/keylock"
	"github.com/p-arndt/labkasten/internal/metrics"
	"github.com/p-arndt/labkasten/internal/retry"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/store"
)

// cleanupTimeout bounds best-effort cleanup after the caller's context is gone.
const cleanupTimeout = 30 * time.Second

type Manager struct {
	cfg       *config.Config
	store     SessionStore
	runtime   runtime.Adapter
	admission Admitter
	retry     retry.Policy
	logger    *slog.Logger
	metrics   *metrics.Metrics

	locks keylock.Map
	now   func() time.Time
}

// NewManager wires the lifecycle manager. adm may be nil, in which case
// creation is only bounded by the registry's uniqueness rule.
func NewManager(cfg *config.Config, st SessionStore, rt runtime.Adapter, adm Admitter, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	policy := retry.Policy{
		MaxAttempts:       cfg.Retry.Attempts,
		InitialDelay:      time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:          time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		BackoffMultiplier: 2,
	}
	if err := policy.Validate(); err != nil {
		logger.Warn("invalid retry settings, using defaults", "error", err)
		policy = retry.DefaultPolicy()
	}
	return &Manager{
		cfg:       cfg,
		store:     st,
		runtime:   rt,
		admission: adm,
		retry:     policy,
		logger:    logger,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// lock takes the session lock, waiting until ctx is done.
func (m *Manager) lock(ctx context.Context, id string) (func(), error) {
	if err := m.locks.Lock(ctx, id); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: waiting for session %s", ErrTimeout, id)
		}
		return nil, err
	}
	return func() { m.locks.Unlock(id) }, nil
}

// load reads a session and maps a missing row to ErrSessionNotFound.
func (m *Manager) load(ctx context.Context, id string) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// withRetry retries fn on transient runtime errors. Only idempotent phases
// (image pull, start) go through here.
func (m *Manager) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, m.retry, runtime.IsTransient, fn)
}

// removeContainer removes a container, treating NotFound as success. Failed
// attempts are followed by an Inspect: if the container is already gone the
// removal is done, otherwise it is submitted again.
func (m *Manager) removeContainer(ctx context.Context, handle string, removeVolume bool) error {
	if handle == "" {
		return nil
	}
	err := m.runtime.Remove(ctx, handle, removeVolume)
	for attempt := 0; err != nil && attempt < m.retry.MaxAttempts-1; attempt++ {
		if errors.Is(err, runtime.ErrNotFound) {
			return nil
		}
		if _, ierr := m.runtime.Inspect(ctx, handle); errors.Is(ierr, runtime.ErrNotFound) {
			return nil
		}
		m.logger.Debug("retrying container removal", "handle", handle, "error", err)

		t := time.NewTimer(m.retry.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		err = m.runtime.Remove(ctx, handle, removeVolume)
	}
	if errors.Is(err, runtime.ErrNotFound) {
		return nil
	}
	return err
}

func isActive(status string) bool {
	return status == store.StatusRunning || status == store.StatusIdle
}
