package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/store"
)

// Resize replaces the session's container with one carrying new limits. The
// session id and persistent volume are kept; the runtime handle changes. On
// failure the old or new container is force-removed, the volume kept, and
// the session ends in error.
func (m *Manager) Resize(ctx context.Context, id string, limits runtime.Limits) (*store.Session, error) {
	if err := validateLimits(limits); err != nil {
		return nil, err
	}

	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isActive(sess.Status) {
		return nil, fmt.Errorf("%w: resize requires a running session (session %s is %s)", ErrInvalidStateTransition, id, sess.Status)
	}

	rctx, cancel := context.WithTimeout(ctx, m.cfg.Labs.CreateTimeout())
	defer cancel()

	old := sess.RuntimeHandle
	m.logger.Info("resizing session", "session_id", id, "handle", old,
		"cpu_shares", limits.CPUShares, "memory_bytes", limits.MemoryBytes, "disk_bytes", limits.DiskBytes)

	if err := m.runtime.Stop(rctx, old, m.cfg.Labs.StopGrace()); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return nil, m.failProvision(ctx, rctx, sess, &provisioned{handle: old}, err, false)
	}
	if err := m.removeContainer(rctx, old, false); err != nil {
		return nil, m.failProvision(ctx, rctx, sess, &provisioned{handle: old}, err, false)
	}

	p, err := m.provision(rctx, sess, limits)
	if err == nil {
		err = m.commitResize(rctx, sess, p, limits)
	}
	if err != nil {
		return nil, m.failProvision(ctx, rctx, sess, p, err, false)
	}

	m.logger.Info("session resized", "session_id", id, "old_handle", old, "handle", sess.RuntimeHandle)
	return sess, nil
}

// commitResize stores the new container and limits. An idle session comes
// back as running since its container was just started.
func (m *Manager) commitResize(ctx context.Context, sess *store.Session, p *provisioned, limits runtime.Limits) error {
	apply := func(s *store.Session) {
		s.RuntimeHandle = p.handle
		s.Endpoints = p.endpoints
		s.Limits = limits
		s.LastActivityAt = m.now()
	}
	if sess.Status == store.StatusIdle {
		return m.transition(ctx, sess, store.StatusRunning, "", apply)
	}
	return m.update(ctx, sess, func(s *store.Session) error {
		if s.Status != store.StatusRunning {
			return fmt.Errorf("%w: session %s changed to %s during resize", ErrInvalidStateTransition, s.ID, s.Status)
		}
		apply(s)
		return nil
	})
}
