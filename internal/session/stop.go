package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/store"
)

// StopRequest describes a stop triggered by the system rather than the user.
type StopRequest struct {
	Reason string
	// Evict ends the session in error instead of stopped.
	Evict bool
	// RemoveContainer removes the container after it stopped.
	RemoveContainer bool
	// RemoveVolume also deletes the persistent volume. Needs RemoveContainer.
	RemoveVolume bool
	// Eligible re-checks the trigger against the row read under the lock.
	// A nil Eligible accepts every running or idle session.
	Eligible func(*store.Session) bool
}

// Stop stops a session. Stopping a session that is already stopping, stopped
// or in error succeeds without touching the runtime.
func (m *Manager) Stop(ctx context.Context, id string) (*store.Session, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case store.StatusStopping, store.StatusStopped, store.StatusError:
		return sess, nil
	case store.StatusProvisioning:
		return nil, fmt.Errorf("%w: session %s is still provisioning", ErrInvalidStateTransition, id)
	}

	if err := m.stopLocked(ctx, sess, StopRequest{Reason: ReasonUser}); err != nil {
		return nil, err
	}
	return sess, nil
}

// TryStop stops a session without waiting for its lock. It returns ErrBusy
// if another operation holds the session, and false when the session is no
// longer eligible.
func (m *Manager) TryStop(ctx context.Context, id string, req StopRequest) (bool, error) {
	if !m.locks.TryLock(id) {
		return false, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer m.locks.Unlock(id)

	sess, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	if !isActive(sess.Status) || (req.Eligible != nil && !req.Eligible(sess)) {
		return false, nil
	}
	if err := m.stopLocked(ctx, sess, req); err != nil {
		return false, err
	}
	return true, nil
}

// stopLocked walks running|idle -> stopping -> stopped (or error when
// evicting). Once the session is stopping the remaining steps ignore the
// caller's cancellation so it is never left half-stopped.
func (m *Manager) stopLocked(ctx context.Context, sess *store.Session, req StopRequest) error {
	if err := m.transition(ctx, sess, store.StatusStopping, req.Reason, nil); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Labs.StopGrace()+cleanupTimeout)
	defer cancel()

	if err := m.runtime.Stop(sctx, sess.RuntimeHandle, m.cfg.Labs.StopGrace()); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		if terr := m.transition(sctx, sess, store.StatusError, "stop failed: "+err.Error(), nil); terr != nil {
			m.logger.Error("marking session error after failed stop", "session_id", sess.ID, "error", terr)
		}
		return fmt.Errorf("stopping session %s: %w", sess.ID, err)
	}

	removed := false
	if req.RemoveContainer {
		if err := m.removeContainer(sctx, sess.RuntimeHandle, req.RemoveVolume); err != nil {
			m.logger.Warn("removing stopped container", "session_id", sess.ID, "handle", sess.RuntimeHandle, "error", err)
		} else {
			removed = true
		}
	}

	final := store.StatusStopped
	if req.Evict {
		final = store.StatusError
	}
	return m.transition(sctx, sess, final, req.Reason, func(s *store.Session) {
		s.Endpoints = nil
		if removed {
			s.RuntimeHandle = ""
			s.VolumeRemoved = s.VolumeRemoved || req.RemoveVolume
		}
	})
}

// TryMarkIdle flags a running session idle without waiting for its lock.
func (m *Manager) TryMarkIdle(ctx context.Context, id string, eligible func(*store.Session) bool) (bool, error) {
	if !m.locks.TryLock(id) {
		return false, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer m.locks.Unlock(id)

	sess, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	if sess.Status != store.StatusRunning || (eligible != nil && !eligible(sess)) {
		return false, nil
	}
	if err := m.transition(ctx, sess, store.StatusIdle, ReasonIdle, nil); err != nil {
		return false, err
	}
	return true, nil
}

// Touch records activity on a running or idle session and wakes an idle one.
func (m *Manager) Touch(ctx context.Context, id string) error {
	at := m.now()
	if _, err := m.store.TouchActivity(ctx, id, at); err != nil {
		return err
	}

	sess, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if !isActive(sess.Status) {
		return fmt.Errorf("%w: %s (status=%s)", ErrNotRunning, id, sess.Status)
	}
	if sess.Status == store.StatusIdle {
		// A busy session is being stopped or resized; the next touch retries.
		if m.locks.TryLock(id) {
			defer m.locks.Unlock(id)
			if err := m.wake(ctx, id); err != nil {
				m.logger.Warn("waking idle session", "session_id", id, "error", err)
			}
		}
	}
	return nil
}

func (m *Manager) wake(ctx context.Context, id string) error {
	sess, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != store.StatusIdle {
		return nil
	}
	return m.transition(ctx, sess, store.StatusRunning, "", nil)
}
