package session

import (
	"context"
	"fmt"

	"github.com/p-arndt/labkasten/internal/store"
)

func (m *Manager) Get(ctx context.Context, id string) (*store.Session, error) {
	return m.load(ctx, id)
}

func (m *Manager) List(ctx context.Context, f store.Filter) ([]*store.Session, error) {
	for _, s := range f.Statuses {
		if _, known := statusNames[s]; !known {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, s)
		}
	}
	sessions, err := m.store.ListSessions(ctx, f)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	return sessions, nil
}

// ListActive returns running and idle sessions, the ones holding a container.
func (m *Manager) ListActive(ctx context.Context) ([]*store.Session, error) {
	return m.store.ListSessions(ctx, store.Filter{Statuses: []string{store.StatusRunning, store.StatusIdle}})
}

var statusNames = map[string]struct{}{
	store.StatusProvisioning: {},
	store.StatusRunning:      {},
	store.StatusIdle:         {},
	store.StatusStopping:     {},
	store.StatusStopped:      {},
	store.StatusError:        {},
}

// Remove deletes a terminal session's container and, if removeVolume is set,
// its persistent volume. The row stays as a terminal record. Repeated calls
// succeed without touching the runtime again.
func (m *Manager) Remove(ctx context.Context, id string, removeVolume bool) (*store.Session, error) {
	unlock, err := m.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !store.IsTerminal(sess.Status) {
		return nil, fmt.Errorf("%w: remove requires a stopped session (session %s is %s)", ErrInvalidStateTransition, id, sess.Status)
	}

	dropContainer := sess.RuntimeHandle != ""
	dropVolume := removeVolume && !sess.VolumeRemoved
	if !dropContainer && !dropVolume {
		return sess, nil
	}

	if err := m.removeContainer(ctx, sess.RuntimeHandle, false); err != nil {
		return nil, fmt.Errorf("removing container of %s: %w", id, err)
	}
	if dropVolume {
		if err := m.runtime.RemoveVolume(ctx, sess.VolumeRef); err != nil {
			return nil, fmt.Errorf("removing volume of %s: %w", id, err)
		}
	}

	err = m.update(ctx, sess, func(s *store.Session) error {
		s.RuntimeHandle = ""
		s.Endpoints = nil
		s.VolumeRemoved = s.VolumeRemoved || dropVolume
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("session removed", "session_id", id, "volume_removed", sess.VolumeRemoved)
	return sess, nil
}
