package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/p-arndt/labkasten/internal/store"
)

// Stop reasons recorded on the session row.
const (
	ReasonUser    = "user"
	ReasonIdle    = "idle"
	ReasonTTL     = "ttl"
	ReasonEvicted = "evicted: memory pressure"
)

var transitions = map[string][]string{
	store.StatusProvisioning: {store.StatusRunning, store.StatusError},
	store.StatusRunning:      {store.StatusIdle, store.StatusStopping, store.StatusError},
	store.StatusIdle:         {store.StatusRunning, store.StatusStopping, store.StatusError},
	store.StatusStopping:     {store.StatusStopped, store.StatusError},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition is the only path that changes a session's status. It moves sess
// to `to`, records reason, applies mutate and persists the row. The caller
// holds the session lock.
func (m *Manager) transition(ctx context.Context, sess *store.Session, to, reason string, mutate func(*store.Session)) error {
	from := sess.Status
	err := m.update(ctx, sess, func(s *store.Session) error {
		if !CanTransition(s.Status, to) {
			return fmt.Errorf("%w: %s -> %s (session %s)", ErrInvalidStateTransition, s.Status, to, s.ID)
		}
		s.Status = to
		s.Reason = reason
		if mutate != nil {
			mutate(s)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.metrics.Transition(to)
	m.logger.Info("session transition", "session_id", sess.ID, "from", from, "to", to, "reason", reason)
	return nil
}

const maxVersionConflicts = 3

// update applies change to a copy of sess and writes it at sess.Version. On a
// version conflict the row is re-read and change is applied again, so change
// must re-validate whatever it depends on.
func (m *Manager) update(ctx context.Context, sess *store.Session, change func(*store.Session) error) error {
	for attempt := 0; ; attempt++ {
		next := *sess
		if err := change(&next); err != nil {
			return err
		}

		err := m.store.UpdateSession(ctx, &next)
		if err == nil {
			*sess = next
			return nil
		}

		switch {
		case errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sess.ID)
		case errors.Is(err, store.ErrVersionConflict) && attempt < maxVersionConflicts:
			m.logger.Debug("version conflict, re-reading session", "session_id", sess.ID, "version", sess.Version)
			fresh, gerr := m.store.GetSession(ctx, sess.ID)
			if gerr != nil {
				return gerr
			}
			if fresh == nil {
				return fmt.Errorf("%w: %s", ErrSessionNotFound, sess.ID)
			}
			*sess = *fresh
		default:
			return fmt.Errorf("saving session %s: %w", sess.ID, err)
		}
	}
}
