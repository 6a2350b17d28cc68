package session

import (
	"context"
	"fmt"

	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/store"
)

// Attach opens an interactive exec stream in a running or idle session and
// counts it as activity. Closing the stream does not affect the session.
func (m *Manager) Attach(ctx context.Context, id string, opts runtime.ExecOptions) (runtime.ExecStream, error) {
	sess, err := m.validateSession(ctx, id)
	if err != nil {
		return nil, err
	}

	stream, err := m.runtime.Exec(ctx, sess.RuntimeHandle, opts)
	if err != nil {
		return nil, fmt.Errorf("exec in session %s: %w", id, err)
	}

	if err := m.Touch(ctx, id); err != nil {
		m.logger.Warn("touch on attach", "session_id", id, "error", err)
	}
	return stream, nil
}

// ShellFor returns the terminal command configured for the session's image.
func (m *Manager) ShellFor(sess *store.Session) []string {
	return m.cfg.Labs.ShellFor(sess.ImageRef, m.cfg.Gateway.Shell)
}

// validateSession checks that a session exists and has a live container.
func (m *Manager) validateSession(ctx context.Context, id string) (*store.Session, error) {
	sess, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isActive(sess.Status) || sess.RuntimeHandle == "" {
		return nil, fmt.Errorf("%w: %s (status=%s)", ErrNotRunning, id, sess.Status)
	}
	return sess, nil
}
