package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/store"
)

// ReconcileReport counts what a reconciliation pass changed.
type ReconcileReport struct {
	Failed   int // rows moved to error because the runtime disagreed
	Finished int // interrupted stops completed
	Orphans  int // managed containers removed for lack of a session
	Networks int // session networks left without a container
	Skipped  int // sessions busy with another operation
}

// Reconcile compares non-terminal sessions with what the runtime reports and
// resolves every disagreement in favour of the runtime:
//   - provisioning rows are cleaned up and marked error;
//   - running or idle rows without a live container are marked error;
//   - stopping rows are stopped;
//   - managed containers that no session accounts for are removed;
//   - session networks without a container are pruned.
//
// Sessions held by another operation are skipped.
func (m *Manager) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	rows, err := m.store.ListSessions(ctx, store.Filter{Statuses: []string{
		store.StatusProvisioning, store.StatusRunning, store.StatusIdle, store.StatusStopping,
	}})
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	containers, err := m.runtime.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	bySession := make(map[string][]runtime.ContainerRef)
	for _, c := range containers {
		bySession[c.SessionID] = append(bySession[c.SessionID], c)
	}

	report := &ReconcileReport{}
	for _, row := range rows {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !m.locks.TryLock(row.ID) {
			report.Skipped++
			continue
		}
		err := m.reconcileOne(ctx, row, bySession[row.ID], report)
		m.locks.Unlock(row.ID)
		if err != nil {
			m.logger.Error("reconcile session", "session_id", row.ID, "status", row.Status, "error", err)
		}
	}

	for _, c := range containers {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		orphan, err := m.isOrphan(ctx, c)
		if err != nil {
			m.logger.Error("reconcile container", "handle", c.Handle, "session_id", c.SessionID, "error", err)
			continue
		}
		if !orphan {
			continue
		}
		if err := m.removeContainer(ctx, c.Handle, false); err != nil {
			m.logger.Error("removing orphan container", "handle", c.Handle, "session_id", c.SessionID, "error", err)
			continue
		}
		m.logger.Info("removed orphan container", "handle", c.Handle, "session_id", c.SessionID)
		report.Orphans++
	}

	if pruner, ok := m.runtime.(runtime.NetworkPruner); ok {
		n, err := pruner.PruneNetworks(ctx)
		if err != nil {
			m.logger.Error("pruning session networks", "error", err)
		}
		report.Networks = n
	}

	m.logger.Info("reconciliation done",
		"failed", report.Failed, "finished", report.Finished, "orphans", report.Orphans,
		"networks", report.Networks, "skipped", report.Skipped)
	return report, nil
}

func (m *Manager) reconcileOne(ctx context.Context, listed *store.Session, containers []runtime.ContainerRef, report *ReconcileReport) error {
	// Re-read under the lock; the listing may be stale.
	sess, err := m.load(ctx, listed.ID)
	if err != nil {
		return err
	}

	switch sess.Status {
	case store.StatusProvisioning:
		for _, c := range containers {
			if err := m.removeContainer(ctx, c.Handle, false); err != nil {
				return err
			}
		}
		if err := m.runtime.RemoveVolume(ctx, sess.VolumeRef); err != nil {
			return err
		}
		report.Failed++
		return m.transition(ctx, sess, store.StatusError, "interrupted during provisioning", func(s *store.Session) {
			s.VolumeRemoved = true
		})

	case store.StatusRunning, store.StatusIdle:
		var (
			state *runtime.State
			err   = fmt.Errorf("%w: no handle recorded", runtime.ErrNotFound)
		)
		if sess.RuntimeHandle != "" {
			state, err = m.runtime.Inspect(ctx, sess.RuntimeHandle)
		}
		switch {
		case errors.Is(err, runtime.ErrNotFound):
			report.Failed++
			return m.transition(ctx, sess, store.StatusError, "container missing", func(s *store.Session) {
				s.RuntimeHandle = ""
				s.Endpoints = nil
			})
		case err != nil:
			return err
		case !state.Running:
			report.Failed++
			return m.transition(ctx, sess, store.StatusError, "container not running", func(s *store.Session) {
				s.Endpoints = nil
			})
		}
		return nil

	case store.StatusStopping:
		if err := m.runtime.Stop(ctx, sess.RuntimeHandle, m.cfg.Labs.StopGrace()); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return err
		}
		report.Finished++
		return m.transition(ctx, sess, store.StatusStopped, sess.Reason, func(s *store.Session) {
			s.Endpoints = nil
		})
	}
	return nil
}

// isOrphan reports whether no session accounts for container c. A container
// belongs to a session that is still non-terminal, or to a terminal session
// that still records it as its handle (stopped but not removed yet).
func (m *Manager) isOrphan(ctx context.Context, c runtime.ContainerRef) (bool, error) {
	if c.SessionID == "" {
		return true, nil
	}
	sess, err := m.store.GetSession(ctx, c.SessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return true, nil
	}
	if !store.IsTerminal(sess.Status) {
		return false, nil
	}
	return sess.RuntimeHandle != c.Handle, nil
}

// FailStuckProvisioning marks a session error if it is still provisioning
// and nobody holds its lock, cleaning up whatever was created for it.
func (m *Manager) FailStuckProvisioning(ctx context.Context, id string) (bool, error) {
	if !m.locks.TryLock(id) {
		return false, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	defer m.locks.Unlock(id)

	sess, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	if sess.Status != store.StatusProvisioning {
		return false, nil
	}

	containers, err := m.runtime.List(ctx)
	if err != nil {
		return false, err
	}
	var mine []runtime.ContainerRef
	for _, c := range containers {
		if c.SessionID == id {
			mine = append(mine, c)
		}
	}
	report := &ReconcileReport{}
	if err := m.reconcileOne(ctx, sess, mine, report); err != nil {
		return false, err
	}
	return report.Failed > 0, nil
}

// Purge deletes terminal sessions last updated more than olderThan ago,
// together with any leftover container and their persistent volume.
func (m *Manager) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := m.store.ListTerminalBefore(ctx, m.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			return purged, ctx.Err()
		}
		if !m.locks.TryLock(row.ID) {
			continue
		}
		err := m.purgeOne(ctx, row)
		m.locks.Unlock(row.ID)
		if err != nil {
			m.logger.Error("purging session", "session_id", row.ID, "error", err)
			continue
		}
		purged++
	}
	if purged > 0 {
		m.logger.Info("purged terminal sessions", "count", purged)
	}
	return purged, nil
}

func (m *Manager) purgeOne(ctx context.Context, sess *store.Session) error {
	if err := m.removeContainer(ctx, sess.RuntimeHandle, false); err != nil {
		return err
	}
	if !sess.VolumeRemoved {
		if err := m.runtime.RemoveVolume(ctx, sess.VolumeRef); err != nil {
			return err
		}
	}
	return m.store.DeleteSession(ctx, sess.ID)
}
