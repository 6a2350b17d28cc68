// Package reaper periodically stops sessions that went idle or outlived their
// TTL, fails provisioning that never finished and purges old terminal rows.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/p-arndt/labkasten/internal/config"
	"github.com/p-arndt/labkasten/internal/metrics"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
)

// provisioningGrace is added to the create timeout before a provisioning row
// counts as stuck.
const provisioningGrace = 30 * time.Second

// Policy holds the reaper thresholds. A zero duration disables that rule.
type Policy struct {
	Interval      time.Duration
	IdleMark      time.Duration
	IdleThreshold time.Duration
	TTL           time.Duration
	StuckAfter    time.Duration
	Retention     time.Duration
	// RemoveVolume also deletes the persistent volume of reaped sessions.
	RemoveVolume bool
}

// PolicyFromConfig derives the reaper policy from the service config.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		Interval:      cfg.Reaper.Interval(),
		IdleMark:      cfg.Labs.IdleMark(),
		IdleThreshold: cfg.Labs.IdleThreshold(),
		TTL:           cfg.Labs.AbsoluteTTL(),
		StuckAfter:    cfg.Labs.CreateTimeout() + provisioningGrace,
		Retention:     cfg.Labs.Retention(),
		RemoveVolume:  cfg.Labs.RemoveVolumeOnReap,
	}
}

type Reaper struct {
	sessions Lifecycle
	policy   Policy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(lc Lifecycle, policy Policy, logger *slog.Logger, m *metrics.Metrics) *Reaper {
	return &Reaper{
		sessions: lc,
		policy:   policy,
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run reconciles once, then sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.policy.Interval,
		"idle_threshold", r.policy.IdleThreshold, "ttl", r.policy.TTL)

	if _, err := r.sessions.Reconcile(ctx); err != nil {
		r.logger.Error("reaper: reconcile", "error", err)
	}

	ticker := time.NewTicker(r.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// verdict is what a sweep decides for one active session.
type verdict int

const (
	keep verdict = iota
	markIdle
	stopIdle
	stopTTL
)

func (r *Reaper) judge(sess *store.Session, now time.Time) verdict {
	p := r.policy
	switch {
	case p.TTL > 0 && now.Sub(sess.CreatedAt) >= p.TTL:
		return stopTTL
	case p.IdleThreshold > 0 && now.Sub(sess.LastActivityAt) >= p.IdleThreshold:
		return stopIdle
	case p.IdleMark > 0 && sess.Status == store.StatusRunning && now.Sub(sess.LastActivityAt) >= p.IdleMark:
		return markIdle
	}
	return keep
}

// sweep runs one reaper cycle. Failures on one session are logged and the
// cycle moves on.
func (r *Reaper) sweep(ctx context.Context) {
	active, err := r.sessions.List(ctx, store.Filter{Statuses: []string{store.StatusRunning, store.StatusIdle}})
	if err != nil {
		r.logger.Error("reaper: list active sessions", "error", err)
		return
	}

	reaped := 0
	for _, sess := range active {
		if ctx.Err() != nil {
			return
		}
		if r.reap(ctx, sess) {
			reaped++
		}
	}
	if reaped > 0 {
		r.logger.Info("reaper: reaped sessions", "count", reaped)
	}

	r.failStuck(ctx)

	if r.policy.Retention > 0 {
		if _, err := r.sessions.Purge(ctx, r.policy.Retention); err != nil {
			r.logger.Error("reaper: purge", "error", err)
		}
	}
}

// reap applies the verdict for one session. The verdict is re-evaluated on
// the row read under the session lock, so a touch in between wins.
func (r *Reaper) reap(ctx context.Context, sess *store.Session) bool {
	now := r.now()
	v := r.judge(sess, now)
	if v == keep {
		return false
	}
	still := func(s *store.Session) bool { return r.judge(s, now) == v }

	var (
		done   bool
		err    error
		reason string
	)
	switch v {
	case markIdle:
		done, err = r.sessions.TryMarkIdle(ctx, sess.ID, still)
		reason = "idle_mark"
	case stopIdle, stopTTL:
		reason = session.ReasonIdle
		if v == stopTTL {
			reason = session.ReasonTTL
		}
		done, err = r.sessions.TryStop(ctx, sess.ID, session.StopRequest{
			Reason:          reason,
			RemoveContainer: true,
			RemoveVolume:    r.policy.RemoveVolume,
			Eligible:        still,
		})
	}

	switch {
	case errors.Is(err, session.ErrBusy):
		r.logger.Debug("reaper: session busy, retrying next cycle", "session_id", sess.ID)
		return false
	case err != nil:
		r.logger.Error("reaper: reaping session", "session_id", sess.ID, "reason", reason, "error", err)
		return false
	case !done:
		return false
	}

	if v == markIdle {
		r.logger.Info("session marked idle", "session_id", sess.ID, "last_activity_at", sess.LastActivityAt)
		return false
	}
	r.metrics.Reaped(reason)
	r.logger.Info("reaped session", "session_id", sess.ID, "reason", reason,
		"created_at", sess.CreatedAt, "last_activity_at", sess.LastActivityAt)
	return true
}

// failStuck marks provisioning rows older than StuckAfter as error. A live
// Create holds the session lock, so only abandoned rows are touched.
func (r *Reaper) failStuck(ctx context.Context) {
	if r.policy.StuckAfter <= 0 {
		return
	}
	rows, err := r.sessions.List(ctx, store.Filter{Statuses: []string{store.StatusProvisioning}})
	if err != nil {
		r.logger.Error("reaper: list provisioning sessions", "error", err)
		return
	}
	now := r.now()
	for _, sess := range rows {
		if now.Sub(sess.CreatedAt) < r.policy.StuckAfter {
			continue
		}
		failed, err := r.sessions.FailStuckProvisioning(ctx, sess.ID)
		switch {
		case errors.Is(err, session.ErrBusy):
			continue
		case err != nil:
			r.logger.Error("reaper: failing stuck provisioning", "session_id", sess.ID, "error", err)
		case failed:
			r.metrics.Reaped("stuck_provisioning")
			r.logger.Warn("failed stuck provisioning", "session_id", sess.ID, "created_at", sess.CreatedAt)
		}
	}
}
