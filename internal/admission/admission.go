// Package admission gates new lab sessions on capacity.
//
// The policy is reject-immediately: a request that would exceed a cap fails
// with a *QuotaError and is never queued. A queuing policy would wrap
// Controller.Admit and retry on ErrQuotaExceeded until its own deadline.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	units "github.com/docker/go-units"

	"github.com/p-arndt/labkasten/internal/metrics"
)

var ErrQuotaExceeded = errors.New("quota exceeded")

// Limit names which cap denied a request.
const (
	LimitGlobal     = "global"
	LimitPerUser    = "per_user"
	LimitHostMemory = "host_memory"
)

// QuotaError reports which limit was hit.
type QuotaError struct {
	Limit   string
	Cap     int64
	Current int64
}

func (e *QuotaError) Error() string {
	if e.Limit == LimitHostMemory {
		return fmt.Sprintf("quota exceeded: host memory available %s below floor %s",
			units.BytesSize(float64(e.Current)), units.BytesSize(float64(e.Cap)))
	}
	return fmt.Sprintf("quota exceeded: %s limit %d reached (%d active)", e.Limit, e.Cap, e.Current)
}

func (e *QuotaError) Is(target error) bool { return target == ErrQuotaExceeded }

// Config holds the admission caps. A cap of zero disables that check.
type Config struct {
	GlobalCap     int
	PerUserCap    int
	MinFreeMemory uint64
}

type Controller struct {
	mu      sync.Mutex
	counter Counter
	host    HostProbe
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a controller. host may be nil to skip the host-memory floor.
func New(counter Counter, host HostProbe, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		counter: counter,
		host:    host,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// Admit checks the caps for userID and, if they allow another session, runs
// reserve while still holding the admission lock. reserve is expected to
// persist the new session in a non-terminal state, so the next Admit sees it
// in the counts. Errors from reserve are returned unchanged.
func (c *Controller) Admit(ctx context.Context, userID string, reserve func(ctx context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(ctx, userID); err != nil {
		var qe *QuotaError
		if errors.As(err, &qe) {
			c.metrics.AdmissionDenied(qe.Limit)
			c.logger.Info("admission denied", "user_id", userID, "limit", qe.Limit, "cap", qe.Cap, "current", qe.Current)
		}
		return err
	}
	return reserve(ctx)
}

func (c *Controller) check(ctx context.Context, userID string) error {
	if c.cfg.GlobalCap > 0 {
		n, err := c.counter.CountActive(ctx)
		if err != nil {
			return fmt.Errorf("admission: %w", err)
		}
		if n >= c.cfg.GlobalCap {
			return &QuotaError{Limit: LimitGlobal, Cap: int64(c.cfg.GlobalCap), Current: int64(n)}
		}
	}

	if c.cfg.PerUserCap > 0 {
		n, err := c.counter.CountActiveByUser(ctx, userID)
		if err != nil {
			return fmt.Errorf("admission: %w", err)
		}
		if n >= c.cfg.PerUserCap {
			return &QuotaError{Limit: LimitPerUser, Cap: int64(c.cfg.PerUserCap), Current: int64(n)}
		}
	}

	if c.host != nil && c.cfg.MinFreeMemory > 0 {
		avail, err := c.host.AvailableMemory(ctx)
		if err != nil {
			// The probe is advisory; counts already passed.
			c.logger.Warn("host memory probe failed", "error", err)
			return nil
		}
		if avail < c.cfg.MinFreeMemory {
			return &QuotaError{Limit: LimitHostMemory, Cap: int64(c.cfg.MinFreeMemory), Current: int64(avail)}
		}
	}
	return nil
}
