package reaper

import (
	"context"
	"time"

	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
)

// Lifecycle is the part of the session manager the reaper drives. Every
// state change goes through it; the reaper only decides when.
type Lifecycle interface {
	Reconcile(ctx context.Context) (*session.ReconcileReport, error)
	List(ctx context.Context, f store.Filter) ([]*store.Session, error)
	TryMarkIdle(ctx context.Context, id string, eligible func(*store.Session) bool) (bool, error)
	TryStop(ctx context.Context, id string, req session.StopRequest) (bool, error)
	FailStuckProvisioning(ctx context.Context, id string) (bool, error)
	Purge(ctx context.Context, olderThan time.Duration) (int, error)
}
