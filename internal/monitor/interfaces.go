package monitor

import (
	"context"

	"github.com/p-arndt/labkasten/internal/hoststat"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
)

// Sessions is the part of the session manager the monitor needs.
type Sessions interface {
	ListActive(ctx context.Context) ([]*store.Session, error)
	TryStop(ctx context.Context, id string, req session.StopRequest) (bool, error)
}

// StatsSource samples a container. runtime.Adapter satisfies it.
type StatsSource interface {
	Stats(ctx context.Context, handle string) (*runtime.Usage, error)
}

// HostProbe reads host capacity. *hoststat.Probe satisfies it.
type HostProbe interface {
	Snapshot(ctx context.Context) (*hoststat.Snapshot, error)
}
