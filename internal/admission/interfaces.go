package admission

import "context"

// Counter reports non-terminal session counts.
type Counter interface {
	CountActive(ctx context.Context) (int, error)
	CountActiveByUser(ctx context.Context, userID string) (int, error)
}

// HostProbe reports host memory available for new sessions.
type HostProbe interface {
	AvailableMemory(ctx context.Context) (uint64, error)
}
