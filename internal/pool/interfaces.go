package pool

import "context"

// Puller makes an image available in the engine's local cache.
type Puller interface {
	EnsureImage(ctx context.Context, ref string) error
}
