package gateway

import (
	"context"

	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/store"
)

// Sessions is the part of the session manager the gateway needs.
type Sessions interface {
	Get(ctx context.Context, id string) (*store.Session, error)
	Attach(ctx context.Context, id string, opts runtime.ExecOptions) (runtime.ExecStream, error)
	Touch(ctx context.Context, id string) error
	ShellFor(sess *store.Session) []string
}
