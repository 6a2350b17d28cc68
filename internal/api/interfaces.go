package api

import (
	"context"
	"net/http"
	"time"

	"github.com/p-arndt/labkasten/internal/auth"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
)

// SessionService abstracts lifecycle operations needed by API handlers.
type SessionService interface {
	Create(ctx context.Context, req session.CreateRequest) (*store.Session, error)
	Get(ctx context.Context, id string) (*store.Session, error)
	List(ctx context.Context, f store.Filter) ([]*store.Session, error)
	Stop(ctx context.Context, id string) (*store.Session, error)
	Remove(ctx context.Context, id string, removeVolume bool) (*store.Session, error)
	Resize(ctx context.Context, id string, limits runtime.Limits) (*store.Session, error)
}

// Terminal serves the interactive exec WebSocket.
type Terminal interface {
	Serve(w http.ResponseWriter, r *http.Request, claims *auth.Claims, id string) error
}

// UsageSource exposes recent resource samples.
type UsageSource interface {
	Samples(id string) []runtime.Usage
}

// TokenVerifier checks bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Pinger reports whether the container runtime is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ImageCache reports when each lab image was last pulled.
type ImageCache interface {
	Status() map[string]time.Time
}
