package session

import (
	"context"
	"time"

	"github.com/p-arndt/labkasten/internal/store"
)

type SessionStore interface {
	CreateSession(ctx context.Context, sess *store.Session) error
	GetSession(ctx context.Context, id string) (*store.Session, error)
	ListSessions(ctx context.Context, f store.Filter) ([]*store.Session, error)
	UpdateSession(ctx context.Context, sess *store.Session) error
	TouchActivity(ctx context.Context, id string, at time.Time) (bool, error)
	ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]*store.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Admitter gates creation. Admit runs reserve only when capacity allows.
type Admitter interface {
	Admit(ctx context.Context, userID string, reserve func(ctx context.Context) error) error
}
