package reaper

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
)

// MockLifecycle mocks the Lifecycle interface.
type MockLifecycle struct {
	mock.Mock
}

func (m *MockLifecycle) Reconcile(ctx context.Context) (*session.ReconcileReport, error) {
	args := m.Called(ctx)
	if r := args.Get(0); r != nil {
		return r.(*session.ReconcileReport), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLifecycle) List(ctx context.Context, f store.Filter) ([]*store.Session, error) {
	args := m.Called(ctx, f)
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockLifecycle) TryMarkIdle(ctx context.Context, id string, eligible func(*store.Session) bool) (bool, error) {
	args := m.Called(ctx, id, eligible)
	return args.Bool(0), args.Error(1)
}

func (m *MockLifecycle) TryStop(ctx context.Context, id string, req session.StopRequest) (bool, error) {
	args := m.Called(ctx, id, req)
	return args.Bool(0), args.Error(1)
}

func (m *MockLifecycle) FailStuckProvisioning(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockLifecycle) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	args := m.Called(ctx, olderThan)
	return args.Int(0), args.Error(1)
}
