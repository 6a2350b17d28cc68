package monitor

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/labkasten/internal/hoststat"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
)

// MockSessions mocks the Sessions interface.
type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) ListActive(ctx context.Context) ([]*store.Session, error) {
	args := m.Called(ctx)
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessions) TryStop(ctx context.Context, id string, req session.StopRequest) (bool, error) {
	args := m.Called(ctx, id, req)
	return args.Bool(0), args.Error(1)
}

// MockHostProbe mocks the HostProbe interface.
type MockHostProbe struct {
	mock.Mock
}

func (m *MockHostProbe) Snapshot(ctx context.Context) (*hoststat.Snapshot, error) {
	args := m.Called(ctx)
	if s := args.Get(0); s != nil {
		return s.(*hoststat.Snapshot), args.Error(1)
	}
	return nil, args.Error(1)
}
