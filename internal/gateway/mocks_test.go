package gateway

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/store"
)

// MockSessions mocks the Sessions interface.
type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) Get(ctx context.Context, id string) (*store.Session, error) {
	args := m.Called(ctx, id)
	if sess := args.Get(0); sess != nil {
		return sess.(*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessions) Attach(ctx context.Context, id string, opts runtime.ExecOptions) (runtime.ExecStream, error) {
	args := m.Called(ctx, id, opts)
	if s := args.Get(0); s != nil {
		return s.(runtime.ExecStream), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessions) Touch(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessions) ShellFor(sess *store.Session) []string {
	args := m.Called(sess)
	return args.Get(0).([]string)
}
