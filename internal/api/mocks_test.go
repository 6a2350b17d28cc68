package api

import (
	"context"
	"net/http"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/labkasten/internal/auth"
	"github.com/p-arndt/labkasten/internal/runtime"
	"github.com/p-arndt/labkasten/internal/session"
	"github.com/p-arndt/labkasten/internal/store"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) Create(ctx context.Context, req session.CreateRequest) (*store.Session, error) {
	args := m.Called(ctx, req)
	if sess := args.Get(0); sess != nil {
		return sess.(*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Get(ctx context.Context, id string) (*store.Session, error) {
	args := m.Called(ctx, id)
	if sess := args.Get(0); sess != nil {
		return sess.(*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) List(ctx context.Context, f store.Filter) ([]*store.Session, error) {
	args := m.Called(ctx, f)
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Stop(ctx context.Context, id string) (*store.Session, error) {
	args := m.Called(ctx, id)
	if sess := args.Get(0); sess != nil {
		return sess.(*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Remove(ctx context.Context, id string, removeVolume bool) (*store.Session, error) {
	args := m.Called(ctx, id, removeVolume)
	if sess := args.Get(0); sess != nil {
		return sess.(*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Resize(ctx context.Context, id string, limits runtime.Limits) (*store.Session, error) {
	args := m.Called(ctx, id, limits)
	if sess := args.Get(0); sess != nil {
		return sess.(*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockTerminal struct {
	mock.Mock
}

func (m *MockTerminal) Serve(w http.ResponseWriter, r *http.Request, claims *auth.Claims, id string) error {
	args := m.Called(claims, id)
	return args.Error(0)
}

type MockUsage struct {
	mock.Mock
}

func (m *MockUsage) Samples(id string) []runtime.Usage {
	args := m.Called(id)
	if samples := args.Get(0); samples != nil {
		return samples.([]runtime.Usage)
	}
	return nil
}

type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockImageCache struct {
	mock.Mock
}

func (m *MockImageCache) Status() map[string]time.Time {
	args := m.Called()
	return args.Get(0).(map[string]time.Time)
}
