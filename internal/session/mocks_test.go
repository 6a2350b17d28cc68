package session

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/labkasten/internal/store"
)

var mockAnyCtx = mock.Anything

// sessionAtVersion matches an update written at the given row version.
func sessionAtVersion(v int64) interface{} {
	return mock.MatchedBy(func(s *store.Session) bool { return s.Version == v })
}

// MockSessionStore mocks the SessionStore interface.
type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) CreateSession(ctx context.Context, sess *store.Session) error {
	args := m.Called(ctx, sess)
	return args.Error(0)
}

func (m *MockSessionStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	args := m.Called(ctx, id)
	if sess := args.Get(0); sess != nil {
		return sess.(*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionStore) ListSessions(ctx context.Context, f store.Filter) ([]*store.Session, error) {
	args := m.Called(ctx, f)
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionStore) UpdateSession(ctx context.Context, sess *store.Session) error {
	args := m.Called(ctx, sess)
	return args.Error(0)
}

func (m *MockSessionStore) TouchActivity(ctx context.Context, id string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockSessionStore) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]*store.Session, error) {
	args := m.Called(ctx, cutoff)
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionStore) DeleteSession(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
