package admission

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockCounter mocks the Counter interface.
type MockCounter struct {
	mock.Mock
}

func (m *MockCounter) CountActive(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *MockCounter) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Error(1)
}

// MockHostProbe mocks the HostProbe interface.
type MockHostProbe struct {
	mock.Mock
}

func (m *MockHostProbe) AvailableMemory(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}
