package pool

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockPuller mocks the Puller interface.
type MockPuller struct {
	mock.Mock
}

func (m *MockPuller) EnsureImage(ctx context.Context, ref string) error {
	args := m.Called(ctx, ref)
	return args.Error(0)
}
