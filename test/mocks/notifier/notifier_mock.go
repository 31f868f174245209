package notifier

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/vultisig/position-manager/internal/types"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, n types.Notification) {
	m.Called(ctx, n)
}
