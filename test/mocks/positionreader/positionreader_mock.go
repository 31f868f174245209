package positionreader

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/vultisig/position-manager/internal/types"
)

type MockPositionReader struct {
	mock.Mock
}

func (m *MockPositionReader) GetPosition(ctx context.Context, chainID int64, positionID string) (types.Position, error) {
	args := m.Called(ctx, chainID, positionID)
	return args.Get(0).(types.Position), args.Error(1)
}
