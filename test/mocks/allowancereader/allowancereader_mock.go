package allowancereader

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"
)

type MockReader struct {
	mock.Mock
}

func (m *MockReader) GetAllowance(ctx context.Context, token, owner, spender common.Address, chainID int64) (*big.Int, error) {
	args := m.Called(ctx, token, owner, spender, chainID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *MockReader) GetBalance(ctx context.Context, token, owner common.Address, chainID int64) (*big.Int, error) {
	args := m.Called(ctx, token, owner, chainID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}
