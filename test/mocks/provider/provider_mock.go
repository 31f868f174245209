package provider

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"
	"github.com/vultisig/position-manager/internal/types"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) EstimateFee(ctx context.Context, req types.TxRequest) (types.FeeQuote, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.FeeQuote), args.Error(1)
}

func (m *MockProvider) Submit(ctx context.Context, req types.TxRequest) (common.Hash, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(common.Hash), args.Error(1)
}

func (m *MockProvider) WaitForReceipt(ctx context.Context, chainID int64, hash common.Hash) (types.Receipt, error) {
	args := m.Called(ctx, chainID, hash)
	return args.Get(0).(types.Receipt), args.Error(1)
}
