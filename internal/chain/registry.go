package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vultisig/position-manager/internal/types"
)

var ErrUnsupportedChain = errors.New("unsupported chain")

// Registry routes calls to the provider of the request's chain.
type Registry struct {
	mu        sync.RWMutex
	providers map[int64]*EVMProvider
}

func NewRegistry(providers ...*EVMProvider) *Registry {
	r := &Registry{providers: make(map[int64]*EVMProvider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p *EVMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ChainID()] = p
}

func (r *Registry) Chains() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) provider(chainID int64) (*EVMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return p, nil
}

func (r *Registry) EstimateFee(ctx context.Context, req types.TxRequest) (types.FeeQuote, error) {
	p, err := r.provider(req.ChainID)
	if err != nil {
		return types.FeeQuote{}, err
	}
	return p.EstimateFee(ctx, req)
}

func (r *Registry) Submit(ctx context.Context, req types.TxRequest) (common.Hash, error) {
	p, err := r.provider(req.ChainID)
	if err != nil {
		return common.Hash{}, err
	}
	return p.Submit(ctx, req)
}

func (r *Registry) WaitForReceipt(ctx context.Context, chainID int64, hash common.Hash) (types.Receipt, error) {
	p, err := r.provider(chainID)
	if err != nil {
		return types.Receipt{}, err
	}
	return p.WaitForReceipt(ctx, hash)
}

func (r *Registry) GetAllowance(ctx context.Context, token, owner, spender common.Address, chainID int64) (*big.Int, error) {
	p, err := r.provider(chainID)
	if err != nil {
		return nil, err
	}
	return p.GetAllowance(ctx, token, owner, spender, chainID)
}

func (r *Registry) GetBalance(ctx context.Context, token, owner common.Address, chainID int64) (*big.Int, error) {
	p, err := r.provider(chainID)
	if err != nil {
		return nil, err
	}
	return p.GetBalance(ctx, token, owner, chainID)
}

func (r *Registry) GetPosition(ctx context.Context, chainID int64, positionID string) (types.Position, error) {
	p, err := r.provider(chainID)
	if err != nil {
		return types.Position{}, err
	}
	return p.GetPosition(ctx, positionID)
}
