package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out consecutive nonces per account so back to back
// submissions do not reuse the pending nonce.
type NonceManager struct {
	client   NonceSource
	nonceMap sync.Map
	mu       sync.Mutex
}

func NewNonceManager(client NonceSource) *NonceManager {
	return &NonceManager{
		client: client,
	}
}

func (n *NonceManager) GetNextNonce(ctx context.Context, address common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if nonce, ok := n.nonceMap.Load(address); ok {
		nextNonce := nonce.(uint64) + 1
		n.nonceMap.Store(address, nextNonce)
		return nextNonce, nil
	}

	nonce, err := n.client.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce from network: %w", err)
	}

	n.nonceMap.Store(address, nonce)
	return nonce, nil
}

// ResetNonce makes the next call read the nonce from the network again.
func (n *NonceManager) ResetNonce(address common.Address) {
	n.nonceMap.Delete(address)
}
