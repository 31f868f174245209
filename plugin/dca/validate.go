package dca

import (
	"fmt"

	gcommon "github.com/ethereum/go-ethereum/common"
	"github.com/vultisig/position-manager/internal/types"
)

// ValidatePosition checks a position read from the chain before it is
// committed to a session.
func ValidatePosition(p types.Position) error {
	if p.ID == "" {
		return fmt.Errorf("position id is required")
	}
	if p.ChainID <= 0 {
		return fmt.Errorf("invalid chain id %d", p.ChainID)
	}
	if p.TokenID == nil || p.TokenID.Sign() < 0 {
		return fmt.Errorf("invalid position token id")
	}
	if p.Hub == (gcommon.Address{}) {
		return fmt.Errorf("hub address is required")
	}
	if p.From.Address == (gcommon.Address{}) || p.To.Address == (gcommon.Address{}) {
		return fmt.Errorf("invalid token addresses")
	}
	if p.From.Address == p.To.Address {
		return fmt.Errorf("source token and destination token addresses are the same")
	}
	if p.SwapInterval.Seconds() == 0 {
		return fmt.Errorf("invalid swap interval: %s", p.SwapInterval)
	}
	switch p.Status {
	case types.PositionStatusActive, types.PositionStatusTerminated:
	default:
		return fmt.Errorf("invalid position status: %s", p.Status)
	}
	if p.RemainingSwaps < 0 || p.RemainingSwaps > MaxSwaps {
		return &types.InvalidDurationError{Swaps: p.RemainingSwaps}
	}
	funds := FundsOf(p)
	if funds.Rate.Sign() < 0 || funds.RemainingLiquidity.Sign() < 0 {
		return &types.InsufficientFundsError{Liquidity: funds.RemainingLiquidity}
	}
	if !funds.Consistent() {
		return fmt.Errorf("remaining liquidity %s does not match rate %s over %d swaps",
			funds.RemainingLiquidity, funds.Rate, funds.RemainingSwaps)
	}
	for _, set := range p.Permissions {
		for _, perm := range set.Permissions {
			if !perm.Valid() {
				return fmt.Errorf("invalid permission %d for operator %s", uint8(perm), set.Operator.Hex())
			}
		}
	}
	return nil
}
