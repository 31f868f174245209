package dca

import (
	"math/big"

	"github.com/vultisig/position-manager/internal/types"
)

// ExpectedAfter derives the position a confirmed transaction should leave
// behind. It is used when the chain cannot be read back after a receipt.
func ExpectedAfter(base types.Position, data types.TxData) types.Position {
	next := base.Clone()
	switch d := data.(type) {
	case types.ModifyData:
		next.Rate = valueOrZero(d.NewRate)
		next.RemainingSwaps = d.NewSwaps
		next.RemainingLiquidity = new(big.Int).Mul(next.Rate, big.NewInt(d.NewSwaps))
	case types.WithdrawData:
		next.SwappedUnclaimed = big.NewInt(0)
	case types.ClaimData:
		if d.Amount != nil && next.SwappedUnclaimed != nil && next.SwappedUnclaimed.Cmp(d.Amount) >= 0 {
			next.SwappedUnclaimed = new(big.Int).Sub(next.SwappedUnclaimed, d.Amount)
		}
	case types.TerminateData:
		next.Status = types.PositionStatusTerminated
		next.Rate = big.NewInt(0)
		next.RemainingSwaps = 0
		next.RemainingLiquidity = big.NewInt(0)
		next.SwappedUnclaimed = big.NewInt(0)
	case types.TransferData:
		next.Owner = d.To
	}
	return next
}
