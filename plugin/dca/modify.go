package dca

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/vultisig/position-manager/internal/types"
)

var ErrNoModification = errors.New("position not modified")

type ModificationKind string

const (
	ModificationIncrease ModificationKind = "increase"
	ModificationReduce   ModificationKind = "reduce"
)

// Modification is the hub call that moves a position from its committed
// funds to the target funds.
type Modification struct {
	PositionID string           `json:"position_id"`
	Kind       ModificationKind `json:"kind"`
	Amount     *big.Int         `json:"amount"`
	Target     Funds            `json:"target"`
}

// RequiresApproval is true when the hub pulls tokens from the owner.
func (m Modification) RequiresApproval() bool {
	return m.Kind == ModificationIncrease && m.Amount.Sign() > 0
}

func (m Modification) TxData() types.ModifyData {
	return types.ModifyData{
		PositionID: m.PositionID,
		Increase:   m.Kind == ModificationIncrease,
		Amount:     new(big.Int).Set(m.Amount),
		NewRate:    new(big.Int).Set(m.Target.Rate),
		NewSwaps:   m.Target.RemainingSwaps,
	}
}

// ClassifyModification compares the target funds with the committed position.
// A positive liquidity delta is an increase, a negative one a reduce, and a
// swap count change with the same liquidity is an increase of zero.
func ClassifyModification(committed types.Position, target Funds) (Modification, error) {
	if !target.Consistent() {
		return Modification{}, fmt.Errorf("%w: target funds are inconsistent", ErrInvalidEdit)
	}
	current := FundsOf(committed)
	if current.Equal(target) {
		return Modification{}, ErrNoModification
	}
	delta := new(big.Int).Sub(target.RemainingLiquidity, current.RemainingLiquidity)
	m := Modification{
		PositionID: committed.ID,
		Kind:       ModificationIncrease,
		Amount:     new(big.Int).Abs(delta),
		Target:     target,
	}
	if delta.Sign() < 0 {
		m.Kind = ModificationReduce
	}
	return m, nil
}

// Unallocated is the part of the requested funds lost to floor division.
func Unallocated(requested *big.Int, result Funds) *big.Int {
	if requested == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(requested, result.RemainingLiquidity)
}
