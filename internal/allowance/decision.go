package allowance

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vultisig/position-manager/internal/amount"
	"github.com/vultisig/position-manager/internal/types"
)

type Action string

const (
	ActionSkip    Action = "SKIP"
	ActionApprove Action = "APPROVE"
)

type Decision struct {
	Action Action             `json:"action"`
	Amount *big.Int           `json:"amount,omitempty"`
	Mode   types.ApprovalMode `json:"mode,omitempty"`
}

func (d Decision) Skip() bool {
	return d.Action == ActionSkip
}

// Intent turns an approve decision into the request the tracker submits.
func (d Decision) Intent(token types.Token, owner, spender common.Address, chainID int64) (types.ApprovalIntent, bool) {
	if d.Skip() {
		return types.ApprovalIntent{}, false
	}
	return types.ApprovalIntent{
		ChainID: chainID,
		Owner:   owner,
		Token:   token,
		Spender: spender,
		Amount:  new(big.Int).Set(d.Amount),
		Mode:    d.Mode,
	}, true
}

// Decide returns whether an approval is needed before moving required
// tokens, and for how much.
func Decide(current *big.Int, required *big.Int, mode types.ApprovalMode) Decision {
	if required == nil || required.Sign() <= 0 {
		return Decision{Action: ActionSkip}
	}
	if current != nil && current.Cmp(required) >= 0 {
		return Decision{Action: ActionSkip}
	}
	if mode == types.ApprovalModeMax {
		return Decision{Action: ActionApprove, Amount: amount.MaxUint256(), Mode: types.ApprovalModeMax}
	}
	return Decision{Action: ActionApprove, Amount: new(big.Int).Set(required), Mode: types.ApprovalModeExact}
}

func DecideSnapshot(snapshot types.AllowanceSnapshot, required *big.Int, mode types.ApprovalMode) Decision {
	return Decide(snapshot.Amount, required, mode)
}
