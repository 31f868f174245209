package dca

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/vultisig/position-manager/internal/amount"
	"github.com/vultisig/position-manager/internal/types"
)

// MaxSwaps is the largest swap count the hub accepts (uint32).
const MaxSwaps = math.MaxUint32

var ErrInvalidEdit = errors.New("invalid position edit")

// Funds is the (rate, remainingSwaps, remainingLiquidity) triple of a position.
type Funds struct {
	Rate               *big.Int `json:"rate"`
	RemainingSwaps     int64    `json:"remaining_swaps"`
	RemainingLiquidity *big.Int `json:"remaining_liquidity"`
}

func FundsOf(p types.Position) Funds {
	return Funds{
		Rate:               valueOrZero(p.Rate),
		RemainingSwaps:     p.RemainingSwaps,
		RemainingLiquidity: valueOrZero(p.RemainingLiquidity),
	}
}

// Apply returns a copy of the position carrying these funds.
func (f Funds) Apply(p types.Position) types.Position {
	c := p.Clone()
	c.Rate = new(big.Int).Set(f.Rate)
	c.RemainingSwaps = f.RemainingSwaps
	c.RemainingLiquidity = new(big.Int).Set(f.RemainingLiquidity)
	return c
}

// Consistent reports whether remainingLiquidity == rate * remainingSwaps.
func (f Funds) Consistent() bool {
	if f.Rate == nil || f.RemainingLiquidity == nil || f.RemainingSwaps < 0 {
		return false
	}
	expected := new(big.Int).Mul(f.Rate, big.NewInt(f.RemainingSwaps))
	return expected.Cmp(f.RemainingLiquidity) == 0
}

func (f Funds) Equal(o Funds) bool {
	return f.RemainingSwaps == o.RemainingSwaps &&
		valueOrZero(f.Rate).Cmp(valueOrZero(o.Rate)) == 0 &&
		valueOrZero(f.RemainingLiquidity).Cmp(valueOrZero(o.RemainingLiquidity)) == 0
}

// EditFunds sets new total remaining funds and keeps the swap count.
// The rate is floor divided, so the committed liquidity may be lower than requested.
func EditFunds(current Funds, liquidity *big.Int) (Funds, error) {
	if liquidity == nil {
		return Funds{}, fmt.Errorf("%w: liquidity is required", ErrInvalidEdit)
	}
	if liquidity.Sign() < 0 {
		return Funds{}, &types.InsufficientFundsError{Liquidity: new(big.Int).Set(liquidity)}
	}
	if current.RemainingSwaps == 0 {
		if liquidity.Sign() == 0 {
			return finished(), nil
		}
		return Funds{}, &types.InvalidDurationError{Swaps: 0, Liquidity: new(big.Int).Set(liquidity)}
	}
	return spread(liquidity, current.RemainingSwaps)
}

// EditDuration sets a new swap count and keeps the remaining funds.
// Zero swaps is a full withdrawal.
func EditDuration(current Funds, swaps int64) (Funds, error) {
	if swaps < 0 || swaps > MaxSwaps {
		return Funds{}, &types.InvalidDurationError{Swaps: swaps, Liquidity: valueOrZero(current.RemainingLiquidity)}
	}
	if swaps == 0 {
		return finished(), nil
	}
	return spread(valueOrZero(current.RemainingLiquidity), swaps)
}

// EditRate sets a new per interval rate and keeps the swap count.
func EditRate(current Funds, rate *big.Int) (Funds, error) {
	if rate == nil {
		return Funds{}, fmt.Errorf("%w: rate is required", ErrInvalidEdit)
	}
	if rate.Sign() < 0 {
		liquidity := new(big.Int).Set(rate)
		if current.RemainingSwaps > 0 {
			liquidity.Mul(liquidity, big.NewInt(current.RemainingSwaps))
		}
		return Funds{}, &types.InsufficientFundsError{Liquidity: liquidity}
	}
	if current.RemainingSwaps == 0 {
		if rate.Sign() == 0 {
			return finished(), nil
		}
		return Funds{}, &types.InvalidDurationError{Swaps: 0, Liquidity: new(big.Int).Set(rate)}
	}
	liquidity, err := amount.CheckedMul(rate, big.NewInt(current.RemainingSwaps))
	if err != nil {
		return Funds{}, fmt.Errorf("fail to compute remaining liquidity: %w", err)
	}
	return Funds{
		Rate:               new(big.Int).Set(rate),
		RemainingSwaps:     current.RemainingSwaps,
		RemainingLiquidity: liquidity,
	}, nil
}

// EditFundsAndDuration sets both total funds and swap count at once.
func EditFundsAndDuration(liquidity *big.Int, swaps int64) (Funds, error) {
	if liquidity == nil {
		return Funds{}, fmt.Errorf("%w: liquidity is required", ErrInvalidEdit)
	}
	if liquidity.Sign() < 0 {
		return Funds{}, &types.InsufficientFundsError{Liquidity: new(big.Int).Set(liquidity)}
	}
	if swaps < 0 || swaps > MaxSwaps || (swaps == 0 && liquidity.Sign() > 0) {
		return Funds{}, &types.InvalidDurationError{Swaps: swaps, Liquidity: new(big.Int).Set(liquidity)}
	}
	if swaps == 0 {
		return finished(), nil
	}
	return spread(liquidity, swaps)
}

// Edit is a user change to a position. Set Rate alone, or any of
// Liquidity and Swaps.
type Edit struct {
	Liquidity *big.Int `json:"liquidity,omitempty"`
	Swaps     *int64   `json:"swaps,omitempty"`
	Rate      *big.Int `json:"rate,omitempty"`
}

func ApplyEdit(current Funds, edit Edit) (Funds, error) {
	switch {
	case edit.Rate != nil && (edit.Liquidity != nil || edit.Swaps != nil):
		return Funds{}, fmt.Errorf("%w: rate cannot be combined with other fields", ErrInvalidEdit)
	case edit.Rate != nil:
		return EditRate(current, edit.Rate)
	case edit.Liquidity != nil && edit.Swaps != nil:
		return EditFundsAndDuration(edit.Liquidity, *edit.Swaps)
	case edit.Liquidity != nil:
		return EditFunds(current, edit.Liquidity)
	case edit.Swaps != nil:
		return EditDuration(current, *edit.Swaps)
	default:
		return Funds{}, fmt.Errorf("%w: nothing to change", ErrInvalidEdit)
	}
}

func spread(liquidity *big.Int, swaps int64) (Funds, error) {
	if liquidity.BitLen() > 256 {
		return Funds{}, fmt.Errorf("fail to spread liquidity: %w", amount.ErrAmountOverflow)
	}
	rate := new(big.Int).Div(liquidity, big.NewInt(swaps))
	return Funds{
		Rate:               rate,
		RemainingSwaps:     swaps,
		RemainingLiquidity: new(big.Int).Mul(rate, big.NewInt(swaps)),
	}, nil
}

func finished() Funds {
	return Funds{
		Rate:               big.NewInt(0),
		RemainingSwaps:     0,
		RemainingLiquidity: big.NewInt(0),
	}
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
