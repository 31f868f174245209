package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrAmountOverflow = errors.New("amount exceeds 256 bits")
)

var maxUint256 = new(uint256.Int).SetAllOne()

// MaxUint256 returns 2^256-1, the unlimited ERC20 allowance.
func MaxUint256() *big.Int {
	return maxUint256.ToBig()
}

// ParseUnits converts a human readable decimal string into base units.
// Digits beyond the token precision are truncated.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative value %s", ErrInvalidAmount, s)
	}
	value := d.Shift(int32(decimals)).Truncate(0).BigInt()
	if err := checkRange(value); err != nil {
		return nil, err
	}
	return value, nil
}

func FormatUnits(amount *big.Int, decimals uint8) string {
	return ToDecimal(amount, decimals).String()
}

func ToDecimal(amount *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// USDValue values a base unit amount at a price quoted per whole token.
func USDValue(amount *big.Int, decimals uint8, price decimal.Decimal) decimal.Decimal {
	return ToDecimal(amount, decimals).Mul(price)
}

// PriceFromBaseUnits decodes an integer encoded price, e.g. an 18 decimal oracle answer.
func PriceFromBaseUnits(price *big.Int, priceDecimals uint8) decimal.Decimal {
	return ToDecimal(price, priceDecimals)
}

// CheckedMul multiplies two non-negative amounts and fails when the product
// does not fit a uint256.
func CheckedMul(a, b *big.Int) (*big.Int, error) {
	x, overflow := uint256.FromBig(a)
	if overflow || a.Sign() < 0 {
		return nil, ErrAmountOverflow
	}
	y, overflow := uint256.FromBig(b)
	if overflow || b.Sign() < 0 {
		return nil, ErrAmountOverflow
	}
	product, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return product.ToBig(), nil
}

func checkRange(value *big.Int) error {
	if value.Sign() < 0 {
		return fmt.Errorf("%w: negative value", ErrInvalidAmount)
	}
	if value.BitLen() > 256 {
		return ErrAmountOverflow
	}
	return nil
}
