package dca

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vultisig/position-manager/internal/amount"
	"github.com/vultisig/position-manager/internal/types"
)

func funds(rate int64, swaps int64) Funds {
	return Funds{
		Rate:               big.NewInt(rate),
		RemainingSwaps:     swaps,
		RemainingLiquidity: big.NewInt(rate * swaps),
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}

func TestEditFunds(t *testing.T) {
	testCases := []struct {
		name         string
		current      Funds
		liquidity    *big.Int
		expectedRate int64
		expectedLiq  int64
		durationErr  bool
		fundsErr     bool
	}{
		{
			name:         "increase divides evenly",
			current:      funds(10, 10),
			liquidity:    big.NewInt(200),
			expectedRate: 20,
			expectedLiq:  200,
		},
		{
			name:         "floor division drops the remainder",
			current:      funds(10, 3),
			liquidity:    big.NewInt(100),
			expectedRate: 33,
			expectedLiq:  99,
		},
		{
			name:         "reduce to less than one unit per swap",
			current:      funds(10, 10),
			liquidity:    big.NewInt(9),
			expectedRate: 0,
			expectedLiq:  0,
		},
		{
			name:        "negative liquidity",
			current:     funds(10, 10),
			liquidity:   big.NewInt(-1),
			fundsErr:    true,
			durationErr: false,
		},
		{
			name:        "finished position cannot take funds",
			current:     funds(0, 0),
			liquidity:   big.NewInt(50),
			durationErr: true,
		},
		{
			name:         "finished position with zero funds",
			current:      funds(0, 0),
			liquidity:    big.NewInt(0),
			expectedRate: 0,
			expectedLiq:  0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := EditFunds(tc.current, tc.liquidity)
			if tc.durationErr {
				var target *types.InvalidDurationError
				require.ErrorAs(t, err, &target)
				return
			}
			if tc.fundsErr {
				var target *types.InsufficientFundsError
				require.ErrorAs(t, err, &target)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expectedRate, result.Rate.Int64())
			require.Equal(t, tc.expectedLiq, result.RemainingLiquidity.Int64())
			require.Equal(t, tc.current.RemainingSwaps, result.RemainingSwaps)
			require.True(t, result.Consistent())
			require.LessOrEqual(t, result.RemainingLiquidity.Cmp(tc.liquidity), 0)
		})
	}
}

func TestEditDuration(t *testing.T) {
	testCases := []struct {
		name         string
		current      Funds
		swaps        int64
		expectedRate int64
		expectedLiq  int64
		wantErr      bool
	}{
		{
			name:         "extend duration lowers the rate",
			current:      funds(30, 10),
			swaps:        20,
			expectedRate: 15,
			expectedLiq:  300,
		},
		{
			name:         "uneven split is floored",
			current:      funds(10, 10),
			swaps:        7,
			expectedRate: 14,
			expectedLiq:  98,
		},
		{
			name:         "zero swaps is a full withdrawal",
			current:      funds(10, 10),
			swaps:        0,
			expectedRate: 0,
			expectedLiq:  0,
		},
		{
			name:    "negative swaps",
			current: funds(10, 10),
			swaps:   -1,
			wantErr: true,
		},
		{
			name:    "more swaps than the hub accepts",
			current: funds(10, 10),
			swaps:   MaxSwaps + 1,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := EditDuration(tc.current, tc.swaps)
			if tc.wantErr {
				var target *types.InvalidDurationError
				require.ErrorAs(t, err, &target)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expectedRate, result.Rate.Int64())
			require.Equal(t, tc.expectedLiq, result.RemainingLiquidity.Int64())
			require.Equal(t, tc.swaps, result.RemainingSwaps)
			require.True(t, result.Consistent())
			require.LessOrEqual(t, result.RemainingLiquidity.Cmp(tc.current.RemainingLiquidity), 0)
		})
	}
}

func TestEditRate(t *testing.T) {
	testCases := []struct {
		name        string
		current     Funds
		rate        *big.Int
		expectedLiq int64
		durationErr bool
		fundsErr    bool
		overflowErr bool
	}{
		{
			name:        "higher rate",
			current:     funds(10, 12),
			rate:        big.NewInt(25),
			expectedLiq: 300,
		},
		{
			name:        "zero rate empties the position",
			current:     funds(10, 12),
			rate:        big.NewInt(0),
			expectedLiq: 0,
		},
		{
			name:     "negative rate",
			current:  funds(10, 12),
			rate:     big.NewInt(-5),
			fundsErr: true,
		},
		{
			name:        "rate without swaps",
			current:     funds(0, 0),
			rate:        big.NewInt(5),
			durationErr: true,
		},
		{
			name:        "overflow",
			current:     funds(1, 2),
			rate:        amount.MaxUint256(),
			overflowErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := EditRate(tc.current, tc.rate)
			switch {
			case tc.durationErr:
				var target *types.InvalidDurationError
				require.ErrorAs(t, err, &target)
				return
			case tc.fundsErr:
				var target *types.InsufficientFundsError
				require.ErrorAs(t, err, &target)
				return
			case tc.overflowErr:
				require.ErrorIs(t, err, amount.ErrAmountOverflow)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expectedLiq, result.RemainingLiquidity.Int64())
			require.Equal(t, 0, result.Rate.Cmp(tc.rate))
			require.True(t, result.Consistent())
		})
	}
}

func TestEditFundsAndDuration(t *testing.T) {
	result, err := EditFundsAndDuration(big.NewInt(1000), 7)
	require.NoError(t, err)
	require.Equal(t, int64(142), result.Rate.Int64())
	require.Equal(t, int64(994), result.RemainingLiquidity.Int64())
	require.Equal(t, "6", Unallocated(big.NewInt(1000), result).String())

	result, err = EditFundsAndDuration(big.NewInt(0), 0)
	require.NoError(t, err)
	require.True(t, result.Equal(finished()))

	_, err = EditFundsAndDuration(big.NewInt(10), 0)
	var durationErr *types.InvalidDurationError
	require.ErrorAs(t, err, &durationErr)

	_, err = EditFundsAndDuration(big.NewInt(10), -3)
	require.ErrorAs(t, err, &durationErr)

	_, err = EditFundsAndDuration(big.NewInt(-10), 3)
	var fundsErr *types.InsufficientFundsError
	require.ErrorAs(t, err, &fundsErr)
}

func TestApplyEdit(t *testing.T) {
	current := funds(10, 10)

	result, err := ApplyEdit(current, Edit{Swaps: int64Ptr(5)})
	require.NoError(t, err)
	require.Equal(t, int64(20), result.Rate.Int64())

	result, err = ApplyEdit(current, Edit{Liquidity: big.NewInt(50)})
	require.NoError(t, err)
	require.Equal(t, int64(5), result.Rate.Int64())

	result, err = ApplyEdit(current, Edit{Liquidity: big.NewInt(50), Swaps: int64Ptr(25)})
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Rate.Int64())
	require.Equal(t, int64(25), result.RemainingSwaps)

	result, err = ApplyEdit(current, Edit{Rate: big.NewInt(3)})
	require.NoError(t, err)
	require.Equal(t, int64(30), result.RemainingLiquidity.Int64())

	_, err = ApplyEdit(current, Edit{Rate: big.NewInt(3), Swaps: int64Ptr(2)})
	require.ErrorIs(t, err, ErrInvalidEdit)

	_, err = ApplyEdit(current, Edit{})
	require.ErrorIs(t, err, ErrInvalidEdit)
}

// Every edit keeps the triple consistent and never commits more than the
// user authorized.
func TestEditsKeepInvariant(t *testing.T) {
	for rate := int64(1); rate <= 40; rate += 3 {
		for swaps := int64(1); swaps <= 40; swaps += 3 {
			current := funds(rate, swaps)
			for v := int64(0); v <= 60; v += 7 {
				byFunds, err := EditFunds(current, big.NewInt(v))
				require.NoError(t, err)
				require.True(t, byFunds.Consistent())
				require.LessOrEqual(t, byFunds.RemainingLiquidity.Int64(), v)

				byDuration, err := EditDuration(current, v)
				require.NoError(t, err)
				require.True(t, byDuration.Consistent())
				require.LessOrEqual(t, byDuration.RemainingLiquidity.Int64(), current.RemainingLiquidity.Int64())

				byRate, err := EditRate(current, big.NewInt(v))
				require.NoError(t, err)
				require.True(t, byRate.Consistent())
				require.Equal(t, swaps, byRate.RemainingSwaps)
			}
		}
	}
}
