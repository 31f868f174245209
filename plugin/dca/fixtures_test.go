package dca

import (
	"math/big"

	gcommon "github.com/ethereum/go-ethereum/common"
	"github.com/vultisig/position-manager/internal/types"
)

var (
	testHub   = gcommon.HexToAddress("0xA5AdC5484f9997fBF7D405b9AA62A7d88883C345")
	testOwner = gcommon.HexToAddress("0x1111111111111111111111111111111111111111")
	testUSDC  = gcommon.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	testWETH  = gcommon.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

func testPosition(rate int64, swaps int64) types.Position {
	tokenID := big.NewInt(42)
	return types.Position{
		ID:                 types.PositionID(1, testHub, tokenID),
		ChainID:            1,
		Hub:                testHub,
		TokenID:            tokenID,
		Owner:              testOwner,
		From:               types.Token{Address: testUSDC, Decimals: 6, Symbol: "USDC"},
		To:                 types.Token{Address: testWETH, Decimals: 18, Symbol: "WETH"},
		SwapInterval:       types.SwapIntervalDaily,
		Rate:               big.NewInt(rate),
		RemainingSwaps:     swaps,
		RemainingLiquidity: big.NewInt(rate * swaps),
		SwappedUnclaimed:   big.NewInt(0),
		Status:             types.PositionStatusActive,
	}
}
