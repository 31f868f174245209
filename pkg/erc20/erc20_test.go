package erc20

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/vultisig/position-manager/internal/amount"
	"github.com/vultisig/position-manager/internal/types"
)

func TestApproveTx(t *testing.T) {
	token, err := New()
	require.NoError(t, err)

	intent := types.ApprovalIntent{
		ChainID: 137,
		Owner:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Token:   types.Token{Address: common.HexToAddress("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"), Decimals: 6},
		Spender: common.HexToAddress("0xA5AdC5484f9997fBF7D405b9AA62A7d88883C345"),
		Amount:  amount.MaxUint256(),
		Mode:    types.ApprovalModeMax,
	}
	req, err := token.ApproveTx(intent)
	require.NoError(t, err)
	require.Equal(t, intent.Token.Address, req.To)
	require.Equal(t, intent.Owner, req.From)
	require.Equal(t, int64(137), req.ChainID)
	// approve(address,uint256)
	require.Equal(t, "095ea7b3", common.Bytes2Hex(req.Data[:4]))

	method, err := token.abi.MethodById(req.Data[:4])
	require.NoError(t, err)
	values, err := method.Inputs.Unpack(req.Data[4:])
	require.NoError(t, err)
	require.Equal(t, intent.Spender, values[0].(common.Address))
	require.Equal(t, 0, amount.MaxUint256().Cmp(values[1].(*big.Int)))
}

func TestAllowanceRoundTrip(t *testing.T) {
	token, err := New()
	require.NoError(t, err)

	data, err := token.PackAllowance(common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	require.NoError(t, err)
	// allowance(address,address)
	require.Equal(t, "dd62ed3e", common.Bytes2Hex(data[:4]))

	data, err = token.PackBalanceOf(common.HexToAddress("0x01"))
	require.NoError(t, err)
	require.Equal(t, "70a08231", common.Bytes2Hex(data[:4]))

	output := common.LeftPadBytes(big.NewInt(123456).Bytes(), 32)
	value, err := token.UnpackAmount("allowance", output)
	require.NoError(t, err)
	require.Equal(t, int64(123456), value.Int64())

	_, err = token.UnpackAmount("balanceOf", []byte{0x01})
	require.Error(t, err)
}

func TestMetadata(t *testing.T) {
	token, err := New()
	require.NoError(t, err)

	data, err := token.PackDecimals()
	require.NoError(t, err)
	// decimals()
	require.Equal(t, "313ce567", common.Bytes2Hex(data))

	data, err = token.PackSymbol()
	require.NoError(t, err)
	// symbol()
	require.Equal(t, "95d89b41", common.Bytes2Hex(data))

	decimals, err := token.UnpackDecimals(common.LeftPadBytes([]byte{6}, 32))
	require.NoError(t, err)
	require.Equal(t, uint8(6), decimals)

	output, err := token.abi.Methods["symbol"].Outputs.Pack("USDC")
	require.NoError(t, err)
	symbol, err := token.UnpackSymbol(output)
	require.NoError(t, err)
	require.Equal(t, "USDC", symbol)
}
