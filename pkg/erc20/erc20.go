package erc20

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/vultisig/position-manager/internal/types"
)

const erc20ABIJSON = `[
	{
		"name": "approve",
		"type": "function",
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"name": "allowance",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "balanceOf",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "account", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "decimals",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}]
	},
	{
		"name": "symbol",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "string"}]
	}
]`

type Token struct {
	abi abi.ABI
}

func New() (*Token, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("fail to parse erc20 ABI: %w", err)
	}
	return &Token{abi: parsed}, nil
}

// ApproveTx builds the approval of amount for spender.
func (t *Token) ApproveTx(intent types.ApprovalIntent) (types.TxRequest, error) {
	data, err := t.abi.Pack("approve", intent.Spender, intent.Amount)
	if err != nil {
		return types.TxRequest{}, fmt.Errorf("fail to pack approve: %w", err)
	}
	return types.TxRequest{
		ChainID: intent.ChainID,
		From:    intent.Owner,
		To:      intent.Token.Address,
		Data:    data,
		Value:   big.NewInt(0),
	}, nil
}

func (t *Token) PackAllowance(owner, spender common.Address) ([]byte, error) {
	data, err := t.abi.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("fail to pack allowance: %w", err)
	}
	return data, nil
}

func (t *Token) PackBalanceOf(owner common.Address) ([]byte, error) {
	data, err := t.abi.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("fail to pack balanceOf: %w", err)
	}
	return data, nil
}

// UnpackAmount decodes the uint256 returned by allowance or balanceOf.
func (t *Token) UnpackAmount(method string, output []byte) (*big.Int, error) {
	values, err := t.abi.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("fail to unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected %s output length %d", method, len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s output type %T", method, values[0])
	}
	return amount, nil
}

func (t *Token) PackDecimals() ([]byte, error) {
	return t.abi.Pack("decimals")
}

func (t *Token) PackSymbol() ([]byte, error) {
	return t.abi.Pack("symbol")
}

func (t *Token) UnpackDecimals(output []byte) (uint8, error) {
	values, err := t.abi.Unpack("decimals", output)
	if err != nil {
		return 0, fmt.Errorf("fail to unpack decimals: %w", err)
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("unexpected decimals output length %d", len(values))
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals output type %T", values[0])
	}
	return decimals, nil
}

func (t *Token) UnpackSymbol(output []byte) (string, error) {
	values, err := t.abi.Unpack("symbol", output)
	if err != nil {
		return "", fmt.Errorf("fail to unpack symbol: %w", err)
	}
	if len(values) != 1 {
		return "", fmt.Errorf("unexpected symbol output length %d", len(values))
	}
	symbol, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected symbol output type %T", values[0])
	}
	return symbol, nil
}
