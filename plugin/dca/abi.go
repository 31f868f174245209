package dca

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	gcommon "github.com/ethereum/go-ethereum/common"
	"github.com/vultisig/position-manager/internal/types"
)

const hubABIJSON = `[
	{
		"name": "increasePosition",
		"type": "function",
		"inputs": [
			{"name": "_positionId", "type": "uint256"},
			{"name": "_amount", "type": "uint256"},
			{"name": "_newSwaps", "type": "uint32"}
		],
		"outputs": []
	},
	{
		"name": "reducePosition",
		"type": "function",
		"inputs": [
			{"name": "_positionId", "type": "uint256"},
			{"name": "_amount", "type": "uint256"},
			{"name": "_newSwaps", "type": "uint32"},
			{"name": "_recipient", "type": "address"}
		],
		"outputs": []
	},
	{
		"name": "withdrawSwapped",
		"type": "function",
		"inputs": [
			{"name": "_positionId", "type": "uint256"},
			{"name": "_recipient", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}]
	},
	{
		"name": "terminate",
		"type": "function",
		"inputs": [
			{"name": "_positionId", "type": "uint256"},
			{"name": "_recipientUnswapped", "type": "address"},
			{"name": "_recipientSwapped", "type": "address"}
		],
		"outputs": [
			{"name": "_unswapped", "type": "uint256"},
			{"name": "_swapped", "type": "uint256"}
		]
	},
	{
		"name": "userPosition",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "_positionId", "type": "uint256"}
		],
		"outputs": [
			{
				"name": "_position",
				"type": "tuple",
				"components": [
					{"name": "from", "type": "address"},
					{"name": "to", "type": "address"},
					{"name": "swapInterval", "type": "uint32"},
					{"name": "swapsExecuted", "type": "uint32"},
					{"name": "swapped", "type": "uint256"},
					{"name": "swapsLeft", "type": "uint32"},
					{"name": "remaining", "type": "uint256"},
					{"name": "rate", "type": "uint120"}
				]
			}
		]
	}
]`

const permissionManagerABIJSON = `[
	{
		"name": "modify",
		"type": "function",
		"inputs": [
			{"name": "_id", "type": "uint256"},
			{
				"name": "_permissions",
				"type": "tuple[]",
				"components": [
					{"name": "operator", "type": "address"},
					{"name": "permissions", "type": "uint8[]"}
				]
			}
		],
		"outputs": []
	},
	{
		"name": "ownerOf",
		"type": "function",
		"stateMutability": "view",
		"inputs": [
			{"name": "tokenId", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "address"}]
	},
	{
		"name": "transferFrom",
		"type": "function",
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "tokenId", "type": "uint256"}
		],
		"outputs": []
	}
]`

// permissionSetArg mirrors the permission manager tuple.
type permissionSetArg struct {
	Operator    gcommon.Address
	Permissions []uint8
}

// HubPosition is the hub's view of a position. From is the zero address
// once the position was terminated.
type HubPosition struct {
	From          gcommon.Address
	To            gcommon.Address
	SwapInterval  uint32
	SwapsExecuted uint32
	Swapped       *big.Int
	SwapsLeft     uint32
	Remaining     *big.Int
	Rate          *big.Int
}

// Encoder builds the hub and permission manager calls for a position.
type Encoder struct {
	hubABI        abi.ABI
	permissionABI abi.ABI
}

func NewEncoder() (*Encoder, error) {
	hubABI, err := abi.JSON(strings.NewReader(hubABIJSON))
	if err != nil {
		return nil, fmt.Errorf("fail to parse hub ABI: %w", err)
	}
	permissionABI, err := abi.JSON(strings.NewReader(permissionManagerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("fail to parse permission manager ABI: %w", err)
	}
	return &Encoder{
		hubABI:        hubABI,
		permissionABI: permissionABI,
	}, nil
}

func (e *Encoder) Modify(pos types.Position, owner gcommon.Address, m Modification) (types.TxRequest, error) {
	if m.Target.RemainingSwaps < 0 || m.Target.RemainingSwaps > MaxSwaps {
		return types.TxRequest{}, &types.InvalidDurationError{Swaps: m.Target.RemainingSwaps}
	}
	swaps := uint32(m.Target.RemainingSwaps)

	var (
		data []byte
		err  error
	)
	switch m.Kind {
	case ModificationIncrease:
		data, err = e.hubABI.Pack("increasePosition", pos.TokenID, m.Amount, swaps)
	case ModificationReduce:
		data, err = e.hubABI.Pack("reducePosition", pos.TokenID, m.Amount, swaps, owner)
	default:
		return types.TxRequest{}, fmt.Errorf("unknown modification kind: %s", m.Kind)
	}
	if err != nil {
		return types.TxRequest{}, fmt.Errorf("fail to pack %s: %w", m.Kind, err)
	}
	return txRequest(pos.ChainID, owner, pos.Hub, data), nil
}

func (e *Encoder) WithdrawSwapped(pos types.Position, owner, recipient gcommon.Address) (types.TxRequest, error) {
	data, err := e.hubABI.Pack("withdrawSwapped", pos.TokenID, recipient)
	if err != nil {
		return types.TxRequest{}, fmt.Errorf("fail to pack withdrawSwapped: %w", err)
	}
	return txRequest(pos.ChainID, owner, pos.Hub, data), nil
}

func (e *Encoder) Terminate(pos types.Position, owner, recipientUnswapped, recipientSwapped gcommon.Address) (types.TxRequest, error) {
	data, err := e.hubABI.Pack("terminate", pos.TokenID, recipientUnswapped, recipientSwapped)
	if err != nil {
		return types.TxRequest{}, fmt.Errorf("fail to pack terminate: %w", err)
	}
	return txRequest(pos.ChainID, owner, pos.Hub, data), nil
}

// ModifyPermissions replaces the permissions of every listed operator.
// An operator listed with no permissions is revoked.
func (e *Encoder) ModifyPermissions(pos types.Position, owner, permissionManager gcommon.Address, sets []types.PermissionSet) (types.TxRequest, error) {
	args := make([]permissionSetArg, 0, len(sets))
	for _, set := range sets {
		perms := make([]uint8, 0, len(set.Permissions))
		for _, p := range set.Permissions {
			perms = append(perms, uint8(p))
		}
		args = append(args, permissionSetArg{Operator: set.Operator, Permissions: perms})
	}
	data, err := e.permissionABI.Pack("modify", pos.TokenID, args)
	if err != nil {
		return types.TxRequest{}, fmt.Errorf("fail to pack modify: %w", err)
	}
	return txRequest(pos.ChainID, owner, permissionManager, data), nil
}

func (e *Encoder) Transfer(pos types.Position, owner, permissionManager, to gcommon.Address) (types.TxRequest, error) {
	data, err := e.permissionABI.Pack("transferFrom", owner, to, pos.TokenID)
	if err != nil {
		return types.TxRequest{}, fmt.Errorf("fail to pack transferFrom: %w", err)
	}
	return txRequest(pos.ChainID, owner, permissionManager, data), nil
}

func txRequest(chainID int64, from, to gcommon.Address, data []byte) types.TxRequest {
	return types.TxRequest{
		ChainID: chainID,
		From:    from,
		To:      to,
		Data:    data,
		Value:   big.NewInt(0),
	}
}

func (e *Encoder) PackUserPosition(tokenID *big.Int) ([]byte, error) {
	data, err := e.hubABI.Pack("userPosition", tokenID)
	if err != nil {
		return nil, fmt.Errorf("fail to pack userPosition: %w", err)
	}
	return data, nil
}

func (e *Encoder) UnpackUserPosition(output []byte) (HubPosition, error) {
	values, err := e.hubABI.Unpack("userPosition", output)
	if err != nil {
		return HubPosition{}, fmt.Errorf("fail to unpack userPosition: %w", err)
	}
	if len(values) != 1 {
		return HubPosition{}, fmt.Errorf("unexpected userPosition output length %d", len(values))
	}
	pos := *abi.ConvertType(values[0], new(HubPosition)).(*HubPosition)
	return pos, nil
}

func (e *Encoder) PackOwnerOf(tokenID *big.Int) ([]byte, error) {
	data, err := e.permissionABI.Pack("ownerOf", tokenID)
	if err != nil {
		return nil, fmt.Errorf("fail to pack ownerOf: %w", err)
	}
	return data, nil
}

func (e *Encoder) UnpackOwnerOf(output []byte) (gcommon.Address, error) {
	values, err := e.permissionABI.Unpack("ownerOf", output)
	if err != nil {
		return gcommon.Address{}, fmt.Errorf("fail to unpack ownerOf: %w", err)
	}
	if len(values) != 1 {
		return gcommon.Address{}, fmt.Errorf("unexpected ownerOf output length %d", len(values))
	}
	owner, ok := values[0].(gcommon.Address)
	if !ok {
		return gcommon.Address{}, fmt.Errorf("unexpected ownerOf output type %T", values[0])
	}
	return owner, nil
}

// Position converts the hub view into a position. Permissions are not part
// of the hub state and are left empty.
func (h HubPosition) Position(chainID int64, hub gcommon.Address, tokenID *big.Int, owner gcommon.Address, from, to types.Token) (types.Position, error) {
	pos := types.Position{
		ID:                 types.PositionID(chainID, hub, tokenID),
		ChainID:            chainID,
		Hub:                hub,
		TokenID:            new(big.Int).Set(tokenID),
		Owner:              owner,
		From:               from,
		To:                 to,
		Rate:               valueOrZero(h.Rate),
		RemainingSwaps:     int64(h.SwapsLeft),
		RemainingLiquidity: valueOrZero(h.Remaining),
		SwappedUnclaimed:   valueOrZero(h.Swapped),
		Status:             types.PositionStatusActive,
	}
	if h.From == (gcommon.Address{}) {
		pos.Status = types.PositionStatusTerminated
		return pos, nil
	}
	interval, err := types.SwapIntervalFromSeconds(int64(h.SwapInterval))
	if err != nil {
		return types.Position{}, err
	}
	pos.SwapInterval = interval
	return pos, nil
}
