package api

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/vultisig/position-manager/internal/amount"
	"github.com/vultisig/position-manager/internal/types"
	"github.com/vultisig/position-manager/plugin/dca"
	"github.com/vultisig/position-manager/service"
)

type OpenSessionRequest struct {
	Account string `json:"account" validate:"required,checksum_addr"`
	ChainID int64  `json:"chain_id" validate:"gt=0"`
}

type SwitchChainRequest struct {
	ChainID int64 `json:"chain_id" validate:"gt=0"`
}

// PreviewRequest edits a position. Liquidity and Rate are human readable
// amounts of the position's from token. The from token price is optional,
// either as a USD decimal or as an integer oracle answer.
type PreviewRequest struct {
	Liquidity     string `json:"liquidity" validate:"omitempty,numeric"`
	Swaps         *int64 `json:"swaps" validate:"omitempty,gte=0"`
	Rate          string `json:"rate" validate:"omitempty,numeric"`
	ApprovalMode  string `json:"approval_mode" validate:"omitempty,oneof=EXACT MAX exact max"`
	PriceUSD      string `json:"price_usd" validate:"omitempty,numeric,excluded_with=PriceAnswer"`
	PriceAnswer   string `json:"price_answer" validate:"omitempty,number"`
	PriceDecimals uint8  `json:"price_decimals" validate:"lte=36"`
}

func (r PreviewRequest) Price() (decimal.Decimal, bool, error) {
	switch {
	case r.PriceUSD != "":
		price, err := decimal.NewFromString(r.PriceUSD)
		if err != nil || price.IsNegative() {
			return decimal.Zero, false, fmt.Errorf("%w: invalid price_usd", errBadRequest)
		}
		return price, true, nil
	case r.PriceAnswer != "":
		answer, ok := new(big.Int).SetString(r.PriceAnswer, 10)
		if !ok {
			return decimal.Zero, false, fmt.Errorf("%w: invalid price_answer", errBadRequest)
		}
		return amount.PriceFromBaseUnits(answer, r.PriceDecimals), true, nil
	default:
		return decimal.Zero, false, nil
	}
}

func (r PreviewRequest) Edit(decimals uint8) (dca.Edit, error) {
	var edit dca.Edit
	if r.Liquidity != "" {
		liquidity, err := amount.ParseUnits(r.Liquidity, decimals)
		if err != nil {
			return dca.Edit{}, err
		}
		edit.Liquidity = liquidity
	}
	if r.Rate != "" {
		rate, err := amount.ParseUnits(r.Rate, decimals)
		if err != nil {
			return dca.Edit{}, err
		}
		edit.Rate = rate
	}
	edit.Swaps = r.Swaps
	if edit.Liquidity == nil && edit.Rate == nil && edit.Swaps == nil {
		return dca.Edit{}, fmt.Errorf("%w: nothing to change", dca.ErrInvalidEdit)
	}
	return edit, nil
}

type ApprovePositionRequest struct {
	ApprovalMode string `json:"approval_mode" validate:"omitempty,oneof=EXACT MAX exact max"`
}

type ApprovalRequest struct {
	Token        string `json:"token" validate:"required,checksum_addr"`
	Decimals     uint8  `json:"decimals" validate:"lte=77"`
	Symbol       string `json:"symbol"`
	Spender      string `json:"spender" validate:"required,checksum_addr"`
	Amount       string `json:"amount" validate:"required,numeric"`
	ApprovalMode string `json:"approval_mode" validate:"omitempty,oneof=EXACT MAX exact max"`
}

type TransferRequest struct {
	To string `json:"to" validate:"required,checksum_addr"`
}

type PermissionSetRequest struct {
	Operator    string   `json:"operator" validate:"required,checksum_addr"`
	Permissions []string `json:"permissions" validate:"dive,oneof=INCREASE REDUCE WITHDRAW TERMINATE increase reduce withdraw terminate"`
}

// PermissionEditRequest changes the permission draft of one operator.
type PermissionEditRequest struct {
	Action      string   `json:"action" validate:"required,oneof=add toggle"`
	Operator    string   `json:"operator" validate:"required,checksum_addr"`
	Permissions []string `json:"permissions" validate:"required,min=1,dive,oneof=INCREASE REDUCE WITHDRAW TERMINATE increase reduce withdraw terminate"`
}

func (r PermissionEditRequest) Edit() (service.PermissionEdit, error) {
	perms, err := parsePermissions(r.Permissions)
	if err != nil {
		return service.PermissionEdit{}, err
	}
	return service.PermissionEdit{
		Kind:        service.PermissionEditKind(r.Action),
		Operator:    common.HexToAddress(r.Operator),
		Permissions: perms,
	}, nil
}

type PermissionsRequest struct {
	Permissions []PermissionSetRequest `json:"permissions" validate:"dive"`
}

func (r PermissionsRequest) Sets() ([]types.PermissionSet, error) {
	sets := make([]types.PermissionSet, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		perms, err := parsePermissions(p.Permissions)
		if err != nil {
			return nil, err
		}
		sets = append(sets, types.PermissionSet{Operator: common.HexToAddress(p.Operator), Permissions: perms})
	}
	return sets, nil
}

func parsePermissions(names []string) ([]types.Permission, error) {
	var perms []types.Permission
	for _, name := range names {
		perm, err := types.ParsePermission(name)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, nil
}

func approvalMode(s string) (types.ApprovalMode, error) {
	if s == "" {
		return types.ApprovalModeExact, nil
	}
	return types.ParseApprovalMode(s)
}

// previewResponse adds the amounts of a preview in from token units.
type previewResponse struct {
	service.Preview
	Display previewDisplay `json:"display"`
}

type previewDisplay struct {
	Liquidity    string           `json:"liquidity"`
	Rate         string           `json:"rate"`
	Unallocated  string           `json:"unallocated"`
	LiquidityUSD *decimal.Decimal `json:"liquidity_usd,omitempty"`
}

func newPreviewResponse(preview service.Preview, price decimal.Decimal, priced bool) previewResponse {
	pos := preview.Position
	decimals := pos.From.Decimals
	resp := previewResponse{
		Preview: preview,
		Display: previewDisplay{
			Liquidity:   amount.FormatUnits(pos.RemainingLiquidity, decimals),
			Rate:        amount.FormatUnits(pos.Rate, decimals),
			Unallocated: amount.FormatUnits(preview.Unallocated, decimals),
		},
	}
	if priced {
		usd := amount.USDValue(pos.RemainingLiquidity, decimals, price)
		resp.Display.LiquidityUSD = &usd
	}
	return resp
}

type clearResponse struct {
	Cleared int `json:"cleared"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// approvalResponse carries a nil transaction when the allowance was
// already sufficient.
type approvalResponse struct {
	Transaction *types.TransactionRecord `json:"transaction"`
}
