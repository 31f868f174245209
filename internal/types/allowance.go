package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type ApprovalMode string

const (
	ApprovalModeExact ApprovalMode = "EXACT"
	ApprovalModeMax   ApprovalMode = "MAX"
)

func ParseApprovalMode(s string) (ApprovalMode, error) {
	switch ApprovalMode(strings.ToUpper(s)) {
	case ApprovalModeExact:
		return ApprovalModeExact, nil
	case ApprovalModeMax:
		return ApprovalModeMax, nil
	default:
		return "", fmt.Errorf("invalid approval mode: %s", s)
	}
}

type AllowanceSnapshot struct {
	Amount    *big.Int  `json:"amount"`
	FetchedAt time.Time `json:"fetched_at"`
}

// ApprovalKey identifies the allowance an approval transaction changes.
type ApprovalKey struct {
	ChainID int64
	Owner   common.Address
	Token   common.Address
	Spender common.Address
}

type ApprovalIntent struct {
	ChainID int64          `json:"chain_id"`
	Owner   common.Address `json:"owner"`
	Token   Token          `json:"token"`
	Spender common.Address `json:"spender"`
	Amount  *big.Int       `json:"amount"`
	Mode    ApprovalMode   `json:"mode"`
}

func (i ApprovalIntent) Key() ApprovalKey {
	return ApprovalKey{
		ChainID: i.ChainID,
		Owner:   i.Owner,
		Token:   i.Token.Address,
		Spender: i.Spender,
	}
}
