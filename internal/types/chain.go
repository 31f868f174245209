package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TxRequest is the structured transaction intent handed to the signing layer.
type TxRequest struct {
	ChainID int64          `json:"chain_id"`
	From    common.Address `json:"from"`
	To      common.Address `json:"to"`
	Data    []byte         `json:"data"`
	Value   *big.Int       `json:"value,omitempty"`
}

type FeeQuote struct {
	GasLimit uint64   `json:"gas_limit"`
	GasPrice *big.Int `json:"gas_price"`
	Total    *big.Int `json:"total"`
}

const (
	ReceiptStatusFailed     uint64 = 0
	ReceiptStatusSuccessful uint64 = 1
)

type Receipt struct {
	Hash        common.Hash `json:"hash"`
	Status      uint64      `json:"status"`
	BlockNumber uint64      `json:"block_number"`
	GasUsed     uint64      `json:"gas_used"`
}

func (r Receipt) Successful() bool {
	return r.Status == ReceiptStatusSuccessful
}

type NotificationKind string

const (
	NotificationSuccess NotificationKind = "success"
	NotificationError   NotificationKind = "error"
)

type Notification struct {
	Kind      NotificationKind `json:"kind"`
	SessionID string           `json:"session_id"`
	ChainID   int64            `json:"chain_id"`
	Hash      common.Hash      `json:"hash,omitempty"`
	TxType    TransactionType  `json:"tx_type,omitempty"`
	Message   string           `json:"message"`
}
