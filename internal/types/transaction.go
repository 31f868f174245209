package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusConfirmed TransactionStatus = "CONFIRMED"
	StatusFailed    TransactionStatus = "FAILED"
)

func (s TransactionStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

type TransactionType string

const (
	TxTypeApproval          TransactionType = "approval"
	TxTypeWithdraw          TransactionType = "withdraw"
	TxTypeModify            TransactionType = "modify"
	TxTypeModifyPermissions TransactionType = "modify-permissions"
	TxTypeTransfer          TransactionType = "transfer"
	TxTypeTerminate         TransactionType = "terminate"
	TxTypeClaim             TransactionType = "claim"
)

// TxData is the typed payload of a transaction record. The set of
// implementations is closed: one struct per TransactionType.
type TxData interface {
	TxType() TransactionType
	txData()
}

type ApprovalData struct {
	Token   Token          `json:"token"`
	Spender common.Address `json:"spender"`
	Amount  *big.Int       `json:"amount"`
	Mode    ApprovalMode   `json:"mode"`
}

type WithdrawData struct {
	PositionID string   `json:"position_id"`
	Token      Token    `json:"token"`
	Amount     *big.Int `json:"amount"`
}

type ModifyData struct {
	PositionID string   `json:"position_id"`
	Increase   bool     `json:"increase"`
	Amount     *big.Int `json:"amount"`
	NewRate    *big.Int `json:"new_rate"`
	NewSwaps   int64    `json:"new_swaps"`
}

type ModifyPermissionsData struct {
	PositionID  string          `json:"position_id"`
	Permissions []PermissionSet `json:"permissions"`
}

type TransferData struct {
	PositionID string         `json:"position_id"`
	To         common.Address `json:"to"`
}

type TerminateData struct {
	PositionID         string         `json:"position_id"`
	RecipientUnswapped common.Address `json:"recipient_unswapped"`
	RecipientSwapped   common.Address `json:"recipient_swapped"`
}

type ClaimData struct {
	PositionID string   `json:"position_id"`
	Token      Token    `json:"token"`
	Amount     *big.Int `json:"amount"`
}

func (ApprovalData) TxType() TransactionType          { return TxTypeApproval }
func (WithdrawData) TxType() TransactionType          { return TxTypeWithdraw }
func (ModifyData) TxType() TransactionType            { return TxTypeModify }
func (ModifyPermissionsData) TxType() TransactionType { return TxTypeModifyPermissions }
func (TransferData) TxType() TransactionType          { return TxTypeTransfer }
func (TerminateData) TxType() TransactionType         { return TxTypeTerminate }
func (ClaimData) TxType() TransactionType             { return TxTypeClaim }

func (ApprovalData) txData()          {}
func (WithdrawData) txData()          {}
func (ModifyData) txData()            {}
func (ModifyPermissionsData) txData() {}
func (TransferData) txData()          {}
func (TerminateData) txData()         {}
func (ClaimData) txData()             {}

// PositionRef returns the position a record mutates, if any.
func PositionRef(data TxData) (string, bool) {
	switch d := data.(type) {
	case WithdrawData:
		return d.PositionID, true
	case ModifyData:
		return d.PositionID, true
	case ModifyPermissionsData:
		return d.PositionID, true
	case TransferData:
		return d.PositionID, true
	case TerminateData:
		return d.PositionID, true
	case ClaimData:
		return d.PositionID, d.PositionID != ""
	default:
		return "", false
	}
}

func DecodeTxData(txType TransactionType, raw json.RawMessage) (TxData, error) {
	var (
		data TxData
		err  error
	)
	switch txType {
	case TxTypeApproval:
		var d ApprovalData
		err = json.Unmarshal(raw, &d)
		data = d
	case TxTypeWithdraw:
		var d WithdrawData
		err = json.Unmarshal(raw, &d)
		data = d
	case TxTypeModify:
		var d ModifyData
		err = json.Unmarshal(raw, &d)
		data = d
	case TxTypeModifyPermissions:
		var d ModifyPermissionsData
		err = json.Unmarshal(raw, &d)
		data = d
	case TxTypeTransfer:
		var d TransferData
		err = json.Unmarshal(raw, &d)
		data = d
	case TxTypeTerminate:
		var d TerminateData
		err = json.Unmarshal(raw, &d)
		data = d
	case TxTypeClaim:
		var d ClaimData
		err = json.Unmarshal(raw, &d)
		data = d
	default:
		return nil, fmt.Errorf("unknown transaction type: %s", txType)
	}
	if err != nil {
		return nil, fmt.Errorf("fail to decode %s data: %w", txType, err)
	}
	return data, nil
}

type TransactionRecord struct {
	ID            uuid.UUID         `json:"id"`
	Hash          common.Hash       `json:"hash"`
	ChainID       int64             `json:"chain_id"`
	Type          TransactionType   `json:"type"`
	Data          TxData            `json:"-"`
	AddedTime     time.Time         `json:"added_time"`
	Status        TransactionStatus `json:"status"`
	InitiatedBy   common.Address    `json:"initiated_by"`
	ConfirmedTime *time.Time        `json:"confirmed_time,omitempty"`
	BlockNumber   uint64            `json:"block_number,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

func (r TransactionRecord) MarshalJSON() ([]byte, error) {
	type plain TransactionRecord
	data, err := json.Marshal(r.Data)
	if err != nil {
		return nil, fmt.Errorf("fail to encode type data: %w", err)
	}
	return json.Marshal(struct {
		plain
		Data json.RawMessage `json:"type_data"`
	}{plain(r), data})
}

func (r *TransactionRecord) UnmarshalJSON(b []byte) error {
	type plain TransactionRecord
	var aux struct {
		plain
		Data json.RawMessage `json:"type_data"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = TransactionRecord(aux.plain)
	if len(aux.Data) == 0 || string(aux.Data) == "null" {
		return nil
	}
	data, err := DecodeTxData(r.Type, aux.Data)
	if err != nil {
		return err
	}
	r.Data = data
	return nil
}

// Approval returns the approval tuple of an approval record.
func (r TransactionRecord) Approval() (ApprovalKey, bool) {
	d, ok := r.Data.(ApprovalData)
	if !ok {
		return ApprovalKey{}, false
	}
	return ApprovalKey{
		ChainID: r.ChainID,
		Owner:   r.InitiatedBy,
		Token:   d.Token.Address,
		Spender: d.Spender,
	}, true
}

// SessionTransaction is a record together with the session that owns it.
type SessionTransaction struct {
	SessionID string            `json:"session_id"`
	Record    TransactionRecord `json:"record"`
}
