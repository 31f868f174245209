package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type SessionInfo struct {
	ID        uuid.UUID      `json:"id"`
	Account   common.Address `json:"account"`
	ChainID   int64          `json:"chain_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
