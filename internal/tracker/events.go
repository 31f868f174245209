package tracker

import (
	"github.com/vultisig/position-manager/internal/types"
)

type EventKind string

const (
	EventAdded     EventKind = "added"
	EventConfirmed EventKind = "confirmed"
	EventFailed    EventKind = "failed"
	EventRemoved   EventKind = "removed"
)

// Event describes one state transition. Record is a copy taken at the time
// of the transition.
type Event struct {
	Seq    uint64                  `json:"seq"`
	Kind   EventKind               `json:"kind"`
	Record types.TransactionRecord `json:"record"`
}

type Listener func(Event)
