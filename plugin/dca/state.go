package dca

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vultisig/position-manager/internal/types"
)

type Phase string

const (
	PhaseCommitted   Phase = "committed"
	PhaseDraft       Phase = "draft"
	PhaseReconciling Phase = "reconciling"
)

var ErrInvalidTransition = errors.New("invalid position state transition")

// PositionState is one of Committed, Draft or Reconciling.
type PositionState interface {
	Phase() Phase
	// Chain is the last state confirmed on chain.
	Chain() types.Position
	// Current is what the user sees: the local edit when there is one.
	Current() types.Position
	positionState()
}

type Committed struct {
	Position types.Position
}

type Draft struct {
	Base  types.Position
	Local types.Position
}

// Reconciling waits for the receipt of Hash. Local is nil when the
// transaction was not preceded by an edit (withdraw, terminate).
type Reconciling struct {
	Base  types.Position
	Local *types.Position
	Hash  common.Hash
}

func (Committed) Phase() Phase   { return PhaseCommitted }
func (Draft) Phase() Phase       { return PhaseDraft }
func (Reconciling) Phase() Phase { return PhaseReconciling }

func (s Committed) Chain() types.Position   { return s.Position }
func (s Draft) Chain() types.Position       { return s.Base }
func (s Reconciling) Chain() types.Position { return s.Base }

func (s Committed) Current() types.Position { return s.Position }
func (s Draft) Current() types.Position     { return s.Local }
func (s Reconciling) Current() types.Position {
	if s.Local != nil {
		return *s.Local
	}
	return s.Base
}

func (Committed) positionState()   {}
func (Draft) positionState()       {}
func (Reconciling) positionState() {}

// EditState replaces the local copy of a position.
func EditState(s PositionState, local types.Position) (PositionState, error) {
	switch st := s.(type) {
	case Committed:
		return Draft{Base: st.Position, Local: local}, nil
	case Draft:
		return Draft{Base: st.Base, Local: local}, nil
	default:
		return nil, fmt.Errorf("%w: cannot edit a %s position", ErrInvalidTransition, s.Phase())
	}
}

func DiscardState(s PositionState) (PositionState, error) {
	switch st := s.(type) {
	case Committed:
		return st, nil
	case Draft:
		return Committed{Position: st.Base}, nil
	default:
		return nil, fmt.Errorf("%w: cannot discard a %s position", ErrInvalidTransition, s.Phase())
	}
}

func SubmitState(s PositionState, hash common.Hash) (PositionState, error) {
	switch st := s.(type) {
	case Committed:
		return Reconciling{Base: st.Position, Hash: hash}, nil
	case Draft:
		local := st.Local
		return Reconciling{Base: st.Base, Local: &local, Hash: hash}, nil
	case Reconciling:
		return nil, fmt.Errorf("%w: %s is already in flight", ErrInvalidTransition, st.Hash.Hex())
	default:
		return nil, fmt.Errorf("%w: unknown state", ErrInvalidTransition)
	}
}

// ConfirmState commits the chain snapshot observed after the receipt of hash.
// removed is true when the position left the active set.
func ConfirmState(s PositionState, hash common.Hash, snapshot types.Position) (next PositionState, removed bool, err error) {
	st, ok := s.(Reconciling)
	if !ok || st.Hash != hash {
		return nil, false, fmt.Errorf("%w: no reconciliation for %s", ErrInvalidTransition, hash.Hex())
	}
	if snapshot.Status == types.PositionStatusTerminated {
		return nil, true, nil
	}
	return Committed{Position: snapshot}, false, nil
}

// FailState restores the pre submission state so the user can retry.
func FailState(s PositionState, hash common.Hash) (PositionState, error) {
	st, ok := s.(Reconciling)
	if !ok || st.Hash != hash {
		return nil, fmt.Errorf("%w: no reconciliation for %s", ErrInvalidTransition, hash.Hex())
	}
	if st.Local != nil {
		return Draft{Base: st.Base, Local: *st.Local}, nil
	}
	return Committed{Position: st.Base}, nil
}
