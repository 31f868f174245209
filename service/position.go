package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/position-manager/internal/allowance"
	"github.com/vultisig/position-manager/internal/estimate"
	"github.com/vultisig/position-manager/internal/permission"
	"github.com/vultisig/position-manager/internal/tasks"
	"github.com/vultisig/position-manager/internal/tracker"
	"github.com/vultisig/position-manager/internal/types"
	"github.com/vultisig/position-manager/pkg/erc20"
	"github.com/vultisig/position-manager/plugin/dca"
)

var (
	ErrPositionNotLoaded   = errors.New("position not loaded")
	ErrPositionNotOwned    = errors.New("position is not owned by the session account")
	ErrPositionClosed      = errors.New("position is terminated")
	ErrTransactionInFlight = errors.New("a transaction for this position is pending")
	ErrNoDraft             = errors.New("position has no draft")
	ErrApprovalRequired    = errors.New("allowance is too low, approve first")
	ErrNothingToWithdraw   = errors.New("no swapped funds to withdraw")
	ErrNoPermissionManager = errors.New("no permission manager configured for chain")
)

type Provider interface {
	EstimateFee(ctx context.Context, req types.TxRequest) (types.FeeQuote, error)
	Submit(ctx context.Context, req types.TxRequest) (common.Hash, error)
	WaitForReceipt(ctx context.Context, chainID int64, hash common.Hash) (types.Receipt, error)
}

type PositionReader interface {
	GetPosition(ctx context.Context, chainID int64, positionID string) (types.Position, error)
}

type AllowanceSource interface {
	Snapshot(ctx context.Context, key types.ApprovalKey) (types.AllowanceSnapshot, error)
	Invalidate(ctx context.Context, key types.ApprovalKey) error
	GetBalance(ctx context.Context, token, owner common.Address, chainID int64) (*big.Int, error)
}

type Notifier interface {
	Notify(ctx context.Context, n types.Notification)
}

type PositionServiceConfig struct {
	ReceiptTimeout     time.Duration
	PermissionManagers map[int64]common.Address
}

// Preview is the outcome of an edit before anything is signed.
type Preview struct {
	Phase          dca.Phase          `json:"phase"`
	Position       types.Position     `json:"position"`
	Modification   *dca.Modification  `json:"modification,omitempty"`
	Unallocated    *big.Int           `json:"unallocated"`
	Approval       allowance.Decision `json:"approval"`
	Fee            *types.FeeQuote    `json:"fee,omitempty"`
	Balance        *big.Int           `json:"balance,omitempty"`
	BalanceEnough  bool               `json:"balance_enough"`
	NextSwapAt     time.Time          `json:"next_swap_at"`
	EstimatedEndAt time.Time          `json:"estimated_end_at"`
}

// PositionView is a loaded position with its draft state.
type PositionView struct {
	Phase              dca.Phase             `json:"phase"`
	Chain              types.Position        `json:"chain"`
	Current            types.Position        `json:"current"`
	PendingHash        *common.Hash          `json:"pending_hash,omitempty"`
	PermissionDraft    []types.PermissionSet `json:"permission_draft"`
	PermissionsChanged bool                  `json:"permissions_changed"`
	PermissionPatch    *permission.Patch     `json:"permission_patch,omitempty"`
	// LastQuote is the latest preview estimate still valid for the draft.
	LastQuote *Quote `json:"last_quote,omitempty"`
}

// PermissionEditKind selects a single change to a permission draft.
type PermissionEditKind string

const (
	PermissionEditAdd    PermissionEditKind = "add"
	PermissionEditRemove PermissionEditKind = "remove"
	PermissionEditToggle PermissionEditKind = "toggle"
)

type PermissionEdit struct {
	Kind        PermissionEditKind
	Operator    common.Address
	Permissions []types.Permission
}

type ApprovalRequest struct {
	Token   types.Token        `json:"token"`
	Spender common.Address     `json:"spender"`
	Amount  *big.Int           `json:"amount"`
	Mode    types.ApprovalMode `json:"mode"`
}

type Quote struct {
	Approval allowance.Decision `json:"approval"`
	Fee      types.FeeQuote     `json:"fee"`
	Balance  *big.Int           `json:"balance,omitempty"`
}

type PositionService struct {
	sessions   *SessionManager
	provider   Provider
	positions  PositionReader
	allowances AllowanceSource
	notifier   Notifier
	queue      tasks.QueueClient
	encoder    *dca.Encoder
	token      *erc20.Token
	sdClient   statsd.ClientInterface
	cfg        PositionServiceConfig
	logger     *logrus.Logger
	now        func() time.Time
}

func NewPositionService(
	sessions *SessionManager,
	provider Provider,
	positions PositionReader,
	allowances AllowanceSource,
	notifier Notifier,
	queue tasks.QueueClient,
	sdClient statsd.ClientInterface,
	cfg PositionServiceConfig,
	logger *logrus.Logger,
) (*PositionService, error) {
	if sessions == nil || provider == nil || positions == nil || allowances == nil {
		return nil, fmt.Errorf("session manager, provider, position reader and allowance source are required")
	}
	encoder, err := dca.NewEncoder()
	if err != nil {
		return nil, err
	}
	token, err := erc20.New()
	if err != nil {
		return nil, err
	}
	if sdClient == nil {
		sdClient = &statsd.NoOpClient{}
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 5 * time.Minute
	}
	return &PositionService{
		sessions:   sessions,
		provider:   provider,
		positions:  positions,
		allowances: allowances,
		notifier:   notifier,
		queue:      queue,
		encoder:    encoder,
		token:      token,
		sdClient:   sdClient,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (s *PositionService) incCounter(name string, tags []string) {
	if err := s.sdClient.Count(name, 1, tags, 1); err != nil {
		s.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func (s *PositionService) measureTime(name string, start time.Time, tags []string) {
	if err := s.sdClient.Timing(name, time.Since(start), tags, 1); err != nil {
		s.logger.Errorf("fail to measure time metric, err: %v", err)
	}
}

// loadState returns the state of a position, reading it from the chain on
// first access.
func (s *PositionService) loadState(ctx context.Context, session *Session, positionID string) (dca.PositionState, error) {
	if st, ok := session.state(positionID); ok {
		return st, nil
	}
	chainID, _, _, err := types.ParsePositionID(positionID)
	if err != nil {
		return nil, err
	}
	if chainID != session.ChainID() {
		return nil, fmt.Errorf("%w: position %s is not on chain %d", ErrUnsupportedChain, positionID, session.ChainID())
	}
	pos, err := s.positions.GetPosition(ctx, chainID, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	if pos.Status == types.PositionStatusTerminated {
		return nil, ErrPositionClosed
	}
	if pos.Owner != session.Account() {
		return nil, ErrPositionNotOwned
	}
	if err := dca.ValidatePosition(pos); err != nil {
		return nil, err
	}
	return session.adopt(pos), nil
}

func (s *PositionService) sessionAndState(ctx context.Context, sessionID uuid.UUID, positionID string) (*Session, dca.PositionState, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	st, err := s.loadState(ctx, session, positionID)
	if err != nil {
		return nil, nil, err
	}
	return session, st, nil
}

func (s *PositionService) GetPosition(ctx context.Context, sessionID uuid.UUID, positionID string) (PositionView, error) {
	session, st, err := s.sessionAndState(ctx, sessionID, positionID)
	if err != nil {
		return PositionView{}, err
	}
	view := PositionView{
		Phase:           st.Phase(),
		Chain:           st.Chain(),
		Current:         st.Current(),
		PermissionDraft: st.Chain().Permissions,
	}
	if r, ok := st.(dca.Reconciling); ok {
		hash := r.Hash
		view.PendingHash = &hash
	}
	if m, ok := session.existingPermissionModel(positionID); ok {
		view.PermissionDraft = m.Draft()
		view.PermissionsChanged = m.HasModifications()
		if view.PermissionsChanged {
			patch := m.Diff()
			view.PermissionPatch = &patch
		}
	}
	if g, ok := session.existingPreviewGuard(positionID); ok {
		if quote, _, ok := g.Latest(); ok {
			view.LastQuote = &quote
		}
	}
	return view, nil
}

// PreviewModify applies edit to the local copy of a position and estimates
// the next transaction the user would sign for it.
func (s *PositionService) PreviewModify(ctx context.Context, sessionID uuid.UUID, positionID string, edit dca.Edit, mode types.ApprovalMode) (Preview, error) {
	session, st, err := s.sessionAndState(ctx, sessionID, positionID)
	if err != nil {
		return Preview{}, err
	}
	if st.Phase() == dca.PhaseReconciling {
		return Preview{}, ErrTransactionInFlight
	}

	funds, err := dca.ApplyEdit(dca.FundsOf(st.Current()), edit)
	if err != nil {
		return Preview{}, err
	}
	mod, err := dca.ClassifyModification(st.Chain(), funds)
	unchanged := errors.Is(err, dca.ErrNoModification)
	if err != nil && !unchanged {
		return Preview{}, err
	}

	local := funds.Apply(st.Current())
	account := session.Account()
	key := estimate.Key(positionID, funds, mode)
	guard := session.previewGuard(positionID)

	// the estimation starts under the session lock, next to the draft it prices
	var wait func() (Quote, error)
	next, err := session.transition(positionID, func(cur dca.PositionState) (dca.PositionState, error) {
		if unchanged {
			next, err := dca.DiscardState(cur)
			if err == nil {
				guard.Reset()
			}
			return next, err
		}
		next, err := dca.EditState(cur, local)
		if err != nil {
			return nil, err
		}
		base := next.Chain()
		wait = guard.Start(ctx, key, func(ctx context.Context) (Quote, error) {
			return s.quoteModify(ctx, base, account, mod, mode)
		})
		return next, nil
	})
	if err != nil {
		return Preview{}, err
	}

	now := s.now()
	current := next.Current()
	preview := Preview{
		Phase:          next.Phase(),
		Position:       current,
		Unallocated:    big.NewInt(0),
		Approval:       allowance.Decision{Action: allowance.ActionSkip},
		NextSwapAt:     current.NextSwapAt(now),
		EstimatedEndAt: current.EstimatedEndAt(now),
		BalanceEnough:  true,
	}
	if edit.Liquidity != nil {
		preview.Unallocated = dca.Unallocated(edit.Liquidity, funds)
	}
	if unchanged {
		return preview, nil
	}
	preview.Modification = &mod

	quote, err := wait()
	if err != nil {
		return Preview{}, err
	}
	preview.Approval = quote.Approval
	preview.Fee = &quote.Fee
	if quote.Balance != nil {
		preview.Balance = quote.Balance
		preview.BalanceEnough = quote.Balance.Cmp(mod.Amount) >= 0
	}
	return preview, nil
}

func (s *PositionService) quoteModify(ctx context.Context, base types.Position, account common.Address, mod dca.Modification, mode types.ApprovalMode) (Quote, error) {
	defer s.measureTime("position.preview.latency", time.Now(), []string{})

	quote := Quote{Approval: allowance.Decision{Action: allowance.ActionSkip}}
	if mod.RequiresApproval() {
		snapshot, err := s.allowances.Snapshot(ctx, types.ApprovalKey{
			ChainID: base.ChainID,
			Owner:   account,
			Token:   base.From.Address,
			Spender: base.Hub,
		})
		if err != nil {
			return Quote{}, fmt.Errorf("failed to get allowance: %w", err)
		}
		quote.Approval = allowance.DecideSnapshot(snapshot, mod.Amount, mode)
		quote.Balance, err = s.allowances.GetBalance(ctx, base.From.Address, account, base.ChainID)
		if err != nil {
			return Quote{}, fmt.Errorf("failed to get balance: %w", err)
		}
	}
	decision := quote.Approval

	var (
		req types.TxRequest
		err error
	)
	if intent, ok := decision.Intent(base.From, account, base.Hub, base.ChainID); ok {
		req, err = s.token.ApproveTx(intent)
	} else {
		req, err = s.encoder.Modify(base, account, mod)
	}
	if err != nil {
		return Quote{}, err
	}
	quote.Fee, err = s.provider.EstimateFee(ctx, req)
	if err != nil {
		return Quote{}, err
	}
	return quote, nil
}

// Approve submits an ERC20 approval unless the current allowance already
// covers amount. It returns nil when no approval was needed.
func (s *PositionService) Approve(ctx context.Context, sessionID uuid.UUID, req ApprovalRequest) (*types.TransactionRecord, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.opMu.Lock()
	defer session.opMu.Unlock()
	return s.approveLocked(ctx, session, req)
}

// ApprovePosition approves the amount the position draft needs.
func (s *PositionService) ApprovePosition(ctx context.Context, sessionID uuid.UUID, positionID string, mode types.ApprovalMode) (*types.TransactionRecord, error) {
	session, st, err := s.sessionAndState(ctx, sessionID, positionID)
	if err != nil {
		return nil, err
	}
	draft, ok := st.(dca.Draft)
	if !ok {
		return nil, ErrNoDraft
	}
	mod, err := dca.ClassifyModification(draft.Base, dca.FundsOf(draft.Local))
	if err != nil {
		return nil, err
	}
	if !mod.RequiresApproval() {
		return nil, nil
	}

	session.opMu.Lock()
	defer session.opMu.Unlock()
	return s.approveLocked(ctx, session, ApprovalRequest{
		Token:   draft.Base.From,
		Spender: draft.Base.Hub,
		Amount:  mod.Amount,
		Mode:    mode,
	})
}

func (s *PositionService) approveLocked(ctx context.Context, session *Session, req ApprovalRequest) (*types.TransactionRecord, error) {
	chainID := session.ChainID()
	account := session.Account()
	if session.tracker.HasPendingApproval(req.Token.Address, account, req.Spender, chainID) {
		return nil, tracker.ErrApprovalPending
	}

	key := types.ApprovalKey{ChainID: chainID, Owner: account, Token: req.Token.Address, Spender: req.Spender}
	snapshot, err := s.allowances.Snapshot(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get allowance: %w", err)
	}
	decision := allowance.DecideSnapshot(snapshot, req.Amount, req.Mode)
	intent, ok := decision.Intent(req.Token, account, req.Spender, chainID)
	if !ok {
		return nil, nil
	}
	txReq, err := s.token.ApproveTx(intent)
	if err != nil {
		return nil, err
	}

	hash, err := s.submit(ctx, session, types.TxTypeApproval, txReq)
	if err != nil {
		return nil, err
	}
	record, err := s.track(ctx, session, types.TransactionRecord{
		Hash:        hash,
		ChainID:     chainID,
		InitiatedBy: account,
		Data: types.ApprovalData{
			Token:   req.Token,
			Spender: req.Spender,
			Amount:  intent.Amount,
			Mode:    intent.Mode,
		},
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// SubmitModify sends the increase or reduce call for the position draft.
func (s *PositionService) SubmitModify(ctx context.Context, sessionID uuid.UUID, positionID string) (types.TransactionRecord, error) {
	session, _, err := s.sessionAndState(ctx, sessionID, positionID)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	session.opMu.Lock()
	defer session.opMu.Unlock()

	st, ok := session.state(positionID)
	if !ok {
		return types.TransactionRecord{}, ErrPositionNotLoaded
	}
	draft, ok := st.(dca.Draft)
	if !ok {
		return types.TransactionRecord{}, ErrNoDraft
	}
	mod, err := dca.ClassifyModification(draft.Base, dca.FundsOf(draft.Local))
	if err != nil {
		return types.TransactionRecord{}, err
	}
	if err := s.checkNotPending(session, positionID); err != nil {
		return types.TransactionRecord{}, err
	}

	account := session.Account()
	if mod.RequiresApproval() {
		key := types.ApprovalKey{ChainID: draft.Base.ChainID, Owner: account, Token: draft.Base.From.Address, Spender: draft.Base.Hub}
		snapshot, err := s.allowances.Snapshot(ctx, key)
		if err != nil {
			return types.TransactionRecord{}, fmt.Errorf("failed to get allowance: %w", err)
		}
		if !allowance.DecideSnapshot(snapshot, mod.Amount, types.ApprovalModeExact).Skip() {
			if session.tracker.HasPendingApproval(key.Token, key.Owner, key.Spender, key.ChainID) {
				return types.TransactionRecord{}, tracker.ErrApprovalPending
			}
			return types.TransactionRecord{}, ErrApprovalRequired
		}
		balance, err := s.allowances.GetBalance(ctx, key.Token, account, key.ChainID)
		if err != nil {
			return types.TransactionRecord{}, fmt.Errorf("failed to get balance: %w", err)
		}
		if balance.Cmp(mod.Amount) < 0 {
			return types.TransactionRecord{}, &types.InsufficientBalanceError{Required: new(big.Int).Set(mod.Amount), Balance: balance}
		}
	}

	req, err := s.encoder.Modify(draft.Base, account, mod)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	return s.submitForPosition(ctx, session, positionID, req, mod.TxData())
}

// Withdraw sends the swapped funds of a position to the account.
func (s *PositionService) Withdraw(ctx context.Context, sessionID uuid.UUID, positionID string) (types.TransactionRecord, error) {
	session, st, err := s.sessionAndState(ctx, sessionID, positionID)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	session.opMu.Lock()
	defer session.opMu.Unlock()

	base := st.Chain()
	if base.SwappedUnclaimed == nil || base.SwappedUnclaimed.Sign() <= 0 {
		return types.TransactionRecord{}, ErrNothingToWithdraw
	}
	if err := s.checkNotPending(session, positionID); err != nil {
		return types.TransactionRecord{}, err
	}
	account := session.Account()
	req, err := s.encoder.WithdrawSwapped(base, account, account)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	return s.submitForPosition(ctx, session, positionID, req, types.WithdrawData{
		PositionID: positionID,
		Token:      base.To,
		Amount:     new(big.Int).Set(base.SwappedUnclaimed),
	})
}

// Terminate closes a position, returning both unswapped and swapped funds
// to the account.
func (s *PositionService) Terminate(ctx context.Context, sessionID uuid.UUID, positionID string) (types.TransactionRecord, error) {
	session, st, err := s.sessionAndState(ctx, sessionID, positionID)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	session.opMu.Lock()
	defer session.opMu.Unlock()

	if err := s.checkNotPending(session, positionID); err != nil {
		return types.TransactionRecord{}, err
	}
	account := session.Account()
	req, err := s.encoder.Terminate(st.Chain(), account, account, account)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	return s.submitForPosition(ctx, session, positionID, req, types.TerminateData{
		PositionID:         positionID,
		RecipientUnswapped: account,
		RecipientSwapped:   account,
	})
}

// Transfer hands the position NFT to another owner.
func (s *PositionService) Transfer(ctx context.Context, sessionID uuid.UUID, positionID string, to common.Address) (types.TransactionRecord, error) {
	session, st, err := s.sessionAndState(ctx, sessionID, positionID)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	session.opMu.Lock()
	defer session.opMu.Unlock()

	if err := s.checkNotPending(session, positionID); err != nil {
		return types.TransactionRecord{}, err
	}
	manager, err := s.permissionManager(session.ChainID())
	if err != nil {
		return types.TransactionRecord{}, err
	}
	req, err := s.encoder.Transfer(st.Chain(), session.Account(), manager, to)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	return s.submitForPosition(ctx, session, positionID, req, types.TransferData{PositionID: positionID, To: to})
}

// SavePermissions replaces the permission draft with sets and sends the
// difference to the permission manager.
func (s *PositionService) SavePermissions(ctx context.Context, sessionID uuid.UUID, positionID string, sets []types.PermissionSet) (types.TransactionRecord, error) {
	session, st, err := s.sessionAndState(ctx, sessionID, positionID)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	session.opMu.Lock()
	defer session.opMu.Unlock()

	model := session.permissionModel(positionID, st.Chain().Permissions)
	if err := model.SetDraft(sets); err != nil {
		return types.TransactionRecord{}, err
	}
	return s.submitPermissionsLocked(ctx, session, positionID, st.Chain(), model)
}

// SubmitPermissions sends the permission draft built with EditPermissions.
func (s *PositionService) SubmitPermissions(ctx context.Context, sessionID uuid.UUID, positionID string) (types.TransactionRecord, error) {
	session, st, err := s.sessionAndState(ctx, sessionID, positionID)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	session.opMu.Lock()
	defer session.opMu.Unlock()

	model, ok := session.existingPermissionModel(positionID)
	if !ok {
		return types.TransactionRecord{}, dca.ErrNoModification
	}
	return s.submitPermissionsLocked(ctx, session, positionID, st.Chain(), model)
}

// EditPermissions applies one change to the permission draft of a position.
// Nothing is sent until SubmitPermissions.
func (s *PositionService) EditPermissions(ctx context.Context, sessionID uuid.UUID, positionID string, edit PermissionEdit) (PositionView, error) {
	session, st, err := s.sessionAndState(ctx, sessionID, positionID)
	if err != nil {
		return PositionView{}, err
	}
	model := session.permissionModel(positionID, st.Chain().Permissions)
	switch edit.Kind {
	case PermissionEditAdd:
		err = model.AddOperator(edit.Operator, edit.Permissions...)
	case PermissionEditRemove:
		model.RemoveOperator(edit.Operator)
	case PermissionEditToggle:
		if len(edit.Permissions) != 1 {
			return PositionView{}, fmt.Errorf("%w: toggle takes exactly one permission", permission.ErrInvalidPermission)
		}
		err = model.TogglePermission(edit.Operator, edit.Permissions[0])
	default:
		return PositionView{}, fmt.Errorf("%w: unknown edit %q", permission.ErrInvalidPermission, edit.Kind)
	}
	if err != nil {
		return PositionView{}, err
	}
	return s.GetPosition(ctx, sessionID, positionID)
}

func (s *PositionService) submitPermissionsLocked(ctx context.Context, session *Session, positionID string, base types.Position, model *permission.Model) (types.TransactionRecord, error) {
	patch := model.Diff()
	if patch.Empty() {
		return types.TransactionRecord{}, dca.ErrNoModification
	}
	if err := s.checkNotPending(session, positionID); err != nil {
		return types.TransactionRecord{}, err
	}
	manager, err := s.permissionManager(session.ChainID())
	if err != nil {
		return types.TransactionRecord{}, err
	}
	changes := patch.PermissionSets()
	req, err := s.encoder.ModifyPermissions(base, session.Account(), manager, changes)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	return s.submitForPosition(ctx, session, positionID, req, types.ModifyPermissionsData{
		PositionID:  positionID,
		Permissions: changes,
	})
}

// DiscardDraft drops local edits of a position and its permissions.
func (s *PositionService) DiscardDraft(ctx context.Context, sessionID uuid.UUID, positionID string) (types.Position, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return types.Position{}, err
	}
	next, err := session.transition(positionID, dca.DiscardState)
	if err != nil {
		return types.Position{}, err
	}
	if m, ok := session.existingPermissionModel(positionID); ok {
		m.Discard()
	}
	session.resetPreview(positionID)
	return next.Current(), nil
}

// TrackExternal starts watching a transaction that was signed and broadcast
// outside of this service.
func (s *PositionService) TrackExternal(ctx context.Context, sessionID uuid.UUID, record types.TransactionRecord) (types.TransactionRecord, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	session.opMu.Lock()
	defer session.opMu.Unlock()

	if record.ChainID == 0 {
		record.ChainID = session.ChainID()
	}
	if record.ChainID != session.ChainID() {
		return types.TransactionRecord{}, fmt.Errorf("%w: %d", ErrUnsupportedChain, record.ChainID)
	}
	if record.InitiatedBy == (common.Address{}) {
		record.InitiatedBy = session.Account()
	}
	tracked, err := s.track(ctx, session, record)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	if positionID, ok := types.PositionRef(tracked.Data); ok {
		_, err := session.transition(positionID, func(cur dca.PositionState) (dca.PositionState, error) {
			return dca.SubmitState(cur, tracked.Hash)
		})
		if err != nil && !errors.Is(err, ErrPositionNotLoaded) {
			s.logger.WithFields(logrus.Fields{
				"position_id": positionID,
				"hash":        tracked.Hash.Hex(),
			}).Warnf("external transaction does not follow the position state: %v", err)
		}
	}
	return tracked, nil
}

func (s *PositionService) ListTransactions(ctx context.Context, sessionID uuid.UUID, chainID int64) ([]types.TransactionRecord, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.tracker.List(chainID), nil
}

// ClearTransactions forgets every record of chainID, defaulting to the
// session chain.
func (s *PositionService) ClearTransactions(ctx context.Context, sessionID uuid.UUID, chainID int64) (int, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if chainID == 0 {
		chainID = session.ChainID()
	}
	return session.tracker.ClearAll(ctx, chainID), nil
}

// HandleReceipt settles a tracked transaction and reconciles the position
// it touched.
func (s *PositionService) HandleReceipt(ctx context.Context, sessionID uuid.UUID, chainID int64, hash common.Hash, receipt types.Receipt) error {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	record, ok := session.tracker.Get(chainID, hash)
	if !ok {
		return tracker.ErrRecordNotFound
	}
	if record.Status.IsTerminal() {
		return nil
	}
	tags := []string{"type:" + string(record.Type)}
	positionID, touchesPosition := types.PositionRef(record.Data)

	if !receipt.Successful() {
		reason := fmt.Sprintf("transaction reverted in block %d", receipt.BlockNumber)
		if _, err := session.tracker.MarkFailed(ctx, chainID, hash, reason); err != nil {
			return err
		}
		if touchesPosition {
			s.reconcileFailure(session, positionID, hash)
		}
		s.incCounter("position.tx.failed", tags)
		s.notify(ctx, session, types.NotificationError, record, reason)
		return nil
	}

	if _, err := session.tracker.MarkConfirmed(ctx, chainID, hash, receipt); err != nil {
		return err
	}
	key, ok := record.Approval()
	if !ok {
		key, ok = spentAllowance(session, record)
	}
	if ok {
		if err := s.allowances.Invalidate(ctx, key); err != nil {
			s.logger.WithField("hash", hash.Hex()).Warnf("fail to invalidate allowance: %v", err)
		}
	}
	if touchesPosition {
		s.reconcileSuccess(ctx, session, positionID, record)
	}
	s.incCounter("position.tx.confirmed", tags)
	s.notify(ctx, session, types.NotificationSuccess, record, describe(record)+" confirmed")
	return nil
}

// spentAllowance returns the allowance a confirmed increase drew from.
func spentAllowance(session *Session, record types.TransactionRecord) (types.ApprovalKey, bool) {
	d, ok := record.Data.(types.ModifyData)
	if !ok || !d.Increase {
		return types.ApprovalKey{}, false
	}
	st, ok := session.state(d.PositionID)
	if !ok {
		return types.ApprovalKey{}, false
	}
	base := st.Chain()
	return types.ApprovalKey{
		ChainID: record.ChainID,
		Owner:   record.InitiatedBy,
		Token:   base.From.Address,
		Spender: base.Hub,
	}, true
}

func (s *PositionService) reconcileSuccess(ctx context.Context, session *Session, positionID string, record types.TransactionRecord) {
	st, ok := session.state(positionID)
	if !ok {
		return
	}
	base := st.Chain()
	expected := dca.ExpectedAfter(base, record.Data)

	snapshot, err := s.positions.GetPosition(ctx, record.ChainID, positionID)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"position_id": positionID,
			"hash":        record.Hash.Hex(),
		}).Warnf("fail to read position after confirmation, using expected state: %v", err)
		snapshot = expected
	}
	snapshot.Permissions = base.Permissions
	if d, ok := record.Data.(types.ModifyPermissionsData); ok {
		snapshot.Permissions = permission.Apply(base.Permissions, d.Permissions)
	}

	owner := session.Account()
	removed := false
	_, err = session.transition(positionID, func(cur dca.PositionState) (dca.PositionState, error) {
		var next dca.PositionState
		if r, ok := cur.(dca.Reconciling); ok && r.Hash == record.Hash {
			var err error
			next, removed, err = dca.ConfirmState(cur, record.Hash, snapshot)
			if err != nil {
				return nil, err
			}
		} else if cur.Phase() == dca.PhaseCommitted {
			next = dca.Committed{Position: snapshot}
			removed = snapshot.Status == types.PositionStatusTerminated
		} else {
			return cur, nil
		}
		if removed || snapshot.Owner != owner {
			removed = true
			return cur, nil
		}
		return next, nil
	})
	if err != nil {
		s.logger.WithField("position_id", positionID).Errorf("fail to reconcile position: %v", err)
		return
	}
	if removed {
		session.removePosition(positionID)
		return
	}
	if m, ok := session.existingPermissionModel(positionID); ok {
		m.Commit(snapshot.Permissions)
	}
	session.resetPreview(positionID)
}

func (s *PositionService) reconcileFailure(session *Session, positionID string, hash common.Hash) {
	_, err := session.transition(positionID, func(cur dca.PositionState) (dca.PositionState, error) {
		if r, ok := cur.(dca.Reconciling); ok && r.Hash == hash {
			return dca.FailState(cur, hash)
		}
		return cur, nil
	})
	if err != nil && !errors.Is(err, ErrPositionNotLoaded) {
		s.logger.WithField("position_id", positionID).Errorf("fail to restore position: %v", err)
	}
}

func (s *PositionService) checkNotPending(session *Session, positionID string) error {
	if st, ok := session.state(positionID); ok && st.Phase() == dca.PhaseReconciling {
		return ErrTransactionInFlight
	}
	if session.tracker.HasPendingFor(session.ChainID(), positionID) {
		return ErrTransactionInFlight
	}
	return nil
}

func (s *PositionService) permissionManager(chainID int64) (common.Address, error) {
	manager, ok := s.cfg.PermissionManagers[chainID]
	if !ok || manager == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %d", ErrNoPermissionManager, chainID)
	}
	return manager, nil
}

func (s *PositionService) submitForPosition(ctx context.Context, session *Session, positionID string, req types.TxRequest, data types.TxData) (types.TransactionRecord, error) {
	hash, err := s.submit(ctx, session, data.TxType(), req)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	if _, err := session.transition(positionID, func(cur dca.PositionState) (dca.PositionState, error) {
		return dca.SubmitState(cur, hash)
	}); err != nil {
		s.logger.WithFields(logrus.Fields{
			"position_id": positionID,
			"hash":        hash.Hex(),
		}).Errorf("fail to mark position as reconciling: %v", err)
	}
	record, err := s.track(ctx, session, types.TransactionRecord{
		Hash:        hash,
		ChainID:     req.ChainID,
		InitiatedBy: session.Account(),
		Data:        data,
	})
	if err != nil {
		s.reconcileFailure(session, positionID, hash)
		return types.TransactionRecord{}, err
	}
	return record, nil
}

// submit signs and sends req. A user rejection returns silently; every
// other failure is reported to the user.
func (s *PositionService) submit(ctx context.Context, session *Session, txType types.TransactionType, req types.TxRequest) (common.Hash, error) {
	defer s.measureTime("position.submit.latency", time.Now(), []string{"type:" + string(txType)})

	hash, err := s.provider.Submit(ctx, req)
	if err == nil {
		s.incCounter("position.tx.submitted", []string{"type:" + string(txType)})
		return hash, nil
	}
	if types.IsUserRejected(err) {
		s.logger.WithFields(logrus.Fields{
			"session_id": session.ID(),
			"type":       txType,
		}).Debug("user rejected the transaction")
		return common.Hash{}, err
	}

	s.incCounter("position.tx.submit_error", []string{"type:" + string(txType)})
	s.logger.WithFields(logrus.Fields{
		"session_id": session.ID(),
		"type":       txType,
		"chain_id":   req.ChainID,
	}).Errorf("fail to submit transaction: %v", err)
	s.notify(ctx, session, types.NotificationError, types.TransactionRecord{ChainID: req.ChainID, Type: txType}, err.Error())
	return common.Hash{}, err
}

func (s *PositionService) track(ctx context.Context, session *Session, record types.TransactionRecord) (types.TransactionRecord, error) {
	tracked, err := session.tracker.Submit(ctx, record)
	if err != nil {
		return types.TransactionRecord{}, err
	}
	if s.queue == nil {
		return tracked, nil
	}
	err = tasks.EnqueueWatch(s.queue, tasks.WatchReceiptPayload{
		SessionID: session.ID().String(),
		ChainID:   tracked.ChainID,
		Hash:      tracked.Hash,
	}, s.cfg.ReceiptTimeout)
	if err != nil {
		// The sweep picks the record up again once it is stale.
		s.logger.WithField("hash", tracked.Hash.Hex()).Errorf("fail to enqueue receipt watch: %v", err)
	}
	return tracked, nil
}

func (s *PositionService) notify(ctx context.Context, session *Session, kind types.NotificationKind, record types.TransactionRecord, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, types.Notification{
		Kind:      kind,
		SessionID: session.ID().String(),
		ChainID:   record.ChainID,
		Hash:      record.Hash,
		TxType:    record.Type,
		Message:   message,
	})
}
