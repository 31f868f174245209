package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/position-manager/internal/estimate"
	"github.com/vultisig/position-manager/internal/permission"
	"github.com/vultisig/position-manager/internal/tracker"
	"github.com/vultisig/position-manager/internal/types"
	"github.com/vultisig/position-manager/plugin/dca"
	"github.com/vultisig/position-manager/storage"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrUnsupportedChain = errors.New("unsupported chain")
)

type SessionStorage interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
	storage.SessionRepository
	tracker.Store
	DeleteSessionTransactionsTx(ctx context.Context, dbTx pgx.Tx, sessionID string) error
}

// Session owns the state of one connected account on its active chain:
// the transaction tracker, position drafts, permission drafts and the
// estimation guards. Switching chain resets all of it.
type Session struct {
	tracker *tracker.Tracker
	logger  *logrus.Logger

	// opMu serializes submissions so two user actions never interleave.
	opMu sync.Mutex

	mu          sync.Mutex
	info        types.SessionInfo
	positions   map[string]dca.PositionState
	permissions map[string]*permission.Model
	previews    map[string]*estimate.Guard[Quote]
}

func newSession(info types.SessionInfo, store tracker.Store, logger *logrus.Logger) *Session {
	s := &Session{
		tracker: tracker.New(info.ID.String(), store, logger),
		logger:  logger,
		info:    info,
	}
	s.resetLocked()
	return s
}

func (s *Session) ID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.ID
}

func (s *Session) Account() common.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Account
}

func (s *Session) ChainID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.ChainID
}

func (s *Session) Info() types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Session) Tracker() *tracker.Tracker {
	return s.tracker
}

// Subscribe forwards every tracker transition of this session to l.
func (s *Session) Subscribe(l tracker.Listener) (unsubscribe func()) {
	return s.tracker.Subscribe(l)
}

func (s *Session) state(positionID string) (dca.PositionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.positions[positionID]
	return st, ok
}

func (s *Session) setState(positionID string, st dca.PositionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[positionID] = st
}

// transition applies fn to the current state of positionID atomically.
func (s *Session) transition(positionID string, fn func(dca.PositionState) (dca.PositionState, error)) (dca.PositionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.positions[positionID]
	if !ok {
		return nil, ErrPositionNotLoaded
	}
	next, err := fn(st)
	if err != nil {
		return nil, err
	}
	s.positions[positionID] = next
	return next, nil
}

// adopt stores a freshly read position unless another caller got there first.
func (s *Session) adopt(pos types.Position) dca.PositionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.positions[pos.ID]; ok {
		return st
	}
	st := dca.Committed{Position: pos}
	s.positions[pos.ID] = st
	return st
}

func (s *Session) removePosition(positionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, positionID)
	delete(s.permissions, positionID)
	if g, ok := s.previews[positionID]; ok {
		g.Reset()
		delete(s.previews, positionID)
	}
}

func (s *Session) permissionModel(positionID string, committed []types.PermissionSet) *permission.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.permissions[positionID]
	if !ok {
		m = permission.NewModel(committed)
		s.permissions[positionID] = m
	}
	return m
}

func (s *Session) existingPermissionModel(positionID string) (*permission.Model, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.permissions[positionID]
	return m, ok
}

func (s *Session) previewGuard(positionID string) *estimate.Guard[Quote] {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.previews[positionID]
	if !ok {
		g = estimate.NewGuard[Quote]("preview:"+positionID, s.logger)
		s.previews[positionID] = g
	}
	return g
}

func (s *Session) existingPreviewGuard(positionID string) (*estimate.Guard[Quote], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.previews[positionID]
	return g, ok
}

func (s *Session) resetPreview(positionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.previews[positionID]; ok {
		g.Reset()
	}
}

// switchChain resets all chain scoped state and returns the previous chain.
func (s *Session) switchChain(chainID int64, updatedAt time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.info.ChainID
	s.info.ChainID = chainID
	s.info.UpdatedAt = updatedAt
	s.resetLocked()
	return previous
}

func (s *Session) resetLocked() {
	for _, g := range s.previews {
		g.Reset()
	}
	s.positions = make(map[string]dca.PositionState)
	s.permissions = make(map[string]*permission.Model)
	s.previews = make(map[string]*estimate.Guard[Quote])
}

// SessionManager keeps the live sessions, one per connected account.
type SessionManager struct {
	db     SessionStorage
	chains map[int64]bool
	logger *logrus.Logger
	now    func() time.Time

	// openMu serializes Open so an account never ends up with two sessions.
	openMu   sync.Mutex
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	accounts map[common.Address]uuid.UUID
}

func NewSessionManager(db SessionStorage, chains []int64, logger *logrus.Logger) (*SessionManager, error) {
	if db == nil {
		return nil, fmt.Errorf("database storage cannot be nil")
	}
	supported := make(map[int64]bool, len(chains))
	for _, id := range chains {
		supported[id] = true
	}
	return &SessionManager{
		db:       db,
		chains:   supported,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[uuid.UUID]*Session),
		accounts: make(map[common.Address]uuid.UUID),
	}, nil
}

func (m *SessionManager) checkChain(chainID int64) error {
	if !m.chains[chainID] {
		return fmt.Errorf("%w: %d", ErrUnsupportedChain, chainID)
	}
	return nil
}

// Open starts a session for account on chainID. An account that already has
// a session gets it back, moved to chainID when it was on another chain.
func (m *SessionManager) Open(ctx context.Context, account common.Address, chainID int64) (*Session, error) {
	if err := m.checkChain(chainID); err != nil {
		return nil, err
	}
	m.openMu.Lock()
	defer m.openMu.Unlock()

	existing, err := m.existing(ctx, account)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.ChainID() != chainID {
			return m.SwitchChain(ctx, existing.ID(), chainID)
		}
		return existing, nil
	}

	now := m.now().UTC()
	info := types.SessionInfo{
		ID:        uuid.New(),
		Account:   account,
		ChainID:   chainID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.db.CreateSession(ctx, info); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	session := newSession(info, m.db, m.logger)
	m.mu.Lock()
	m.sessions[info.ID] = session
	m.accounts[account] = info.ID
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"session_id": info.ID,
		"account":    account.Hex(),
		"chain_id":   chainID,
	}).Info("session opened")
	return session, nil
}

// existing returns the session account already owns, or nil.
func (m *SessionManager) existing(ctx context.Context, account common.Address) (*Session, error) {
	m.mu.Lock()
	id, ok := m.accounts[account]
	m.mu.Unlock()
	if ok {
		return m.Get(ctx, id)
	}

	info, err := m.db.GetSessionByAccount(ctx, account)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account session: %w", err)
	}
	if info == nil {
		return nil, nil
	}
	return m.Get(ctx, info.ID)
}

// Get returns a live session, loading it and its transactions from the
// database after a restart.
func (m *SessionManager) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return session, nil
	}

	info, err := m.db.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if info == nil {
		return nil, ErrSessionNotFound
	}

	loaded := newSession(*info, m.db, m.logger)
	restored, err := loaded.tracker.Restore(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[id]; ok {
		return session, nil
	}
	m.sessions[id] = loaded
	m.accounts[info.Account] = id
	m.logger.WithFields(logrus.Fields{
		"session_id": id,
		"restored":   restored,
	}).Info("session loaded")
	return loaded, nil
}

// SwitchChain moves a session to chainID. Drafts and estimations are reset
// and the records of the previous chain are cleared.
func (m *SessionManager) SwitchChain(ctx context.Context, id uuid.UUID, chainID int64) (*Session, error) {
	if err := m.checkChain(chainID); err != nil {
		return nil, err
	}
	session, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.ChainID() == chainID {
		return session, nil
	}

	err = m.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := m.db.UpdateSessionChainTx(ctx, tx, id, chainID); err != nil {
			return fmt.Errorf("failed to update session chain: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	session.opMu.Lock()
	previous := session.switchChain(chainID, m.now().UTC())
	session.opMu.Unlock()
	cleared := session.tracker.ClearAll(ctx, previous)

	m.logger.WithFields(logrus.Fields{
		"session_id": id,
		"from_chain": previous,
		"to_chain":   chainID,
		"cleared":    cleared,
	}).Info("session chain switched")
	return session, nil
}

// Close ends a session when its account disconnects. Every record it owns
// is dropped.
func (m *SessionManager) Close(ctx context.Context, id uuid.UUID) error {
	session, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	err = m.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := m.db.DeleteSessionTransactionsTx(ctx, tx, id.String()); err != nil {
			return fmt.Errorf("failed to delete session transactions: %w", err)
		}
		if err := m.db.DeleteSessionTx(ctx, tx, id); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.sessions, id)
	if m.accounts[session.Account()] == id {
		delete(m.accounts, session.Account())
	}
	m.mu.Unlock()

	session.opMu.Lock()
	session.switchChain(session.ChainID(), m.now().UTC())
	session.opMu.Unlock()

	m.logger.WithField("session_id", id).Info("session closed")
	return nil
}
