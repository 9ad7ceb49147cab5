// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps behind one mutex. Every exported method
// takes the lock; the *Locked helpers assume it is held.
type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type memoryState struct {
	users         map[uuid.UUID]ledger.User
	referralCodes map[string]uuid.UUID
	transactions  map[uuid.UUID]ledger.Transaction
	vouchers      map[string]uuid.UUID
	movements     []ledger.Movement
	idempotency   map[string]bool
	settings      map[string]string
}

func NewMemory() *Memory {
	return &Memory{state: memoryState{
		users:         make(map[uuid.UUID]ledger.User),
		referralCodes: make(map[string]uuid.UUID),
		transactions:  make(map[uuid.UUID]ledger.Transaction),
		vouchers:      make(map[string]uuid.UUID),
		idempotency:   make(map[string]bool),
		settings:      make(map[string]string),
	}}
}

func (m *Memory) CreateUser(_ context.Context, u ledger.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createUser(u)
}

func (m *Memory) GetUser(_ context.Context, id uuid.UUID) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getUser(id)
}

func (m *Memory) GetUserByReferralCode(_ context.Context, code string) (ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getUserByReferralCode(code)
}

func (m *Memory) LockUsers(_ context.Context, ids ...uuid.UUID) (map[uuid.UUID]ledger.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.lockUsers(ids)
}

func (m *Memory) UpdateAccount(_ context.Context, id uuid.UUID, acc ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.updateAccount(id, acc)
}

func (m *Memory) MarkReferralBonusPaid(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.markReferralBonusPaid(id)
}

func (m *Memory) CreateTransaction(_ context.Context, t ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.createTransaction(t)
}

func (m *Memory) GetTransaction(_ context.Context, id uuid.UUID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getTransaction(id)
}

func (m *Memory) LockTransaction(ctx context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return m.GetTransaction(ctx, id)
}

func (m *Memory) TransitionTransaction(_ context.Context, id uuid.UUID, from, to ledger.Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.transition(id, from, to, at)
}

func (m *Memory) CodeExists(_ context.Context, scope ledger.Scope, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.codeExists(scope, code)
}

func (m *Memory) AppendMovements(_ context.Context, movements []ledger.Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendMovements(movements)
}

func (m *Memory) Movements(_ context.Context, userID uuid.UUID) ([]ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.movementsFor(userID), nil
}

func (m *Memory) GetSetting(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getSetting(key)
}

func (m *Memory) PutSetting(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.settings[key] = value
	return nil
}

// =============================================================================
// STATE OPERATIONS - Caller holds the lock
// =============================================================================

func (s *memoryState) createUser(u ledger.User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if _, ok := s.users[u.ID]; ok {
		return &ledger.DuplicateValueError{Scope: ledger.ScopeUserID, Value: u.ID.String()}
	}
	if _, ok := s.referralCodes[u.ReferralCode]; ok {
		return &ledger.DuplicateValueError{Scope: ledger.ScopeReferralCode, Value: u.ReferralCode}
	}
	if u.ReferredBy != nil {
		if _, ok := s.users[*u.ReferredBy]; !ok {
			return &ledger.NotFoundError{Entity: "user", ID: u.ReferredBy.String()}
		}
	}
	s.users[u.ID] = u
	s.referralCodes[u.ReferralCode] = u.ID
	return nil
}

func (s *memoryState) getUser(id uuid.UUID) (ledger.User, error) {
	u, ok := s.users[id]
	if !ok {
		return ledger.User{}, &ledger.NotFoundError{Entity: "user", ID: id.String()}
	}
	return u, nil
}

func (s *memoryState) getUserByReferralCode(code string) (ledger.User, error) {
	id, ok := s.referralCodes[code]
	if !ok {
		return ledger.User{}, &ledger.NotFoundError{Entity: "referral code", ID: code}
	}
	return s.getUser(id)
}

func (s *memoryState) lockUsers(ids []uuid.UUID) (map[uuid.UUID]ledger.User, error) {
	out := make(map[uuid.UUID]ledger.User, len(ids))
	for _, id := range ledger.SortedIDs(ids...) {
		u, err := s.getUser(id)
		if err != nil {
			return nil, err
		}
		out[id] = u
	}
	return out, nil
}

func (s *memoryState) updateAccount(id uuid.UUID, acc ledger.Account) error {
	u, err := s.getUser(id)
	if err != nil {
		return err
	}
	if err := acc.Validate(); err != nil {
		return err
	}
	u.Account = acc
	s.users[id] = u
	return nil
}

func (s *memoryState) markReferralBonusPaid(id uuid.UUID) (bool, error) {
	u, err := s.getUser(id)
	if err != nil {
		return false, err
	}
	if u.ReferralBonusPaid {
		return false, nil
	}
	u.ReferralBonusPaid = true
	s.users[id] = u
	return true, nil
}

func (s *memoryState) createTransaction(t ledger.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, ok := s.transactions[t.ID]; ok {
		return &ledger.DuplicateValueError{Scope: ledger.ScopeTransactionID, Value: t.ID.String()}
	}
	if _, ok := s.vouchers[t.Voucher]; ok {
		return &ledger.DuplicateValueError{Scope: ledger.ScopeVoucher, Value: t.Voucher}
	}
	for _, id := range []uuid.UUID{t.BuyerID, t.SellerID} {
		if _, ok := s.users[id]; !ok {
			return &ledger.NotFoundError{Entity: "user", ID: id.String()}
		}
	}
	s.transactions[t.ID] = t
	s.vouchers[t.Voucher] = t.ID
	return nil
}

func (s *memoryState) getTransaction(id uuid.UUID) (ledger.Transaction, error) {
	t, ok := s.transactions[id]
	if !ok {
		return ledger.Transaction{}, &ledger.NotFoundError{Entity: "transaction", ID: id.String()}
	}
	return t, nil
}

func (s *memoryState) transition(id uuid.UUID, from, to ledger.Status, at time.Time) (bool, error) {
	t, err := s.getTransaction(id)
	if err != nil {
		return false, err
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	switch to {
	case ledger.StatusCompleted:
		t.CompletedAt = &at
	case ledger.StatusCancelled:
		t.CancelledAt = &at
	}
	s.transactions[id] = t
	return true, nil
}

func (s *memoryState) codeExists(scope ledger.Scope, code string) (bool, error) {
	switch scope {
	case ledger.ScopeReferralCode:
		_, ok := s.referralCodes[code]
		return ok, nil
	case ledger.ScopeVoucher:
		_, ok := s.vouchers[code]
		return ok, nil
	}
	return false, &ledger.ValidationError{Field: "scope", Reason: "not a code scope: " + string(scope)}
}

func (s *memoryState) appendMovements(movements []ledger.Movement) error {
	// Check all idempotency keys first (atomic check)
	batch := make(map[string]bool, len(movements))
	for _, mv := range movements {
		if s.idempotency[mv.IdempotencyKey] || batch[mv.IdempotencyKey] {
			return &ledger.DuplicateValueError{Scope: ledger.ScopeIdempotencyKey, Value: mv.IdempotencyKey}
		}
		if _, ok := s.users[mv.UserID]; !ok {
			return &ledger.NotFoundError{Entity: "user", ID: mv.UserID.String()}
		}
		batch[mv.IdempotencyKey] = true
	}
	for _, mv := range movements {
		s.movements = append(s.movements, mv)
		s.idempotency[mv.IdempotencyKey] = true
	}
	return nil
}

func (s *memoryState) movementsFor(userID uuid.UUID) []ledger.Movement {
	var out []ledger.Movement
	for _, mv := range s.movements {
		if mv.UserID == userID {
			out = append(out, mv)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *memoryState) getSetting(key string) (string, error) {
	v, ok := s.settings[key]
	if !ok {
		return "", &ledger.NotFoundError{Entity: "setting", ID: key}
	}
	return v, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// The whole unit runs under the write lock, which makes every Lock* call in
// the view trivially exclusive. A failed unit restores the snapshot.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.state.clone()

	if err := fn(&txMemoryView{state: &tm.state}); err != nil {
		tm.state = snapshot
		return err
	}
	return nil
}

func (s *memoryState) clone() memoryState {
	c := memoryState{
		users:         make(map[uuid.UUID]ledger.User, len(s.users)),
		referralCodes: make(map[string]uuid.UUID, len(s.referralCodes)),
		transactions:  make(map[uuid.UUID]ledger.Transaction, len(s.transactions)),
		vouchers:      make(map[string]uuid.UUID, len(s.vouchers)),
		movements:     append([]ledger.Movement(nil), s.movements...),
		idempotency:   make(map[string]bool, len(s.idempotency)),
		settings:      make(map[string]string, len(s.settings)),
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.referralCodes {
		c.referralCodes[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.vouchers {
		c.vouchers[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.settings {
		c.settings[k] = v
	}
	return c
}

// txMemoryView is the Store handed to WithTx callbacks. It takes no locks.
type txMemoryView struct {
	state *memoryState
}

func (tv *txMemoryView) CreateUser(_ context.Context, u ledger.User) error {
	return tv.state.createUser(u)
}

func (tv *txMemoryView) GetUser(_ context.Context, id uuid.UUID) (ledger.User, error) {
	return tv.state.getUser(id)
}

func (tv *txMemoryView) GetUserByReferralCode(_ context.Context, code string) (ledger.User, error) {
	return tv.state.getUserByReferralCode(code)
}

func (tv *txMemoryView) LockUsers(_ context.Context, ids ...uuid.UUID) (map[uuid.UUID]ledger.User, error) {
	return tv.state.lockUsers(ids)
}

func (tv *txMemoryView) UpdateAccount(_ context.Context, id uuid.UUID, acc ledger.Account) error {
	return tv.state.updateAccount(id, acc)
}

func (tv *txMemoryView) MarkReferralBonusPaid(_ context.Context, id uuid.UUID) (bool, error) {
	return tv.state.markReferralBonusPaid(id)
}

func (tv *txMemoryView) CreateTransaction(_ context.Context, t ledger.Transaction) error {
	return tv.state.createTransaction(t)
}

func (tv *txMemoryView) GetTransaction(_ context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return tv.state.getTransaction(id)
}

func (tv *txMemoryView) LockTransaction(_ context.Context, id uuid.UUID) (ledger.Transaction, error) {
	return tv.state.getTransaction(id)
}

func (tv *txMemoryView) TransitionTransaction(_ context.Context, id uuid.UUID, from, to ledger.Status, at time.Time) (bool, error) {
	return tv.state.transition(id, from, to, at)
}

func (tv *txMemoryView) CodeExists(_ context.Context, scope ledger.Scope, code string) (bool, error) {
	return tv.state.codeExists(scope, code)
}

func (tv *txMemoryView) AppendMovements(_ context.Context, movements []ledger.Movement) error {
	return tv.state.appendMovements(movements)
}

func (tv *txMemoryView) Movements(_ context.Context, userID uuid.UUID) ([]ledger.Movement, error) {
	return tv.state.movementsFor(userID), nil
}

func (tv *txMemoryView) GetSetting(_ context.Context, key string) (string, error) {
	return tv.state.getSetting(key)
}

func (tv *txMemoryView) PutSetting(_ context.Context, key, value string) error {
	tv.state.settings[key] = value
	return nil
}
