// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/debt-engine/ledger"
)

var (
	_ ledger.TxStore      = (*Memory)(nil)
	_ ledger.AccountStore = (*Memory)(nil)
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.Mutex
	purchases map[ledger.PurchaseID]ledger.Purchase
	payments  map[ledger.PaymentID]ledger.Payment
	accounts  map[ledger.AccountID]ledger.Account
	grants    map[ledger.AccountID]map[ledger.UserID]time.Time

	// Now is the clock. Timestamps are forced to be strictly increasing so
	// creation order is always observable.
	Now  func() time.Time
	last time.Time
}

func NewMemory() *Memory {
	return &Memory{
		purchases: make(map[ledger.PurchaseID]ledger.Purchase),
		payments:  make(map[ledger.PaymentID]ledger.Payment),
		accounts:  make(map[ledger.AccountID]ledger.Account),
		grants:    make(map[ledger.AccountID]map[ledger.UserID]time.Time),
		Now:       time.Now,
	}
}

func (m *Memory) tick() time.Time {
	t := m.Now().UTC()
	if !t.After(m.last) {
		t = m.last.Add(time.Nanosecond)
	}
	m.last = t
	return t
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (m *Memory) CreatePurchase(_ context.Context, p *ledger.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPurchase(p)
}

func (m *Memory) GetPurchase(_ context.Context, id ledger.PurchaseID) (*ledger.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getPurchase(id)
}

func (m *Memory) ListPurchases(_ context.Context, accountID ledger.AccountID) ([]ledger.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listPurchases(accountID), nil
}

func (m *Memory) UpdatePurchaseRemaining(_ context.Context, id ledger.PurchaseID, remaining ledger.Money, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePurchaseRemaining(id, remaining, expectedVersion)
}

func (m *Memory) DeletePurchase(_ context.Context, id ledger.PurchaseID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletePurchase(id)
}

func (m *Memory) CreatePayment(_ context.Context, p *ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createPayment(p)
}

func (m *Memory) GetPayment(_ context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getPayment(id)
}

func (m *Memory) ListPayments(_ context.Context, accountID ledger.AccountID) ([]ledger.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listPayments(accountID), nil
}

func (m *Memory) DeletePayment(_ context.Context, id ledger.PaymentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletePayment(id)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{m: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	purchases map[ledger.PurchaseID]ledger.Purchase
	payments  map[ledger.PaymentID]ledger.Payment
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		purchases: make(map[ledger.PurchaseID]ledger.Purchase, len(m.purchases)),
		payments:  make(map[ledger.PaymentID]ledger.Payment, len(m.payments)),
	}
	for k, v := range m.purchases {
		s.purchases[k] = v
	}
	for k, v := range m.payments {
		s.payments[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.purchases = s.purchases
	m.payments = s.payments
}

// txView runs store calls while WithTx already holds the lock.
type txView struct {
	m *Memory
}

func (v *txView) CreatePurchase(_ context.Context, p *ledger.Purchase) error {
	return v.m.createPurchase(p)
}

func (v *txView) GetPurchase(_ context.Context, id ledger.PurchaseID) (*ledger.Purchase, error) {
	return v.m.getPurchase(id)
}

func (v *txView) ListPurchases(_ context.Context, accountID ledger.AccountID) ([]ledger.Purchase, error) {
	return v.m.listPurchases(accountID), nil
}

func (v *txView) UpdatePurchaseRemaining(_ context.Context, id ledger.PurchaseID, remaining ledger.Money, expectedVersion int64) error {
	return v.m.updatePurchaseRemaining(id, remaining, expectedVersion)
}

func (v *txView) DeletePurchase(_ context.Context, id ledger.PurchaseID) error {
	return v.m.deletePurchase(id)
}

func (v *txView) CreatePayment(_ context.Context, p *ledger.Payment) error {
	return v.m.createPayment(p)
}

func (v *txView) GetPayment(_ context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	return v.m.getPayment(id)
}

func (v *txView) ListPayments(_ context.Context, accountID ledger.AccountID) ([]ledger.Payment, error) {
	return v.m.listPayments(accountID), nil
}

func (v *txView) DeletePayment(_ context.Context, id ledger.PaymentID) error {
	return v.m.deletePayment(id)
}

// =============================================================================
// UNLOCKED IMPLEMENTATION
// =============================================================================

func (m *Memory) createPurchase(p *ledger.Purchase) error {
	if p.ID == "" {
		p.ID = ledger.PurchaseID(uuid.NewString())
	}
	if _, exists := m.purchases[p.ID]; exists {
		return fmt.Errorf("purchase %s: %w", p.ID, ledger.ErrAlreadyExists)
	}
	now := m.tick()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.purchases[p.ID] = *p
	return nil
}

func (m *Memory) getPurchase(id ledger.PurchaseID) (*ledger.Purchase, error) {
	p, ok := m.purchases[id]
	if !ok {
		return nil, ledger.ErrPurchaseNotFound
	}
	return &p, nil
}

func (m *Memory) listPurchases(accountID ledger.AccountID) []ledger.Purchase {
	var out []ledger.Purchase
	for _, p := range m.purchases {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	ledger.SortPurchasesForAllocation(out)
	return out
}

func (m *Memory) updatePurchaseRemaining(id ledger.PurchaseID, remaining ledger.Money, expectedVersion int64) error {
	p, ok := m.purchases[id]
	if !ok {
		return ledger.ErrPurchaseNotFound
	}
	if p.Version != expectedVersion {
		return &ledger.ConflictError{PurchaseID: id, ExpectedVersion: expectedVersion}
	}
	p.AmountRemaining = remaining
	p.Version++
	p.UpdatedAt = m.tick()
	m.purchases[id] = p
	return nil
}

func (m *Memory) deletePurchase(id ledger.PurchaseID) error {
	if _, ok := m.purchases[id]; !ok {
		return ledger.ErrPurchaseNotFound
	}
	delete(m.purchases, id)
	return nil
}

func (m *Memory) createPayment(p *ledger.Payment) error {
	if p.ID == "" {
		p.ID = ledger.PaymentID(uuid.NewString())
	}
	if _, exists := m.payments[p.ID]; exists {
		return fmt.Errorf("payment %s: %w", p.ID, ledger.ErrAlreadyExists)
	}
	now := m.tick()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.payments[p.ID] = *p
	return nil
}

func (m *Memory) getPayment(id ledger.PaymentID) (*ledger.Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, ledger.ErrPaymentNotFound
	}
	return &p, nil
}

func (m *Memory) listPayments(accountID ledger.AccountID) []ledger.Payment {
	var out []ledger.Payment
	for _, p := range m.payments {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	ledger.SortPaymentsForAllocation(out)
	return out
}

func (m *Memory) deletePayment(id ledger.PaymentID) error {
	if _, ok := m.payments[id]; !ok {
		return ledger.ErrPaymentNotFound
	}
	delete(m.payments, id)
	return nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, a *ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = ledger.AccountID(uuid.NewString())
	}
	if _, exists := m.accounts[a.ID]; exists {
		return fmt.Errorf("account %s: %w", a.ID, ledger.ErrAlreadyExists)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.tick()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	m.accounts[a.ID] = *a
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &a, nil
}

func (m *Memory) RenameAccount(_ context.Context, id ledger.AccountID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	a.Name = name
	a.UpdatedAt = m.tick()
	m.accounts[id] = a
	return nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListAccountsForUser(_ context.Context, userID ledger.UserID) ([]ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ledger.Account
	for id, a := range m.accounts {
		if a.OwnerID == userID {
			out = append(out, a)
			continue
		}
		if _, ok := m.grants[id][userID]; ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GrantAccess(_ context.Context, g ledger.AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[g.AccountID]; !ok {
		return ledger.ErrAccountNotFound
	}
	if m.grants[g.AccountID] == nil {
		m.grants[g.AccountID] = make(map[ledger.UserID]time.Time)
	}
	if _, exists := m.grants[g.AccountID][g.UserID]; exists {
		return fmt.Errorf("grant for %s: %w", g.UserID, ledger.ErrAlreadyExists)
	}
	m.grants[g.AccountID][g.UserID] = m.tick()
	return nil
}

func (m *Memory) RevokeAccess(_ context.Context, accountID ledger.AccountID, userID ledger.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.grants[accountID][userID]; !ok {
		return fmt.Errorf("grant: %w", ledger.ErrNotFound)
	}
	delete(m.grants[accountID], userID)
	return nil
}

func (m *Memory) HasAccess(_ context.Context, accountID ledger.AccountID, userID ledger.UserID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return false, nil
	}
	if a.OwnerID == userID {
		return true, nil
	}
	_, granted := m.grants[accountID][userID]
	return granted, nil
}
