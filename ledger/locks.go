package ledger

import (
	"context"
	"sync"
)

// =============================================================================
// ACCOUNT LOCKS - Serialize read-modify-write runs per account
// =============================================================================

// AccountLocks hands out one mutex per account. Allocation and reconciliation
// read every balance, compute, and write back; two such runs on the same
// account must never interleave or a payment gets applied twice against the
// same remaining amount. Runs on different accounts proceed in parallel.
//
// The lock is process-local. Cross-process safety comes from the store's
// version check (see Store.UpdatePurchaseRemaining).
type AccountLocks struct {
	mu    sync.Mutex
	locks map[AccountID]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func NewAccountLocks() *AccountLocks {
	return &AccountLocks{locks: make(map[AccountID]*accountLock)}
}

// Lock blocks until the account is free and returns the unlock func.
// Entries are dropped once nobody holds or waits on them.
func (l *AccountLocks) Lock(id AccountID) (unlock func()) {
	l.mu.Lock()
	al, ok := l.locks[id]
	if !ok {
		al = &accountLock{}
		l.locks[id] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()

	return func() {
		al.mu.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// held reports how many callers hold or wait on the account. Test hook.
func (l *AccountLocks) held(id AccountID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if al, ok := l.locks[id]; ok {
		return al.refs
	}
	return 0
}

// WithAccount runs fn inside one store transaction while holding the
// account's lock. Every multi-row balance update goes through here so a
// failure half way leaves nothing behind.
func WithAccount(ctx context.Context, store TxStore, locks *AccountLocks, id AccountID, fn func(Store) error) error {
	unlock := locks.Lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return store.WithTx(ctx, fn)
}
