/*
reconcile.go - Rebuild purchase balances from the full payment history

PURPOSE:
  A payment does not record which purchases it paid down, so removing one
  cannot be undone locally. Reconciliation throws away every balance and
  replays all remaining payments, oldest first, through the same
  distribution the Allocator uses.

ALGORITHM:
  1. Reset AmountRemaining = Amount on every purchase of the account
  2. Load payments in (date, created_at, id) order
  3. Distribute each payment in turn over the running balances
  4. Write back the purchases whose balance actually changed

ATOMICITY:
  Steps 1-4 run in one store transaction under the account lock. A failure
  at any row rolls the whole run back.

IDEMPOTENCE:
  A second run with no writes in between finds nothing changed and writes
  nothing.

TRIGGERS:
  - Payment deleted (always)
  - Purchase deleted (when the service is configured to reconcile)
  - Explicit request, e.g. after a backdated purchase

SEE ALSO:
  - allocate.go: Distribute
*/
package ledger

import (
	"context"
	"fmt"
)

// BalanceChange is one purchase whose stored balance differs from replay.
type BalanceChange struct {
	PurchaseID PurchaseID
	Stored     Money
	Replayed   Money
}

// ReplayResult is the outcome of recomputing balances in memory.
type ReplayResult struct {
	// Purchases holds the rebuilt balances in allocation order.
	Purchases []Purchase
	Changes   []BalanceChange
	Absorbed  Money
	Payments  int
}

// Replay recomputes every purchase balance from scratch. The inputs are not
// modified.
func Replay(purchases []Purchase, payments []Payment) ReplayResult {
	rebuilt := make([]Purchase, len(purchases))
	copy(rebuilt, purchases)
	SortPurchasesForAllocation(rebuilt)

	stored := make(map[PurchaseID]Money, len(rebuilt))
	for i := range rebuilt {
		stored[rebuilt[i].ID] = rebuilt[i].AmountRemaining
		rebuilt[i].AmountRemaining = rebuilt[i].Amount
	}

	ordered := make([]Payment, len(payments))
	copy(ordered, payments)
	SortPaymentsForAllocation(ordered)

	result := ReplayResult{Absorbed: Zero, Payments: len(ordered)}
	for _, pay := range ordered {
		res := Distribute(rebuilt, pay.Amount)
		result.Absorbed = result.Absorbed.Add(res.Absorbed)
	}

	for _, p := range rebuilt {
		if !p.AmountRemaining.Equal(stored[p.ID]) {
			result.Changes = append(result.Changes, BalanceChange{
				PurchaseID: p.ID,
				Stored:     stored[p.ID],
				Replayed:   p.AmountRemaining,
			})
		}
	}
	result.Purchases = rebuilt
	return result
}

// =============================================================================
// RECONCILER
// =============================================================================

// ReconcileResult summarizes a reconciliation run.
type ReconcileResult struct {
	AccountID AccountID
	Changes   []BalanceChange
	Absorbed  Money
	Payments  int
	Purchases int
}

// Updated is the number of purchase rows written.
func (r ReconcileResult) Updated() int { return len(r.Changes) }

// DriftReport compares stored balances with a fresh replay.
type DriftReport struct {
	AccountID   AccountID
	StoredDue   Money
	ReplayedDue Money
	Drift       []BalanceChange
}

// Consistent is true when every stored balance matches the replay.
func (d DriftReport) Consistent() bool { return len(d.Drift) == 0 }

// Reconciler rebuilds balances after deletions.
type Reconciler struct {
	store TxStore
	locks *AccountLocks
}

func NewReconciler(store TxStore, locks *AccountLocks) *Reconciler {
	return &Reconciler{store: store, locks: locks}
}

// Reconcile resets and replays the account under its lock in one transaction.
func (r *Reconciler) Reconcile(ctx context.Context, accountID AccountID) (ReconcileResult, error) {
	var result ReconcileResult
	err := WithAccount(ctx, r.store, r.locks, accountID, func(s Store) error {
		var err error
		result, err = ReconcileWith(ctx, s, accountID)
		return err
	})
	return result, err
}

// Check replays the account without writing and reports drift.
func (r *Reconciler) Check(ctx context.Context, accountID AccountID) (DriftReport, error) {
	var report DriftReport
	err := WithAccount(ctx, r.store, r.locks, accountID, func(s Store) error {
		purchases, payments, err := loadAccount(ctx, s, accountID)
		if err != nil {
			return err
		}
		replay := Replay(purchases, payments)

		report = DriftReport{AccountID: accountID, StoredDue: Zero, ReplayedDue: Zero, Drift: replay.Changes}
		for _, p := range purchases {
			report.StoredDue = report.StoredDue.Add(p.AmountRemaining)
		}
		for _, p := range replay.Purchases {
			report.ReplayedDue = report.ReplayedDue.Add(p.AmountRemaining)
		}
		return nil
	})
	return report, err
}

// ReconcileWith runs the reconciliation against s. The caller owns the
// transaction and the account lock.
func ReconcileWith(ctx context.Context, s Store, accountID AccountID) (ReconcileResult, error) {
	purchases, payments, err := loadAccount(ctx, s, accountID)
	if err != nil {
		return ReconcileResult{}, err
	}

	versions := make(map[PurchaseID]int64, len(purchases))
	for _, p := range purchases {
		versions[p.ID] = p.Version
	}

	replay := Replay(purchases, payments)
	for _, c := range replay.Changes {
		if err := s.UpdatePurchaseRemaining(ctx, c.PurchaseID, c.Replayed, versions[c.PurchaseID]); err != nil {
			return ReconcileResult{}, fmt.Errorf("update purchase %s: %w", c.PurchaseID, err)
		}
	}

	return ReconcileResult{
		AccountID: accountID,
		Changes:   replay.Changes,
		Absorbed:  replay.Absorbed,
		Payments:  replay.Payments,
		Purchases: len(purchases),
	}, nil
}

func loadAccount(ctx context.Context, s Store, accountID AccountID) ([]Purchase, []Payment, error) {
	purchases, err := s.ListPurchases(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("list purchases: %w", err)
	}
	payments, err := s.ListPayments(ctx, accountID)
	if err != nil {
		return nil, nil, fmt.Errorf("list payments: %w", err)
	}
	return purchases, payments, nil
}
