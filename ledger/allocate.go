/*
allocate.go - Oldest-first payment allocation

PURPOSE:
  Distributes a payment over an account's open purchases. The earliest
  incurred debt is paid first; on the same date, the one entered first.

ALGORITHM:
  remaining := payment
  for each purchase in (date, created_at, id) order:
      if remaining == 0: stop
      if purchase.AmountRemaining == 0: skip
      applied := min(remaining, purchase.AmountRemaining)
      purchase.AmountRemaining -= applied
      remaining -= applied
  whatever is left is absorbed

OVERPAYMENT:
  A payment larger than the total due settles everything and the excess is
  dropped. It is not carried as credit and it is not an error. The result
  reports it as Absorbed so callers can log or count it.

SIDE EFFECTS:
  Only AmountRemaining (and updated_at/version) of touched purchases.
  The payment row is never modified.

EXAMPLE:
  P1 $50 (day 1), P2 $30 (day 2), pay $40  ->  P1 10, P2 30
  then pay $50                               ->  P1 0,  P2 0, $10 absorbed

SEE ALSO:
  - reconcile.go: replays every payment through Distribute
*/
package ledger

import (
	"context"
	"fmt"
)

// Allocation is one purchase's share of a payment.
type Allocation struct {
	PurchaseID      PurchaseID
	Applied         Money
	RemainingBefore Money
	RemainingAfter  Money
}

// AllocationResult describes how a payment was spread.
type AllocationResult struct {
	Amount       Money
	Allocations  []Allocation
	TotalApplied Money

	// Absorbed is the part of the payment no purchase needed.
	Absorbed Money
}

// Distribute applies amount to purchases, which must already be in
// allocation order, updating AmountRemaining in place.
func Distribute(purchases []Purchase, amount Money) AllocationResult {
	result := AllocationResult{Amount: amount, TotalApplied: Zero, Absorbed: Zero}
	remaining := amount

	for i := range purchases {
		if !remaining.IsPositive() {
			break
		}
		p := &purchases[i]
		if !p.AmountRemaining.IsPositive() {
			continue
		}

		applied := remaining.Min(p.AmountRemaining)
		before := p.AmountRemaining
		p.AmountRemaining = p.AmountRemaining.Sub(applied)
		remaining = remaining.Sub(applied)

		result.Allocations = append(result.Allocations, Allocation{
			PurchaseID:      p.ID,
			Applied:         applied,
			RemainingBefore: before,
			RemainingAfter:  p.AmountRemaining,
		})
		result.TotalApplied = result.TotalApplied.Add(applied)
	}

	if remaining.IsPositive() {
		result.Absorbed = remaining
	}
	return result
}

// =============================================================================
// ALLOCATOR
// =============================================================================

// Allocator applies new payments to an account's purchases.
type Allocator struct {
	store TxStore
	locks *AccountLocks
}

func NewAllocator(store TxStore, locks *AccountLocks) *Allocator {
	return &Allocator{store: store, locks: locks}
}

// Allocate distributes amount over the account's open purchases under the
// account lock and in a single transaction.
// An account with no open purchases is a no-op.
func (a *Allocator) Allocate(ctx context.Context, accountID AccountID, amount Money) (AllocationResult, error) {
	var result AllocationResult
	err := WithAccount(ctx, a.store, a.locks, accountID, func(s Store) error {
		var err error
		result, err = AllocateWith(ctx, s, accountID, amount)
		return err
	})
	return result, err
}

// AllocateWith runs the allocation against s. The caller owns the
// transaction and the account lock.
func AllocateWith(ctx context.Context, s Store, accountID AccountID, amount Money) (AllocationResult, error) {
	if !amount.IsPositive() {
		return AllocationResult{}, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	purchases, err := s.ListPurchases(ctx, accountID)
	if err != nil {
		return AllocationResult{}, fmt.Errorf("list purchases: %w", err)
	}
	SortPurchasesForAllocation(purchases)

	versions := make(map[PurchaseID]int64, len(purchases))
	for _, p := range purchases {
		versions[p.ID] = p.Version
	}

	result := Distribute(purchases, amount)
	for _, alloc := range result.Allocations {
		if err := s.UpdatePurchaseRemaining(ctx, alloc.PurchaseID, alloc.RemainingAfter, versions[alloc.PurchaseID]); err != nil {
			return AllocationResult{}, fmt.Errorf("update purchase %s: %w", alloc.PurchaseID, err)
		}
	}
	return result, nil
}
