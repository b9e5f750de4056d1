/*
Package ledger provides the payment-allocation engine for shared-expense accounts.

PURPOSE:
  Users record purchases (debts) and payments against an account. The engine
  keeps every purchase's remaining balance correct by distributing payments
  over open purchases, oldest first, and rebuilding that distribution from
  scratch when a payment is removed.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money:    Fixed-point amount with cent precision (money.go)
  - Date:     Calendar day used for allocation order
  - Purchase: A debt with its original amount and what is still unpaid
  - Payment:  A credit, applied oldest-purchase-first, never tagged with targets
  - Account:  Scope of allocation. Nothing is ever allocated across accounts

DESIGN PRINCIPLES:
  1. Allocation is a materialized view: payments do not record which
     purchases they paid, so AmountRemaining is always derivable by replay
  2. Precision: Money is decimal with two places, never float64
  3. Determinism: allocation order is (Date, CreatedAt, ID), a total order
  4. Aggregates are computed on read, never cached

SEE ALSO:
  - allocate.go:  Allocator (oldest-first distribution)
  - reconcile.go: Reconciler (reset and replay)
  - stats.go:     Aggregation over stored balances
  - store.go:     Persistence interfaces
*/
package ledger

import (
	"sort"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type PurchaseID string
type PaymentID string
type UserID string

// =============================================================================
// DATE - Calendar day
// =============================================================================

const DateLayout = "2006-01-02"

// Date is a calendar day, normalized to UTC midnight.
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar day in t's own location.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

func Today() Date { return DateOf(time.Now()) }

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

func (d Date) Before(o Date) bool { return d.Time.Before(o.Time) }
func (d Date) After(o Date) bool  { return d.Time.After(o.Time) }
func (d Date) Equal(o Date) bool  { return d.Time.Equal(o.Time) }
func (d Date) AddDays(n int) Date { return Date{Time: d.Time.AddDate(0, 0, n)} }
func (d Date) String() string     { return d.Time.Format(DateLayout) }

// =============================================================================
// RECORDS
// =============================================================================

// Account owns a disjoint set of purchases and payments.
type Account struct {
	ID        AccountID
	Name      string
	OwnerID   UserID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Purchase is a recorded debt.
//
// INVARIANT: 0 <= AmountRemaining <= Amount.
// AmountRemaining is only written by the Allocator and Reconciler.
type Purchase struct {
	ID              PurchaseID
	AccountID       AccountID
	Amount          Money
	AmountRemaining Money
	Description     string
	Date            Date
	CreatedAt       time.Time
	UpdatedAt       time.Time

	// Version is bumped on every balance write; stores reject a write whose
	// expected version is stale.
	Version int64
}

// Paid is how much of the purchase has been covered by payments.
func (p Purchase) Paid() Money { return p.Amount.Sub(p.AmountRemaining) }

// IsSettled reports whether nothing is left to pay.
func (p Purchase) IsSettled() bool { return !p.AmountRemaining.IsPositive() }

// Payment is a recorded credit. Immutable once created.
type Payment struct {
	ID        PaymentID
	AccountID AccountID
	Amount    Money
	Date      Date
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AccessGrant gives a non-owner read/write access to an account.
type AccessGrant struct {
	AccountID AccountID
	UserID    UserID
	CreatedAt time.Time
}

// =============================================================================
// ORDERING
// =============================================================================

// allocationLess is the tie-break policy: earliest date first, then the one
// entered first, then ID so the order is total.
func allocationLess(d1 Date, c1 time.Time, id1 string, d2 Date, c2 time.Time, id2 string) bool {
	if !d1.Equal(d2) {
		return d1.Before(d2)
	}
	if !c1.Equal(c2) {
		return c1.Before(c2)
	}
	return id1 < id2
}

// SortPurchasesForAllocation orders purchases oldest first, in place.
func SortPurchasesForAllocation(ps []Purchase) {
	sort.SliceStable(ps, func(i, j int) bool {
		return allocationLess(ps[i].Date, ps[i].CreatedAt, string(ps[i].ID),
			ps[j].Date, ps[j].CreatedAt, string(ps[j].ID))
	})
}

// SortPaymentsForAllocation orders payments oldest first, in place.
func SortPaymentsForAllocation(ps []Payment) {
	sort.SliceStable(ps, func(i, j int) bool {
		return allocationLess(ps[i].Date, ps[i].CreatedAt, string(ps[i].ID),
			ps[j].Date, ps[j].CreatedAt, string(ps[j].ID))
	})
}

// ForDisplay reverses an allocation-ordered slice so the newest comes first.
func ForDisplay[T any](items []T) []T {
	out := make([]T, len(items))
	for i, it := range items {
		out[len(items)-1-i] = it
	}
	return out
}
