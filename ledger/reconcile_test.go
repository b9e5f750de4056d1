package ledger_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/debt-engine/ledger"
)

// =============================================================================
// RECONCILER
// =============================================================================

func TestReconcile_ScenarioC_DeleteEarlierPayment(t *testing.T) {
	// GIVEN: P1 $50, P2 $30, payments $40 then $50 (everything settled)
	// WHEN: The $40 payment is deleted and the account reconciled
	// THEN: Balances reset to 50/30 and only $50 is replayed: P1 0, P2 30

	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "p1", "50", day(1))
	f.purchase(t, "p2", "30", day(2))
	f.pay(t, "pay-40", "40", day(3))
	f.pay(t, "pay-50", "50", day(4))

	require.NoError(t, f.mem.DeletePayment(ctx, "pay-40"))
	res, err := f.reconciler.Reconcile(ctx, acct)
	require.NoError(t, err)

	assert.Equal(t, "0.00", f.remaining(t, "p1"))
	assert.Equal(t, "30.00", f.remaining(t, "p2"))
	assert.Equal(t, 1, res.Updated(), "only P2 changed")
	assert.Equal(t, 1, res.Payments)
	assert.Equal(t, "0.00", res.Absorbed.String())
}

func TestReconcile_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "p1", "50", day(1))
	f.purchase(t, "p2", "30", day(2))
	f.pay(t, "pay-40", "40", day(3))
	f.pay(t, "pay-50", "50", day(4))
	require.NoError(t, f.mem.DeletePayment(ctx, "pay-40"))

	_, err := f.reconciler.Reconcile(ctx, acct)
	require.NoError(t, err)
	before, err := f.mem.ListPurchases(ctx, acct)
	require.NoError(t, err)

	second, err := f.reconciler.Reconcile(ctx, acct)
	require.NoError(t, err)
	after, err := f.mem.ListPurchases(ctx, acct)
	require.NoError(t, err)

	assert.Zero(t, second.Updated(), "second run must write nothing")
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].AmountRemaining.String(), after[i].AmountRemaining.String())
		assert.Equal(t, before[i].Version, after[i].Version)
	}
}

func TestReconcile_PicksUpBackdatedPurchase(t *testing.T) {
	// GIVEN: P1 $50 (day 5) fully paid by a $50 payment on day 6
	// WHEN: A purchase dated day 1 is added afterwards
	// THEN: Creation alone does not re-run allocation; an explicit
	//       reconcile moves the payment onto the older debt

	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "p1", "50", day(5))
	f.pay(t, "pay", "50", day(6))
	f.purchase(t, "old", "20", day(1))

	assert.Equal(t, "20.00", f.remaining(t, "old"))
	assert.Equal(t, "0.00", f.remaining(t, "p1"))

	_, err := f.reconciler.Reconcile(ctx, acct)
	require.NoError(t, err)

	assert.Equal(t, "0.00", f.remaining(t, "old"))
	assert.Equal(t, "20.00", f.remaining(t, "p1"))
}

func TestReconcile_AfterPurchaseDeleteFreesAppliedAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "p1", "50", day(1))
	f.purchase(t, "p2", "30", day(2))
	f.pay(t, "pay", "60", day(3))

	require.NoError(t, f.mem.DeletePurchase(ctx, "p1"))
	assert.Equal(t, "20.00", f.remaining(t, "p2"), "no reconcile: applied $50 is simply gone")

	_, err := f.reconciler.Reconcile(ctx, acct)
	require.NoError(t, err)
	assert.Equal(t, "0.00", f.remaining(t, "p2"))
}

func TestCheck_ReportsDriftWithoutWriting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "p1", "50", day(1))
	f.pay(t, "pay", "20", day(2))
	require.NoError(t, f.mem.DeletePayment(ctx, "pay"))

	report, err := f.reconciler.Check(ctx, acct)
	require.NoError(t, err)

	assert.False(t, report.Consistent())
	require.Len(t, report.Drift, 1)
	assert.Equal(t, "30.00", report.Drift[0].Stored.String())
	assert.Equal(t, "50.00", report.Drift[0].Replayed.String())
	assert.Equal(t, "30.00", report.StoredDue.String())
	assert.Equal(t, "50.00", report.ReplayedDue.String())
	assert.Equal(t, "30.00", f.remaining(t, "p1"), "check must not write")
}

func TestReplay_DoesNotModifyInputs(t *testing.T) {
	purchases := []ledger.Purchase{
		{ID: "p1", Amount: money("50"), AmountRemaining: money("50"), Date: day(1)},
	}
	payments := []ledger.Payment{{ID: "x", Amount: money("20"), Date: day(2)}}

	res := ledger.Replay(purchases, payments)

	assert.Equal(t, "50.00", purchases[0].AmountRemaining.String())
	assert.Equal(t, "30.00", res.Purchases[0].AmountRemaining.String())
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestProperties_RandomHistories(t *testing.T) {
	// Random create/delete sequences. After every step:
	//   - 0 <= remaining <= amount
	//   - Σ(amount - remaining) <= Σ payments
	//   - Stats.AmountDue == Σ remaining
	// After a reconcile, conservation is exact unless payments exceed debt.

	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for round := 0; round < 25; round++ {
		f := newFixture(t)
		var purchaseIDs []ledger.PurchaseID
		var paymentIDs []ledger.PaymentID

		for step := 0; step < 40; step++ {
			cents := int64(rng.Intn(10000) + 1)
			d := day(rng.Intn(28) + 1)

			switch op := rng.Intn(10); {
			case op < 4:
				p := &ledger.Purchase{
					AccountID:       acct,
					Amount:          ledger.NewMoneyFromCents(cents),
					AmountRemaining: ledger.NewMoneyFromCents(cents),
					Description:     "item",
					Date:            d,
				}
				require.NoError(t, f.mem.CreatePurchase(ctx, p))
				purchaseIDs = append(purchaseIDs, p.ID)
			case op < 8:
				p := &ledger.Payment{AccountID: acct, Amount: ledger.NewMoneyFromCents(cents), Date: d}
				require.NoError(t, f.mem.CreatePayment(ctx, p))
				_, err := f.allocator.Allocate(ctx, acct, p.Amount)
				require.NoError(t, err)
				paymentIDs = append(paymentIDs, p.ID)
			case op < 9 && len(paymentIDs) > 0:
				i := rng.Intn(len(paymentIDs))
				require.NoError(t, f.mem.DeletePayment(ctx, paymentIDs[i]))
				paymentIDs = append(paymentIDs[:i], paymentIDs[i+1:]...)
				_, err := f.reconciler.Reconcile(ctx, acct)
				require.NoError(t, err)
			case len(purchaseIDs) > 0:
				i := rng.Intn(len(purchaseIDs))
				require.NoError(t, f.mem.DeletePurchase(ctx, purchaseIDs[i]))
				purchaseIDs = append(purchaseIDs[:i], purchaseIDs[i+1:]...)
			}

			assertInvariants(t, f, false)
		}

		_, err := f.reconciler.Reconcile(ctx, acct)
		require.NoError(t, err)
		assertInvariants(t, f, true)
	}
}

func assertInvariants(t *testing.T, f *fixture, reconciled bool) {
	t.Helper()
	ctx := context.Background()

	purchases, err := f.mem.ListPurchases(ctx, acct)
	require.NoError(t, err)
	payments, err := f.mem.ListPayments(ctx, acct)
	require.NoError(t, err)

	paidDown, totalDebt, due := ledger.Zero, ledger.Zero, ledger.Zero
	for _, p := range purchases {
		require.False(t, p.AmountRemaining.IsNegative(), "remaining below zero on %s", p.ID)
		require.False(t, p.AmountRemaining.GreaterThan(p.Amount), "remaining above amount on %s", p.ID)
		paidDown = paidDown.Add(p.Paid())
		totalDebt = totalDebt.Add(p.Amount)
		due = due.Add(p.AmountRemaining)
	}
	totalPaid := ledger.Zero
	for _, p := range payments {
		totalPaid = totalPaid.Add(p.Amount)
	}

	require.False(t, paidDown.GreaterThan(totalPaid), "paid down %s exceeds payments %s", paidDown, totalPaid)
	if reconciled {
		require.True(t, paidDown.Equal(totalPaid.Min(totalDebt)),
			"after reconcile paid down %s must equal min(payments %s, debt %s)", paidDown, totalPaid, totalDebt)
	}

	stats, err := ledger.Stats(ctx, f.mem, acct)
	require.NoError(t, err)
	require.True(t, stats.AmountDue.Equal(due), "stats due %s != Σ remaining %s", stats.AmountDue, due)
}
