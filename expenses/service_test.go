package expenses_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/debt-engine/expenses"
	"github.com/warp/debt-engine/ledger"
	"github.com/warp/debt-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	alice = ledger.UserID("alice")
	bob   = ledger.UserID("bob")
	carol = ledger.UserID("carol")
)

func money(s string) ledger.Money { return ledger.MustParseMoney(s) }

func day(n int) ledger.Date { return ledger.NewDate(2025, time.February, n) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu          sync.Mutex
	allocations int
	reconciles  int
	drifts      int
	retries     []string
}

func (r *recorder) PaymentAllocated(ledger.AllocationResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocations++
}

func (r *recorder) Reconciled(ledger.ReconcileResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciles++
}

func (r *recorder) DriftDetected(ledger.DriftReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drifts++
}

func (r *recorder) ConflictRetried(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, op)
}

type env struct {
	mem  *store.Memory
	svc  *expenses.Service
	obs  *recorder
	acct ledger.AccountID
}

func newEnv(t *testing.T, policy expenses.PurchaseDeletePolicy) *env {
	t.Helper()
	mem := store.NewMemory()
	obs := &recorder{}
	svc := expenses.NewService(mem, mem, expenses.Options{
		PurchaseDeletePolicy: policy,
		MaxRetries:           2,
		Logger:               quietLogger(),
		Observer:             obs,
	})
	a, err := svc.CreateAccount(context.Background(), alice, "flat 3B")
	require.NoError(t, err)
	return &env{mem: mem, svc: svc, obs: obs, acct: a.ID}
}

func (e *env) purchase(t *testing.T, amount string, d ledger.Date) *ledger.Purchase {
	t.Helper()
	p, err := e.svc.CreatePurchase(context.Background(), alice, e.acct, money(amount), "item", d)
	require.NoError(t, err)
	return p
}

func (e *env) pay(t *testing.T, amount string, d ledger.Date) *ledger.Payment {
	t.Helper()
	p, _, err := e.svc.CreatePayment(context.Background(), alice, e.acct, money(amount), d)
	require.NoError(t, err)
	return p
}

func (e *env) remaining(t *testing.T, id ledger.PurchaseID) string {
	t.Helper()
	p, err := e.mem.GetPurchase(context.Background(), id)
	require.NoError(t, err)
	return p.AmountRemaining.String()
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestCreatePayment_AllocatesOldestFirst(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	p1 := e.purchase(t, "50", day(1))
	p2 := e.purchase(t, "30", day(2))

	_, res, err := e.svc.CreatePayment(context.Background(), alice, e.acct, money("60"), day(3))
	require.NoError(t, err)

	assert.Equal(t, "0.00", e.remaining(t, p1.ID))
	assert.Equal(t, "20.00", e.remaining(t, p2.ID))
	assert.Equal(t, "60.00", res.TotalApplied.String())
	assert.Len(t, res.Allocations, 2)
	assert.Equal(t, 1, e.obs.allocations)

	stats, err := e.svc.GetAccountStats(context.Background(), alice, e.acct)
	require.NoError(t, err)
	assert.Equal(t, "80.00", stats.TotalPurchases.String())
	assert.Equal(t, "60.00", stats.TotalPayments.String())
	assert.Equal(t, "20.00", stats.AmountDue.String())
}

func TestCreatePayment_OverpaymentIsAbsorbed(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	p1 := e.purchase(t, "50", day(1))

	_, res, err := e.svc.CreatePayment(context.Background(), alice, e.acct, money("70"), day(2))
	require.NoError(t, err)

	assert.Equal(t, "0.00", e.remaining(t, p1.ID))
	assert.Equal(t, "20.00", res.Absorbed.String())

	stats, err := e.svc.GetAccountStats(context.Background(), alice, e.acct)
	require.NoError(t, err)
	assert.Equal(t, "0.00", stats.AmountDue.String(), "no credit balance")
}

func TestCreatePayment_Validation(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	ctx := context.Background()

	_, _, err := e.svc.CreatePayment(ctx, alice, e.acct, ledger.Zero, day(1))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, _, err = e.svc.CreatePayment(ctx, alice, e.acct, money("-5"), day(1))
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, _, err = e.svc.CreatePayment(ctx, alice, e.acct, money("5"), ledger.Date{})
	var verr *ledger.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "date", verr.Field)

	payments, err := e.svc.ListPayments(ctx, alice, e.acct)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestDeletePayment_ReplaysRemainingHistory(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	p1 := e.purchase(t, "50", day(1))
	p2 := e.purchase(t, "30", day(2))
	first := e.pay(t, "40", day(3))
	e.pay(t, "50", day(4))

	res, err := e.svc.DeletePayment(context.Background(), alice, first.ID)
	require.NoError(t, err)

	assert.Equal(t, "0.00", e.remaining(t, p1.ID))
	assert.Equal(t, "30.00", e.remaining(t, p2.ID))
	assert.Equal(t, 1, res.Payments)
	assert.Equal(t, 1, e.obs.reconciles)
}

func TestDeletePayment_Missing(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	_, err := e.svc.DeletePayment(context.Background(), alice, "nope")
	assert.ErrorIs(t, err, ledger.ErrPaymentNotFound)
}

// failingAccess fails every access check with err.
type failingAccess struct {
	*store.Memory
	err error
}

func (f *failingAccess) HasAccess(context.Context, ledger.AccountID, ledger.UserID) (bool, error) {
	return false, f.err
}

func TestDelete_AccessCheckFailureIsNotReportedAsNotFound(t *testing.T) {
	// GIVEN: The access store is down
	// WHEN: A purchase or payment is deleted
	// THEN: The store error comes back instead of a not-found

	e := newEnv(t, expenses.DeleteKeep)
	ctx := context.Background()
	p := e.purchase(t, "50", day(1))
	pay := e.pay(t, "20", day(2))

	errDown := errors.New("access store down")
	svc := expenses.NewService(e.mem, &failingAccess{Memory: e.mem, err: errDown}, expenses.Options{Logger: quietLogger()})

	_, err := svc.DeletePurchase(ctx, alice, p.ID)
	require.ErrorIs(t, err, errDown)
	assert.False(t, ledger.IsNotFound(err))

	_, err = svc.DeletePayment(ctx, alice, pay.ID)
	require.ErrorIs(t, err, errDown)
	assert.False(t, ledger.IsNotFound(err))

	// Nothing was removed.
	_, err = e.mem.GetPurchase(ctx, p.ID)
	assert.NoError(t, err)
	_, err = e.mem.GetPayment(ctx, pay.ID)
	assert.NoError(t, err)
}

func TestDelete_NoAccessIsNotFound(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	ctx := context.Background()
	p := e.purchase(t, "50", day(1))
	pay := e.pay(t, "20", day(2))

	_, err := e.svc.DeletePurchase(ctx, bob, p.ID)
	assert.ErrorIs(t, err, ledger.ErrPurchaseNotFound)
	_, err = e.svc.DeletePayment(ctx, bob, pay.ID)
	assert.ErrorIs(t, err, ledger.ErrPaymentNotFound)
}

// =============================================================================
// PURCHASES
// =============================================================================

func TestCreatePurchase_Validation(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	ctx := context.Background()

	tests := []struct {
		name   string
		amount ledger.Money
		desc   string
		date   ledger.Date
		field  string
	}{
		{"zero amount", ledger.Zero, "rent", day(1), "amount"},
		{"negative amount", money("-1"), "rent", day(1), "amount"},
		{"blank description", money("10"), "   ", day(1), "description"},
		{"missing date", money("10"), "rent", ledger.Date{}, "date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.CreatePurchase(ctx, alice, e.acct, tt.amount, tt.desc, tt.date)
			var verr *ledger.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreatePurchase_StartsUnpaidEvenWithPriorPayments(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	e.purchase(t, "10", day(1))
	e.pay(t, "50", day(2))

	late := e.purchase(t, "20", day(3))
	assert.Equal(t, "20.00", e.remaining(t, late.ID), "surplus is not re-run against new debt")

	_, err := e.svc.Reconcile(context.Background(), alice, e.acct)
	require.NoError(t, err)
	assert.Equal(t, "0.00", e.remaining(t, late.ID))
}

func TestDeletePurchase_KeepPolicy(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	p1 := e.purchase(t, "50", day(1))
	p2 := e.purchase(t, "30", day(2))
	e.pay(t, "60", day(3))

	res, err := e.svc.DeletePurchase(context.Background(), alice, p1.ID)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, "20.00", e.remaining(t, p2.ID), "applied $50 is not redistributed")
}

func TestDeletePurchase_ReconcilePolicy(t *testing.T) {
	e := newEnv(t, expenses.DeleteReconcile)
	p1 := e.purchase(t, "50", day(1))
	p2 := e.purchase(t, "30", day(2))
	e.pay(t, "60", day(3))

	res, err := e.svc.DeletePurchase(context.Background(), alice, p1.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "0.00", e.remaining(t, p2.ID))
	assert.Equal(t, "30.00", res.Absorbed.String())
}

func TestListPurchases_NewestFirst(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	older := e.purchase(t, "10", day(1))
	newer := e.purchase(t, "10", day(9))
	sameDayLater := e.purchase(t, "10", day(9))

	list, err := e.svc.ListPurchases(context.Background(), alice, e.acct)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, sameDayLater.ID, list[0].ID)
	assert.Equal(t, newer.ID, list[1].ID)
	assert.Equal(t, older.ID, list[2].ID)
}

func TestParsePurchaseDeletePolicy(t *testing.T) {
	p, err := expenses.ParsePurchaseDeletePolicy("")
	require.NoError(t, err)
	assert.Equal(t, expenses.DeleteKeep, p)

	p, err = expenses.ParsePurchaseDeletePolicy(" Reconcile ")
	require.NoError(t, err)
	assert.Equal(t, expenses.DeleteReconcile, p)

	_, err = expenses.ParsePurchaseDeletePolicy("cascade")
	assert.Error(t, err)
}

// =============================================================================
// ACCESS
// =============================================================================

func TestAccess_StrangerSeesNotFound(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	ctx := context.Background()
	p := e.purchase(t, "10", day(1))

	_, err := e.svc.GetAccountStats(ctx, bob, e.acct)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, _, err = e.svc.CreatePayment(ctx, bob, e.acct, money("5"), day(2))
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = e.svc.DeletePurchase(ctx, bob, p.ID)
	assert.ErrorIs(t, err, ledger.ErrPurchaseNotFound)

	assert.Equal(t, "10.00", e.remaining(t, p.ID))
}

func TestAccess_GranteeCanWriteButNotShare(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	ctx := context.Background()
	p := e.purchase(t, "10", day(1))

	require.NoError(t, e.svc.GrantAccess(ctx, alice, e.acct, bob))

	_, _, err := e.svc.CreatePayment(ctx, bob, e.acct, money("4"), day(2))
	require.NoError(t, err)
	assert.Equal(t, "6.00", e.remaining(t, p.ID))

	err = e.svc.GrantAccess(ctx, bob, e.acct, carol)
	assert.ErrorIs(t, err, ledger.ErrForbidden)
	assert.True(t, ledger.IsNotFound(err))

	accounts, err := e.svc.ListAccounts(ctx, bob)
	require.NoError(t, err)
	require.Len(t, accounts, 1)

	require.NoError(t, e.svc.RevokeAccess(ctx, alice, e.acct, bob))
	_, err = e.svc.ListPayments(ctx, bob, e.acct)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestAccess_GrantValidation(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	ctx := context.Background()

	assert.ErrorIs(t, e.svc.GrantAccess(ctx, alice, e.acct, alice), ledger.ErrValidation)
	assert.ErrorIs(t, e.svc.GrantAccess(ctx, alice, e.acct, ""), ledger.ErrValidation)

	require.NoError(t, e.svc.GrantAccess(ctx, alice, e.acct, bob))
	assert.ErrorIs(t, e.svc.GrantAccess(ctx, alice, e.acct, bob), ledger.ErrAlreadyExists)
}

func TestRenameAccount_OwnerOnly(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	ctx := context.Background()
	require.NoError(t, e.svc.GrantAccess(ctx, alice, e.acct, bob))

	a, err := e.svc.RenameAccount(ctx, alice, e.acct, "  flat 4C ")
	require.NoError(t, err)
	assert.Equal(t, "flat 4C", a.Name)
	assert.False(t, a.UpdatedAt.Before(a.CreatedAt))

	_, err = e.svc.RenameAccount(ctx, alice, e.acct, "  ")
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = e.svc.RenameAccount(ctx, bob, e.acct, "bob's")
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	_, err = e.svc.RenameAccount(ctx, carol, e.acct, "carol's")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	got, err := e.svc.GetAccount(ctx, bob, e.acct)
	require.NoError(t, err)
	assert.Equal(t, "flat 4C", got.Name)
}

func TestListAccountSummaries_AttachesStats(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	ctx := context.Background()
	e.purchase(t, "50", day(1))
	e.purchase(t, "30", day(2))
	e.pay(t, "60", day(3))

	other, err := e.svc.CreateAccount(ctx, alice, "trip")
	require.NoError(t, err)

	summaries, err := e.svc.ListAccountSummaries(ctx, alice)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, e.acct, summaries[0].ID)
	assert.Equal(t, "80.00", summaries[0].Stats.TotalPurchases.String())
	assert.Equal(t, "60.00", summaries[0].Stats.TotalPayments.String())
	assert.Equal(t, "20.00", summaries[0].Stats.AmountDue.String())

	assert.Equal(t, other.ID, summaries[1].ID)
	assert.Equal(t, "0.00", summaries[1].Stats.AmountDue.String())

	none, err := e.svc.ListAccountSummaries(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCreateAccount_Validation(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	_, err := e.svc.CreateAccount(context.Background(), alice, " ")
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, err = e.svc.CreateAccount(context.Background(), "", "name")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

// =============================================================================
// RETRIES
// =============================================================================

// flakyStore fails the first n balance writes with a version conflict.
type flakyStore struct {
	*store.Memory
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.Memory.WithTx(ctx, func(s ledger.Store) error {
		return fn(&flakyView{Store: s, parent: f})
	})
}

type flakyView struct {
	ledger.Store
	parent *flakyStore
}

func (v *flakyView) UpdatePurchaseRemaining(ctx context.Context, id ledger.PurchaseID, remaining ledger.Money, version int64) error {
	v.parent.mu.Lock()
	if v.parent.failures > 0 {
		v.parent.failures--
		v.parent.mu.Unlock()
		return &ledger.ConflictError{PurchaseID: id, ExpectedVersion: version}
	}
	v.parent.mu.Unlock()
	return v.Store.UpdatePurchaseRemaining(ctx, id, remaining, version)
}

func newFlakyEnv(t *testing.T, failures, maxRetries int) (*expenses.Service, *flakyStore, *recorder, ledger.AccountID) {
	t.Helper()
	fs := &flakyStore{Memory: store.NewMemory()}
	obs := &recorder{}
	svc := expenses.NewService(fs, fs.Memory, expenses.Options{
		MaxRetries: maxRetries,
		Logger:     quietLogger(),
		Observer:   obs,
	})
	a, err := svc.CreateAccount(context.Background(), alice, "flat")
	require.NoError(t, err)
	_, err = svc.CreatePurchase(context.Background(), alice, a.ID, money("50"), "rent", day(1))
	require.NoError(t, err)

	fs.mu.Lock()
	fs.failures = failures
	fs.mu.Unlock()
	return svc, fs, obs, a.ID
}

func TestCreatePayment_RetriesConflicts(t *testing.T) {
	svc, fs, obs, acct := newFlakyEnv(t, 2, 2)

	_, _, err := svc.CreatePayment(context.Background(), alice, acct, money("20"), day(2))
	require.NoError(t, err)

	assert.Equal(t, []string{"create_payment", "create_payment"}, obs.retries)
	payments, err := fs.ListPayments(context.Background(), acct)
	require.NoError(t, err)
	assert.Len(t, payments, 1, "rolled back attempts leave no payment")

	stats, err := svc.GetAccountStats(context.Background(), alice, acct)
	require.NoError(t, err)
	assert.Equal(t, "30.00", stats.AmountDue.String())
}

func TestCreatePayment_GivesUpAfterMaxRetries(t *testing.T) {
	svc, fs, _, acct := newFlakyEnv(t, 5, 1)

	_, _, err := svc.CreatePayment(context.Background(), alice, acct, money("20"), day(2))
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))

	payments, err := fs.ListPayments(context.Background(), acct)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestCreatePayment_ConcurrentPaymentsNeverDoubleApply(t *testing.T) {
	e := newEnv(t, expenses.DeleteKeep)
	p1 := e.purchase(t, "30", day(1))
	p2 := e.purchase(t, "30", day(2))

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := e.svc.CreatePayment(context.Background(), alice, e.acct, money("2"), day(3))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, "0.00", e.remaining(t, p1.ID))
	assert.Equal(t, "10.00", e.remaining(t, p2.ID))

	report, err := e.svc.CheckConsistency(context.Background(), alice, e.acct)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
}
