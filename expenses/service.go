/*
Package expenses is the application layer over the ledger engine.

PURPOSE:
  Exposes the operations a client performs on a shared-expense account and
  keeps stored balances correct after each one:

    CreatePayment  -> insert + Allocator, one transaction
    DeletePayment  -> delete + Reconciler, one transaction
    DeletePurchase -> delete (+ Reconciler when policy says so)
    CreatePurchase -> insert only; a backdated purchase needs Reconcile

ACCESS:
  Every call names the acting user. The account owner and granted users may
  read and write; anyone else gets a not-found error. Only the owner may
  rename the account or change grants.

RETRIES:
  A run that loses an optimistic version check is rolled back whole and
  retried up to Options.MaxRetries times.

SEE ALSO:
  - ledger/allocate.go, ledger/reconcile.go: the balance algorithms
  - api/handlers.go: HTTP surface
*/
package expenses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/warp/debt-engine/ledger"
)

// PurchaseDeletePolicy decides what happens to payment amounts that were
// applied to a purchase when that purchase is deleted.
type PurchaseDeletePolicy string

const (
	// DeleteKeep removes the purchase and nothing else. Amounts already
	// applied to it stay consumed.
	DeleteKeep PurchaseDeletePolicy = "keep"

	// DeleteReconcile replays the account so freed amounts move to the
	// remaining purchases.
	DeleteReconcile PurchaseDeletePolicy = "reconcile"
)

// ParsePurchaseDeletePolicy accepts "keep" or "reconcile". Empty means keep.
func ParsePurchaseDeletePolicy(s string) (PurchaseDeletePolicy, error) {
	switch PurchaseDeletePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DeleteKeep:
		return DeleteKeep, nil
	case DeleteReconcile:
		return DeleteReconcile, nil
	}
	return "", fmt.Errorf("unknown purchase delete policy %q (want keep or reconcile)", s)
}

// Options configures a Service. Zero values are usable.
type Options struct {
	PurchaseDeletePolicy PurchaseDeletePolicy
	MaxRetries           int
	Logger               *slog.Logger
	Observer             Observer
}

// Service implements the account operations.
type Service struct {
	store      ledger.TxStore
	accounts   ledger.AccountStore
	locks      *ledger.AccountLocks
	reconciler *ledger.Reconciler

	deletePolicy PurchaseDeletePolicy
	maxRetries   int
	logger       *slog.Logger
	observer     Observer
}

// NewService wires the engine over the given stores.
func NewService(store ledger.TxStore, accounts ledger.AccountStore, opts Options) *Service {
	locks := ledger.NewAccountLocks()
	s := &Service{
		store:        store,
		accounts:     accounts,
		locks:        locks,
		reconciler:   ledger.NewReconciler(store, locks),
		deletePolicy: opts.PurchaseDeletePolicy,
		maxRetries:   opts.MaxRetries,
		logger:       opts.Logger,
		observer:     opts.Observer,
	}
	if s.deletePolicy == "" {
		s.deletePolicy = DeleteKeep
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.observer == nil {
		s.observer = NopObserver{}
	}
	return s
}

// DeletePolicy reports the configured purchase delete policy.
func (s *Service) DeletePolicy() PurchaseDeletePolicy { return s.deletePolicy }

// =============================================================================
// ACCOUNTS AND SHARING
// =============================================================================

func (s *Service) CreateAccount(ctx context.Context, userID ledger.UserID, name string) (*ledger.Account, error) {
	if userID == "" {
		return nil, &ledger.ValidationError{Field: "user_id", Reason: "required"}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ledger.ValidationError{Field: "name", Reason: "required"}
	}

	a := &ledger.Account{Name: name, OwnerID: userID}
	if err := s.accounts.CreateAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	s.logger.Info("account created", "account_id", a.ID, "owner_id", userID)
	return a, nil
}

// GetAccount returns the account if userID may see it.
func (s *Service) GetAccount(ctx context.Context, userID ledger.UserID, accountID ledger.AccountID) (*ledger.Account, error) {
	if err := s.authorize(ctx, userID, accountID); err != nil {
		return nil, err
	}
	return s.accounts.GetAccount(ctx, accountID)
}

// ListAccounts returns accounts the user owns or has been granted.
func (s *Service) ListAccounts(ctx context.Context, userID ledger.UserID) ([]ledger.Account, error) {
	return s.accounts.ListAccountsForUser(ctx, userID)
}

// AccountSummary is an account together with its current totals.
type AccountSummary struct {
	ledger.Account
	Stats ledger.AccountStats
}

// ListAccountSummaries is ListAccounts with each account's stats attached,
// in the same order.
func (s *Service) ListAccountSummaries(ctx context.Context, userID ledger.UserID) ([]AccountSummary, error) {
	accounts, err := s.ListAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	out := make([]AccountSummary, 0, len(accounts))
	for _, a := range accounts {
		stats, err := ledger.Stats(ctx, s.store, a.ID)
		if err != nil {
			return nil, fmt.Errorf("account stats %s: %w", a.ID, err)
		}
		out = append(out, AccountSummary{Account: a, Stats: stats})
	}
	return out, nil
}

// RenameAccount changes the display name. Owner only.
func (s *Service) RenameAccount(ctx context.Context, userID ledger.UserID, accountID ledger.AccountID, name string) (*ledger.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ledger.ValidationError{Field: "name", Reason: "required"}
	}
	if _, err := s.ownedAccount(ctx, userID, accountID); err != nil {
		return nil, err
	}

	if err := s.accounts.RenameAccount(ctx, accountID, name); err != nil {
		return nil, fmt.Errorf("rename account: %w", err)
	}
	s.logger.Info("account renamed", "account_id", accountID, "name", name)
	return s.accounts.GetAccount(ctx, accountID)
}

// GrantAccess lets granteeID read and write the account. Owner only.
func (s *Service) GrantAccess(ctx context.Context, userID ledger.UserID, accountID ledger.AccountID, granteeID ledger.UserID) error {
	a, err := s.ownedAccount(ctx, userID, accountID)
	if err != nil {
		return err
	}
	if granteeID == "" {
		return &ledger.ValidationError{Field: "user_id", Reason: "required"}
	}
	if granteeID == a.OwnerID {
		return &ledger.ValidationError{Field: "user_id", Reason: "owner already has access"}
	}

	if err := s.accounts.GrantAccess(ctx, ledger.AccessGrant{AccountID: accountID, UserID: granteeID}); err != nil {
		return fmt.Errorf("grant access: %w", err)
	}
	s.logger.Info("access granted", "account_id", accountID, "grantee_id", granteeID)
	return nil
}

// RevokeAccess removes a grant. Owner only.
func (s *Service) RevokeAccess(ctx context.Context, userID ledger.UserID, accountID ledger.AccountID, granteeID ledger.UserID) error {
	if _, err := s.ownedAccount(ctx, userID, accountID); err != nil {
		return err
	}
	if err := s.accounts.RevokeAccess(ctx, accountID, granteeID); err != nil {
		return fmt.Errorf("revoke access: %w", err)
	}
	s.logger.Info("access revoked", "account_id", accountID, "grantee_id", granteeID)
	return nil
}

// =============================================================================
// PURCHASES
// =============================================================================

// CreatePurchase records a new debt with nothing paid. Existing payments are
// not re-run against it; call Reconcile for that.
func (s *Service) CreatePurchase(ctx context.Context, userID ledger.UserID, accountID ledger.AccountID, amount ledger.Money, description string, date ledger.Date) (*ledger.Purchase, error) {
	description = strings.TrimSpace(description)
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if description == "" {
		return nil, &ledger.ValidationError{Field: "description", Reason: "required"}
	}
	if date.IsZero() {
		return nil, &ledger.ValidationError{Field: "date", Reason: "required"}
	}
	if err := s.authorize(ctx, userID, accountID); err != nil {
		return nil, err
	}

	p := &ledger.Purchase{
		AccountID:       accountID,
		Amount:          amount,
		AmountRemaining: amount,
		Description:     description,
		Date:            date,
	}
	err := ledger.WithAccount(ctx, s.store, s.locks, accountID, func(tx ledger.Store) error {
		return tx.CreatePurchase(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("create purchase: %w", err)
	}

	s.logger.Info("purchase created",
		"account_id", accountID, "purchase_id", p.ID, "amount", amount.String(), "date", date.String())
	return p, nil
}

// DeletePurchase removes a purchase. With DeleteReconcile the account is
// replayed in the same transaction and the result is returned; with
// DeleteKeep the result is nil.
func (s *Service) DeletePurchase(ctx context.Context, userID ledger.UserID, purchaseID ledger.PurchaseID) (*ledger.ReconcileResult, error) {
	p, err := s.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, userID, p.AccountID); err != nil {
		if ledger.IsNotFound(err) {
			return nil, ledger.ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("delete purchase: %w", err)
	}

	var result *ledger.ReconcileResult
	err = s.retry(ctx, "delete_purchase", func() error {
		result = nil
		return ledger.WithAccount(ctx, s.store, s.locks, p.AccountID, func(tx ledger.Store) error {
			if err := tx.DeletePurchase(ctx, purchaseID); err != nil {
				return err
			}
			if s.deletePolicy != DeleteReconcile {
				return nil
			}
			res, err := ledger.ReconcileWith(ctx, tx, p.AccountID)
			if err != nil {
				return err
			}
			result = &res
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("delete purchase: %w", err)
	}

	s.logger.Info("purchase deleted",
		"account_id", p.AccountID, "purchase_id", purchaseID, "policy", string(s.deletePolicy))
	if result != nil {
		s.observer.Reconciled(*result)
	}
	return result, nil
}

// ListPurchases returns the account's purchases newest first.
func (s *Service) ListPurchases(ctx context.Context, userID ledger.UserID, accountID ledger.AccountID) ([]ledger.Purchase, error) {
	if err := s.authorize(ctx, userID, accountID); err != nil {
		return nil, err
	}
	var purchases []ledger.Purchase
	err := s.store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		purchases, err = tx.ListPurchases(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	ledger.SortPurchasesForAllocation(purchases)
	return ledger.ForDisplay(purchases), nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

// CreatePayment records a payment and applies it to the oldest open
// purchases. Both happen in one transaction under the account lock, so a
// failed allocation leaves no payment behind.
func (s *Service) CreatePayment(ctx context.Context, userID ledger.UserID, accountID ledger.AccountID, amount ledger.Money, date ledger.Date) (*ledger.Payment, ledger.AllocationResult, error) {
	if err := validateAmount(amount); err != nil {
		return nil, ledger.AllocationResult{}, err
	}
	if date.IsZero() {
		return nil, ledger.AllocationResult{}, &ledger.ValidationError{Field: "date", Reason: "required"}
	}
	if err := s.authorize(ctx, userID, accountID); err != nil {
		return nil, ledger.AllocationResult{}, err
	}

	var (
		payment *ledger.Payment
		result  ledger.AllocationResult
	)
	err := s.retry(ctx, "create_payment", func() error {
		payment = &ledger.Payment{AccountID: accountID, Amount: amount, Date: date}
		return ledger.WithAccount(ctx, s.store, s.locks, accountID, func(tx ledger.Store) error {
			if err := tx.CreatePayment(ctx, payment); err != nil {
				return err
			}
			var err error
			result, err = ledger.AllocateWith(ctx, tx, accountID, amount)
			return err
		})
	})
	if err != nil {
		return nil, ledger.AllocationResult{}, fmt.Errorf("create payment: %w", err)
	}

	s.logger.Info("payment allocated",
		"account_id", accountID, "payment_id", payment.ID, "amount", amount.String(),
		"applied", result.TotalApplied.String(), "absorbed", result.Absorbed.String(),
		"purchases", len(result.Allocations))
	s.observer.PaymentAllocated(result)
	return payment, result, nil
}

// DeletePayment removes a payment and replays the account so the balances
// look as if it never existed.
func (s *Service) DeletePayment(ctx context.Context, userID ledger.UserID, paymentID ledger.PaymentID) (ledger.ReconcileResult, error) {
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return ledger.ReconcileResult{}, err
	}
	if err := s.authorize(ctx, userID, p.AccountID); err != nil {
		if ledger.IsNotFound(err) {
			return ledger.ReconcileResult{}, ledger.ErrPaymentNotFound
		}
		return ledger.ReconcileResult{}, fmt.Errorf("delete payment: %w", err)
	}

	var result ledger.ReconcileResult
	err = s.retry(ctx, "delete_payment", func() error {
		return ledger.WithAccount(ctx, s.store, s.locks, p.AccountID, func(tx ledger.Store) error {
			if err := tx.DeletePayment(ctx, paymentID); err != nil {
				return err
			}
			var err error
			result, err = ledger.ReconcileWith(ctx, tx, p.AccountID)
			return err
		})
	})
	if err != nil {
		return ledger.ReconcileResult{}, fmt.Errorf("delete payment: %w", err)
	}

	s.logger.Info("payment deleted",
		"account_id", p.AccountID, "payment_id", paymentID, "updated", result.Updated())
	s.observer.Reconciled(result)
	return result, nil
}

// ListPayments returns the account's payments newest first.
func (s *Service) ListPayments(ctx context.Context, userID ledger.UserID, accountID ledger.AccountID) ([]ledger.Payment, error) {
	if err := s.authorize(ctx, userID, accountID); err != nil {
		return nil, err
	}
	var payments []ledger.Payment
	err := s.store.WithTx(ctx, func(tx ledger.Store) error {
		var err error
		payments, err = tx.ListPayments(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	ledger.SortPaymentsForAllocation(payments)
	return ledger.ForDisplay(payments), nil
}

// =============================================================================
// RECONCILIATION AND AGGREGATION
// =============================================================================

// Reconcile resets and replays every balance on the account.
func (s *Service) Reconcile(ctx context.Context, userID ledger.UserID, accountID ledger.AccountID) (ledger.ReconcileResult, error) {
	if err := s.authorize(ctx, userID, accountID); err != nil {
		return ledger.ReconcileResult{}, err
	}
	return s.reconcile(ctx, accountID)
}

func (s *Service) reconcile(ctx context.Context, accountID ledger.AccountID) (ledger.ReconcileResult, error) {
	var result ledger.ReconcileResult
	err := s.retry(ctx, "reconcile", func() error {
		var err error
		result, err = s.reconciler.Reconcile(ctx, accountID)
		return err
	})
	if err != nil {
		return ledger.ReconcileResult{}, fmt.Errorf("reconcile: %w", err)
	}

	s.logger.Info("account reconciled",
		"account_id", accountID, "updated", result.Updated(), "payments", result.Payments,
		"absorbed", result.Absorbed.String())
	s.observer.Reconciled(result)
	return result, nil
}

// GetAccountStats returns totals and the amount still due.
func (s *Service) GetAccountStats(ctx context.Context, userID ledger.UserID, accountID ledger.AccountID) (ledger.AccountStats, error) {
	if err := s.authorize(ctx, userID, accountID); err != nil {
		return ledger.AccountStats{}, err
	}
	stats, err := ledger.Stats(ctx, s.store, accountID)
	if err != nil {
		return ledger.AccountStats{}, fmt.Errorf("account stats: %w", err)
	}
	return stats, nil
}

// CheckConsistency compares stored balances with a fresh replay without
// writing anything.
func (s *Service) CheckConsistency(ctx context.Context, userID ledger.UserID, accountID ledger.AccountID) (ledger.DriftReport, error) {
	if err := s.authorize(ctx, userID, accountID); err != nil {
		return ledger.DriftReport{}, err
	}
	return s.check(ctx, accountID)
}

func (s *Service) check(ctx context.Context, accountID ledger.AccountID) (ledger.DriftReport, error) {
	report, err := s.reconciler.Check(ctx, accountID)
	if err != nil {
		return ledger.DriftReport{}, fmt.Errorf("check consistency: %w", err)
	}
	if !report.Consistent() {
		s.logger.Warn("balance drift detected",
			"account_id", accountID, "purchases", len(report.Drift),
			"stored_due", report.StoredDue.String(), "replayed_due", report.ReplayedDue.String())
		s.observer.DriftDetected(report)
	}
	return report, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// authorize hides accounts the user cannot access behind ErrNotFound.
func (s *Service) authorize(ctx context.Context, userID ledger.UserID, accountID ledger.AccountID) error {
	ok, err := s.accounts.HasAccess(ctx, accountID, userID)
	if err != nil {
		return fmt.Errorf("check access: %w", err)
	}
	if !ok {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (s *Service) ownedAccount(ctx context.Context, userID ledger.UserID, accountID ledger.AccountID) (*ledger.Account, error) {
	if err := s.authorize(ctx, userID, accountID); err != nil {
		return nil, err
	}
	a, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.OwnerID != userID {
		return nil, fmt.Errorf("only the owner may change the account: %w", ledger.ErrForbidden)
	}
	return a, nil
}

// retry re-runs fn while it fails with a retryable error.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !ledger.IsRetryable(err) || attempt >= s.maxRetries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(err, ctxErr)
		}
		s.logger.Warn("retrying after concurrent modification", "op", op, "attempt", attempt+1, "error", err)
		s.observer.ConflictRetried(op)
	}
}

func validateAmount(amount ledger.Money) error {
	if !amount.IsPositive() {
		return &ledger.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	if !amount.Decimal().Equal(amount.Decimal().Round(ledger.Scale)) {
		return &ledger.ValidationError{Field: "amount", Reason: "at most two decimal places"}
	}
	return nil
}
