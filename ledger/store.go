/*
store.go - Persistence interfaces for purchases, payments and accounts

PURPOSE:
  Defines the boundary between the allocation engine and the database.
  The engine needs only list-by-account (ordered for allocation), single
  balance updates and plain inserts/deletes.

KEY INTERFACES:
  Store:        Purchase and payment records
  TxStore:      Store + atomic multi-row runs (WithTx)
  AccountStore: Accounts and shared-access grants

ORDERING CONTRACT:
  ListPurchases and ListPayments return rows ordered by
  (date ASC, created_at ASC, id ASC). The engine sorts again as well,
  so a store that cannot order still produces correct results.

OPTIMISTIC CONCURRENCY:
  UpdatePurchaseRemaining carries the version the caller read. If the row
  has moved on, the store returns *ConflictError and writes nothing.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - ledger/store: In-memory for tests
*/
package ledger

import "context"

// Store handles persistence of purchases and payments.
type Store interface {
	// CreatePurchase inserts p, assigning ID and timestamps when empty.
	CreatePurchase(ctx context.Context, p *Purchase) error

	// GetPurchase returns ErrPurchaseNotFound if missing.
	GetPurchase(ctx context.Context, id PurchaseID) (*Purchase, error)

	// ListPurchases returns the account's purchases in allocation order.
	ListPurchases(ctx context.Context, accountID AccountID) ([]Purchase, error)

	// UpdatePurchaseRemaining writes a new balance if the row is still at
	// expectedVersion, bumping the version and updated_at.
	UpdatePurchaseRemaining(ctx context.Context, id PurchaseID, remaining Money, expectedVersion int64) error

	// DeletePurchase returns ErrPurchaseNotFound if missing.
	DeletePurchase(ctx context.Context, id PurchaseID) error

	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)

	// ListPayments returns the account's payments in allocation order.
	ListPayments(ctx context.Context, accountID AccountID) ([]Payment, error)

	DeletePayment(ctx context.Context, id PaymentID) error
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// AccountStore persists accounts and sharing.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// RenameAccount returns ErrAccountNotFound if missing.
	RenameAccount(ctx context.Context, id AccountID, name string) error

	// ListAccounts returns every account, oldest first.
	ListAccounts(ctx context.Context) ([]Account, error)

	// ListAccountsForUser returns owned and shared accounts.
	ListAccountsForUser(ctx context.Context, userID UserID) ([]Account, error)

	GrantAccess(ctx context.Context, g AccessGrant) error
	RevokeAccess(ctx context.Context, accountID AccountID, userID UserID) error

	// HasAccess is true for the owner and for any granted user.
	HasAccess(ctx context.Context, accountID AccountID, userID UserID) (bool, error)
}
