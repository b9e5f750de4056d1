package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/warp/debt-engine/ledger"
)

// =============================================================================
// ACCOUNTS (ledger.AccountStore interface)
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a *ledger.Account) error {
	if a.ID == "" {
		a.ID = ledger.AccountID(uuid.NewString())
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock.tick()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.OwnerID, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return wrapWriteError("insert account", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, created_at, updated_at FROM accounts WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// RenameAccount sets a new display name and bumps updated_at.
func (s *Store) RenameAccount(ctx context.Context, id ledger.AccountID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET name = ?, updated_at = ? WHERE id = ?`,
		name, formatTime(s.clock.tick()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to rename account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, owner_id, created_at, updated_at FROM accounts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return scanAccounts(rows)
}

func (s *Store) ListAccountsForUser(ctx context.Context, userID ledger.UserID) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.name, a.owner_id, a.created_at, a.updated_at
		 FROM accounts a
		 WHERE a.owner_id = ?
		    OR EXISTS (SELECT 1 FROM account_access g WHERE g.account_id = a.id AND g.user_id = ?)
		 ORDER BY a.created_at ASC, a.id ASC`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return scanAccounts(rows)
}

func scanAccounts(rows *sql.Rows) ([]ledger.Account, error) {
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		a                    ledger.Account
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.OwnerID, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan account: %w", err)
	}
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return a, fmt.Errorf("account %s created_at: %w", a.ID, err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return a, fmt.Errorf("account %s updated_at: %w", a.ID, err)
	}
	return a, nil
}

// =============================================================================
// SHARING
// =============================================================================

func (s *Store) GrantAccess(ctx context.Context, g ledger.AccessGrant) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.clock.tick()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_access (account_id, user_id, created_at) VALUES (?, ?, ?)`,
		g.AccountID, g.UserID, formatTime(g.CreatedAt),
	)
	if err != nil {
		return wrapWriteError("grant access", err)
	}
	return nil
}

func (s *Store) RevokeAccess(ctx context.Context, accountID ledger.AccountID, userID ledger.UserID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM account_access WHERE account_id = ? AND user_id = ?`,
		accountID, userID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke access: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("grant: %w", ledger.ErrNotFound)
	}
	return nil
}

func (s *Store) HasAccess(ctx context.Context, accountID ledger.AccountID, userID ledger.UserID) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM accounts WHERE id = ? AND owner_id = ?
		    UNION ALL
		    SELECT 1 FROM account_access WHERE account_id = ? AND user_id = ?
		 )`,
		accountID, userID, accountID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check access: %w", err)
	}
	return ok, nil
}
