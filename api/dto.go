/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupled from the
  ledger types so columns can change without breaking clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY AND DATES:
  Amounts travel as decimal strings ("12.34"); numbers are accepted on
  input. Dates are "YYYY-MM-DD", timestamps RFC 3339.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/debt-engine/ledger"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type CreateAccountRequest struct {
	Name string `json:"name"`
}

type RenameAccountRequest struct {
	Name string `json:"name"`
}

type GrantAccessRequest struct {
	UserID string `json:"user_id"`
}

type AccountStatsDTO struct {
	AccountID      string       `json:"account_id"`
	TotalPurchases ledger.Money `json:"total_purchases"`
	TotalPayments  ledger.Money `json:"total_payments"`
	AmountDue      ledger.Money `json:"amount_due"`
	PurchaseCount  int          `json:"purchase_count"`
	PaymentCount   int          `json:"payment_count"`
}

// AccountSummaryDTO is one entry of the account list: the account fields
// and its stats side by side.
type AccountSummaryDTO struct {
	AccountDTO
	AccountStatsDTO
}

// =============================================================================
// PURCHASES AND PAYMENTS
// =============================================================================

type PurchaseDTO struct {
	ID              string       `json:"id"`
	AccountID       string       `json:"account_id"`
	Amount          ledger.Money `json:"amount"`
	AmountRemaining ledger.Money `json:"amount_remaining"`
	Description     string       `json:"description"`
	Date            string       `json:"date"`
	Settled         bool         `json:"settled"`
	CreatedAt       string       `json:"created_at"`
	UpdatedAt       string       `json:"updated_at"`
}

type CreatePurchaseRequest struct {
	Amount      ledger.Money `json:"amount"`
	Description string       `json:"description"`
	Date        string       `json:"date"`
}

type PaymentDTO struct {
	ID        string       `json:"id"`
	AccountID string       `json:"account_id"`
	Amount    ledger.Money `json:"amount"`
	Date      string       `json:"date"`
	CreatedAt string       `json:"created_at"`
}

type CreatePaymentRequest struct {
	Amount ledger.Money `json:"amount"`
	Date   string       `json:"date"`
}

type AllocationDTO struct {
	PurchaseID      string       `json:"purchase_id"`
	Applied         ledger.Money `json:"applied"`
	RemainingBefore ledger.Money `json:"remaining_before"`
	RemainingAfter  ledger.Money `json:"remaining_after"`
}

// CreatePaymentResponse returns the payment and how it was spread.
type CreatePaymentResponse struct {
	Payment      PaymentDTO      `json:"payment"`
	Allocations  []AllocationDTO `json:"allocations"`
	TotalApplied ledger.Money    `json:"total_applied"`
	Absorbed     ledger.Money    `json:"absorbed"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type BalanceChangeDTO struct {
	PurchaseID string       `json:"purchase_id"`
	Stored     ledger.Money `json:"stored"`
	Replayed   ledger.Money `json:"replayed"`
}

type ReconcileResponse struct {
	AccountID string             `json:"account_id"`
	Updated   int                `json:"updated"`
	Payments  int                `json:"payments"`
	Purchases int                `json:"purchases"`
	Absorbed  ledger.Money       `json:"absorbed"`
	Changes   []BalanceChangeDTO `json:"changes"`
}

type ConsistencyResponse struct {
	AccountID   string             `json:"account_id"`
	Consistent  bool               `json:"consistent"`
	StoredDue   ledger.Money       `json:"stored_due"`
	ReplayedDue ledger.Money       `json:"replayed_due"`
	Drift       []BalanceChangeDTO `json:"drift"`
}

// DeletePurchaseResponse reports the delete policy and, when it
// reconciled, the result.
type DeletePurchaseResponse struct {
	Policy    string             `json:"policy"`
	Reconcile *ReconcileResponse `json:"reconcile,omitempty"`
}

// ErrorResponse represents an error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:        string(a.ID),
		Name:      a.Name,
		OwnerID:   string(a.OwnerID),
		CreatedAt: formatTimestamp(a.CreatedAt),
		UpdatedAt: formatTimestamp(a.UpdatedAt),
	}
}

func toAccountStatsDTO(id ledger.AccountID, stats ledger.AccountStats) AccountStatsDTO {
	return AccountStatsDTO{
		AccountID:      string(id),
		TotalPurchases: stats.TotalPurchases,
		TotalPayments:  stats.TotalPayments,
		AmountDue:      stats.AmountDue,
		PurchaseCount:  stats.PurchaseCount,
		PaymentCount:   stats.PaymentCount,
	}
}

func toPurchaseDTO(p ledger.Purchase) PurchaseDTO {
	return PurchaseDTO{
		ID:              string(p.ID),
		AccountID:       string(p.AccountID),
		Amount:          p.Amount,
		AmountRemaining: p.AmountRemaining,
		Description:     p.Description,
		Date:            p.Date.String(),
		Settled:         p.IsSettled(),
		CreatedAt:       formatTimestamp(p.CreatedAt),
		UpdatedAt:       formatTimestamp(p.UpdatedAt),
	}
}

func toPaymentDTO(p ledger.Payment) PaymentDTO {
	return PaymentDTO{
		ID:        string(p.ID),
		AccountID: string(p.AccountID),
		Amount:    p.Amount,
		Date:      p.Date.String(),
		CreatedAt: formatTimestamp(p.CreatedAt),
	}
}

func toChangeDTOs(changes []ledger.BalanceChange) []BalanceChangeDTO {
	out := make([]BalanceChangeDTO, len(changes))
	for i, c := range changes {
		out[i] = BalanceChangeDTO{PurchaseID: string(c.PurchaseID), Stored: c.Stored, Replayed: c.Replayed}
	}
	return out
}

func toReconcileResponse(r ledger.ReconcileResult) ReconcileResponse {
	return ReconcileResponse{
		AccountID: string(r.AccountID),
		Updated:   r.Updated(),
		Payments:  r.Payments,
		Purchases: r.Purchases,
		Absorbed:  r.Absorbed,
		Changes:   toChangeDTOs(r.Changes),
	}
}
