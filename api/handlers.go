/*
handlers.go - HTTP API handlers for shared-expense accounts

PURPOSE:
  Exposes the expenses service via REST API. Handles HTTP request/response
  and JSON serialization, and delegates everything else to the service.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                       Create account (caller owns it)
    GET    /api/accounts                       Accounts visible to caller, with stats
    GET    /api/accounts/{id}                  Account details
    PATCH  /api/accounts/{id}                  Rename (owner only)
    POST   /api/accounts/{id}/grants           Share with a user (owner only)
    DELETE /api/accounts/{id}/grants/{userID}  Unshare (owner only)

  Balances:
    GET    /api/accounts/{id}/stats            Totals and amount due
    POST   /api/accounts/{id}/reconcile        Replay all payments
    GET    /api/accounts/{id}/consistency      Drift report, read only

  Purchases and payments:
    GET    /api/accounts/{id}/purchases        Newest first
    POST   /api/accounts/{id}/purchases        Record a debt
    GET    /api/accounts/{id}/payments         Newest first
    POST   /api/accounts/{id}/payments         Record and allocate a payment
    DELETE /api/purchases/{id}                 Remove a debt
    DELETE /api/payments/{id}                  Remove a payment and reconcile

REQUEST FLOW:
  1. Auth middleware puts the caller's user id on the context
  2. Parse HTTP request
  3. Call the service
  4. Serialize response or map the error

ERROR HANDLING:
  Errors are returned as JSON {"error", "details"} with status:
  - 400: Validation errors, malformed body
  - 401: Missing or invalid token
  - 404: Not found, or not visible to the caller
  - 409: Duplicate grant, or concurrent modification after retries
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/warp/debt-engine/auth"
	"github.com/warp/debt-engine/expenses"
	"github.com/warp/debt-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *expenses.Service
	Logger  *slog.Logger
}

// NewHandler creates a handler over the service.
func NewHandler(svc *expenses.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount creates an account owned by the caller.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	a, err := h.Service.CreateAccount(r.Context(), auth.UserID(r.Context()), req.Name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(*a))
}

// ListAccounts returns accounts the caller owns or was granted, each with
// its stats.
// GET /api/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Service.ListAccountSummaries(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	dtos := make([]AccountSummaryDTO, len(summaries))
	for i, sum := range summaries {
		dtos[i] = AccountSummaryDTO{
			AccountDTO:      toAccountDTO(sum.Account),
			AccountStatsDTO: toAccountStatsDTO(sum.ID, sum.Stats),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAccount returns one account.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.Service.GetAccount(r.Context(), auth.UserID(r.Context()), accountParam(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*a))
}

// RenameAccount changes the account name. Owner only.
// PATCH /api/accounts/{id}
func (h *Handler) RenameAccount(w http.ResponseWriter, r *http.Request) {
	var req RenameAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}

	a, err := h.Service.RenameAccount(r.Context(), auth.UserID(r.Context()), accountParam(r), req.Name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*a))
}

// GrantAccess shares the account with another user.
// POST /api/accounts/{id}/grants
func (h *Handler) GrantAccess(w http.ResponseWriter, r *http.Request) {
	var req GrantAccessRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := h.Service.GrantAccess(r.Context(), auth.UserID(r.Context()), accountParam(r), ledger.UserID(strings.TrimSpace(req.UserID)))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeAccess removes a grant.
// DELETE /api/accounts/{id}/grants/{userID}
func (h *Handler) RevokeAccess(w http.ResponseWriter, r *http.Request) {
	err := h.Service.RevokeAccess(r.Context(), auth.UserID(r.Context()), accountParam(r), ledger.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetAccountStats returns totals and the amount still due.
// GET /api/accounts/{id}/stats
func (h *Handler) GetAccountStats(w http.ResponseWriter, r *http.Request) {
	accountID := accountParam(r)
	stats, err := h.Service.GetAccountStats(r.Context(), auth.UserID(r.Context()), accountID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountStatsDTO(accountID, stats))
}

// Reconcile replays every payment of the account.
// POST /api/accounts/{id}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.Reconcile(r.Context(), auth.UserID(r.Context()), accountParam(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(res))
}

// CheckConsistency compares stored balances with a replay.
// GET /api/accounts/{id}/consistency
func (h *Handler) CheckConsistency(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.CheckConsistency(r.Context(), auth.UserID(r.Context()), accountParam(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ConsistencyResponse{
		AccountID:   string(report.AccountID),
		Consistent:  report.Consistent(),
		StoredDue:   report.StoredDue,
		ReplayedDue: report.ReplayedDue,
		Drift:       toChangeDTOs(report.Drift),
	})
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// ListPurchases returns the account's purchases, newest first.
// GET /api/accounts/{id}/purchases
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := h.Service.ListPurchases(r.Context(), auth.UserID(r.Context()), accountParam(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	dtos := make([]PurchaseDTO, len(purchases))
	for i, p := range purchases {
		dtos[i] = toPurchaseDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePurchase records a debt.
// POST /api/accounts/{id}/purchases
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	var req CreatePurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	date, ok := parseDateField(w, req.Date)
	if !ok {
		return
	}

	p, err := h.Service.CreatePurchase(r.Context(), auth.UserID(r.Context()), accountParam(r), req.Amount, req.Description, date)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPurchaseDTO(*p))
}

// DeletePurchase removes a debt.
// DELETE /api/purchases/{id}
func (h *Handler) DeletePurchase(w http.ResponseWriter, r *http.Request) {
	id := ledger.PurchaseID(chi.URLParam(r, "id"))
	res, err := h.Service.DeletePurchase(r.Context(), auth.UserID(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := DeletePurchaseResponse{Policy: string(h.Service.DeletePolicy())}
	if res != nil {
		rr := toReconcileResponse(*res)
		resp.Reconcile = &rr
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// ListPayments returns the account's payments, newest first.
// GET /api/accounts/{id}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Service.ListPayments(r.Context(), auth.UserID(r.Context()), accountParam(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePayment records a payment and allocates it.
// POST /api/accounts/{id}/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	date, ok := parseDateField(w, req.Date)
	if !ok {
		return
	}

	p, res, err := h.Service.CreatePayment(r.Context(), auth.UserID(r.Context()), accountParam(r), req.Amount, date)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	allocs := make([]AllocationDTO, len(res.Allocations))
	for i, a := range res.Allocations {
		allocs[i] = AllocationDTO{
			PurchaseID:      string(a.PurchaseID),
			Applied:         a.Applied,
			RemainingBefore: a.RemainingBefore,
			RemainingAfter:  a.RemainingAfter,
		}
	}
	writeJSON(w, http.StatusCreated, CreatePaymentResponse{
		Payment:      toPaymentDTO(*p),
		Allocations:  allocs,
		TotalApplied: res.TotalApplied,
		Absorbed:     res.Absorbed,
	})
}

// DeletePayment removes a payment and reconciles the account.
// DELETE /api/payments/{id}
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id := ledger.PaymentID(chi.URLParam(r, "id"))
	res, err := h.Service.DeletePayment(r.Context(), auth.UserID(r.Context()), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(res))
}

// =============================================================================
// HELPERS
// =============================================================================

func accountParam(r *http.Request) ledger.AccountID {
	return ledger.AccountID(chi.URLParam(r, "id"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func parseDateField(w http.ResponseWriter, s string) (ledger.Date, bool) {
	if strings.TrimSpace(s) == "" {
		writeError(w, http.StatusBadRequest, "Validation failed", &ledger.ValidationError{Field: "date", Reason: "required"})
		return ledger.Date{}, false
	}
	d, err := ledger.ParseDate(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", &ledger.ValidationError{Field: "date", Reason: "expected YYYY-MM-DD"})
		return ledger.Date{}, false
	}
	return d, true
}

// writeServiceError maps ledger errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "Validation failed", map[string]string{"field": verr.Field, "reason": verr.Reason})
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "Already exists", err)
	case ledger.IsRetryable(err):
		writeError(w, http.StatusConflict, "Concurrent modification, retry the request", err)
	default:
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an ErrorResponse. details may be an error, a map, or nil.
func writeError(w http.ResponseWriter, status int, message string, details any) {
	resp := ErrorResponse{Error: message}
	switch d := details.(type) {
	case nil:
	case error:
		resp.Details = d.Error()
	default:
		resp.Details = d
	}
	writeJSON(w, status, resp)
}
