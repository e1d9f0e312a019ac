/*
handlers.go - HTTP adapter for billing lifecycle events

PURPOSE:
  Exposes the rebate engine over REST. The billing system (or a demo
  client) posts transaction lifecycle events here; each handler updates the
  billing read model and calls the matching Reconciler handler.

ENDPOINTS:
  Referrers:
    GET    /api/referrers                      List referrers
    POST   /api/referrers                      Create or update referrer

  Transactions:
    POST   /api/transactions                   Create + OnTransactionCreated
    GET    /api/transactions/{id}              Transaction with test details
    POST   /api/transactions/{id}/cancel       OnTransactionCancelled
    POST   /api/transactions/{id}/refunds      OnTestDetailsRefunded
    PUT    /api/transactions/{id}/referrer     OnReferrerChanged

  Ledger:
    GET    /api/rebates?date=YYYY-MM-DD        Ledger rows for a day
    GET    /api/rebates/{date}/consistency     Ledger vs mirror check
    GET    /api/expenses/{date}                Rebate expense + items
    GET    /api/audit                          Audit trail (if enabled)

ORDERING:
  Creation saves the read model first, then records the rebate from it.
  Cancel, refund and referrer change call the reconciler first and update
  the read model only after it succeeds, so a failed event leaves both
  sides untouched. The reconciler tolerates either order.

ACTING USER:
  Taken from the X-User-ID header; "system" when absent.

ERROR HANDLING:
  - 400: Validation errors, invalid amounts, detail/transaction mismatch
  - 404: Transaction, referrer or ledger row not found
  - 409: Replayed creation, expense mirror desync
  - 500: Internal errors

SECURITY NOTE:
  No authentication. X-User-ID is trusted as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/purehealth/rebate-engine/rebate"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the billing read model plus the engine's unit of work.
type Store interface {
	rebate.UnitOfWork

	SaveReferrer(ctx context.Context, ref rebate.Referrer) error
	ListReferrers(ctx context.Context) ([]rebate.Referrer, error)
	SaveTransaction(ctx context.Context, txn rebate.Transaction, details []rebate.TestDetail) error
	SetTransactionReferrer(ctx context.Context, id rebate.TransactionID, ref *rebate.ReferrerID) error
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      Store
	Reconciler *rebate.Reconciler
	Audit      rebate.AuditLog // nil when auditing is disabled

	log *zap.Logger

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a new handler. audit may be nil.
func NewHandler(store Store, reconciler *rebate.Reconciler, audit rebate.AuditLog, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:      store,
		Reconciler: reconciler,
		Audit:      audit,
		log:        log,
	}
}

// actor is the user on whose behalf the request runs.
func actor(r *http.Request) rebate.UserID {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return rebate.UserID(id)
	}
	return "system"
}

// =============================================================================
// REFERRER HANDLERS
// =============================================================================

// ListReferrers returns all referrers.
func (h *Handler) ListReferrers(w http.ResponseWriter, r *http.Request) {
	refs, err := h.Store.ListReferrers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list referrers", err)
		return
	}

	dtos := make([]ReferrerDTO, len(refs))
	for i, ref := range refs {
		dtos[i] = toReferrerDTO(ref)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateReferrer creates or updates a referrer.
func (h *Handler) CreateReferrer(w http.ResponseWriter, r *http.Request) {
	var req CreateReferrerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.LastName) == "" {
		writeError(w, http.StatusBadRequest, "last_name is required", nil)
		return
	}
	if req.ID == "" {
		req.ID = "ref-" + uuid.NewString()
	}

	ref := rebate.Referrer{ID: rebate.ReferrerID(req.ID), FirstName: req.FirstName, LastName: req.LastName}
	if err := h.Store.SaveReferrer(r.Context(), ref); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save referrer", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferrerDTO(ref))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateTransaction stores a billing transaction and records its rebate.
// POST /api/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	at, err := parseTransactionDate(req.TransactionDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid transaction_date (use RFC3339 or YYYY-MM-DD)", err)
		return
	}
	if req.ID == "" {
		req.ID = "txn-" + uuid.NewString()
	}

	txn := rebate.Transaction{ID: rebate.TransactionID(req.ID), TransactionDate: at}
	if req.ReferrerID != nil && *req.ReferrerID != "" {
		ref := rebate.ReferrerID(*req.ReferrerID)
		txn.ReferrerID = &ref
	}

	details := make([]rebate.TestDetail, len(req.TestDetails))
	for i, in := range req.TestDetails {
		if in.DiscountedPrice.IsNegative() {
			writeError(w, http.StatusBadRequest, "discounted_price must not be negative", nil)
			return
		}
		if in.ID == "" {
			in.ID = "td-" + uuid.NewString()
		}
		details[i] = rebate.TestDetail{
			ID:              rebate.TestDetailID(in.ID),
			TransactionID:   txn.ID,
			DepartmentID:    rebate.DepartmentID(in.DepartmentID),
			DiscountedPrice: in.DiscountedPrice,
			Status:          rebate.TestDetailActive,
		}
	}

	existing, err := h.loadTransaction(ctx, txn.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load transaction", err)
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "Transaction already exists", nil)
		return
	}
	if txn.HasReferrer() {
		ok, err := h.referrerExists(ctx, *txn.ReferrerID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to load referrer", err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "Referrer not found", nil)
			return
		}
	}

	if err := h.Store.SaveTransaction(ctx, txn, details); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save transaction", err)
		return
	}
	if err := h.Reconciler.OnTransactionCreated(ctx, txn.ID, actor(r)); err != nil {
		h.writeEngineError(w, "Failed to record rebate", err)
		return
	}

	writeJSON(w, http.StatusCreated, toTransactionDTO(txn, details, h.Reconciler.Rate()))
}

// GetTransaction returns a transaction and its test details.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := rebate.TransactionID(chi.URLParam(r, "id"))

	txn, details, err := h.loadWithDetails(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load transaction", err)
		return
	}
	if txn == nil {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*txn, details, h.Reconciler.Rate()))
}

// CancelTransaction reverses the transaction's rebate and marks its active
// test details cancelled.
// POST /api/transactions/{id}/cancel
func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := rebate.TransactionID(chi.URLParam(r, "id"))

	txn, details, err := h.loadWithDetails(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load transaction", err)
		return
	}
	if txn == nil {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}

	active := 0
	for _, td := range details {
		if td.IsActive() {
			active++
		}
	}

	// The reconciler flips the active details to cancelled in the same
	// transaction as the reversal.
	if err := h.Reconciler.OnTransactionCancelled(ctx, id, actor(r)); err != nil {
		h.writeEngineError(w, "Failed to reverse rebate", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "cancelled",
		"cancelled": active,
	})
}

// RefundTestDetails deducts the rebate of the refunded lines.
// POST /api/transactions/{id}/refunds
func (h *Handler) RefundTestDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := rebate.TransactionID(chi.URLParam(r, "id"))

	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.TestDetailIDs) == 0 {
		writeError(w, http.StatusBadRequest, "test_detail_ids is required", nil)
		return
	}

	txn, details, err := h.loadWithDetails(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load transaction", err)
		return
	}
	if txn == nil {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}

	byID := make(map[rebate.TestDetailID]rebate.TestDetail, len(details))
	for _, td := range details {
		byID[td.ID] = td
	}
	refunded := make([]rebate.TestDetail, 0, len(req.TestDetailIDs))
	ids := make([]rebate.TestDetailID, 0, len(req.TestDetailIDs))
	for _, raw := range req.TestDetailIDs {
		td, ok := byID[rebate.TestDetailID(raw)]
		if !ok {
			writeError(w, http.StatusBadRequest, "Test detail "+raw+" is not on this transaction", nil)
			return
		}
		if !td.IsActive() {
			writeError(w, http.StatusConflict, "Test detail "+raw+" is already "+string(td.Status), nil)
			return
		}
		refunded = append(refunded, td)
		ids = append(ids, td.ID)
	}

	if err := h.Reconciler.OnTestDetailsRefunded(ctx, id, refunded, actor(r)); err != nil {
		h.writeEngineError(w, "Failed to deduct refunded rebate", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "refunded",
		"refunded": len(ids),
		"amount":   rebate.ComputeRebate(rebate.ComputeDepartmentTotals(refunded), h.Reconciler.Rate()).Total,
	})
}

// ChangeReferrer moves the transaction's rebate to another referrer, or
// removes it.
// PUT /api/transactions/{id}/referrer
func (h *Handler) ChangeReferrer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := rebate.TransactionID(chi.URLParam(r, "id"))

	var req ChangeReferrerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	txn, err := h.loadTransaction(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load transaction", err)
		return
	}
	if txn == nil {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}

	var newRef *rebate.ReferrerID
	if req.ReferrerID != nil && *req.ReferrerID != "" {
		ref := rebate.ReferrerID(*req.ReferrerID)
		newRef = &ref
	}

	if err := h.Reconciler.OnReferrerChanged(ctx, id, txn.ReferrerID, newRef, actor(r)); err != nil {
		h.writeEngineError(w, "Failed to move rebate", err)
		return
	}
	if err := h.Store.SetTransactionReferrer(ctx, id, newRef); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update referrer", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "updated",
		"referrer_id": newRef,
	})
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ListRebates returns the ledger rows for one day.
// GET /api/rebates?date=YYYY-MM-DD
func (h *Handler) ListRebates(w http.ResponseWriter, r *http.Request) {
	day, err := rebate.ParseDay(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	var records []rebate.RebateRecord
	err = h.Store.WithTx(r.Context(), func(tx rebate.Tx) error {
		var err error
		records, err = tx.ListRebateRecords(r.Context(), day)
		return err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rebates", err)
		return
	}

	dtos := make([]RebateRecordDTO, len(records))
	for i, rec := range records {
		dtos[i] = toRebateRecordDTO(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": day.String(), "rebates": dtos})
}

// GetExpense returns the day's rebate expense and its items.
// GET /api/expenses/{date}
func (h *Handler) GetExpense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	day, err := rebate.ParseDay(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	var (
		exp   *rebate.Expense
		items []rebate.ExpenseItem
	)
	err = h.Store.WithTx(ctx, func(tx rebate.Tx) error {
		var err error
		exp, err = tx.FindRebateExpense(ctx, day)
		if err != nil || exp == nil {
			return err
		}
		items, err = tx.ListExpenseItems(ctx, exp.ID)
		return err
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load expense", err)
		return
	}
	if exp == nil {
		writeError(w, http.StatusNotFound, "No rebate expense for "+day.String(), nil)
		return
	}
	writeJSON(w, http.StatusOK, toExpenseDTO(*exp, items))
}

// CheckConsistency compares the day's ledger rows with the expense mirror.
// GET /api/rebates/{date}/consistency
func (h *Handler) CheckConsistency(w http.ResponseWriter, r *http.Request) {
	day, err := rebate.ParseDay(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date", err)
		return
	}

	report, err := h.Reconciler.CheckConsistency(r.Context(), day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to check consistency", err)
		return
	}
	writeJSON(w, http.StatusOK, toConsistencyDTO(report))
}

// ListAudit returns audit entries.
// GET /api/audit?transaction_id=&actor_id=&action=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.Audit == nil {
		writeError(w, http.StatusNotFound, "Audit log is not enabled", nil)
		return
	}

	q := r.URL.Query()
	var filter rebate.AuditFilter
	if v := q.Get("transaction_id"); v != "" {
		id := rebate.TransactionID(v)
		filter.TransactionID = &id
	}
	if v := q.Get("actor_id"); v != "" {
		uid := rebate.UserID(v)
		filter.ActorID = &uid
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, rebate.AuditAction(a))
	}

	entries, err := h.Audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit log", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:            e.ID,
			Timestamp:     e.Timestamp.Format(time.RFC3339),
			ActorID:       string(e.ActorID),
			Action:        string(e.Action),
			TransactionID: string(e.TransactionID),
			Payload:       e.Payload,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": dtos})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) loadTransaction(ctx context.Context, id rebate.TransactionID) (*rebate.Transaction, error) {
	var txn *rebate.Transaction
	err := h.Store.WithTx(ctx, func(tx rebate.Tx) error {
		var err error
		txn, err = tx.GetTransaction(ctx, id)
		return err
	})
	return txn, err
}

func (h *Handler) loadWithDetails(ctx context.Context, id rebate.TransactionID) (*rebate.Transaction, []rebate.TestDetail, error) {
	var (
		txn     *rebate.Transaction
		details []rebate.TestDetail
	)
	err := h.Store.WithTx(ctx, func(tx rebate.Tx) error {
		var err error
		txn, err = tx.GetTransaction(ctx, id)
		if err != nil || txn == nil {
			return err
		}
		details, err = tx.ListTestDetails(ctx, id)
		return err
	})
	return txn, details, err
}

func (h *Handler) referrerExists(ctx context.Context, id rebate.ReferrerID) (bool, error) {
	var ref *rebate.Referrer
	err := h.Store.WithTx(ctx, func(tx rebate.Tx) error {
		var err error
		ref, err = tx.GetReferrer(ctx, id)
		return err
	})
	return ref != nil, err
}

func parseTransactionDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// writeEngineError maps reconciler errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case rebate.IsDesync(err):
		h.log.Error("rebate event rejected, expense mirror out of sync", zap.Error(err))
		writeError(w, http.StatusConflict, "Expense mirror out of sync, manual reconciliation required", err)
	case rebate.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case rebate.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case rebate.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.log.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
