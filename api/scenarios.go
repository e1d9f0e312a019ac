/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	billing data and drive it through the reconciler, so the ledger and the
	expense mirror show the result of real lifecycle events.

AVAILABLE SCENARIOS:

	cruz:          One 800 transaction for Dr. Cruz (160 rebate)
	refund:        1000 + 500 transaction, the 500 line refunded (200 left)
	referrer-swap: Dr. Cruz's transaction moved to Dr. Reyes
	same-surname:  Two referrers named Cruz on one day, kept apart

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create referrers
 3. Save transactions and test details for today
 4. Replay lifecycle events through the reconciler

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "cruz"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Lifecycle handlers the loaders mirror
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/purehealth/rebate-engine/rebate"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "cruz",
		Name:        "Dr. Cruz",
		Description: "Lab 500 + X-ray 300 referred by Dr. Cruz, a 160 rebate",
	},
	{
		ID:          "refund",
		Name:        "Partial Refund",
		Description: "Lab 1000 + X-ray 500 with the X-ray refunded, 300 down to 200",
	},
	{
		ID:          "referrer-swap",
		Name:        "Referrer Swap",
		Description: "Dr. Cruz's transaction re-attributed to Dr. Reyes",
	},
	{
		ID:          "same-surname",
		Name:        "Same Surname",
		Description: "Two referrers named Cruz on one day get separate expense items",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	var load func(context.Context, time.Time) error
	switch req.ScenarioID {
	case "cruz":
		load = h.loadCruzScenario
	case "refund":
		load = h.loadRefundScenario
	case "referrer-swap":
		load = h.loadReferrerSwapScenario
	case "same-surname":
		load = h.loadSameSurnameScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	at := scenarioTime(time.Now())
	if err := load(ctx, at); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
		"date":     rebate.DayOf(at).String(),
	})
}

// scenarioTime is 10:00 UTC on the day of now.
func scenarioTime(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 10, 0, 0, 0, time.UTC)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadCruzScenario(ctx context.Context, at time.Time) error {
	if err := h.seedReferrers(ctx); err != nil {
		return err
	}
	return h.seedTransaction(ctx, "txn-cruz-1", "ref-cruz", at,
		line("td-cruz-lab", "lab", "500"),
		line("td-cruz-xray", "xray", "300"),
	)
}

func (h *Handler) loadRefundScenario(ctx context.Context, at time.Time) error {
	if err := h.seedReferrers(ctx); err != nil {
		return err
	}
	xray := line("td-refund-xray", "xray", "500")
	if err := h.seedTransaction(ctx, "txn-refund-1", "ref-cruz", at,
		line("td-refund-lab", "lab", "1000"),
		xray,
	); err != nil {
		return err
	}

	xray.TransactionID = "txn-refund-1"
	return h.Reconciler.OnTestDetailsRefunded(ctx, "txn-refund-1", []rebate.TestDetail{xray}, "scenario")
}

func (h *Handler) loadReferrerSwapScenario(ctx context.Context, at time.Time) error {
	if err := h.loadCruzScenario(ctx, at); err != nil {
		return err
	}
	from, to := rebate.ReferrerID("ref-cruz"), rebate.ReferrerID("ref-reyes")
	if err := h.Reconciler.OnReferrerChanged(ctx, "txn-cruz-1", &from, &to, "scenario"); err != nil {
		return err
	}
	return h.Store.SetTransactionReferrer(ctx, "txn-cruz-1", &to)
}

func (h *Handler) loadSameSurnameScenario(ctx context.Context, at time.Time) error {
	if err := h.seedReferrers(ctx); err != nil {
		return err
	}
	if err := h.Store.SaveReferrer(ctx, rebate.Referrer{ID: "ref-cruz-ana", FirstName: "Ana", LastName: "Cruz"}); err != nil {
		return err
	}
	if err := h.seedTransaction(ctx, "txn-maria", "ref-cruz", at, line("td-maria", "lab", "500")); err != nil {
		return err
	}
	return h.seedTransaction(ctx, "txn-ana", "ref-cruz-ana", at.Add(2*time.Hour), line("td-ana", "lab", "250"))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) seedReferrers(ctx context.Context) error {
	for _, ref := range []rebate.Referrer{
		{ID: "ref-cruz", FirstName: "Maria", LastName: "Cruz"},
		{ID: "ref-reyes", FirstName: "Jose", LastName: "Reyes"},
	} {
		if err := h.Store.SaveReferrer(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}

// seedTransaction saves a transaction and records its rebate.
func (h *Handler) seedTransaction(ctx context.Context, id rebate.TransactionID, ref rebate.ReferrerID, at time.Time, details ...rebate.TestDetail) error {
	txn := rebate.Transaction{ID: id, ReferrerID: &ref, TransactionDate: at}
	if err := h.Store.SaveTransaction(ctx, txn, details); err != nil {
		return err
	}
	return h.Reconciler.OnTransactionCreated(ctx, id, "scenario")
}

func line(id rebate.TestDetailID, dept rebate.DepartmentID, price string) rebate.TestDetail {
	return rebate.TestDetail{
		ID:              id,
		DepartmentID:    dept,
		DiscountedPrice: decimal.RequireFromString(price),
		Status:          rebate.TestDetailActive,
	}
}
