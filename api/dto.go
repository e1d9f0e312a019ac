/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the rebate domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are decimal.Decimal, which encodes as a JSON string ("160.5")
  and decodes from either a string or a number. Never float64.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/purehealth/rebate-engine/rebate"
)

// =============================================================================
// REFERRERS
// =============================================================================

type ReferrerDTO struct {
	ID         string `json:"id"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	PayeeLabel string `json:"payee_label"`
}

type CreateReferrerRequest struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func toReferrerDTO(r rebate.Referrer) ReferrerDTO {
	return ReferrerDTO{
		ID:         string(r.ID),
		FirstName:  r.FirstName,
		LastName:   r.LastName,
		PayeeLabel: r.PayeeLabel(),
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TestDetailInput struct {
	ID              string          `json:"id"`
	DepartmentID    string          `json:"department_id"`
	DiscountedPrice decimal.Decimal `json:"discounted_price"`
}

// CreateTransactionRequest records a billing transaction. TransactionDate
// accepts RFC3339 or YYYY-MM-DD; the rebate day is the date in the given
// offset.
type CreateTransactionRequest struct {
	ID              string            `json:"id"`
	ReferrerID      *string           `json:"referrer_id"`
	TransactionDate string            `json:"transaction_date"`
	TestDetails     []TestDetailInput `json:"test_details"`
}

type TestDetailDTO struct {
	ID              string          `json:"id"`
	DepartmentID    string          `json:"department_id"`
	DiscountedPrice decimal.Decimal `json:"discounted_price"`
	Status          string          `json:"status"`
}

type TransactionDTO struct {
	ID              string          `json:"id"`
	ReferrerID      *string         `json:"referrer_id"`
	TransactionDate string          `json:"transaction_date"`
	RebateDate      string          `json:"rebate_date"`
	TestDetails     []TestDetailDTO `json:"test_details"`
	RebateAmount    decimal.Decimal `json:"rebate_amount"`
}

type RefundRequest struct {
	TestDetailIDs []string `json:"test_detail_ids"`
}

// ChangeReferrerRequest sets or clears the referrer. A null or empty
// referrer_id removes it.
type ChangeReferrerRequest struct {
	ReferrerID *string `json:"referrer_id"`
}

func toTransactionDTO(txn rebate.Transaction, details []rebate.TestDetail, rate decimal.Decimal) TransactionDTO {
	dto := TransactionDTO{
		ID:              string(txn.ID),
		TransactionDate: txn.TransactionDate.Format(time.RFC3339),
		RebateDate:      txn.RebateDay().String(),
		TestDetails:     make([]TestDetailDTO, len(details)),
		RebateAmount:    decimal.Zero,
	}
	if txn.HasReferrer() {
		ref := string(*txn.ReferrerID)
		dto.ReferrerID = &ref
		dto.RebateAmount = rebate.ComputeRebate(rebate.ComputeDepartmentTotals(details), rate).Total
	}
	for i, td := range details {
		dto.TestDetails[i] = TestDetailDTO{
			ID:              string(td.ID),
			DepartmentID:    string(td.DepartmentID),
			DiscountedPrice: td.DiscountedPrice,
			Status:          string(td.Status),
		}
	}
	return dto
}

// =============================================================================
// LEDGER AND EXPENSES
// =============================================================================

type RebateRecordDTO struct {
	ID                string          `json:"id"`
	ReferrerID        string          `json:"referrer_id"`
	ReferrerName      string          `json:"referrer_name"`
	RebateDate        string          `json:"rebate_date"`
	TotalRebateAmount decimal.Decimal `json:"total_rebate_amount"`
	TransactionCount  int             `json:"transaction_count"`
	Status            string          `json:"status"`
	UpdatedAt         string          `json:"updated_at"`
}

func toRebateRecordDTO(rec rebate.RebateRecord) RebateRecordDTO {
	return RebateRecordDTO{
		ID:                string(rec.ID),
		ReferrerID:        string(rec.ReferrerID),
		ReferrerName:      rec.ReferrerName,
		RebateDate:        rec.RebateDate.String(),
		TotalRebateAmount: rec.TotalRebateAmount,
		TransactionCount:  rec.TransactionCount,
		Status:            string(rec.Status),
		UpdatedAt:         rec.UpdatedAt.Format(time.RFC3339),
	}
}

type ExpenseItemDTO struct {
	ID             string          `json:"id"`
	RebateRecordID string          `json:"rebate_record_id"`
	ReferrerID     string          `json:"referrer_id"`
	Payee          string          `json:"payee"`
	Purpose        string          `json:"purpose"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	CategoryID     string          `json:"category_id"`
}

type ExpenseDTO struct {
	ID          string           `json:"id"`
	Date        string           `json:"date"`
	Payee       string           `json:"payee"`
	Purpose     string           `json:"purpose"`
	TotalAmount decimal.Decimal  `json:"total_amount"`
	CreatedBy   string           `json:"created_by"`
	Items       []ExpenseItemDTO `json:"items"`
}

func toExpenseDTO(exp rebate.Expense, items []rebate.ExpenseItem) ExpenseDTO {
	dto := ExpenseDTO{
		ID:          string(exp.ID),
		Date:        exp.Date.String(),
		Payee:       exp.PayeeLabel,
		Purpose:     exp.Purpose,
		TotalAmount: exp.TotalAmount,
		CreatedBy:   string(exp.CreatedBy),
		Items:       make([]ExpenseItemDTO, len(items)),
	}
	for i, it := range items {
		dto.Items[i] = ExpenseItemDTO{
			ID:             string(it.ID),
			RebateRecordID: string(it.RebateRecordID),
			ReferrerID:     string(it.ReferrerID),
			Payee:          it.PayeeLabel,
			Purpose:        it.Purpose,
			Amount:         it.Amount,
			Status:         string(it.Status),
			CategoryID:     string(it.CategoryID),
		}
	}
	return dto
}

// =============================================================================
// CONSISTENCY
// =============================================================================

type DiscrepancyDTO struct {
	Kind         string          `json:"kind"`
	ReferrerID   string          `json:"referrer_id,omitempty"`
	RecordID     string          `json:"rebate_record_id,omitempty"`
	ItemID       string          `json:"expense_item_id,omitempty"`
	LedgerAmount decimal.Decimal `json:"ledger_amount"`
	ItemAmount   decimal.Decimal `json:"item_amount"`
}

type ConsistencyDTO struct {
	Date          string           `json:"date"`
	OK            bool             `json:"ok"`
	Records       int              `json:"records"`
	Items         int              `json:"items"`
	LedgerTotal   decimal.Decimal  `json:"ledger_total"`
	ExpenseTotal  decimal.Decimal  `json:"expense_total"`
	Discrepancies []DiscrepancyDTO `json:"discrepancies"`
}

func toConsistencyDTO(report rebate.ConsistencyReport) ConsistencyDTO {
	dto := ConsistencyDTO{
		Date:          report.Day.String(),
		OK:            report.OK(),
		Records:       report.Records,
		Items:         report.Items,
		LedgerTotal:   report.LedgerTotal,
		ExpenseTotal:  report.ExpenseTotal,
		Discrepancies: make([]DiscrepancyDTO, len(report.Discrepancies)),
	}
	for i, d := range report.Discrepancies {
		dto.Discrepancies[i] = DiscrepancyDTO{
			Kind:         string(d.Kind),
			ReferrerID:   string(d.Key.ReferrerID),
			RecordID:     string(d.RecordID),
			ItemID:       string(d.ItemID),
			LedgerAmount: d.LedgerAmount,
			ItemAmount:   d.ItemAmount,
		}
	}
	return dto
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEntryDTO struct {
	ID            string            `json:"id"`
	Timestamp     string            `json:"timestamp"`
	ActorID       string            `json:"actor_id"`
	Action        string            `json:"action"`
	TransactionID string            `json:"transaction_id"`
	Payload       map[string]string `json:"payload"`
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the JSON error format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
