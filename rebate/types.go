/*
Package rebate provides the referrer rebate reconciliation engine.

PURPOSE:
  Referring physicians are owed a commission on the revenue their patients
  generate. This package computes that commission, keeps a running ledger per
  (referrer, calendar day), and mirrors each ledger row into the expense
  ledger as a payable line item so the liability shows up in expense reports.

KEY CONCEPTS IN THIS FILE (types.go):
  - Day: A calendar day bucket (rebates aggregate per day, not per timestamp)
  - TestDetail / Transaction / Referrer: Read model of the billing system
  - RebateRecord: Ledger row keyed by (ReferrerID, RebateDate)
  - Expense / ExpenseItem: Mirrored payable rows
  - RebateApplication: Per-transaction journal of what the engine applied

DESIGN PRINCIPLES:
  1. Precision: All money is decimal.Decimal, never float64
  2. Single source of truth: Amounts derive from active test details
  3. Explicit links: Expense items point at their ledger row by ID, not by label
  4. No hidden state: Services are stateless and take an explicit Tx

USAGE:
  r := rebate.NewReconciler(store, rebate.WithLogger(logger))
  err := r.OnTransactionCreated(ctx, "txn-1", "user-7")

SEE ALSO:
  - calculator.go: Rebate computation
  - ledger.go: RebateRecord upsert/deduct
  - mirror.go: Expense mirroring
  - reconciler.go: The four lifecycle event handlers
*/
package rebate

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TransactionID string
type TestDetailID string
type DepartmentID string
type ReferrerID string
type RebateRecordID string
type ExpenseID string
type ExpenseItemID string
type CategoryID string
type UserID string

// =============================================================================
// DAY - Calendar day bucket
// =============================================================================

// Day is a calendar date, taken in the location of the timestamp it came
// from (see DayOf). Rebates aggregate per day, so two
// transactions at 09:00 and 17:00 on the same date share one ledger row.
type Day struct {
	t time.Time
}

const dayLayout = "2006-01-02"

// DayOf truncates a timestamp to its calendar day. The day is taken in the
// timestamp's own location, so a 23:30 local transaction stays on its date.
func DayOf(t time.Time) Day {
	return Day{t: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

func NewDay(year int, month time.Month, day int) Day {
	return Day{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDay parses a YYYY-MM-DD string.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("invalid day %q (use YYYY-MM-DD): %w", s, err)
	}
	return Day{t: t}, nil
}

func MustParseDay(s string) Day {
	d, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Day) Time() time.Time { return d.t }
func (d Day) String() string { return d.t.Format(dayLayout) }
func (d Day) IsZero() bool { return d.t.IsZero() }
func (d Day) Equal(other Day) bool { return d.t.Equal(other.t) }
func (d Day) Before(other Day) bool { return d.t.Before(other.t) }
func (d Day) AddDays(n int) Day { return Day{t: d.t.AddDate(0, 0, n)} }

// =============================================================================
// READ MODEL - Billing transactions, test details, referrers
// =============================================================================

type TestDetailStatus string

const (
	TestDetailActive    TestDetailStatus = "active"
	TestDetailCancelled TestDetailStatus = "cancelled"
	TestDetailRefunded  TestDetailStatus = "refunded"
)

// TestDetail is one billed test on a transaction. DiscountedPrice is what
// was actually charged after all discounts.
type TestDetail struct {
	ID              TestDetailID
	TransactionID   TransactionID
	DepartmentID    DepartmentID
	DiscountedPrice decimal.Decimal
	Status          TestDetailStatus
}

func (td TestDetail) IsActive() bool { return td.Status == TestDetailActive }

// Transaction is the billing header. A nil ReferrerID never generates a rebate.
type Transaction struct {
	ID              TransactionID
	ReferrerID      *ReferrerID
	TransactionDate time.Time
}

// RebateDay is the ledger bucket this transaction aggregates into.
func (t Transaction) RebateDay() Day { return DayOf(t.TransactionDate) }

func (t Transaction) HasReferrer() bool { return t.ReferrerID != nil && *t.ReferrerID != "" }

type Referrer struct {
	ID        ReferrerID
	FirstName string
	LastName  string
}

// PayeeLabel is the human-readable label used on expense items.
func (r Referrer) PayeeLabel() string { return "Dr. " + r.LastName }

// FullName is the snapshot stored on the ledger row.
func (r Referrer) FullName() string {
	if r.FirstName == "" {
		return r.LastName
	}
	return r.FirstName + " " + r.LastName
}

// =============================================================================
// LEDGER - Per (referrer, day) aggregate
// =============================================================================

type RecordStatus string

const (
	RecordActive    RecordStatus = "active"
	RecordCancelled RecordStatus = "cancelled"
)

// RebateKey identifies a ledger row.
type RebateKey struct {
	ReferrerID ReferrerID
	Day        Day
}

func (k RebateKey) String() string { return string(k.ReferrerID) + "@" + k.Day.String() }

// Less orders keys for deadlock-free lock acquisition.
func (k RebateKey) Less(other RebateKey) bool {
	if !k.Day.Equal(other.Day) {
		return k.Day.Before(other.Day)
	}
	return k.ReferrerID < other.ReferrerID
}

// RebateRecord is the running rebate total owed to one referrer for one day.
//
// INVARIANTS:
//   - TotalRebateAmount >= 0 and TransactionCount >= 0
//   - Status == RecordCancelled iff TotalRebateAmount == 0
//   - Never physically deleted
type RebateRecord struct {
	ID                RebateRecordID
	ReferrerID        ReferrerID
	RebateDate        Day
	TotalRebateAmount decimal.Decimal
	TransactionCount  int
	Status            RecordStatus
	ReferrerName      string // snapshot at creation
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (r RebateRecord) Key() RebateKey { return RebateKey{ReferrerID: r.ReferrerID, Day: r.RebateDate} }

func statusFor(total decimal.Decimal) RecordStatus {
	if total.IsZero() {
		return RecordCancelled
	}
	return RecordActive
}

// =============================================================================
// EXPENSE MIRROR - Synthetic payable rows
// =============================================================================

const (
	// RebateExpensePayee identifies the per-day rebate container expense.
	RebateExpensePayee = "Pure Health"
	// RebateExpensePurpose is the purpose recorded on the container expense.
	RebateExpensePurpose = "Rebates"
	// RebateItemPurpose is the fixed purpose of every mirrored item.
	RebateItemPurpose = "Referral Rebate"
	// RebateCategoryName is the expense category rebate items are filed under.
	RebateCategoryName = "Rebates"
)

type ExpenseItemStatus string

const (
	ExpenseItemPending ExpenseItemStatus = "pending"
	ExpenseItemPaid    ExpenseItemStatus = "paid"
)

// Expense is the per-day rebate container. DepartmentID is always nil for
// rebate expenses; that is part of how the container is identified.
type Expense struct {
	ID           ExpenseID
	Date         Day
	PayeeLabel   string
	Purpose      string
	DepartmentID *DepartmentID
	TotalAmount  decimal.Decimal
	CreatedBy    UserID
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExpenseItem mirrors exactly one RebateRecord.
type ExpenseItem struct {
	ID             ExpenseItemID
	ExpenseID      ExpenseID
	RebateRecordID RebateRecordID
	ReferrerID     ReferrerID
	PayeeLabel     string
	Purpose        string
	Amount         decimal.Decimal
	Status         ExpenseItemStatus
	CategoryID     CategoryID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ExpenseCategory struct {
	ID   CategoryID
	Name string
}

// =============================================================================
// APPLICATION JOURNAL - What the engine applied per transaction
// =============================================================================

// ApplicationState is a transaction's rebate contribution state. A
// transaction with no journal entry is in the implicit "none" state.
//
//	none ──create──▶ recorded ──cancel──▶ reversed
//	                 recorded ──referrer removed──▶ detached ──referrer added──▶ recorded
type ApplicationState string

const (
	ApplicationRecorded ApplicationState = "recorded"
	ApplicationReversed ApplicationState = "reversed" // transaction cancelled, terminal
	ApplicationDetached ApplicationState = "detached" // referrer removed, nothing applied
)

// RebateApplication records the amount currently applied to the ledger on
// behalf of one transaction. Deductions for the transaction never exceed
// AppliedAmount. RefundedDetails lists the test details whose rebate has
// already been deducted.
type RebateApplication struct {
	TransactionID   TransactionID
	ReferrerID      ReferrerID
	RebateDate      Day
	AppliedAmount   decimal.Decimal
	State           ApplicationState
	RefundedDetails []TestDetailID
	UpdatedAt       time.Time
}

// HasRefunded reports whether the detail's rebate was already deducted.
func (a *RebateApplication) HasRefunded(id TestDetailID) bool {
	if a == nil {
		return false
	}
	for _, d := range a.RefundedDetails {
		if d == id {
			return true
		}
	}
	return false
}

func (a RebateApplication) Key() RebateKey {
	return RebateKey{ReferrerID: a.ReferrerID, Day: a.RebateDate}
}
