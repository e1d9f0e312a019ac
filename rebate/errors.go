/*
errors.go - Centralized error types for the rebate engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Store implementations and the api package match on these with errors.Is.

ERROR CATEGORIES:
  1. Ledger errors - Invalid amounts, missing ledger rows
  2. Mirror errors - Expense item out of step with its ledger row
  3. Lookup errors - Missing transactions or referrers
  4. State errors - Event replayed against the wrong application state, or
     disagreeing with the journal

PROPAGATION:
  Every ledger-affecting error aborts the unit of work. Nothing here is ever
  logged and swallowed; only audit log failures are (see reconciler.go).

SEE ALSO:
  - ledger.go: Returns InvalidAmountError, RecordNotFoundError
  - mirror.go: Returns MirrorDesyncError
*/
package rebate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned when a computed or requested rebate amount
	// is negative. Nothing is written.
	ErrInvalidAmount = errors.New("invalid rebate amount")

	// ErrRecordNotFound is returned when a deduction targets a (referrer, day)
	// with no ledger row. A deduction implies a prior addition, so this means
	// the caller is inconsistent.
	ErrRecordNotFound = errors.New("rebate record not found")

	// ErrMirrorDesync is returned when an expense item does not match the
	// ledger row it mirrors. Requires manual reconciliation.
	ErrMirrorDesync = errors.New("expense mirror out of sync with rebate ledger")

	// ErrTransactionNotFound is returned when the billing transaction is unknown.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrReferrerNotFound is returned when a referrer id does not resolve.
	ErrReferrerNotFound = errors.New("referrer not found")

	// ErrAlreadyRecorded is returned when a creation event is replayed for a
	// transaction whose rebate is already on the ledger.
	ErrAlreadyRecorded = errors.New("rebate already recorded for transaction")

	// ErrTestDetailMismatch is returned when a refunded test detail belongs
	// to a different transaction than the one named in the event.
	ErrTestDetailMismatch = errors.New("test detail does not belong to transaction")

	// ErrReferrerMismatch is returned when a referrer change names an old
	// referrer other than the one the journal records for the transaction.
	// The caller's view of the transaction is stale.
	ErrReferrerMismatch = errors.New("referrer change does not match recorded referrer")

	// ErrExceedsApplied is returned when a deduction for a transaction is
	// larger than what the journal says the transaction still contributes.
	ErrExceedsApplied = errors.New("deduction exceeds amount applied for transaction")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type InvalidAmountError struct {
	Key    RebateKey
	Amount decimal.Decimal
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid rebate amount %s for %s", e.Amount, e.Key)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

type RecordNotFoundError struct {
	Key RebateKey
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("no rebate record for %s", e.Key)
}

func (e *RecordNotFoundError) Unwrap() error { return ErrRecordNotFound }

// MirrorDesyncError describes a mismatch found before a write.
// ItemAmount is zero when the item is missing.
type MirrorDesyncError struct {
	Key          RebateKey
	LedgerAmount decimal.Decimal
	ItemAmount   decimal.Decimal
	ItemID       ExpenseItemID
}

func (e *MirrorDesyncError) Error() string {
	if e.ItemID == "" {
		return fmt.Sprintf("expense mirror desync for %s: ledger %s, no expense item",
			e.Key, e.LedgerAmount)
	}
	return fmt.Sprintf("expense mirror desync for %s: ledger %s, item %s holds %s",
		e.Key, e.LedgerAmount, e.ItemID, e.ItemAmount)
}

func (e *MirrorDesyncError) Unwrap() error { return ErrMirrorDesync }

type ExceedsAppliedError struct {
	TransactionID TransactionID
	Requested     decimal.Decimal
	Applied       decimal.Decimal
}

func (e *ExceedsAppliedError) Error() string {
	return fmt.Sprintf("deduction %s for %s exceeds applied %s", e.Requested, e.TransactionID, e.Applied)
}

func (e *ExceedsAppliedError) Unwrap() error { return ErrExceedsApplied }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is caused by the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrAlreadyRecorded) ||
		errors.Is(err, ErrTestDetailMismatch)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrReferrerNotFound) ||
		errors.Is(err, ErrRecordNotFound)
}

// IsConflict returns true if the event disagrees with the journal and must
// be retried against fresh state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyRecorded) ||
		errors.Is(err, ErrReferrerMismatch) ||
		errors.Is(err, ErrExceedsApplied)
}

// IsDesync returns true if the error needs manual reconciliation.
func IsDesync(err error) bool {
	return errors.Is(err, ErrMirrorDesync)
}
