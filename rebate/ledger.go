/*
ledger.go - Per (referrer, day) rebate ledger

PURPOSE:
  The rebate ledger holds one running row per referrer per calendar day.
  Every rebate-generating event adds to it; every reversal deducts from it.
  Rows are created on the first addition for a key and updated in place
  after that. They are never deleted: a fully reversed row stays with a
  zero total and status cancelled.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: TotalRebateAmount and TransactionCount never go below 0
  2. STATUS: cancelled iff TotalRebateAmount == 0
  3. UNIQUE: at most one row per (ReferrerID, RebateDate)

CLAMPING:
  Deducting more than the current balance clamps to zero instead of going
  negative. The clamp keeps the invariant but hides whatever upstream drift
  caused the over-deduction, so it is logged at warn level every time it
  triggers. It is a safety net, not a correctness guarantee.

CHANGE:
  Both operations return a Change describing the balance before the write
  and the delta actually applied. The expense mirror uses Change.Before to
  detect desync and Change.Applied to move its own amounts by the same
  (clamped) delta.

SEE ALSO:
  - mirror.go: Consumes Change
  - reconciler.go: Calls UpsertAdd/Deduct inside WithTx
*/
package rebate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Change is the outcome of one ledger write.
type Change struct {
	Record  RebateRecord    // state after the write
	Before  decimal.Decimal // TotalRebateAmount before the write
	Applied decimal.Decimal // magnitude actually added or deducted
	Created bool
}

// Ledger implements the ledger operations. It holds no per-key state.
type Ledger struct {
	log *zap.Logger
	now func() time.Time
}

func NewLedger(log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{log: log, now: func() time.Time { return time.Now().UTC() }}
}

// =============================================================================
// UPSERT ADD
// =============================================================================

// UpsertAdd finds or creates the (referrer, day) row and adds amount to it.
// On create the row starts with TransactionCount 1.
func (l *Ledger) UpsertAdd(ctx context.Context, store LedgerStore, referrerID ReferrerID, day Day, amount decimal.Decimal, referrerName string) (Change, error) {
	key := RebateKey{ReferrerID: referrerID, Day: day}
	if amount.IsNegative() {
		return Change{}, &InvalidAmountError{Key: key, Amount: amount}
	}

	existing, err := store.GetRebateRecord(ctx, key)
	if err != nil {
		return Change{}, fmt.Errorf("load rebate record %s: %w", key, err)
	}

	now := l.now()
	var change Change
	if existing == nil {
		rec := RebateRecord{
			ID:                RebateRecordID(uuid.NewString()),
			ReferrerID:        referrerID,
			RebateDate:        day,
			TotalRebateAmount: amount,
			TransactionCount:  1,
			Status:            statusFor(amount),
			ReferrerName:      referrerName,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		change = Change{Record: rec, Before: decimal.Zero, Applied: amount, Created: true}
	} else {
		rec := *existing
		rec.TotalRebateAmount = rec.TotalRebateAmount.Add(amount)
		rec.TransactionCount++
		rec.Status = statusFor(rec.TotalRebateAmount)
		rec.UpdatedAt = now
		change = Change{Record: rec, Before: existing.TotalRebateAmount, Applied: amount}
	}

	if err := store.SaveRebateRecord(ctx, change.Record); err != nil {
		return Change{}, fmt.Errorf("save rebate record %s: %w", key, err)
	}
	return change, nil
}

// =============================================================================
// DEDUCT
// =============================================================================

// Deduct removes amount from an existing row and counts one fewer
// transaction. The row must exist.
func (l *Ledger) Deduct(ctx context.Context, store LedgerStore, referrerID ReferrerID, day Day, amount decimal.Decimal) (Change, error) {
	return l.deduct(ctx, store, RebateKey{ReferrerID: referrerID, Day: day}, amount, true)
}

// Reduce removes amount from an existing row without changing its
// transaction count. Used for partial refunds, where the transaction still
// contributes to the day.
func (l *Ledger) Reduce(ctx context.Context, store LedgerStore, referrerID ReferrerID, day Day, amount decimal.Decimal) (Change, error) {
	return l.deduct(ctx, store, RebateKey{ReferrerID: referrerID, Day: day}, amount, false)
}

func (l *Ledger) deduct(ctx context.Context, store LedgerStore, key RebateKey, amount decimal.Decimal, countDown bool) (Change, error) {
	if amount.IsNegative() {
		return Change{}, &InvalidAmountError{Key: key, Amount: amount}
	}

	existing, err := store.GetRebateRecord(ctx, key)
	if err != nil {
		return Change{}, fmt.Errorf("load rebate record %s: %w", key, err)
	}
	if existing == nil {
		return Change{}, &RecordNotFoundError{Key: key}
	}

	applied := amount
	if amount.GreaterThan(existing.TotalRebateAmount) {
		applied = existing.TotalRebateAmount
		l.log.Warn("rebate deduction clamped to zero",
			zap.String("referrer_id", string(key.ReferrerID)),
			zap.String("rebate_date", key.Day.String()),
			zap.Stringer("balance", existing.TotalRebateAmount),
			zap.Stringer("requested", amount),
		)
	}

	rec := *existing
	rec.TotalRebateAmount = existing.TotalRebateAmount.Sub(applied)
	if countDown && rec.TransactionCount > 0 {
		rec.TransactionCount--
	}
	rec.Status = statusFor(rec.TotalRebateAmount)
	rec.UpdatedAt = l.now()

	if err := store.SaveRebateRecord(ctx, rec); err != nil {
		return Change{}, fmt.Errorf("save rebate record %s: %w", key, err)
	}
	return Change{Record: rec, Before: existing.TotalRebateAmount, Applied: applied}, nil
}
