/*
mirror.go - Expense mirror for the rebate ledger

PURPOSE:
  Makes rebate liabilities visible in expense reporting. For every day with
  rebates there is one synthetic container Expense (payee "Pure Health",
  purpose "Rebates", no department). Under it there is one ExpenseItem per
  ledger row, linked by RebateRecordID, whose amount equals the row's
  TotalRebateAmount.

INVARIANTS:
  1. item.Amount == linked RebateRecord.TotalRebateAmount
  2. Expense.TotalAmount == sum of its items
  3. An item reaching zero is deleted; an expense with no items is deleted

DESYNC DETECTION:
  Every operation receives the ledger Change it mirrors. Before writing,
  the item's current amount must equal Change.Before (zero for a missing
  item). A mismatch means someone wrote one store without the other. It is
  returned as MirrorDesyncError and logged; it is never overwritten.

LINKING:
  Items are found by (ExpenseID, RebateRecordID). Payee labels are display
  only, so two referrers with the same last name get separate items.

SEE ALSO:
  - ledger.go: Produces Change
  - reconciler.go: Orchestrates ledger + mirror
  - consistency.go: Full-day verification
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

// Mirror maintains the rebate expense rows. It holds no per-key state.
type Mirror struct {
	log *zap.Logger
	now func() time.Time
}

func NewMirror(log *zap.Logger) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{log: log, now: func() time.Time { return time.Now().UTC() }}
}

// =============================================================================
// ADD OR INCREASE
// =============================================================================

// AddOrIncrease mirrors a ledger addition: find-or-create the day's expense
// and the item linked to change.Record, then move both by change.Applied.
func (m *Mirror) AddOrIncrease(ctx context.Context, store ExpenseStore, change Change, referrer Referrer, actor UserID) error {
	day := change.Record.RebateDate

	exp, item, err := m.load(ctx, store, day, change.Record.ID)
	if err != nil {
		return err
	}
	if err := m.checkSync(change, item); err != nil {
		return err
	}
	if change.Applied.IsZero() {
		return nil
	}

	now := m.now()
	if exp == nil {
		exp = &Expense{
			ID:          ExpenseID(uuid.NewString()),
			Date:        day,
			PayeeLabel:  RebateExpensePayee,
			Purpose:     RebateExpensePurpose,
			TotalAmount: decimal.Zero,
			CreatedBy:   actor,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := store.SaveExpense(ctx, *exp); err != nil {
			return fmt.Errorf("create rebate expense %s: %w", day, err)
		}
	}

	if item == nil {
		category, err := store.EnsureCategory(ctx, RebateCategoryName)
		if err != nil {
			return fmt.Errorf("ensure %q category: %w", RebateCategoryName, err)
		}
		item = &ExpenseItem{
			ID:             ExpenseItemID(uuid.NewString()),
			ExpenseID:      exp.ID,
			RebateRecordID: change.Record.ID,
			ReferrerID:     referrer.ID,
			PayeeLabel:     referrer.PayeeLabel(),
			Purpose:        RebateItemPurpose,
			Amount:         change.Applied,
			Status:         ExpenseItemPending,
			CategoryID:     category.ID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	} else {
		item.Amount = item.Amount.Add(change.Applied)
		item.UpdatedAt = now
	}
	if err := store.SaveExpenseItem(ctx, *item); err != nil {
		return fmt.Errorf("save rebate expense item %s: %w", item.ID, err)
	}

	return m.retotal(ctx, store, exp)
}

// =============================================================================
// DECREASE OR REMOVE
// =============================================================================

// DecreaseOrRemove mirrors a ledger deduction. A missing expense or item is
// a no-op only when the ledger held nothing for the key.
func (m *Mirror) DecreaseOrRemove(ctx context.Context, store ExpenseStore, change Change) error {
	exp, item, err := m.load(ctx, store, change.Record.RebateDate, change.Record.ID)
	if err != nil {
		return err
	}
	if err := m.checkSync(change, item); err != nil {
		return err
	}
	if item == nil || change.Applied.IsZero() {
		return nil
	}

	delta := decimal.Min(change.Applied, item.Amount)
	item.Amount = item.Amount.Sub(delta)
	if item.Amount.IsZero() {
		if err := store.DeleteExpenseItem(ctx, item.ID); err != nil {
			return fmt.Errorf("delete rebate expense item %s: %w", item.ID, err)
		}
	} else {
		item.UpdatedAt = m.now()
		if err := store.SaveExpenseItem(ctx, *item); err != nil {
			return fmt.Errorf("save rebate expense item %s: %w", item.ID, err)
		}
	}

	return m.retotal(ctx, store, exp)
}

// =============================================================================
// RENAME / TRANSFER
// =============================================================================

// RenamePayee relinks the item mirroring from to the record to, rewriting
// payee label and referrer in place. Amount, ID and status are preserved.
func (m *Mirror) RenamePayee(ctx context.Context, store ExpenseStore, day Day, from RebateRecordID, to RebateRecord, referrer Referrer) error {
	exp, item, err := m.load(ctx, store, day, from)
	if err != nil {
		return err
	}
	if item == nil {
		return &MirrorDesyncError{Key: to.Key(), LedgerAmount: to.TotalRebateAmount}
	}

	item.RebateRecordID = to.ID
	item.ReferrerID = referrer.ID
	item.PayeeLabel = referrer.PayeeLabel()
	item.UpdatedAt = m.now()
	if err := store.SaveExpenseItem(ctx, *item); err != nil {
		return fmt.Errorf("relabel rebate expense item %s: %w", item.ID, err)
	}

	m.log.Debug("rebate expense item relabelled",
		zap.String("expense_id", string(exp.ID)),
		zap.String("item_id", string(item.ID)),
		zap.String("payee", item.PayeeLabel),
	)
	return nil
}

// Transfer mirrors moving an amount from one ledger row to another on the
// same day. When the old item holds exactly the moved amount and the new
// referrer has no item yet, the item is relabelled in place; otherwise the
// old item is decreased and the new one increased.
func (m *Mirror) Transfer(ctx context.Context, store ExpenseStore, from, to Change, referrer Referrer, actor UserID) error {
	day := from.Record.RebateDate

	_, fromItem, err := m.load(ctx, store, day, from.Record.ID)
	if err != nil {
		return err
	}
	if err := m.checkSync(from, fromItem); err != nil {
		return err
	}
	_, toItem, err := m.load(ctx, store, day, to.Record.ID)
	if err != nil {
		return err
	}
	if err := m.checkSync(to, toItem); err != nil {
		return err
	}

	if fromItem != nil && toItem == nil &&
		fromItem.Amount.Equal(from.Applied) && from.Applied.Equal(to.Applied) {
		return m.RenamePayee(ctx, store, day, from.Record.ID, to.Record, referrer)
	}

	if err := m.DecreaseOrRemove(ctx, store, from); err != nil {
		return err
	}
	return m.AddOrIncrease(ctx, store, to, referrer, actor)
}

// =============================================================================
// HELPERS
// =============================================================================

func (m *Mirror) load(ctx context.Context, store ExpenseStore, day Day, recordID RebateRecordID) (*Expense, *ExpenseItem, error) {
	exp, err := store.FindRebateExpense(ctx, day)
	if err != nil {
		return nil, nil, fmt.Errorf("load rebate expense %s: %w", day, err)
	}
	if exp == nil {
		return nil, nil, nil
	}
	item, err := store.FindRebateItem(ctx, exp.ID, recordID)
	if err != nil {
		return nil, nil, fmt.Errorf("load rebate expense item for record %s: %w", recordID, err)
	}
	return exp, item, nil
}

// checkSync compares the item with the ledger balance before the write.
func (m *Mirror) checkSync(change Change, item *ExpenseItem) error {
	itemAmount := decimal.Zero
	var itemID ExpenseItemID
	if item != nil {
		itemAmount = item.Amount
		itemID = item.ID
	}
	if itemAmount.Equal(change.Before) {
		return nil
	}

	err := &MirrorDesyncError{
		Key:          change.Record.Key(),
		LedgerAmount: change.Before,
		ItemAmount:   itemAmount,
		ItemID:       itemID,
	}
	m.log.Error("CRITICAL: rebate expense mirror desync, manual reconciliation required",
		zap.String("referrer_id", string(change.Record.ReferrerID)),
		zap.String("rebate_date", change.Record.RebateDate.String()),
		zap.String("rebate_record_id", string(change.Record.ID)),
		zap.String("expense_item_id", string(itemID)),
		zap.Stringer("ledger_amount", change.Before),
		zap.Stringer("item_amount", itemAmount),
	)
	return err
}

// retotal sets the expense total to the sum of its items, deleting the
// expense when none remain.
func (m *Mirror) retotal(ctx context.Context, store ExpenseStore, exp *Expense) error {
	items, err := store.ListExpenseItems(ctx, exp.ID)
	if err != nil {
		return fmt.Errorf("list rebate expense items %s: %w", exp.ID, err)
	}
	if len(items) == 0 {
		if err := store.DeleteExpense(ctx, exp.ID); err != nil {
			return fmt.Errorf("delete rebate expense %s: %w", exp.ID, err)
		}
		return nil
	}

	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Amount)
	}
	exp.TotalAmount = total
	exp.UpdatedAt = m.now()
	if err := store.SaveExpense(ctx, *exp); err != nil {
		return fmt.Errorf("save rebate expense %s: %w", exp.ID, err)
	}
	return nil
}
