package rebate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purehealth/rebate-engine/rebate"
)

func kinds(report rebate.ConsistencyReport) []rebate.DiscrepancyKind {
	out := make([]rebate.DiscrepancyKind, 0, len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		out = append(out, d.Kind)
	}
	return out
}

func TestCheckConsistency_CleanDay(t *testing.T) {
	w := cruzWorld()
	w.txn("txn-r", refPtr(reyesID), march3, td("td-r", "lab", "100"))
	require.NoError(t, w.r.OnTransactionCreated(w.ctx, "txn-1", "user-7"))
	require.NoError(t, w.r.OnTransactionCreated(w.ctx, "txn-r", "user-7"))

	report := w.report(march3Day)

	assert.True(t, report.OK())
	assert.Equal(t, 2, report.Records)
	assert.Equal(t, 2, report.Items)
	assert.True(t, dec("180").Equal(report.LedgerTotal))
	assert.True(t, dec("180").Equal(report.ExpenseTotal))
}

func TestCheckConsistency_EmptyDay(t *testing.T) {
	w := cruzWorld()
	report := w.report(march3Day.AddDays(1))
	assert.True(t, report.OK())
	assert.Zero(t, report.Records)
	assert.True(t, report.LedgerTotal.IsZero())
}

func TestCheckConsistency_AmountMismatch(t *testing.T) {
	// GIVEN: An item edited outside the engine
	w := cruzWorld()
	require.NoError(t, w.r.OnTransactionCreated(w.ctx, "txn-1", "user-7"))
	item := *w.itemFor(cruzID, march3Day)
	item.Amount = dec("150")
	w.mem.PutItem(item)

	// WHEN: The day is checked
	report := w.report(march3Day)

	// THEN: Both the item and the container total are flagged
	require.False(t, report.OK())
	assert.ElementsMatch(t, []rebate.DiscrepancyKind{
		rebate.DiscrepancyAmountMismatch,
		rebate.DiscrepancyExpenseTotal,
	}, kinds(report))

	d := report.Discrepancies[0]
	assert.Equal(t, item.ID, d.ItemID)
	assert.True(t, dec("160").Equal(d.LedgerAmount))
	assert.True(t, dec("150").Equal(d.ItemAmount))
}

func TestCheckConsistency_OrphanItem(t *testing.T) {
	w := cruzWorld()
	require.NoError(t, w.r.OnTransactionCreated(w.ctx, "txn-1", "user-7"))
	exp := w.expense(march3Day)
	w.mem.PutItem(rebate.ExpenseItem{
		ID:             "item-stray",
		ExpenseID:      exp.ID,
		RebateRecordID: "rec-unknown",
		ReferrerID:     reyesID,
		PayeeLabel:     "Dr. Reyes",
		Amount:         dec("0"),
	})

	report := w.report(march3Day)

	assert.Equal(t, []rebate.DiscrepancyKind{rebate.DiscrepancyOrphanItem}, kinds(report))
	assert.Equal(t, rebate.ExpenseItemID("item-stray"), report.Discrepancies[0].ItemID)
}

func TestCheckConsistency_MissingItem(t *testing.T) {
	w := cruzWorld()
	w.txn("txn-r", refPtr(reyesID), march3, td("td-r", "lab", "100"))
	require.NoError(t, w.r.OnTransactionCreated(w.ctx, "txn-1", "user-7"))
	require.NoError(t, w.r.OnTransactionCreated(w.ctx, "txn-r", "user-7"))

	// Remove Reyes's item and restate the container to hide the gap
	item := *w.itemFor(reyesID, march3Day)
	require.NoError(t, w.mem.WithTx(w.ctx, func(tx rebate.Tx) error {
		if err := tx.DeleteExpenseItem(w.ctx, item.ID); err != nil {
			return err
		}
		exp, err := tx.FindRebateExpense(w.ctx, march3Day)
		if err != nil {
			return err
		}
		exp.TotalAmount = dec("160")
		return tx.SaveExpense(w.ctx, *exp)
	}))

	report := w.report(march3Day)

	require.Equal(t, []rebate.DiscrepancyKind{rebate.DiscrepancyMissingItem}, kinds(report))
	assert.Equal(t, reyesID, report.Discrepancies[0].Key.ReferrerID)
	assert.True(t, dec("20").Equal(report.Discrepancies[0].LedgerAmount))
}
