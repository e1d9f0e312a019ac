package rebate

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONSISTENCY CHECK - Read-only verification of ledger vs mirror
// =============================================================================

type DiscrepancyKind string

const (
	DiscrepancyMissingItem    DiscrepancyKind = "missing_item"    // positive record, no item
	DiscrepancyOrphanItem     DiscrepancyKind = "orphan_item"     // item with no positive record
	DiscrepancyAmountMismatch DiscrepancyKind = "amount_mismatch" // item != record total
	DiscrepancyDuplicateItem  DiscrepancyKind = "duplicate_item"  // two items for one record
	DiscrepancyExpenseTotal   DiscrepancyKind = "expense_total"   // expense total != sum(items)
	DiscrepancyStatus         DiscrepancyKind = "record_status"   // status disagrees with total
)

type Discrepancy struct {
	Kind         DiscrepancyKind
	Key          RebateKey
	RecordID     RebateRecordID
	ItemID       ExpenseItemID
	LedgerAmount decimal.Decimal
	ItemAmount   decimal.Decimal
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s %s: ledger %s, item %s", d.Kind, d.Key, d.LedgerAmount, d.ItemAmount)
}

// ConsistencyReport summarizes one day.
type ConsistencyReport struct {
	Day           Day
	Records       int
	Items         int
	LedgerTotal   decimal.Decimal
	ExpenseTotal  decimal.Decimal
	Discrepancies []Discrepancy
}

func (r ConsistencyReport) OK() bool { return len(r.Discrepancies) == 0 }

// CheckConsistency verifies the day inside its own read transaction.
func (r *Reconciler) CheckConsistency(ctx context.Context, day Day) (ConsistencyReport, error) {
	var report ConsistencyReport
	err := r.uow.WithTx(ctx, func(tx Tx) error {
		var err error
		report, err = CheckDay(ctx, tx, day)
		return err
	})
	return report, err
}

// CheckDay compares every ledger row of the day with the mirrored items.
func CheckDay(ctx context.Context, tx Tx, day Day) (ConsistencyReport, error) {
	report := ConsistencyReport{Day: day, LedgerTotal: decimal.Zero, ExpenseTotal: decimal.Zero}

	records, err := tx.ListRebateRecords(ctx, day)
	if err != nil {
		return report, fmt.Errorf("list rebate records %s: %w", day, err)
	}
	report.Records = len(records)

	var items []ExpenseItem
	exp, err := tx.FindRebateExpense(ctx, day)
	if err != nil {
		return report, fmt.Errorf("load rebate expense %s: %w", day, err)
	}
	if exp != nil {
		items, err = tx.ListExpenseItems(ctx, exp.ID)
		if err != nil {
			return report, fmt.Errorf("list rebate expense items %s: %w", exp.ID, err)
		}
	}
	report.Items = len(items)

	byRecord := make(map[RebateRecordID][]ExpenseItem, len(items))
	itemSum := decimal.Zero
	for _, it := range items {
		byRecord[it.RebateRecordID] = append(byRecord[it.RebateRecordID], it)
		itemSum = itemSum.Add(it.Amount)
	}

	known := make(map[RebateRecordID]bool, len(records))
	for _, rec := range records {
		known[rec.ID] = true
		report.LedgerTotal = report.LedgerTotal.Add(rec.TotalRebateAmount)

		if rec.Status != statusFor(rec.TotalRebateAmount) || rec.TotalRebateAmount.IsNegative() {
			report.add(DiscrepancyStatus, rec, nil)
		}

		linked := byRecord[rec.ID]
		switch {
		case rec.TotalRebateAmount.IsPositive() && len(linked) == 0:
			report.add(DiscrepancyMissingItem, rec, nil)
		case !rec.TotalRebateAmount.IsPositive() && len(linked) > 0:
			for i := range linked {
				report.add(DiscrepancyOrphanItem, rec, &linked[i])
			}
		case len(linked) > 1:
			for i := range linked {
				report.add(DiscrepancyDuplicateItem, rec, &linked[i])
			}
		case len(linked) == 1 && !linked[0].Amount.Equal(rec.TotalRebateAmount):
			report.add(DiscrepancyAmountMismatch, rec, &linked[0])
		}
	}

	for _, it := range items {
		if known[it.RebateRecordID] {
			continue
		}
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Kind:         DiscrepancyOrphanItem,
			Key:          RebateKey{ReferrerID: it.ReferrerID, Day: day},
			ItemID:       it.ID,
			LedgerAmount: decimal.Zero,
			ItemAmount:   it.Amount,
		})
	}

	if exp != nil {
		report.ExpenseTotal = exp.TotalAmount
		if !exp.TotalAmount.Equal(itemSum) {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Kind:         DiscrepancyExpenseTotal,
				Key:          RebateKey{Day: day},
				LedgerAmount: itemSum,
				ItemAmount:   exp.TotalAmount,
			})
		}
	}
	return report, nil
}

func (r *ConsistencyReport) add(kind DiscrepancyKind, rec RebateRecord, item *ExpenseItem) {
	d := Discrepancy{
		Kind:         kind,
		Key:          rec.Key(),
		RecordID:     rec.ID,
		LedgerAmount: rec.TotalRebateAmount,
		ItemAmount:   decimal.Zero,
	}
	if item != nil {
		d.ItemID = item.ID
		d.ItemAmount = item.Amount
	}
	r.Discrepancies = append(r.Discrepancies, d)
}
