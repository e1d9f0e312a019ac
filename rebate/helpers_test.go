package rebate_test

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/purehealth/rebate-engine/rebate"
	"github.com/purehealth/rebate-engine/rebate/store"
)

// =============================================================================
// TEST HELPERS - Shared by the testify and ginkgo suites
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func refPtr(id rebate.ReferrerID) *rebate.ReferrerID { return &id }

var (
	march3    = time.Date(2025, time.March, 3, 10, 30, 0, 0, time.UTC)
	march3Day = rebate.DayOf(march3)
)

func td(id rebate.TestDetailID, dept rebate.DepartmentID, price string) rebate.TestDetail {
	return rebate.TestDetail{ID: id, DepartmentID: dept, DiscountedPrice: dec(price), Status: rebate.TestDetailActive}
}

// world is a memory store plus a reconciler over it.
type world struct {
	ctx context.Context
	mem *store.Memory
	r   *rebate.Reconciler
}

func newWorld(opts ...rebate.Option) *world {
	mem := store.NewMemory()
	opts = append([]rebate.Option{rebate.WithLogger(zap.NewNop())}, opts...)
	return &world{ctx: context.Background(), mem: mem, r: rebate.NewReconciler(mem, opts...)}
}

func (w *world) referrer(id rebate.ReferrerID, first, last string) {
	if err := w.mem.SaveReferrer(w.ctx, rebate.Referrer{ID: id, FirstName: first, LastName: last}); err != nil {
		panic(err)
	}
}

func (w *world) txn(id rebate.TransactionID, ref *rebate.ReferrerID, at time.Time, details ...rebate.TestDetail) {
	if err := w.mem.SaveTransaction(w.ctx, rebate.Transaction{ID: id, ReferrerID: ref, TransactionDate: at}, details); err != nil {
		panic(err)
	}
}

// record returns the ledger row, or nil.
func (w *world) record(ref rebate.ReferrerID, day rebate.Day) *rebate.RebateRecord {
	var rec *rebate.RebateRecord
	_ = w.mem.WithTx(w.ctx, func(tx rebate.Tx) error {
		var err error
		rec, err = tx.GetRebateRecord(w.ctx, rebate.RebateKey{ReferrerID: ref, Day: day})
		return err
	})
	return rec
}

// total is the ledger total for the key, zero when absent.
func (w *world) total(ref rebate.ReferrerID, day rebate.Day) decimal.Decimal {
	if rec := w.record(ref, day); rec != nil {
		return rec.TotalRebateAmount
	}
	return decimal.Zero
}

func (w *world) expense(day rebate.Day) *rebate.Expense {
	var exp *rebate.Expense
	_ = w.mem.WithTx(w.ctx, func(tx rebate.Tx) error {
		var err error
		exp, err = tx.FindRebateExpense(w.ctx, day)
		return err
	})
	return exp
}

func (w *world) items(day rebate.Day) []rebate.ExpenseItem {
	var items []rebate.ExpenseItem
	_ = w.mem.WithTx(w.ctx, func(tx rebate.Tx) error {
		exp, err := tx.FindRebateExpense(w.ctx, day)
		if err != nil || exp == nil {
			return err
		}
		items, err = tx.ListExpenseItems(w.ctx, exp.ID)
		return err
	})
	return items
}

// itemFor returns the item mirroring the referrer's record, or nil.
func (w *world) itemFor(ref rebate.ReferrerID, day rebate.Day) *rebate.ExpenseItem {
	rec := w.record(ref, day)
	if rec == nil {
		return nil
	}
	for _, it := range w.items(day) {
		if it.RebateRecordID == rec.ID {
			it := it
			return &it
		}
	}
	return nil
}

func (w *world) application(id rebate.TransactionID) *rebate.RebateApplication {
	var app *rebate.RebateApplication
	_ = w.mem.WithTx(w.ctx, func(tx rebate.Tx) error {
		var err error
		app, err = tx.GetApplication(w.ctx, id)
		return err
	})
	return app
}

// statuses returns the stored status of each of the transaction's details.
func (w *world) statuses(id rebate.TransactionID) map[rebate.TestDetailID]rebate.TestDetailStatus {
	out := make(map[rebate.TestDetailID]rebate.TestDetailStatus)
	_ = w.mem.WithTx(w.ctx, func(tx rebate.Tx) error {
		details, err := tx.ListTestDetails(w.ctx, id)
		for _, d := range details {
			out[d.ID] = d.Status
		}
		return err
	})
	return out
}

func (w *world) report(day rebate.Day) rebate.ConsistencyReport {
	report, err := w.r.CheckConsistency(w.ctx, day)
	if err != nil {
		panic(err)
	}
	return report
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// faultyUoW wraps a UnitOfWork and fails one Tx method on demand.
type faultyUoW struct {
	inner rebate.UnitOfWork
	fail  string
	err   error
}

func (f *faultyUoW) WithTx(ctx context.Context, fn func(tx rebate.Tx) error) error {
	return f.inner.WithTx(ctx, func(tx rebate.Tx) error {
		return fn(&faultyTx{Tx: tx, f: f})
	})
}

type faultyTx struct {
	rebate.Tx
	f *faultyUoW
}

func (t *faultyTx) SaveExpenseItem(ctx context.Context, item rebate.ExpenseItem) error {
	if t.f.fail == "SaveExpenseItem" {
		return t.f.err
	}
	return t.Tx.SaveExpenseItem(ctx, item)
}

func (t *faultyTx) SaveApplication(ctx context.Context, app rebate.RebateApplication) error {
	if t.f.fail == "SaveApplication" {
		return t.f.err
	}
	return t.Tx.SaveApplication(ctx, app)
}

func (t *faultyTx) MarkTestDetails(ctx context.Context, id rebate.TransactionID, status rebate.TestDetailStatus, ids ...rebate.TestDetailID) error {
	if t.f.fail == "MarkTestDetails" {
		return t.f.err
	}
	return t.Tx.MarkTestDetails(ctx, id, status, ids...)
}

// failingAudit rejects every append.
type failingAudit struct{ calls int }

func (a *failingAudit) Append(context.Context, rebate.AuditEntry) error {
	a.calls++
	return context.DeadlineExceeded
}

func (a *failingAudit) Query(context.Context, rebate.AuditFilter) ([]rebate.AuditEntry, error) {
	return nil, nil
}
