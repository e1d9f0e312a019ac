package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/purehealth/rebate-engine/rebate"
	"github.com/purehealth/rebate-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func refPtr(id rebate.ReferrerID) *rebate.ReferrerID { return &id }

var march3 = time.Date(2025, time.March, 3, 10, 30, 0, 0, time.UTC)

func seedCruz(t *testing.T, store *sqlite.Store) {
	ctx := context.Background()
	require.NoError(t, store.SaveReferrer(ctx, rebate.Referrer{ID: "ref-cruz", FirstName: "Maria", LastName: "Cruz"}))
	require.NoError(t, store.SaveTransaction(ctx,
		rebate.Transaction{ID: "txn-1", ReferrerID: refPtr("ref-cruz"), TransactionDate: march3},
		[]rebate.TestDetail{
			{ID: "td-1", DepartmentID: "lab", DiscountedPrice: dec("500"), Status: rebate.TestDetailActive},
			{ID: "td-2", DepartmentID: "xray", DiscountedPrice: dec("300"), Status: rebate.TestDetailActive},
		}))
}

// =============================================================================
// READ MODEL
// =============================================================================

func TestStore_TransactionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	seedCruz(t, store)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx rebate.Tx) error {
		txn, err := tx.GetTransaction(ctx, "txn-1")
		require.NoError(t, err)
		require.NotNil(t, txn)
		assert.Equal(t, rebate.ReferrerID("ref-cruz"), *txn.ReferrerID)
		assert.Equal(t, "2025-03-03", txn.RebateDay().String())

		details, err := tx.ListTestDetails(ctx, "txn-1")
		require.NoError(t, err)
		require.Len(t, details, 2)
		assert.True(t, dec("500").Equal(details[0].DiscountedPrice))

		missing, err := tx.GetTransaction(ctx, "txn-nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_TransactionDateKeepsLocalDay(t *testing.T) {
	// GIVEN: A transaction at 23:30 in UTC+8
	store := newTestStore(t)
	ctx := context.Background()
	manila := time.FixedZone("PHT", 8*60*60)
	late := time.Date(2025, time.March, 3, 23, 30, 0, 0, manila)
	require.NoError(t, store.SaveTransaction(ctx, rebate.Transaction{ID: "txn-late", TransactionDate: late}, nil))

	// THEN: It still buckets into March 3 after a round trip
	err := store.WithTx(ctx, func(tx rebate.Tx) error {
		txn, err := tx.GetTransaction(ctx, "txn-late")
		require.NoError(t, err)
		assert.Equal(t, "2025-03-03", txn.RebateDay().String())
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ListTestDetails_FiltersByStatus(t *testing.T) {
	store := newTestStore(t)
	seedCruz(t, store)
	ctx := context.Background()

	require.NoError(t, store.SetTestDetailStatus(ctx, "txn-1", rebate.TestDetailRefunded, "td-2"))

	err := store.WithTx(ctx, func(tx rebate.Tx) error {
		active, err := tx.ListTestDetails(ctx, "txn-1", rebate.TestDetailActive)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, rebate.TestDetailID("td-1"), active[0].ID)

		both, err := tx.ListTestDetails(ctx, "txn-1", rebate.TestDetailActive, rebate.TestDetailRefunded)
		require.NoError(t, err)
		assert.Len(t, both, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_SetTransactionReferrer_UnknownTransaction(t *testing.T) {
	store := newTestStore(t)
	err := store.SetTransactionReferrer(context.Background(), "txn-nope", nil)
	assert.ErrorIs(t, err, rebate.ErrTransactionNotFound)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A ledger write followed by a failure in the same unit of work
	store := newTestStore(t)
	ctx := context.Background()
	day := rebate.NewDay(2025, time.March, 3)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx rebate.Tx) error {
		now := time.Now().UTC()
		require.NoError(t, tx.SaveRebateRecord(ctx, rebate.RebateRecord{
			ID: "rec-1", ReferrerID: "ref-cruz", RebateDate: day,
			TotalRebateAmount: dec("160"), TransactionCount: 1, Status: rebate.RecordActive,
			CreatedAt: now, UpdatedAt: now,
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	// THEN: Nothing was written
	err = store.WithTx(ctx, func(tx rebate.Tx) error {
		rec, err := tx.GetRebateRecord(ctx, rebate.RebateKey{ReferrerID: "ref-cruz", Day: day})
		require.NoError(t, err)
		assert.Nil(t, rec)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_LockRebateKey_IsReentrant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := rebate.RebateKey{ReferrerID: "ref-cruz", Day: rebate.NewDay(2025, time.March, 3)}

	err := store.WithTx(ctx, func(tx rebate.Tx) error {
		require.NoError(t, tx.LockRebateKey(ctx, key))
		return tx.LockRebateKey(ctx, key)
	})
	assert.NoError(t, err)
}

// =============================================================================
// LEDGER + MIRROR ROWS
// =============================================================================

func TestStore_RebateRecordUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := rebate.NewDay(2025, time.March, 3)
	key := rebate.RebateKey{ReferrerID: "ref-cruz", Day: day}
	now := time.Now().UTC()

	rec := rebate.RebateRecord{
		ID: "rec-1", ReferrerID: "ref-cruz", RebateDate: day,
		TotalRebateAmount: dec("160"), TransactionCount: 1, Status: rebate.RecordActive,
		ReferrerName: "Maria Cruz", CreatedAt: now, UpdatedAt: now,
	}
	err := store.WithTx(ctx, func(tx rebate.Tx) error {
		require.NoError(t, tx.SaveRebateRecord(ctx, rec))
		rec.TotalRebateAmount = dec("0")
		rec.TransactionCount = 0
		rec.Status = rebate.RecordCancelled
		return tx.SaveRebateRecord(ctx, rec)
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx rebate.Tx) error {
		got, err := tx.GetRebateRecord(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.TotalRebateAmount.IsZero())
		assert.Equal(t, rebate.RecordCancelled, got.Status)
		assert.Equal(t, "Maria Cruz", got.ReferrerName)

		all, err := tx.ListRebateRecords(ctx, day)
		require.NoError(t, err)
		assert.Len(t, all, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_DuplicateRebateRecordForKey_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := rebate.NewDay(2025, time.March, 3)
	now := time.Now().UTC()

	err := store.WithTx(ctx, func(tx rebate.Tx) error {
		for _, id := range []rebate.RebateRecordID{"rec-1", "rec-2"} {
			if err := tx.SaveRebateRecord(ctx, rebate.RebateRecord{
				ID: id, ReferrerID: "ref-cruz", RebateDate: day,
				TotalRebateAmount: dec("1"), Status: rebate.RecordActive,
				CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	assert.Error(t, err)
}

func TestStore_ExpenseItemsLinkedByRecord(t *testing.T) {
	// GIVEN: Two referrers with the same last name on the same day
	store := newTestStore(t)
	ctx := context.Background()
	day := rebate.NewDay(2025, time.March, 3)
	now := time.Now().UTC()

	err := store.WithTx(ctx, func(tx rebate.Tx) error {
		for _, rec := range []rebate.RebateRecord{
			{ID: "rec-a", ReferrerID: "ref-a", RebateDate: day, TotalRebateAmount: dec("10"), Status: rebate.RecordActive, CreatedAt: now, UpdatedAt: now},
			{ID: "rec-b", ReferrerID: "ref-b", RebateDate: day, TotalRebateAmount: dec("20"), Status: rebate.RecordActive, CreatedAt: now, UpdatedAt: now},
		} {
			require.NoError(t, tx.SaveRebateRecord(ctx, rec))
		}
		require.NoError(t, tx.SaveExpense(ctx, rebate.Expense{
			ID: "exp-1", Date: day, PayeeLabel: rebate.RebateExpensePayee, Purpose: rebate.RebateExpensePurpose,
			TotalAmount: dec("30"), CreatedAt: now, UpdatedAt: now,
		}))
		cat, err := tx.EnsureCategory(ctx, rebate.RebateCategoryName)
		require.NoError(t, err)
		again, err := tx.EnsureCategory(ctx, rebate.RebateCategoryName)
		require.NoError(t, err)
		assert.Equal(t, cat, again)

		for _, it := range []rebate.ExpenseItem{
			{ID: "item-a", ExpenseID: "exp-1", RebateRecordID: "rec-a", ReferrerID: "ref-a", PayeeLabel: "Dr. Santos", Purpose: rebate.RebateItemPurpose, Amount: dec("10"), Status: rebate.ExpenseItemPending, CategoryID: cat.ID, CreatedAt: now, UpdatedAt: now},
			{ID: "item-b", ExpenseID: "exp-1", RebateRecordID: "rec-b", ReferrerID: "ref-b", PayeeLabel: "Dr. Santos", Purpose: rebate.RebateItemPurpose, Amount: dec("20"), Status: rebate.ExpenseItemPending, CategoryID: cat.ID, CreatedAt: now, UpdatedAt: now},
		} {
			require.NoError(t, tx.SaveExpenseItem(ctx, it))
		}
		return nil
	})
	require.NoError(t, err)

	// THEN: Each item is found through its own record, not its label
	err = store.WithTx(ctx, func(tx rebate.Tx) error {
		exp, err := tx.FindRebateExpense(ctx, day)
		require.NoError(t, err)
		require.NotNil(t, exp)

		b, err := tx.FindRebateItem(ctx, exp.ID, "rec-b")
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, rebate.ExpenseItemID("item-b"), b.ID)
		assert.True(t, dec("20").Equal(b.Amount))

		items, err := tx.ListExpenseItems(ctx, exp.ID)
		require.NoError(t, err)
		assert.Len(t, items, 2)

		require.NoError(t, tx.DeleteExpense(ctx, exp.ID))
		gone, err := tx.FindRebateExpense(ctx, day)
		require.NoError(t, err)
		assert.Nil(t, gone)
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// END TO END
// =============================================================================

func TestStore_ApplicationKeepsRefundedDetails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := rebate.NewDay(2025, time.March, 3)

	err := store.WithTx(ctx, func(tx rebate.Tx) error {
		require.NoError(t, tx.SaveApplication(ctx, rebate.RebateApplication{
			TransactionID: "txn-1", ReferrerID: "ref-cruz", RebateDate: day,
			AppliedAmount: dec("60"), State: rebate.ApplicationRecorded, UpdatedAt: time.Now().UTC(),
		}))
		app, err := tx.GetApplication(ctx, "txn-1")
		require.NoError(t, err)
		assert.Empty(t, app.RefundedDetails)

		app.RefundedDetails = []rebate.TestDetailID{"td-1", "td-3"}
		require.NoError(t, tx.SaveApplication(ctx, *app))
		return nil
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx rebate.Tx) error {
		app, err := tx.GetApplication(ctx, "txn-1")
		require.NoError(t, err)
		require.NotNil(t, app)
		assert.Equal(t, []rebate.TestDetailID{"td-1", "td-3"}, app.RefundedDetails)
		assert.True(t, app.HasRefunded("td-3"))
		return nil
	})
	require.NoError(t, err)
}

func TestStore_MarkTestDetails_RollsBackWithTx(t *testing.T) {
	store := newTestStore(t)
	seedCruz(t, store)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx rebate.Tx) error {
		require.NoError(t, tx.MarkTestDetails(ctx, "txn-1", rebate.TestDetailRefunded, "td-2"))
		refunded, err := tx.ListTestDetails(ctx, "txn-1", rebate.TestDetailRefunded)
		require.NoError(t, err)
		assert.Len(t, refunded, 1)
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = store.WithTx(ctx, func(tx rebate.Tx) error {
		// No ids flips nothing
		require.NoError(t, tx.MarkTestDetails(ctx, "txn-1", rebate.TestDetailCancelled))
		active, err := tx.ListTestDetails(ctx, "txn-1", rebate.TestDetailActive)
		require.NoError(t, err)
		assert.Len(t, active, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_MigratesOldJournal(t *testing.T) {
	// GIVEN: A database whose journal predates refunded details
	path := filepath.Join(t.TempDir(), "old.db")
	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE rebate_applications (
		transaction_id TEXT PRIMARY KEY, referrer_id TEXT NOT NULL, rebate_date TEXT NOT NULL,
		applied_amount TEXT NOT NULL, state TEXT NOT NULL, updated_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO rebate_applications VALUES ('txn-1', 'ref-cruz', '2025-03-03', '160', 'recorded', ?)`,
		time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	// WHEN: The store opens it
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	// THEN: Existing rows read back with no refunded details
	ctx := context.Background()
	err = store.WithTx(ctx, func(tx rebate.Tx) error {
		app, err := tx.GetApplication(ctx, "txn-1")
		require.NoError(t, err)
		require.NotNil(t, app)
		assert.True(t, dec("160").Equal(app.AppliedAmount))
		assert.Empty(t, app.RefundedDetails)
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestStore_ConcurrentCreatesOnSameKey(t *testing.T) {
	// GIVEN: A file database and N transactions for Dr. Cruz on one day
	const n = 16
	store, err := sqlite.New(filepath.Join(t.TempDir(), "rebates.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	require.NoError(t, store.SaveReferrer(ctx, rebate.Referrer{ID: "ref-cruz", FirstName: "Maria", LastName: "Cruz"}))
	for i := 0; i < n; i++ {
		require.NoError(t, store.SaveTransaction(ctx,
			rebate.Transaction{ID: rebate.TransactionID(fmt.Sprintf("txn-%02d", i)), ReferrerID: refPtr("ref-cruz"), TransactionDate: march3},
			[]rebate.TestDetail{{ID: rebate.TestDetailID(fmt.Sprintf("td-%02d", i)), DepartmentID: "lab", DiscountedPrice: dec("250"), Status: rebate.TestDetailActive}}))
	}
	r := rebate.NewReconciler(store)
	day := rebate.DayOf(march3)

	// WHEN: Every transaction is created concurrently, and half are
	// refunded concurrently right after
	run := func(fn func(i int) error) []error {
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = fn(i)
			}(i)
		}
		wg.Wait()
		return errs
	}
	for i, err := range run(func(i int) error {
		return r.OnTransactionCreated(ctx, rebate.TransactionID(fmt.Sprintf("txn-%02d", i)), "user-1")
	}) {
		require.NoError(t, err, "create txn-%02d", i)
	}

	// THEN: The day holds N × 50
	report, err := r.CheckConsistency(ctx, day)
	require.NoError(t, err)
	assert.True(t, report.OK(), "discrepancies: %v", report.Discrepancies)
	assert.True(t, dec("800").Equal(report.LedgerTotal), "got %s", report.LedgerTotal)

	for i, err := range run(func(i int) error {
		if i%2 == 1 {
			return nil
		}
		id := rebate.TransactionID(fmt.Sprintf("txn-%02d", i))
		return r.OnTestDetailsRefunded(ctx, id, []rebate.TestDetail{{ID: rebate.TestDetailID(fmt.Sprintf("td-%02d", i))}}, "user-1")
	}) {
		require.NoError(t, err, "refund txn-%02d", i)
	}

	// AND: Half of it is gone, and the mirror agrees
	report, err = r.CheckConsistency(ctx, day)
	require.NoError(t, err)
	assert.True(t, report.OK(), "discrepancies: %v", report.Discrepancies)
	assert.True(t, dec("400").Equal(report.LedgerTotal), "got %s", report.LedgerTotal)
	assert.True(t, dec("400").Equal(report.ExpenseTotal))

	err = store.WithTx(ctx, func(tx rebate.Tx) error {
		rec, err := tx.GetRebateRecord(ctx, rebate.RebateKey{ReferrerID: "ref-cruz", Day: day})
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, n/2, rec.TransactionCount)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ReconcilerCreateThenCancel(t *testing.T) {
	// GIVEN: Dr. Cruz refers an 800 transaction on March 3
	store := newTestStore(t)
	seedCruz(t, store)
	ctx := context.Background()
	r := rebate.NewReconciler(store)
	day := rebate.DayOf(march3)

	// WHEN: Created
	require.NoError(t, r.OnTransactionCreated(ctx, "txn-1", "user-1"))

	// THEN: Ledger and mirror both hold 160
	report, err := r.CheckConsistency(ctx, day)
	require.NoError(t, err)
	assert.True(t, report.OK(), "discrepancies: %v", report.Discrepancies)
	assert.True(t, dec("160").Equal(report.LedgerTotal))
	assert.True(t, dec("160").Equal(report.ExpenseTotal))

	// WHEN: Cancelled
	require.NoError(t, r.OnTransactionCancelled(ctx, "txn-1", "user-1"))

	// THEN: Record stays at zero, cancelled; mirror is gone
	err = store.WithTx(ctx, func(tx rebate.Tx) error {
		rec, err := tx.GetRebateRecord(ctx, rebate.RebateKey{ReferrerID: "ref-cruz", Day: day})
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.True(t, rec.TotalRebateAmount.IsZero())
		assert.Equal(t, 0, rec.TransactionCount)
		assert.Equal(t, rebate.RecordCancelled, rec.Status)

		exp, err := tx.FindRebateExpense(ctx, day)
		require.NoError(t, err)
		assert.Nil(t, exp)
		return nil
	})
	require.NoError(t, err)
}
