/*
Package mysql provides a gorm-backed implementation of the rebate storage interfaces.

PURPOSE:
  Production store for deployments where billing already lives in MySQL.
  Implements the same rebate.UnitOfWork contract as store/sqlite, but lets
  units of work on different (referrer, day) keys run in parallel.

LOCKING:
  LockRebateKey inserts the key into rebate_locks (ignored when present) and
  then reads it back with SELECT ... FOR UPDATE. InnoDB holds the row lock
  until the surrounding transaction commits or rolls back, so two handlers
  touching the same key serialize while others proceed. The reconciler
  acquires keys in sorted order, which rules out lock-order deadlocks.

  Units of work run at READ COMMITTED, so every read after the lock sees
  the rows the previous holder committed.

  The sqlite dialector, used in tests, has no row locks; there the single
  connection already serializes transactions and the FOR UPDATE is skipped.

USAGE:
  store, err := mysql.New("user:pass@tcp(localhost:3306)/billing?parseTime=True")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - models.go: Table definitions
  - store/sqlite: database/sql implementation
*/
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/purehealth/rebate-engine/rebate"
)

// Store implements all storage interfaces on top of gorm.
type Store struct {
	db *gorm.DB
}

var _ rebate.UnitOfWork = (*Store)(nil)

// New connects to MySQL with the given DSN and migrates the schema.
func New(dsn string) (*Store, error) {
	return Open(gormmysql.Open(dsn))
}

// Open wraps any gorm dialector. Tests pass gorm.io/driver/sqlite.
func Open(dialector gorm.Dialector) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the gorm handle for connection tuning.
func (s *Store) DB() *gorm.DB { return s.db }

// =============================================================================
// TRANSACTIONAL STORE (rebate.UnitOfWork interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx rebate.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	}, txOptions(s.db.Dialector.Name()))
}

// txOptions runs InnoDB units of work at READ COMMITTED. Under REPEATABLE
// READ the snapshot is taken at the first plain read, before LockRebateKey
// is granted, and a ledger row read after the lock could be stale.
func txOptions(dialect string) *sql.TxOptions {
	if dialect == "sqlite" {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
}

type gormTx struct {
	db *gorm.DB
}

var _ rebate.Tx = (*gormTx)(nil)

// =============================================================================
// READ MODEL
// =============================================================================

func (t *gormTx) GetTransaction(ctx context.Context, id rebate.TransactionID) (*rebate.Transaction, error) {
	var row transactionRow
	if err := t.db.WithContext(ctx).Take(&row, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	txn, err := toTransaction(row)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction date on %s: %w", id, err)
	}
	return &txn, nil
}

func (t *gormTx) ListTestDetails(ctx context.Context, id rebate.TransactionID, statuses ...rebate.TestDetailStatus) ([]rebate.TestDetail, error) {
	q := t.db.WithContext(ctx).Where("transaction_id = ?", string(id))
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(statuses))
	}
	var rows []testDetailRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query test details: %w", err)
	}
	details := make([]rebate.TestDetail, len(rows))
	for i, row := range rows {
		details[i] = toTestDetail(row)
	}
	return details, nil
}

func (t *gormTx) GetReferrer(ctx context.Context, id rebate.ReferrerID) (*rebate.Referrer, error) {
	var row referrerRow
	if err := t.db.WithContext(ctx).Take(&row, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get referrer: %w", err)
	}
	return &rebate.Referrer{ID: rebate.ReferrerID(row.ID), FirstName: row.FirstName, LastName: row.LastName}, nil
}

// =============================================================================
// LOCKING
// =============================================================================

func (t *gormTx) LockRebateKey(ctx context.Context, key rebate.RebateKey) error {
	row := lockRow{ReferrerID: string(key.ReferrerID), RebateDate: key.Day.String(), LockedAt: time.Now().UTC()}
	db := t.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to register lock %s: %w", key, err)
	}
	if db.Dialector.Name() == "sqlite" {
		return nil
	}
	var held lockRow
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&held, "referrer_id = ? AND rebate_date = ?", row.ReferrerID, row.RebateDate).Error
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (t *gormTx) GetRebateRecord(ctx context.Context, key rebate.RebateKey) (*rebate.RebateRecord, error) {
	var row rebateRow
	err := t.db.WithContext(ctx).
		Take(&row, "referrer_id = ? AND rebate_date = ?", string(key.ReferrerID), key.Day.String()).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get rebate record: %w", err)
	}
	rec, err := toRecord(row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *gormTx) SaveRebateRecord(ctx context.Context, rec rebate.RebateRecord) error {
	row := fromRecord(rec)
	if err := t.upsert(ctx, &row); err != nil {
		return fmt.Errorf("failed to save rebate record %s: %w", rec.Key(), err)
	}
	return nil
}

func (t *gormTx) ListRebateRecords(ctx context.Context, day rebate.Day) ([]rebate.RebateRecord, error) {
	var rows []rebateRow
	if err := t.db.WithContext(ctx).Where("rebate_date = ?", day.String()).Order("referrer_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query rebate records: %w", err)
	}
	records := make([]rebate.RebateRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := toRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// =============================================================================
// APPLICATION JOURNAL
// =============================================================================

func (t *gormTx) GetApplication(ctx context.Context, id rebate.TransactionID) (*rebate.RebateApplication, error) {
	var row applicationRow
	if err := t.db.WithContext(ctx).Take(&row, "transaction_id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get rebate application: %w", err)
	}
	app, err := toApplication(row)
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (t *gormTx) SaveApplication(ctx context.Context, app rebate.RebateApplication) error {
	row := applicationRow{
		TransactionID: string(app.TransactionID),
		ReferrerID:    string(app.ReferrerID),
		RebateDate:    app.RebateDate.String(),
		AppliedAmount: app.AppliedAmount,
		State:         string(app.State),
		UpdatedAt:     app.UpdatedAt,
	}
	for _, d := range app.RefundedDetails {
		row.RefundedDetails = append(row.RefundedDetails, string(d))
	}
	if err := t.upsert(ctx, &row); err != nil {
		return fmt.Errorf("failed to save rebate application: %w", err)
	}
	return nil
}

// =============================================================================
// EXPENSE MIRROR
// =============================================================================

func (t *gormTx) FindRebateExpense(ctx context.Context, day rebate.Day) (*rebate.Expense, error) {
	var row expenseRow
	err := t.db.WithContext(ctx).
		Where("date = ? AND payee_label = ? AND department_id IS NULL", day.String(), rebate.RebateExpensePayee).
		Order("created_at").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find rebate expense: %w", err)
	}
	e, err := toExpense(row)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *gormTx) SaveExpense(ctx context.Context, e rebate.Expense) error {
	row := fromExpense(e)
	if err := t.upsert(ctx, &row); err != nil {
		return fmt.Errorf("failed to save expense: %w", err)
	}
	return nil
}

func (t *gormTx) DeleteExpense(ctx context.Context, id rebate.ExpenseID) error {
	db := t.db.WithContext(ctx)
	if err := db.Where("expense_id = ?", string(id)).Delete(&expenseItemRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete expense items: %w", err)
	}
	if err := db.Delete(&expenseRow{}, "id = ?", string(id)).Error; err != nil {
		return fmt.Errorf("failed to delete expense: %w", err)
	}
	return nil
}

func (t *gormTx) FindRebateItem(ctx context.Context, expenseID rebate.ExpenseID, recordID rebate.RebateRecordID) (*rebate.ExpenseItem, error) {
	var row expenseItemRow
	err := t.db.WithContext(ctx).
		Take(&row, "expense_id = ? AND rebate_record_id = ?", string(expenseID), string(recordID)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find expense item: %w", err)
	}
	item := toItem(row)
	return &item, nil
}

func (t *gormTx) ListExpenseItems(ctx context.Context, expenseID rebate.ExpenseID) ([]rebate.ExpenseItem, error) {
	var rows []expenseItemRow
	if err := t.db.WithContext(ctx).Where("expense_id = ?", string(expenseID)).Order("payee_label, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query expense items: %w", err)
	}
	items := make([]rebate.ExpenseItem, len(rows))
	for i, row := range rows {
		items[i] = toItem(row)
	}
	return items, nil
}

func (t *gormTx) SaveExpenseItem(ctx context.Context, item rebate.ExpenseItem) error {
	row := fromItem(item)
	if err := t.upsert(ctx, &row); err != nil {
		return fmt.Errorf("failed to save expense item: %w", err)
	}
	return nil
}

func (t *gormTx) DeleteExpenseItem(ctx context.Context, id rebate.ExpenseItemID) error {
	if err := t.db.WithContext(ctx).Delete(&expenseItemRow{}, "id = ?", string(id)).Error; err != nil {
		return fmt.Errorf("failed to delete expense item: %w", err)
	}
	return nil
}

func (t *gormTx) EnsureCategory(ctx context.Context, name string) (rebate.ExpenseCategory, error) {
	var row expenseCategoryRow
	err := t.db.WithContext(ctx).
		Where(expenseCategoryRow{Name: name}).
		Attrs(expenseCategoryRow{ID: "cat-" + strings.ToLower(name)}).
		FirstOrCreate(&row).Error
	if err != nil {
		return rebate.ExpenseCategory{}, fmt.Errorf("failed to ensure expense category: %w", err)
	}
	return rebate.ExpenseCategory{ID: rebate.CategoryID(row.ID), Name: row.Name}, nil
}

// upsert inserts or replaces a row by primary key.
func (t *gormTx) upsert(ctx context.Context, row any) error {
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

// =============================================================================
// READ MODEL WRITES - Stand-in for the billing system
// =============================================================================

func (s *Store) SaveReferrer(ctx context.Context, ref rebate.Referrer) error {
	row := referrerRow{ID: string(ref.ID), FirstName: ref.FirstName, LastName: ref.LastName}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save referrer: %w", err)
	}
	return nil
}

func (s *Store) ListReferrers(ctx context.Context) ([]rebate.Referrer, error) {
	var rows []referrerRow
	if err := s.db.WithContext(ctx).Order("last_name, first_name, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query referrers: %w", err)
	}
	refs := make([]rebate.Referrer, len(rows))
	for i, row := range rows {
		refs[i] = rebate.Referrer{ID: rebate.ReferrerID(row.ID), FirstName: row.FirstName, LastName: row.LastName}
	}
	return refs, nil
}

// SaveTransaction stores the header and replaces its test details atomically.
func (s *Store) SaveTransaction(ctx context.Context, txn rebate.Transaction, details []rebate.TestDetail) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := fromTransaction(txn)
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("failed to save transaction: %w", err)
		}
		if err := tx.Where("transaction_id = ?", row.ID).Delete(&testDetailRow{}).Error; err != nil {
			return fmt.Errorf("failed to replace test details: %w", err)
		}
		if len(details) == 0 {
			return nil
		}
		rows := make([]testDetailRow, len(details))
		for i, td := range details {
			rows[i] = testDetailRow{
				ID:              string(td.ID),
				TransactionID:   row.ID,
				DepartmentID:    string(td.DepartmentID),
				DiscountedPrice: td.DiscountedPrice,
				Status:          string(td.Status),
			}
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to save test details: %w", err)
		}
		return nil
	})
}

func (s *Store) SetTransactionReferrer(ctx context.Context, id rebate.TransactionID, ref *rebate.ReferrerID) error {
	var value *string
	if ref != nil {
		v := string(*ref)
		value = &v
	}
	res := s.db.WithContext(ctx).Model(&transactionRow{}).Where("id = ?", string(id)).Update("referrer_id", value)
	if res.Error != nil {
		return fmt.Errorf("failed to update transaction referrer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", rebate.ErrTransactionNotFound, id)
	}
	return nil
}

// SetTestDetailStatus updates the given details; all of the transaction's
// details when ids is empty.
func (s *Store) SetTestDetailStatus(ctx context.Context, id rebate.TransactionID, status rebate.TestDetailStatus, ids ...rebate.TestDetailID) error {
	return setDetailStatus(s.db.WithContext(ctx), id, status, ids)
}

func (t *gormTx) MarkTestDetails(ctx context.Context, id rebate.TransactionID, status rebate.TestDetailStatus, ids ...rebate.TestDetailID) error {
	if len(ids) == 0 {
		return nil
	}
	return setDetailStatus(t.db.WithContext(ctx), id, status, ids)
}

func setDetailStatus(db *gorm.DB, id rebate.TransactionID, status rebate.TestDetailStatus, ids []rebate.TestDetailID) error {
	q := db.Model(&testDetailRow{}).Where("transaction_id = ?", string(id))
	if len(ids) > 0 {
		strs := make([]string, len(ids))
		for i, d := range ids {
			strs[i] = string(d)
		}
		q = q.Where("id IN ?", strs)
	}
	if err := q.Update("status", string(status)).Error; err != nil {
		return fmt.Errorf("failed to update test detail status: %w", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	db := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
	models := []any{
		&expenseItemRow{}, &expenseRow{}, &expenseCategoryRow{},
		&lockRow{}, &applicationRow{}, &rebateRow{},
		&testDetailRow{}, &transactionRow{}, &referrerRow{},
	}
	for _, m := range models {
		if err := db.Delete(m).Error; err != nil {
			return err
		}
	}
	return nil
}

func statusStrings(statuses []rebate.TestDetailStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
