/*
Package sqlite provides a SQLite-backed implementation of the rebate storage interfaces.

PURPOSE:
  Implements rebate.UnitOfWork and the billing read-model writes using
  SQLite. The MySQL store (store/mysql) covers the same contract with
  row-level locks; this one relies on SQLite's single-writer model.

INTERFACES IMPLEMENTED:
  rebate.UnitOfWork: One all-or-nothing transaction per lifecycle event
  rebate.Tx:         Read model, ledger, journal and expense mirror

KEY TABLES:
  referrers, transactions, test_details: Billing read model
  rebates:              Ledger, UNIQUE(referrer_id, rebate_date)
  rebate_applications:  Per-transaction journal
  rebate_locks:         One row per locked (referrer, day)
  expenses, expense_items, expense_categories: Expense mirror

LOCKING:
  Transactions are opened with _txlock=immediate, so BEGIN takes SQLite's
  reserved lock and a second writer waits at BEGIN rather than failing at
  commit. The store mutex serializes writers inside one process.
  LockRebateKey additionally upserts a rebate_locks row so the lock is
  visible for inspection.

MONEY:
  Decimal amounts are stored as TEXT and parsed with shopspring/decimal.
  Never REAL.

USAGE:
  store, err := sqlite.New("./data/rebates.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  reconciler := rebate.NewReconciler(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - rebate/store.go: Interface definitions
  - rebate/store/memory.go: In-memory implementation for testing
  - store/mysql: gorm-backed implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/purehealth/rebate-engine/rebate"
	"github.com/shopspring/decimal"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ rebate.UnitOfWork = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Billing read model
	CREATE TABLE IF NOT EXISTS referrers (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		referrer_id TEXT,
		transaction_date TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS test_details (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
		department_id TEXT NOT NULL,
		discounted_price TEXT NOT NULL,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_test_details_transaction
		ON test_details(transaction_id, status);

	-- Rebate ledger: one row per referrer per day, never deleted
	CREATE TABLE IF NOT EXISTS rebates (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		rebate_date TEXT NOT NULL,
		total_rebate_amount TEXT NOT NULL,
		transaction_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		referrer_name TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(referrer_id, rebate_date)
	);

	CREATE INDEX IF NOT EXISTS idx_rebates_date
		ON rebates(rebate_date);

	-- What each transaction currently contributes
	CREATE TABLE IF NOT EXISTS rebate_applications (
		transaction_id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		rebate_date TEXT NOT NULL,
		applied_amount TEXT NOT NULL,
		state TEXT NOT NULL,
		refunded_details TEXT NOT NULL DEFAULT '[]',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rebate_locks (
		referrer_id TEXT NOT NULL,
		rebate_date TEXT NOT NULL,
		locked_at TEXT NOT NULL,
		PRIMARY KEY (referrer_id, rebate_date)
	);

	-- Expense mirror
	CREATE TABLE IF NOT EXISTS expense_categories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		payee_label TEXT NOT NULL,
		purpose TEXT NOT NULL,
		department_id TEXT,
		total_amount TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_expenses_date_payee
		ON expenses(date, payee_label);

	CREATE TABLE IF NOT EXISTS expense_items (
		id TEXT PRIMARY KEY,
		expense_id TEXT NOT NULL REFERENCES expenses(id) ON DELETE CASCADE,
		rebate_record_id TEXT NOT NULL REFERENCES rebates(id),
		referrer_id TEXT NOT NULL,
		payee_label TEXT NOT NULL,
		purpose TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		category_id TEXT REFERENCES expense_categories(id),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(expense_id, rebate_record_id)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	// Journals created before refunded details were tracked.
	return s.ensureColumn("rebate_applications", "refunded_details", "TEXT NOT NULL DEFAULT '[]'")
}

func (s *Store) ensureColumn(table, column, decl string) error {
	rows, err := s.db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (rebate.UnitOfWork interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx rebate.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type txStore struct {
	q querier
}

var _ rebate.Tx = (*txStore)(nil)

// =============================================================================
// READ MODEL (rebate.TransactionReader, rebate.ReferrerReader)
// =============================================================================

func (ts *txStore) GetTransaction(ctx context.Context, id rebate.TransactionID) (*rebate.Transaction, error) {
	var (
		txn        rebate.Transaction
		referrerID sql.NullString
		date       string
	)
	err := ts.q.QueryRowContext(ctx,
		"SELECT id, referrer_id, transaction_date FROM transactions WHERE id = ?", id,
	).Scan(&txn.ID, &referrerID, &date)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if referrerID.Valid {
		ref := rebate.ReferrerID(referrerID.String)
		txn.ReferrerID = &ref
	}
	// Keep the stored offset: the rebate day is the local calendar date.
	txn.TransactionDate, err = parseTime(date)
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (ts *txStore) ListTestDetails(ctx context.Context, id rebate.TransactionID, statuses ...rebate.TestDetailStatus) ([]rebate.TestDetail, error) {
	query := `
		SELECT id, transaction_id, department_id, discounted_price, status
		FROM test_details
		WHERE transaction_id = ?`
	args := []any{id}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY id"

	rows, err := ts.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query test details: %w", err)
	}
	defer rows.Close()

	var details []rebate.TestDetail
	for rows.Next() {
		var (
			td    rebate.TestDetail
			price string
		)
		if err := rows.Scan(&td.ID, &td.TransactionID, &td.DepartmentID, &price, &td.Status); err != nil {
			return nil, fmt.Errorf("failed to scan test detail: %w", err)
		}
		if td.DiscountedPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("invalid discounted price %q on %s: %w", price, td.ID, err)
		}
		details = append(details, td)
	}
	return details, rows.Err()
}

func (ts *txStore) GetReferrer(ctx context.Context, id rebate.ReferrerID) (*rebate.Referrer, error) {
	var ref rebate.Referrer
	err := ts.q.QueryRowContext(ctx,
		"SELECT id, first_name, last_name FROM referrers WHERE id = ?", id,
	).Scan(&ref.ID, &ref.FirstName, &ref.LastName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get referrer: %w", err)
	}
	return &ref, nil
}

// =============================================================================
// LOCKING (rebate.Locker)
// =============================================================================

func (ts *txStore) LockRebateKey(ctx context.Context, key rebate.RebateKey) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO rebate_locks (referrer_id, rebate_date, locked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(referrer_id, rebate_date) DO UPDATE SET locked_at = excluded.locked_at
	`, key.ReferrerID, key.Day.String(), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}
	return nil
}

// =============================================================================
// LEDGER (rebate.LedgerStore)
// =============================================================================

const recordColumns = `id, referrer_id, rebate_date, total_rebate_amount, transaction_count,
	status, referrer_name, created_at, updated_at`

func (ts *txStore) GetRebateRecord(ctx context.Context, key rebate.RebateKey) (*rebate.RebateRecord, error) {
	row := ts.q.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM rebates WHERE referrer_id = ? AND rebate_date = ?",
		key.ReferrerID, key.Day.String())
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rebate record: %w", err)
	}
	return &rec, nil
}

func (ts *txStore) SaveRebateRecord(ctx context.Context, rec rebate.RebateRecord) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO rebates (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_rebate_amount = excluded.total_rebate_amount,
			transaction_count = excluded.transaction_count,
			status = excluded.status,
			updated_at = excluded.updated_at
	`,
		rec.ID,
		rec.ReferrerID,
		rec.RebateDate.String(),
		rec.TotalRebateAmount.String(),
		rec.TransactionCount,
		rec.Status,
		rec.ReferrerName,
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("duplicate rebate record for %s: %w", rec.Key(), err)
		}
		return fmt.Errorf("failed to save rebate record: %w", err)
	}
	return nil
}

func (ts *txStore) ListRebateRecords(ctx context.Context, day rebate.Day) ([]rebate.RebateRecord, error) {
	rows, err := ts.q.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM rebates WHERE rebate_date = ? ORDER BY referrer_id",
		day.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query rebate records: %w", err)
	}
	defer rows.Close()

	var records []rebate.RebateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rebate record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(row scanner) (rebate.RebateRecord, error) {
	var (
		rec                  rebate.RebateRecord
		day, total           string
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &rec.ReferrerID, &day, &total, &rec.TransactionCount,
		&rec.Status, &rec.ReferrerName, &createdAt, &updatedAt); err != nil {
		return rec, err
	}
	var err error
	if rec.RebateDate, err = rebate.ParseDay(day); err != nil {
		return rec, err
	}
	if rec.TotalRebateAmount, err = decimal.NewFromString(total); err != nil {
		return rec, fmt.Errorf("invalid rebate total %q: %w", total, err)
	}
	rec.CreatedAt, _ = parseTime(createdAt)
	rec.UpdatedAt, _ = parseTime(updatedAt)
	return rec, nil
}

// =============================================================================
// APPLICATION JOURNAL (rebate.ApplicationStore)
// =============================================================================

func (ts *txStore) GetApplication(ctx context.Context, id rebate.TransactionID) (*rebate.RebateApplication, error) {
	var (
		app                            rebate.RebateApplication
		day, applied, refunded, update string
	)
	err := ts.q.QueryRowContext(ctx, `
		SELECT transaction_id, referrer_id, rebate_date, applied_amount, state, refunded_details, updated_at
		FROM rebate_applications WHERE transaction_id = ?
	`, id).Scan(&app.TransactionID, &app.ReferrerID, &day, &applied, &app.State, &refunded, &update)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rebate application: %w", err)
	}
	if app.RebateDate, err = rebate.ParseDay(day); err != nil {
		return nil, err
	}
	if app.AppliedAmount, err = decimal.NewFromString(applied); err != nil {
		return nil, fmt.Errorf("invalid applied amount %q: %w", applied, err)
	}
	if err := json.Unmarshal([]byte(refunded), &app.RefundedDetails); err != nil {
		return nil, fmt.Errorf("invalid refunded details %q: %w", refunded, err)
	}
	app.UpdatedAt, _ = parseTime(update)
	return &app, nil
}

func (ts *txStore) SaveApplication(ctx context.Context, app rebate.RebateApplication) error {
	refunded := app.RefundedDetails
	if refunded == nil {
		refunded = []rebate.TestDetailID{}
	}
	encoded, err := json.Marshal(refunded)
	if err != nil {
		return fmt.Errorf("failed to encode refunded details: %w", err)
	}
	_, err = ts.q.ExecContext(ctx, `
		INSERT INTO rebate_applications
		(transaction_id, referrer_id, rebate_date, applied_amount, state, refunded_details, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			referrer_id = excluded.referrer_id,
			rebate_date = excluded.rebate_date,
			applied_amount = excluded.applied_amount,
			state = excluded.state,
			refunded_details = excluded.refunded_details,
			updated_at = excluded.updated_at
	`,
		app.TransactionID,
		app.ReferrerID,
		app.RebateDate.String(),
		app.AppliedAmount.String(),
		app.State,
		string(encoded),
		formatTime(app.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save rebate application: %w", err)
	}
	return nil
}

// =============================================================================
// EXPENSE MIRROR (rebate.ExpenseStore)
// =============================================================================

func (ts *txStore) FindRebateExpense(ctx context.Context, day rebate.Day) (*rebate.Expense, error) {
	var (
		e                    rebate.Expense
		date, total          string
		createdAt, updatedAt string
	)
	err := ts.q.QueryRowContext(ctx, `
		SELECT id, date, payee_label, purpose, total_amount, created_by, created_at, updated_at
		FROM expenses
		WHERE date = ? AND payee_label = ? AND department_id IS NULL
		ORDER BY created_at
		LIMIT 1
	`, day.String(), rebate.RebateExpensePayee).Scan(
		&e.ID, &date, &e.PayeeLabel, &e.Purpose, &total, &e.CreatedBy, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find rebate expense: %w", err)
	}
	if e.Date, err = rebate.ParseDay(date); err != nil {
		return nil, err
	}
	if e.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invalid expense total %q: %w", total, err)
	}
	e.CreatedAt, _ = parseTime(createdAt)
	e.UpdatedAt, _ = parseTime(updatedAt)
	return &e, nil
}

func (ts *txStore) SaveExpense(ctx context.Context, e rebate.Expense) error {
	var dept sql.NullString
	if e.DepartmentID != nil {
		dept = nullString(string(*e.DepartmentID))
	}
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO expenses
		(id, date, payee_label, purpose, department_id, total_amount, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			total_amount = excluded.total_amount,
			updated_at = excluded.updated_at
	`,
		e.ID,
		e.Date.String(),
		e.PayeeLabel,
		e.Purpose,
		dept,
		e.TotalAmount.String(),
		e.CreatedBy,
		formatTime(e.CreatedAt),
		formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save expense: %w", err)
	}
	return nil
}

func (ts *txStore) DeleteExpense(ctx context.Context, id rebate.ExpenseID) error {
	if _, err := ts.q.ExecContext(ctx, "DELETE FROM expense_items WHERE expense_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete expense items: %w", err)
	}
	if _, err := ts.q.ExecContext(ctx, "DELETE FROM expenses WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete expense: %w", err)
	}
	return nil
}

const itemColumns = `id, expense_id, rebate_record_id, referrer_id, payee_label, purpose,
	amount, status, category_id, created_at, updated_at`

func (ts *txStore) FindRebateItem(ctx context.Context, expenseID rebate.ExpenseID, recordID rebate.RebateRecordID) (*rebate.ExpenseItem, error) {
	row := ts.q.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM expense_items WHERE expense_id = ? AND rebate_record_id = ?",
		expenseID, recordID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find expense item: %w", err)
	}
	return &item, nil
}

func (ts *txStore) ListExpenseItems(ctx context.Context, expenseID rebate.ExpenseID) ([]rebate.ExpenseItem, error) {
	rows, err := ts.q.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM expense_items WHERE expense_id = ? ORDER BY payee_label, id",
		expenseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query expense items: %w", err)
	}
	defer rows.Close()

	var items []rebate.ExpenseItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expense item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (ts *txStore) SaveExpenseItem(ctx context.Context, item rebate.ExpenseItem) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO expense_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			rebate_record_id = excluded.rebate_record_id,
			referrer_id = excluded.referrer_id,
			payee_label = excluded.payee_label,
			amount = excluded.amount,
			status = excluded.status,
			updated_at = excluded.updated_at
	`,
		item.ID,
		item.ExpenseID,
		item.RebateRecordID,
		item.ReferrerID,
		item.PayeeLabel,
		item.Purpose,
		item.Amount.String(),
		item.Status,
		nullString(string(item.CategoryID)),
		formatTime(item.CreatedAt),
		formatTime(item.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("second expense item for rebate record %s: %w", item.RebateRecordID, err)
		}
		return fmt.Errorf("failed to save expense item: %w", err)
	}
	return nil
}

func (ts *txStore) DeleteExpenseItem(ctx context.Context, id rebate.ExpenseItemID) error {
	if _, err := ts.q.ExecContext(ctx, "DELETE FROM expense_items WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete expense item: %w", err)
	}
	return nil
}

func (ts *txStore) EnsureCategory(ctx context.Context, name string) (rebate.ExpenseCategory, error) {
	cat := rebate.ExpenseCategory{ID: rebate.CategoryID("cat-" + strings.ToLower(name)), Name: name}
	_, err := ts.q.ExecContext(ctx,
		"INSERT INTO expense_categories (id, name) VALUES (?, ?) ON CONFLICT(name) DO NOTHING",
		cat.ID, cat.Name)
	if err != nil {
		return cat, fmt.Errorf("failed to create expense category: %w", err)
	}
	err = ts.q.QueryRowContext(ctx,
		"SELECT id, name FROM expense_categories WHERE name = ?", name,
	).Scan(&cat.ID, &cat.Name)
	if err != nil {
		return cat, fmt.Errorf("failed to get expense category: %w", err)
	}
	return cat, nil
}

func scanItem(row scanner) (rebate.ExpenseItem, error) {
	var (
		item                 rebate.ExpenseItem
		amount               string
		category             sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&item.ID, &item.ExpenseID, &item.RebateRecordID, &item.ReferrerID,
		&item.PayeeLabel, &item.Purpose, &amount, &item.Status, &category,
		&createdAt, &updatedAt); err != nil {
		return item, err
	}
	var err error
	if item.Amount, err = decimal.NewFromString(amount); err != nil {
		return item, fmt.Errorf("invalid item amount %q: %w", amount, err)
	}
	item.CategoryID = rebate.CategoryID(category.String)
	item.CreatedAt, _ = parseTime(createdAt)
	item.UpdatedAt, _ = parseTime(updatedAt)
	return item, nil
}

// =============================================================================
// READ MODEL WRITES - Stand-in for the billing system
// =============================================================================

// SaveReferrer inserts or updates a referrer.
func (s *Store) SaveReferrer(ctx context.Context, ref rebate.Referrer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referrers (id, first_name, last_name) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET first_name = excluded.first_name, last_name = excluded.last_name
	`, ref.ID, ref.FirstName, ref.LastName)
	if err != nil {
		return fmt.Errorf("failed to save referrer: %w", err)
	}
	return nil
}

// ListReferrers returns every referrer ordered by last name.
func (s *Store) ListReferrers(ctx context.Context) ([]rebate.Referrer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, first_name, last_name FROM referrers ORDER BY last_name, first_name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query referrers: %w", err)
	}
	defer rows.Close()

	var refs []rebate.Referrer
	for rows.Next() {
		var ref rebate.Referrer
		if err := rows.Scan(&ref.ID, &ref.FirstName, &ref.LastName); err != nil {
			return nil, fmt.Errorf("failed to scan referrer: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// SaveTransaction stores the header and replaces its test details atomically.
func (s *Store) SaveTransaction(ctx context.Context, txn rebate.Transaction, details []rebate.TestDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var referrerID sql.NullString
	if txn.HasReferrer() {
		referrerID = nullString(string(*txn.ReferrerID))
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO transactions (id, referrer_id, transaction_date) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET referrer_id = excluded.referrer_id, transaction_date = excluded.transaction_date
	`, txn.ID, referrerID, txn.TransactionDate.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}

	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM test_details WHERE transaction_id = ?", txn.ID); err != nil {
		return fmt.Errorf("failed to replace test details: %w", err)
	}
	for _, td := range details {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO test_details (id, transaction_id, department_id, discounted_price, status)
			VALUES (?, ?, ?, ?, ?)
		`, td.ID, txn.ID, td.DepartmentID, td.DiscountedPrice.String(), td.Status)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("test detail %s already exists: %w", td.ID, err)
			}
			return fmt.Errorf("failed to save test detail: %w", err)
		}
	}

	return sqlTx.Commit()
}

// SetTransactionReferrer rewrites the referrer on the transaction header.
func (s *Store) SetTransactionReferrer(ctx context.Context, id rebate.TransactionID, ref *rebate.ReferrerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var referrerID sql.NullString
	if ref != nil {
		referrerID = nullString(string(*ref))
	}
	res, err := s.db.ExecContext(ctx, "UPDATE transactions SET referrer_id = ? WHERE id = ?", referrerID, id)
	if err != nil {
		return fmt.Errorf("failed to update transaction referrer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", rebate.ErrTransactionNotFound, id)
	}
	return nil
}

// SetTestDetailStatus updates the given details; all of the transaction's
// details when ids is empty.
func (s *Store) SetTestDetailStatus(ctx context.Context, id rebate.TransactionID, status rebate.TestDetailStatus, ids ...rebate.TestDetailID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setDetailStatus(ctx, s.db, id, status, ids)
}

func (ts *txStore) MarkTestDetails(ctx context.Context, id rebate.TransactionID, status rebate.TestDetailStatus, ids ...rebate.TestDetailID) error {
	if len(ids) == 0 {
		return nil
	}
	return setDetailStatus(ctx, ts.q, id, status, ids)
}

func setDetailStatus(ctx context.Context, q querier, id rebate.TransactionID, status rebate.TestDetailStatus, ids []rebate.TestDetailID) error {
	query := "UPDATE test_details SET status = ? WHERE transaction_id = ?"
	args := []any{string(status), id}
	if len(ids) > 0 {
		query += " AND id IN (" + placeholders(len(ids)) + ")"
		for _, d := range ids {
			args = append(args, string(d))
		}
	}
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update test detail status: %w", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"expense_items", "expenses", "expense_categories",
		"rebate_locks", "rebate_applications", "rebates",
		"test_details", "transactions", "referrers",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
