/*
store.go - Persistence interfaces for the rebate engine

PURPOSE:
  Defines the contract between the reconciliation logic and the database.
  The engine reads the billing read model (transactions, test details,
  referrers) and reads/writes the rebate ledger, the application journal
  and the mirrored expense rows. All of it happens through a Tx handed out
  by UnitOfWork.WithTx.

KEY INTERFACES:
  UnitOfWork:        Opens one all-or-nothing transaction per event
  Tx:                Everything a handler may touch inside that transaction
  Locker:            Explicit per-(referrer, day) exclusive lock
  TestDetailWriter:  Status flips that belong to the same event
  AuditLog:          Append-only record of who triggered what

ATOMICITY:
  Ledger and mirror are never allowed to be individually consistent but
  jointly divergent. WithTx commits only when fn returns nil; any error
  rolls back every write made through the Tx.

LOCKING:
  Handlers call LockRebateKey for every key they touch, in RebateKey.Less
  order, before reading ledger or expense rows. Implementations must hold
  the lock until commit or rollback.

NOT FOUND:
  Get/Find methods return (nil, nil) when the row does not exist. The engine
  decides whether absence is an error.

IMPLEMENTATIONS:
  - rebate/store/memory.go: In-memory for tests
  - store/sqlite/sqlite.go: SQLite (database/sql)
  - store/mysql/mysql.go:   MySQL (gorm) with SELECT ... FOR UPDATE

SEE ALSO:
  - reconciler.go: The only caller of WithTx
*/
package rebate

import (
	"context"
	"time"
)

// =============================================================================
// READ MODEL - Owned by the billing system; only detail statuses are
// written here
// =============================================================================

type TransactionReader interface {
	// GetTransaction returns nil if the transaction does not exist.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// ListTestDetails returns the transaction's test details. With no
	// statuses given, all details are returned.
	ListTestDetails(ctx context.Context, id TransactionID, statuses ...TestDetailStatus) ([]TestDetail, error)
}

// TestDetailWriter flips detail statuses inside the unit of work, so the
// status change commits or rolls back with the ledger change it caused.
type TestDetailWriter interface {
	// MarkTestDetails sets status on the listed details of the transaction.
	// An empty ids list changes nothing.
	MarkTestDetails(ctx context.Context, id TransactionID, status TestDetailStatus, ids ...TestDetailID) error
}

type ReferrerReader interface {
	// GetReferrer returns nil if the referrer does not exist.
	GetReferrer(ctx context.Context, id ReferrerID) (*Referrer, error)
}

// =============================================================================
// ENGINE-OWNED STATE
// =============================================================================

type Locker interface {
	// LockRebateKey takes an exclusive lock on (referrer, day) held until
	// the enclosing transaction ends.
	LockRebateKey(ctx context.Context, key RebateKey) error
}

type LedgerStore interface {
	GetRebateRecord(ctx context.Context, key RebateKey) (*RebateRecord, error)

	// SaveRebateRecord inserts or updates by ID.
	SaveRebateRecord(ctx context.Context, rec RebateRecord) error

	// ListRebateRecords returns every record for the day, ordered by referrer.
	ListRebateRecords(ctx context.Context, day Day) ([]RebateRecord, error)
}

type ApplicationStore interface {
	GetApplication(ctx context.Context, id TransactionID) (*RebateApplication, error)

	// SaveApplication inserts or updates by TransactionID.
	SaveApplication(ctx context.Context, app RebateApplication) error
}

type ExpenseStore interface {
	// FindRebateExpense returns the day's rebate container: payee
	// RebateExpensePayee and no department.
	FindRebateExpense(ctx context.Context, day Day) (*Expense, error)

	// SaveExpense inserts or updates by ID.
	SaveExpense(ctx context.Context, e Expense) error
	DeleteExpense(ctx context.Context, id ExpenseID) error

	// FindRebateItem looks up the item linked to a ledger row.
	FindRebateItem(ctx context.Context, expenseID ExpenseID, recordID RebateRecordID) (*ExpenseItem, error)
	ListExpenseItems(ctx context.Context, expenseID ExpenseID) ([]ExpenseItem, error)

	// SaveExpenseItem inserts or updates by ID.
	SaveExpenseItem(ctx context.Context, item ExpenseItem) error
	DeleteExpenseItem(ctx context.Context, id ExpenseItemID) error

	// EnsureCategory finds the category by name, creating it if needed.
	EnsureCategory(ctx context.Context, name string) (ExpenseCategory, error)
}

// Tx is the full surface available to a handler inside one unit of work.
type Tx interface {
	TransactionReader
	TestDetailWriter
	ReferrerReader
	Locker
	LedgerStore
	ApplicationStore
	ExpenseStore
}

// UnitOfWork opens transactions.
type UnitOfWork interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditRebateRecorded  AuditAction = "rebate_recorded"
	AuditRebateReversed  AuditAction = "rebate_reversed"
	AuditRebateRefunded  AuditAction = "rebate_refunded"
	AuditReferrerChanged AuditAction = "referrer_changed"
)

// AuditEntry records who did what when.
type AuditEntry struct {
	ID            string
	Timestamp     time.Time
	ActorID       UserID
	Action        AuditAction
	TransactionID TransactionID
	Payload       map[string]string
}

// AuditLog stores audit entries. Append-only. Failures never block a
// ledger operation.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	TransactionID *TransactionID
	ActorID       *UserID
	Actions       []AuditAction
	From          *time.Time
	To            *time.Time
}

// Matches reports whether e passes every set field of the filter.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.TransactionID != nil && e.TransactionID != *f.TransactionID {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	if len(f.Actions) > 0 {
		for _, a := range f.Actions {
			if a == e.Action {
				return true
			}
		}
		return false
	}
	return true
}
