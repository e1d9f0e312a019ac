package mysql

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/purehealth/rebate-engine/rebate"
)

// =============================================================================
// GORM MODELS - One struct per table, converted at the store boundary
// =============================================================================

type referrerRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	FirstName string `gorm:"size:128;not null"`
	LastName  string `gorm:"size:128;not null"`
}

func (referrerRow) TableName() string { return "referrers" }

type transactionRow struct {
	ID         string  `gorm:"primaryKey;size:64"`
	ReferrerID *string `gorm:"size:64;index"`
	// RFC3339 with offset; the rebate day is the local calendar date.
	TransactionDate string `gorm:"size:40;not null"`
}

func (transactionRow) TableName() string { return "transactions" }

type testDetailRow struct {
	ID              string          `gorm:"primaryKey;size:64"`
	TransactionID   string          `gorm:"size:64;not null;index:idx_test_details_transaction"`
	DepartmentID    string          `gorm:"size:64;not null"`
	DiscountedPrice decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Status          string          `gorm:"size:16;not null;index:idx_test_details_transaction"`
}

func (testDetailRow) TableName() string { return "test_details" }

type rebateRow struct {
	ID                string          `gorm:"primaryKey;size:64"`
	ReferrerID        string          `gorm:"size:64;not null;uniqueIndex:idx_rebates_referrer_date"`
	RebateDate        string          `gorm:"size:10;not null;uniqueIndex:idx_rebates_referrer_date;index"`
	TotalRebateAmount decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	TransactionCount  int             `gorm:"not null"`
	Status            string          `gorm:"size:16;not null"`
	ReferrerName      string          `gorm:"size:256;not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (rebateRow) TableName() string { return "rebates" }

type applicationRow struct {
	TransactionID string          `gorm:"primaryKey;size:64"`
	ReferrerID    string          `gorm:"size:64;not null"`
	RebateDate    string          `gorm:"size:10;not null"`
	AppliedAmount decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	State         string          `gorm:"size:16;not null"`
	// RefundedDetails lists test details whose rebate is already deducted.
	RefundedDetails []string `gorm:"serializer:json;type:text"`
	UpdatedAt       time.Time
}

func (applicationRow) TableName() string { return "rebate_applications" }

// lockRow materializes a (referrer, day) so SELECT ... FOR UPDATE has a row
// to lock even before the ledger row exists.
type lockRow struct {
	ReferrerID string `gorm:"primaryKey;size:64"`
	RebateDate string `gorm:"primaryKey;size:10"`
	LockedAt   time.Time
}

func (lockRow) TableName() string { return "rebate_locks" }

type expenseCategoryRow struct {
	ID   string `gorm:"primaryKey;size:64"`
	Name string `gorm:"size:128;not null;uniqueIndex"`
}

func (expenseCategoryRow) TableName() string { return "expense_categories" }

type expenseRow struct {
	ID           string          `gorm:"primaryKey;size:64"`
	Date         string          `gorm:"size:10;not null;index:idx_expenses_date_payee"`
	PayeeLabel   string          `gorm:"size:128;not null;index:idx_expenses_date_payee"`
	Purpose      string          `gorm:"size:128;not null"`
	DepartmentID *string         `gorm:"size:64"`
	TotalAmount  decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	CreatedBy    string          `gorm:"size:64;not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (expenseRow) TableName() string { return "expenses" }

type expenseItemRow struct {
	ID             string          `gorm:"primaryKey;size:64"`
	ExpenseID      string          `gorm:"size:64;not null;uniqueIndex:idx_items_expense_record"`
	RebateRecordID string          `gorm:"size:64;not null;uniqueIndex:idx_items_expense_record"`
	ReferrerID     string          `gorm:"size:64;not null"`
	PayeeLabel     string          `gorm:"size:128;not null"`
	Purpose        string          `gorm:"size:128;not null"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Status         string          `gorm:"size:16;not null"`
	CategoryID     *string         `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (expenseItemRow) TableName() string { return "expense_items" }

func allModels() []any {
	return []any{
		&referrerRow{}, &transactionRow{}, &testDetailRow{},
		&rebateRow{}, &applicationRow{}, &lockRow{},
		&expenseCategoryRow{}, &expenseRow{}, &expenseItemRow{},
	}
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTransaction(row transactionRow) (rebate.Transaction, error) {
	txn := rebate.Transaction{ID: rebate.TransactionID(row.ID)}
	if row.ReferrerID != nil && *row.ReferrerID != "" {
		ref := rebate.ReferrerID(*row.ReferrerID)
		txn.ReferrerID = &ref
	}
	t, err := time.Parse(time.RFC3339Nano, row.TransactionDate)
	if err != nil {
		return txn, err
	}
	txn.TransactionDate = t
	return txn, nil
}

func fromTransaction(txn rebate.Transaction) transactionRow {
	row := transactionRow{
		ID:              string(txn.ID),
		TransactionDate: txn.TransactionDate.Format(time.RFC3339Nano),
	}
	if txn.HasReferrer() {
		ref := string(*txn.ReferrerID)
		row.ReferrerID = &ref
	}
	return row
}

func toTestDetail(row testDetailRow) rebate.TestDetail {
	return rebate.TestDetail{
		ID:              rebate.TestDetailID(row.ID),
		TransactionID:   rebate.TransactionID(row.TransactionID),
		DepartmentID:    rebate.DepartmentID(row.DepartmentID),
		DiscountedPrice: row.DiscountedPrice,
		Status:          rebate.TestDetailStatus(row.Status),
	}
}

func toRecord(row rebateRow) (rebate.RebateRecord, error) {
	day, err := rebate.ParseDay(row.RebateDate)
	if err != nil {
		return rebate.RebateRecord{}, err
	}
	return rebate.RebateRecord{
		ID:                rebate.RebateRecordID(row.ID),
		ReferrerID:        rebate.ReferrerID(row.ReferrerID),
		RebateDate:        day,
		TotalRebateAmount: row.TotalRebateAmount,
		TransactionCount:  row.TransactionCount,
		Status:            rebate.RecordStatus(row.Status),
		ReferrerName:      row.ReferrerName,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}, nil
}

func fromRecord(rec rebate.RebateRecord) rebateRow {
	return rebateRow{
		ID:                string(rec.ID),
		ReferrerID:        string(rec.ReferrerID),
		RebateDate:        rec.RebateDate.String(),
		TotalRebateAmount: rec.TotalRebateAmount,
		TransactionCount:  rec.TransactionCount,
		Status:            string(rec.Status),
		ReferrerName:      rec.ReferrerName,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func toApplication(row applicationRow) (rebate.RebateApplication, error) {
	day, err := rebate.ParseDay(row.RebateDate)
	if err != nil {
		return rebate.RebateApplication{}, err
	}
	app := rebate.RebateApplication{
		TransactionID: rebate.TransactionID(row.TransactionID),
		ReferrerID:    rebate.ReferrerID(row.ReferrerID),
		RebateDate:    day,
		AppliedAmount: row.AppliedAmount,
		State:         rebate.ApplicationState(row.State),
		UpdatedAt:     row.UpdatedAt,
	}
	for _, d := range row.RefundedDetails {
		app.RefundedDetails = append(app.RefundedDetails, rebate.TestDetailID(d))
	}
	return app, nil
}

func toExpense(row expenseRow) (rebate.Expense, error) {
	day, err := rebate.ParseDay(row.Date)
	if err != nil {
		return rebate.Expense{}, err
	}
	e := rebate.Expense{
		ID:          rebate.ExpenseID(row.ID),
		Date:        day,
		PayeeLabel:  row.PayeeLabel,
		Purpose:     row.Purpose,
		TotalAmount: row.TotalAmount,
		CreatedBy:   rebate.UserID(row.CreatedBy),
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.DepartmentID != nil {
		dept := rebate.DepartmentID(*row.DepartmentID)
		e.DepartmentID = &dept
	}
	return e, nil
}

func fromExpense(e rebate.Expense) expenseRow {
	row := expenseRow{
		ID:          string(e.ID),
		Date:        e.Date.String(),
		PayeeLabel:  e.PayeeLabel,
		Purpose:     e.Purpose,
		TotalAmount: e.TotalAmount,
		CreatedBy:   string(e.CreatedBy),
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
	if e.DepartmentID != nil {
		dept := string(*e.DepartmentID)
		row.DepartmentID = &dept
	}
	return row
}

func toItem(row expenseItemRow) rebate.ExpenseItem {
	item := rebate.ExpenseItem{
		ID:             rebate.ExpenseItemID(row.ID),
		ExpenseID:      rebate.ExpenseID(row.ExpenseID),
		RebateRecordID: rebate.RebateRecordID(row.RebateRecordID),
		ReferrerID:     rebate.ReferrerID(row.ReferrerID),
		PayeeLabel:     row.PayeeLabel,
		Purpose:        row.Purpose,
		Amount:         row.Amount,
		Status:         rebate.ExpenseItemStatus(row.Status),
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if row.CategoryID != nil {
		item.CategoryID = rebate.CategoryID(*row.CategoryID)
	}
	return item
}

func fromItem(item rebate.ExpenseItem) expenseItemRow {
	row := expenseItemRow{
		ID:             string(item.ID),
		ExpenseID:      string(item.ExpenseID),
		RebateRecordID: string(item.RebateRecordID),
		ReferrerID:     string(item.ReferrerID),
		PayeeLabel:     item.PayeeLabel,
		Purpose:        item.Purpose,
		Amount:         item.Amount,
		Status:         string(item.Status),
		CreatedAt:      item.CreatedAt,
		UpdatedAt:      item.UpdatedAt,
	}
	if item.CategoryID != "" {
		cat := string(item.CategoryID)
		row.CategoryID = &cat
	}
	return row
}
