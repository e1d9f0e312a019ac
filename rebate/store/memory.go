// Package store provides an in-memory rebate.UnitOfWork.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/purehealth/rebate-engine/rebate"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu    sync.Mutex
	state memoryState

	// lockLog records every LockRebateKey call, in order, for tests.
	lockLog []rebate.RebateKey
}

type memoryState struct {
	transactions map[rebate.TransactionID]rebate.Transaction
	details      map[rebate.TransactionID][]rebate.TestDetail
	referrers    map[rebate.ReferrerID]rebate.Referrer
	records      map[rebate.RebateKey]rebate.RebateRecord
	applications map[rebate.TransactionID]rebate.RebateApplication
	expenses     map[rebate.ExpenseID]rebate.Expense
	items        map[rebate.ExpenseItemID]rebate.ExpenseItem
	categories   map[string]rebate.ExpenseCategory
}

func newMemoryState() memoryState {
	return memoryState{
		transactions: make(map[rebate.TransactionID]rebate.Transaction),
		details:      make(map[rebate.TransactionID][]rebate.TestDetail),
		referrers:    make(map[rebate.ReferrerID]rebate.Referrer),
		records:      make(map[rebate.RebateKey]rebate.RebateRecord),
		applications: make(map[rebate.TransactionID]rebate.RebateApplication),
		expenses:     make(map[rebate.ExpenseID]rebate.Expense),
		items:        make(map[rebate.ExpenseItemID]rebate.ExpenseItem),
		categories:   make(map[string]rebate.ExpenseCategory),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

var _ rebate.UnitOfWork = (*Memory)(nil)

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// Simulated with a snapshot + restore on error. The store mutex is held for
// the whole call, which serializes every (referrer, day) key.
func (m *Memory) WithTx(ctx context.Context, fn func(rebate.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memoryTx{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s memoryState) clone() memoryState {
	c := newMemoryState()
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	for k, v := range s.details {
		c.details[k] = append([]rebate.TestDetail(nil), v...)
	}
	for k, v := range s.referrers {
		c.referrers[k] = v
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	for k, v := range s.applications {
		v.RefundedDetails = append([]rebate.TestDetailID(nil), v.RefundedDetails...)
		c.applications[k] = v
	}
	for k, v := range s.expenses {
		c.expenses[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.categories {
		c.categories[k] = v
	}
	return c
}

type memoryTx struct {
	m *Memory
}

var _ rebate.Tx = (*memoryTx)(nil)

func (t *memoryTx) st() *memoryState { return &t.m.state }

func (t *memoryTx) GetTransaction(_ context.Context, id rebate.TransactionID) (*rebate.Transaction, error) {
	txn, ok := t.st().transactions[id]
	if !ok {
		return nil, nil
	}
	return &txn, nil
}

func (t *memoryTx) ListTestDetails(_ context.Context, id rebate.TransactionID, statuses ...rebate.TestDetailStatus) ([]rebate.TestDetail, error) {
	return filterDetails(t.st().details[id], statuses), nil
}

func (t *memoryTx) GetReferrer(_ context.Context, id rebate.ReferrerID) (*rebate.Referrer, error) {
	ref, ok := t.st().referrers[id]
	if !ok {
		return nil, nil
	}
	return &ref, nil
}

func (t *memoryTx) LockRebateKey(_ context.Context, key rebate.RebateKey) error {
	t.m.lockLog = append(t.m.lockLog, key)
	return nil
}

func (t *memoryTx) GetRebateRecord(_ context.Context, key rebate.RebateKey) (*rebate.RebateRecord, error) {
	rec, ok := t.st().records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (t *memoryTx) SaveRebateRecord(_ context.Context, rec rebate.RebateRecord) error {
	t.st().records[rec.Key()] = rec
	return nil
}

func (t *memoryTx) ListRebateRecords(_ context.Context, day rebate.Day) ([]rebate.RebateRecord, error) {
	var out []rebate.RebateRecord
	for k, rec := range t.st().records {
		if k.Day.Equal(day) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferrerID < out[j].ReferrerID })
	return out, nil
}

func (t *memoryTx) GetApplication(_ context.Context, id rebate.TransactionID) (*rebate.RebateApplication, error) {
	app, ok := t.st().applications[id]
	if !ok {
		return nil, nil
	}
	return &app, nil
}

func (t *memoryTx) SaveApplication(_ context.Context, app rebate.RebateApplication) error {
	app.RefundedDetails = append([]rebate.TestDetailID(nil), app.RefundedDetails...)
	t.st().applications[app.TransactionID] = app
	return nil
}

func (t *memoryTx) MarkTestDetails(_ context.Context, id rebate.TransactionID, status rebate.TestDetailStatus, ids ...rebate.TestDetailID) error {
	if len(ids) > 0 {
		t.st().markDetails(id, status, ids)
	}
	return nil
}

func (t *memoryTx) FindRebateExpense(_ context.Context, day rebate.Day) (*rebate.Expense, error) {
	for _, e := range t.st().expenses {
		if e.Date.Equal(day) && e.PayeeLabel == rebate.RebateExpensePayee && e.DepartmentID == nil {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) SaveExpense(_ context.Context, e rebate.Expense) error {
	t.st().expenses[e.ID] = e
	return nil
}

func (t *memoryTx) DeleteExpense(_ context.Context, id rebate.ExpenseID) error {
	delete(t.st().expenses, id)
	for itemID, it := range t.st().items {
		if it.ExpenseID == id {
			delete(t.st().items, itemID)
		}
	}
	return nil
}

func (t *memoryTx) FindRebateItem(_ context.Context, expenseID rebate.ExpenseID, recordID rebate.RebateRecordID) (*rebate.ExpenseItem, error) {
	for _, it := range t.st().items {
		if it.ExpenseID == expenseID && it.RebateRecordID == recordID {
			it := it
			return &it, nil
		}
	}
	return nil, nil
}

func (t *memoryTx) ListExpenseItems(_ context.Context, expenseID rebate.ExpenseID) ([]rebate.ExpenseItem, error) {
	var out []rebate.ExpenseItem
	for _, it := range t.st().items {
		if it.ExpenseID == expenseID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PayeeLabel < out[j].PayeeLabel })
	return out, nil
}

func (t *memoryTx) SaveExpenseItem(_ context.Context, item rebate.ExpenseItem) error {
	t.st().items[item.ID] = item
	return nil
}

func (t *memoryTx) DeleteExpenseItem(_ context.Context, id rebate.ExpenseItemID) error {
	delete(t.st().items, id)
	return nil
}

func (t *memoryTx) EnsureCategory(_ context.Context, name string) (rebate.ExpenseCategory, error) {
	if c, ok := t.st().categories[name]; ok {
		return c, nil
	}
	c := rebate.ExpenseCategory{ID: rebate.CategoryID("cat-" + name), Name: name}
	t.st().categories[name] = c
	return c, nil
}

// =============================================================================
// READ MODEL WRITES - Stand-in for the billing system
// =============================================================================

func (m *Memory) SaveReferrer(_ context.Context, ref rebate.Referrer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.referrers[ref.ID] = ref
	return nil
}

func (m *Memory) ListReferrers(_ context.Context) ([]rebate.Referrer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rebate.Referrer, 0, len(m.state.referrers))
	for _, r := range m.state.referrers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastName != out[j].LastName {
			return out[i].LastName < out[j].LastName
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newMemoryState()
	m.lockLog = nil
	return nil
}

// SaveTransaction stores the header and replaces its test details.
func (m *Memory) SaveTransaction(_ context.Context, txn rebate.Transaction, details []rebate.TestDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.transactions[txn.ID] = txn
	out := make([]rebate.TestDetail, len(details))
	for i, td := range details {
		td.TransactionID = txn.ID
		out[i] = td
	}
	m.state.details[txn.ID] = out
	return nil
}

func (m *Memory) SetTransactionReferrer(_ context.Context, id rebate.TransactionID, ref *rebate.ReferrerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.state.transactions[id]
	if !ok {
		return rebate.ErrTransactionNotFound
	}
	txn.ReferrerID = ref
	m.state.transactions[id] = txn
	return nil
}

// SetTestDetailStatus updates the given details; all of the transaction's
// details when ids is empty.
func (m *Memory) SetTestDetailStatus(_ context.Context, id rebate.TransactionID, status rebate.TestDetailStatus, ids ...rebate.TestDetailID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.markDetails(id, status, ids)
	return nil
}

// markDetails sets status on ids, or on every detail of id when ids is empty.
func (s *memoryState) markDetails(id rebate.TransactionID, status rebate.TestDetailStatus, ids []rebate.TestDetailID) {
	want := make(map[rebate.TestDetailID]bool, len(ids))
	for _, d := range ids {
		want[d] = true
	}
	details := s.details[id]
	for i := range details {
		if len(ids) == 0 || want[details[i].ID] {
			details[i].Status = status
		}
	}
}

// =============================================================================
// INSPECTION - Tests only
// =============================================================================

// LockLog returns every key locked so far.
func (m *Memory) LockLog() []rebate.RebateKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rebate.RebateKey(nil), m.lockLog...)
}

// Records returns every ledger row.
func (m *Memory) Records() []rebate.RebateRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rebate.RebateRecord, 0, len(m.state.records))
	for _, r := range m.state.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out
}

// Items returns every expense item.
func (m *Memory) Items() []rebate.ExpenseItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rebate.ExpenseItem, 0, len(m.state.items))
	for _, it := range m.state.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Expenses returns every expense.
func (m *Memory) Expenses() []rebate.Expense {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rebate.Expense, 0, len(m.state.expenses))
	for _, e := range m.state.expenses {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// PutItem writes an expense item directly, bypassing the engine. Tests use
// it to simulate an out-of-band writer.
func (m *Memory) PutItem(item rebate.ExpenseItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.items[item.ID] = item
}

func filterDetails(details []rebate.TestDetail, statuses []rebate.TestDetailStatus) []rebate.TestDetail {
	out := make([]rebate.TestDetail, 0, len(details))
	for _, td := range details {
		if len(statuses) == 0 {
			out = append(out, td)
			continue
		}
		for _, s := range statuses {
			if td.Status == s {
				out = append(out, td)
				break
			}
		}
	}
	return out
}
