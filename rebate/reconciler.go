/*
reconciler.go - Transaction lifecycle event handlers

PURPOSE:
  Keeps the rebate ledger and its expense mirror in agreement with the
  billing source of truth across four lifecycle events:

    OnTransactionCreated   none      → recorded
    OnTransactionCancelled recorded  → reversed
    OnTestDetailsRefunded  recorded  → recorded (reduced)
    OnReferrerChanged      recorded(old) → recorded(new)

HANDLER SHAPE:
  Every handler is one linear sequence inside UnitOfWork.WithTx:
    1. load the transaction
    2. lock every (referrer, day) key it will touch, sorted
    3. derive the amount from test details
    4. ledger write → mirror write → journal write
  Returning an error from any step rolls back all of them. There are no
  rollback flags; the transaction scope is the rollback.

AMOUNTS:
  Amounts are recomputed from the stored test details at event time. The
  application journal keeps what was actually applied per transaction, so
  no deduction takes more than that; a mismatch between the two is logged
  as drift. Refunded detail IDs are journaled too, and a detail is never
  deducted twice.

STATUSES:
  Cancel and refund flip test detail statuses in the same unit of work as
  the ledger change.

ZERO AMOUNTS:
  A transaction without referrer, or whose rebate is zero, is a no-op for
  every handler. Nothing is written.

AUDIT:
  After commit, one audit entry is appended per effective event. Audit
  failures are logged and swallowed; the ledger change stands.

SEE ALSO:
  - ledger.go, mirror.go: The two stores kept in step
  - consistency.go: Read-only verification
*/
package rebate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// RECONCILER
// =============================================================================

type Reconciler struct {
	uow    UnitOfWork
	ledger *Ledger
	mirror *Mirror
	rate   decimal.Decimal
	audit  AuditLog
	log    *zap.Logger
	now    func() time.Time
}

type Option func(*Reconciler)

func WithLogger(log *zap.Logger) Option {
	return func(r *Reconciler) { r.log = log }
}

// WithRate overrides RebateRate for this reconciler.
func WithRate(rate decimal.Decimal) Option {
	return func(r *Reconciler) { r.rate = rate }
}

func WithAuditLog(audit AuditLog) Option {
	return func(r *Reconciler) { r.audit = audit }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func NewReconciler(uow UnitOfWork, opts ...Option) *Reconciler {
	r := &Reconciler{
		uow:  uow,
		rate: RebateRate,
		log:  zap.NewNop(),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ledger = &Ledger{log: r.log, now: r.now}
	r.mirror = &Mirror{log: r.log, now: r.now}
	return r
}

func (r *Reconciler) Rate() decimal.Decimal { return r.rate }

// =============================================================================
// CREATED
// =============================================================================

// OnTransactionCreated records the rebate of a new transaction, computed
// from its active test details.
func (r *Reconciler) OnTransactionCreated(ctx context.Context, id TransactionID, actor UserID) error {
	var entry *AuditEntry
	err := r.uow.WithTx(ctx, func(tx Tx) error {
		txn, err := r.loadTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		details, err := tx.ListTestDetails(ctx, id, TestDetailActive)
		if err != nil {
			return fmt.Errorf("list test details for %s: %w", id, err)
		}
		entry, err = r.recordCreated(ctx, tx, *txn, details, actor)
		return err
	})
	if err != nil {
		return err
	}
	r.appendAudit(ctx, entry)
	return nil
}

// OnTransactionCreatedWith is OnTransactionCreated for callers that already
// hold the transaction and its active test details.
func (r *Reconciler) OnTransactionCreatedWith(ctx context.Context, txn Transaction, active []TestDetail, actor UserID) error {
	var entry *AuditEntry
	err := r.uow.WithTx(ctx, func(tx Tx) error {
		var err error
		entry, err = r.recordCreated(ctx, tx, txn, active, actor)
		return err
	})
	if err != nil {
		return err
	}
	r.appendAudit(ctx, entry)
	return nil
}

func (r *Reconciler) recordCreated(ctx context.Context, tx Tx, txn Transaction, active []TestDetail, actor UserID) (*AuditEntry, error) {
	if !txn.HasReferrer() {
		return nil, nil
	}
	rb := rebateFor(active, r.rate)
	if rb.IsZero() {
		return nil, nil
	}

	key := RebateKey{ReferrerID: *txn.ReferrerID, Day: txn.RebateDay()}
	if rb.Total.IsNegative() {
		return nil, &InvalidAmountError{Key: key, Amount: rb.Total}
	}
	if err := r.lock(ctx, tx, key); err != nil {
		return nil, err
	}

	app, err := tx.GetApplication(ctx, txn.ID)
	if err != nil {
		return nil, fmt.Errorf("load rebate application %s: %w", txn.ID, err)
	}
	if app != nil && app.State == ApplicationRecorded {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRecorded, txn.ID)
	}

	referrer, err := r.loadReferrer(ctx, tx, key.ReferrerID)
	if err != nil {
		return nil, err
	}

	change, err := r.ledger.UpsertAdd(ctx, tx, key.ReferrerID, key.Day, rb.Total, referrer.FullName())
	if err != nil {
		return nil, err
	}
	if err := r.mirror.AddOrIncrease(ctx, tx, change, *referrer, actor); err != nil {
		return nil, err
	}
	if err := r.saveApplication(ctx, tx, app, txn.ID, key, rb.Total, ApplicationRecorded); err != nil {
		return nil, err
	}

	r.log.Info("rebate recorded",
		zap.String("transaction_id", string(txn.ID)),
		zap.String("referrer_id", string(key.ReferrerID)),
		zap.String("rebate_date", key.Day.String()),
		zap.Stringer("amount", rb.Total),
	)
	return r.entry(actor, AuditRebateRecorded, txn.ID, key, rb.Total), nil
}

// =============================================================================
// CANCELLED
// =============================================================================

// OnTransactionCancelled reverses the transaction's rebate and marks its
// active test details cancelled. The amount is re-derived from every test
// detail that has not been refunded, so it does not matter whether the
// caller flips statuses before or after, and it never exceeds what the
// journal says the transaction contributed. Cancelling twice is a no-op.
func (r *Reconciler) OnTransactionCancelled(ctx context.Context, id TransactionID, actor UserID) error {
	var entry *AuditEntry
	err := r.uow.WithTx(ctx, func(tx Tx) error {
		txn, err := r.loadTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		details, err := tx.ListTestDetails(ctx, id)
		if err != nil {
			return fmt.Errorf("list test details for %s: %w", id, err)
		}
		if entry, err = r.reverse(ctx, tx, *txn, details, actor); err != nil {
			return err
		}
		return r.mark(ctx, tx, id, TestDetailCancelled, withStatus(details, TestDetailActive))
	})
	if err != nil {
		return err
	}
	r.appendAudit(ctx, entry)
	return nil
}

func (r *Reconciler) reverse(ctx context.Context, tx Tx, txn Transaction, details []TestDetail, actor UserID) (*AuditEntry, error) {
	app, key, err := r.lockJournal(ctx, tx, txn)
	if err != nil || key == nil {
		return nil, err
	}
	if app != nil && app.State != ApplicationRecorded {
		// Already reversed, or detached from its referrer.
		return nil, nil
	}

	rb := rebateFor(asActive(contributing(details, app, TestDetailActive, TestDetailCancelled)), r.rate)
	if app == nil {
		if rb.IsZero() {
			return nil, nil
		}
		return nil, r.unjournaled(ctx, tx, txn.ID, *key, rb.Total)
	}
	r.checkDrift(app, *key, rb.Total)
	amount := decimal.Min(rb.Total, app.AppliedAmount)

	change, err := r.ledger.Deduct(ctx, tx, key.ReferrerID, key.Day, amount)
	if err != nil {
		return nil, err
	}
	if err := r.mirror.DecreaseOrRemove(ctx, tx, change); err != nil {
		return nil, err
	}
	if err := r.saveApplication(ctx, tx, app, txn.ID, *key, decimal.Zero, ApplicationReversed); err != nil {
		return nil, err
	}

	r.log.Info("rebate reversed",
		zap.String("transaction_id", string(txn.ID)),
		zap.String("referrer_id", string(key.ReferrerID)),
		zap.String("rebate_date", key.Day.String()),
		zap.Stringer("amount", change.Applied),
	)
	return r.entry(actor, AuditRebateReversed, txn.ID, *key, change.Applied), nil
}

// =============================================================================
// REFUNDED
// =============================================================================

// OnTestDetailsRefunded deducts the rebate of only the refunded subset and
// marks those details refunded. Prices are taken from the stored details,
// not from the caller. A detail already deducted, per the journal, is
// skipped, so replaying a refund changes nothing. If no active test detail
// remains, the transaction stops counting toward the day's transaction
// count.
func (r *Reconciler) OnTestDetailsRefunded(ctx context.Context, id TransactionID, refunded []TestDetail, actor UserID) error {
	for _, td := range refunded {
		if td.TransactionID != "" && td.TransactionID != id {
			return fmt.Errorf("%w: %s is on %s, not %s", ErrTestDetailMismatch, td.ID, td.TransactionID, id)
		}
	}

	var entry *AuditEntry
	err := r.uow.WithTx(ctx, func(tx Tx) error {
		txn, err := r.loadTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		details, err := tx.ListTestDetails(ctx, id)
		if err != nil {
			return fmt.Errorf("list test details for %s: %w", id, err)
		}
		targets, err := storedDetails(id, details, refunded)
		if err != nil {
			return err
		}
		if entry, err = r.refund(ctx, tx, *txn, details, targets, actor); err != nil {
			return err
		}
		return r.mark(ctx, tx, id, TestDetailRefunded, withStatus(targets, TestDetailActive))
	})
	if err != nil {
		return err
	}
	r.appendAudit(ctx, entry)
	return nil
}

func (r *Reconciler) refund(ctx context.Context, tx Tx, txn Transaction, details, targets []TestDetail, actor UserID) (*AuditEntry, error) {
	app, key, err := r.lockJournal(ctx, tx, txn)
	if err != nil || key == nil {
		return nil, err
	}
	if app != nil && app.State != ApplicationRecorded {
		// Cancelled or detached: nothing of this transaction is on the ledger.
		return nil, nil
	}

	var fresh []TestDetail
	gone := make(map[TestDetailID]bool, len(targets))
	for _, td := range targets {
		if td.Status == TestDetailCancelled || app.HasRefunded(td.ID) {
			continue
		}
		fresh = append(fresh, td)
		gone[td.ID] = true
	}
	rb := rebateFor(asActive(fresh), r.rate)
	if len(fresh) == 0 || (app == nil && rb.IsZero()) {
		return nil, nil
	}
	if app == nil {
		return nil, r.unjournaled(ctx, tx, txn.ID, *key, rb.Total)
	}
	if rb.Total.GreaterThan(app.AppliedAmount) {
		return nil, &ExceedsAppliedError{TransactionID: txn.ID, Requested: rb.Total, Applied: app.AppliedAmount}
	}

	remaining := 0
	for _, td := range contributing(details, app, TestDetailActive) {
		if !gone[td.ID] {
			remaining++
		}
	}

	var change Change
	state := ApplicationRecorded
	if remaining == 0 {
		change, err = r.ledger.Deduct(ctx, tx, key.ReferrerID, key.Day, rb.Total)
		state = ApplicationReversed
	} else {
		change, err = r.ledger.Reduce(ctx, tx, key.ReferrerID, key.Day, rb.Total)
	}
	if err != nil {
		return nil, err
	}
	if err := r.mirror.DecreaseOrRemove(ctx, tx, change); err != nil {
		return nil, err
	}

	applied := decimal.Max(decimal.Zero, app.AppliedAmount.Sub(change.Applied))
	if state == ApplicationReversed {
		applied = decimal.Zero
	}
	if err := r.saveApplication(ctx, tx, app, txn.ID, *key, applied, state, detailIDs(fresh)...); err != nil {
		return nil, err
	}

	r.log.Info("rebate refunded",
		zap.String("transaction_id", string(txn.ID)),
		zap.String("referrer_id", string(key.ReferrerID)),
		zap.Int("refunded_details", len(fresh)),
		zap.Stringer("amount", change.Applied),
	)
	return r.entry(actor, AuditRebateRefunded, txn.ID, *key, change.Applied), nil
}

// storedDetails resolves the requested details against the stored ones,
// dropping duplicates.
func storedDetails(id TransactionID, stored, requested []TestDetail) ([]TestDetail, error) {
	byID := make(map[TestDetailID]TestDetail, len(stored))
	for _, td := range stored {
		byID[td.ID] = td
	}
	seen := make(map[TestDetailID]bool, len(requested))
	out := make([]TestDetail, 0, len(requested))
	for _, req := range requested {
		td, ok := byID[req.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %s is not on %s", ErrTestDetailMismatch, req.ID, id)
		}
		if seen[td.ID] {
			continue
		}
		seen[td.ID] = true
		out = append(out, td)
	}
	return out, nil
}

// =============================================================================
// REFERRER CHANGED
// =============================================================================

// OnReferrerChanged moves the transaction's rebate between referrers.
// nil → new adds, old → nil deducts, old → new transfers; the new referrer
// gains exactly what the old one lost. When the rebate is on the ledger,
// the journal decides where it is and how much moves: an old referrer that
// disagrees with it is rejected with ErrReferrerMismatch, and a change the
// journal already reflects is a no-op.
func (r *Reconciler) OnReferrerChanged(ctx context.Context, id TransactionID, oldRef, newRef *ReferrerID, actor UserID) error {
	oldRef, newRef = normalizeRef(oldRef), normalizeRef(newRef)
	if sameRef(oldRef, newRef) {
		return nil
	}

	var entry *AuditEntry
	err := r.uow.WithTx(ctx, func(tx Tx) error {
		txn, err := r.loadTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		day := txn.RebateDay()

		var keys []RebateKey
		if oldRef != nil {
			keys = append(keys, RebateKey{ReferrerID: *oldRef, Day: day})
		}
		if newRef != nil {
			keys = append(keys, RebateKey{ReferrerID: *newRef, Day: day})
		}
		if err := r.lock(ctx, tx, keys...); err != nil {
			return err
		}

		app, err := r.loadApplication(ctx, tx, id)
		if err != nil {
			return err
		}
		if app != nil && app.State == ApplicationReversed {
			return nil
		}

		if app != nil && app.State == ApplicationRecorded {
			entry, err = r.move(ctx, tx, txn, app, oldRef, newRef, actor)
			return err
		}

		// Nothing of this transaction is on the ledger: only an addition
		// can apply.
		details, err := tx.ListTestDetails(ctx, id, TestDetailActive)
		if err != nil {
			return fmt.Errorf("list test details for %s: %w", id, err)
		}
		rb := rebateFor(contributing(details, app, TestDetailActive), r.rate)
		if rb.IsZero() {
			return nil
		}
		if app == nil && oldRef != nil {
			return r.unjournaled(ctx, tx, id, RebateKey{ReferrerID: *oldRef, Day: day}, rb.Total)
		}
		if newRef == nil {
			return nil
		}
		entry, err = r.attach(ctx, tx, app, id, RebateKey{ReferrerID: *newRef, Day: day}, rb.Total, actor)
		return err
	})
	if err != nil {
		return err
	}
	r.appendAudit(ctx, entry)
	return nil
}

// move shifts a recorded rebate away from the referrer the journal names.
func (r *Reconciler) move(ctx context.Context, tx Tx, txn *Transaction, app *RebateApplication, oldRef, newRef *ReferrerID, actor UserID) (*AuditEntry, error) {
	if newRef != nil && app.ReferrerID == *newRef {
		// Already moved.
		return nil, nil
	}
	if oldRef == nil {
		return nil, fmt.Errorf("%w: %s is recorded for %s", ErrAlreadyRecorded, txn.ID, app.ReferrerID)
	}
	from := app.Key()
	if app.ReferrerID != *oldRef || !app.RebateDate.Equal(txn.RebateDay()) {
		r.log.Warn("referrer change does not match recorded referrer",
			zap.String("transaction_id", string(txn.ID)),
			zap.String("recorded_referrer_id", string(app.ReferrerID)),
			zap.String("old_referrer_id", string(*oldRef)),
		)
		return nil, fmt.Errorf("%w: %s is recorded under %s, not %s", ErrReferrerMismatch, txn.ID, from, RebateKey{ReferrerID: *oldRef, Day: txn.RebateDay()})
	}

	details, err := tx.ListTestDetails(ctx, txn.ID, TestDetailActive)
	if err != nil {
		return nil, fmt.Errorf("list test details for %s: %w", txn.ID, err)
	}
	r.checkDrift(app, from, rebateFor(contributing(details, app, TestDetailActive), r.rate).Total)
	amount := app.AppliedAmount

	if newRef == nil {
		return r.detach(ctx, tx, app, txn.ID, from, amount, actor)
	}
	return r.transfer(ctx, tx, app, txn.ID, from, RebateKey{ReferrerID: *newRef, Day: from.Day}, amount, actor)
}

func (r *Reconciler) detach(ctx context.Context, tx Tx, app *RebateApplication, id TransactionID, key RebateKey, amount decimal.Decimal, actor UserID) (*AuditEntry, error) {
	change, err := r.ledger.Deduct(ctx, tx, key.ReferrerID, key.Day, amount)
	if err != nil {
		return nil, err
	}
	if err := r.mirror.DecreaseOrRemove(ctx, tx, change); err != nil {
		return nil, err
	}
	if err := r.saveApplication(ctx, tx, app, id, key, decimal.Zero, ApplicationDetached); err != nil {
		return nil, err
	}
	e := r.entry(actor, AuditReferrerChanged, id, key, change.Applied)
	e.Payload["old_referrer_id"] = string(key.ReferrerID)
	return e, nil
}

func (r *Reconciler) attach(ctx context.Context, tx Tx, app *RebateApplication, id TransactionID, key RebateKey, amount decimal.Decimal, actor UserID) (*AuditEntry, error) {
	referrer, err := r.loadReferrer(ctx, tx, key.ReferrerID)
	if err != nil {
		return nil, err
	}
	change, err := r.ledger.UpsertAdd(ctx, tx, key.ReferrerID, key.Day, amount, referrer.FullName())
	if err != nil {
		return nil, err
	}
	if err := r.mirror.AddOrIncrease(ctx, tx, change, *referrer, actor); err != nil {
		return nil, err
	}
	if err := r.saveApplication(ctx, tx, app, id, key, amount, ApplicationRecorded); err != nil {
		return nil, err
	}
	e := r.entry(actor, AuditReferrerChanged, id, key, amount)
	e.Payload["new_referrer_id"] = string(key.ReferrerID)
	return e, nil
}

func (r *Reconciler) transfer(ctx context.Context, tx Tx, app *RebateApplication, id TransactionID, from, to RebateKey, amount decimal.Decimal, actor UserID) (*AuditEntry, error) {
	referrer, err := r.loadReferrer(ctx, tx, to.ReferrerID)
	if err != nil {
		return nil, err
	}

	out, err := r.ledger.Deduct(ctx, tx, from.ReferrerID, from.Day, amount)
	if err != nil {
		return nil, err
	}
	if out.Applied.IsZero() {
		// The old referrer held nothing; its mirror must be empty too.
		if err := r.mirror.DecreaseOrRemove(ctx, tx, out); err != nil {
			return nil, err
		}
		r.log.Warn("referrer change moved nothing, old referrer had no balance",
			zap.String("transaction_id", string(id)),
			zap.String("old_referrer_id", string(from.ReferrerID)),
		)
		return nil, r.saveApplication(ctx, tx, app, id, to, decimal.Zero, ApplicationDetached)
	}
	// Move what the old referrer actually lost, so the day's total is conserved.
	in, err := r.ledger.UpsertAdd(ctx, tx, to.ReferrerID, to.Day, out.Applied, referrer.FullName())
	if err != nil {
		return nil, err
	}
	if err := r.mirror.Transfer(ctx, tx, out, in, *referrer, actor); err != nil {
		return nil, err
	}
	if err := r.saveApplication(ctx, tx, app, id, to, out.Applied, ApplicationRecorded); err != nil {
		return nil, err
	}

	r.log.Info("rebate moved between referrers",
		zap.String("transaction_id", string(id)),
		zap.String("old_referrer_id", string(from.ReferrerID)),
		zap.String("new_referrer_id", string(to.ReferrerID)),
		zap.Stringer("amount", out.Applied),
	)
	e := r.entry(actor, AuditReferrerChanged, id, to, out.Applied)
	e.Payload["old_referrer_id"] = string(from.ReferrerID)
	e.Payload["new_referrer_id"] = string(to.ReferrerID)
	return e, nil
}

func normalizeRef(ref *ReferrerID) *ReferrerID {
	if ref == nil || *ref == "" {
		return nil
	}
	return ref
}

func sameRef(a, b *ReferrerID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// =============================================================================
// HELPERS
// =============================================================================

// lock acquires every key in RebateKey.Less order, skipping duplicates.
func (r *Reconciler) lock(ctx context.Context, tx Tx, keys ...RebateKey) error {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for i, k := range keys {
		if i > 0 && keys[i-1] == k {
			continue
		}
		if err := tx.LockRebateKey(ctx, k); err != nil {
			return fmt.Errorf("lock rebate key %s: %w", k, err)
		}
	}
	return nil
}

func (r *Reconciler) loadTransaction(ctx context.Context, tx Tx, id TransactionID) (*Transaction, error) {
	txn, err := tx.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load transaction %s: %w", id, err)
	}
	if txn == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return txn, nil
}

func (r *Reconciler) loadReferrer(ctx context.Context, tx Tx, id ReferrerID) (*Referrer, error) {
	ref, err := tx.GetReferrer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load referrer %s: %w", id, err)
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: %s", ErrReferrerNotFound, id)
	}
	return ref, nil
}

// saveApplication writes the journal entry for id. Details already
// refunded in prev are kept; refunded are added to them.
func (r *Reconciler) saveApplication(ctx context.Context, tx Tx, prev *RebateApplication, id TransactionID, key RebateKey, applied decimal.Decimal, state ApplicationState, refunded ...TestDetailID) error {
	app := RebateApplication{
		TransactionID: id,
		ReferrerID:    key.ReferrerID,
		RebateDate:    key.Day,
		AppliedAmount: applied,
		State:         state,
		UpdatedAt:     r.now(),
	}
	if prev != nil {
		app.RefundedDetails = append(app.RefundedDetails, prev.RefundedDetails...)
	}
	app.RefundedDetails = append(app.RefundedDetails, refunded...)
	if err := tx.SaveApplication(ctx, app); err != nil {
		return fmt.Errorf("save rebate application %s: %w", id, err)
	}
	return nil
}

func (r *Reconciler) loadApplication(ctx context.Context, tx Tx, id TransactionID) (*RebateApplication, error) {
	app, err := tx.GetApplication(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load rebate application %s: %w", id, err)
	}
	return app, nil
}

// lockJournal locks the key the transaction's rebate lives under and
// returns the journal entry as read under that lock. A recorded entry's
// key wins over the read model's referrer. A nil key means there is
// nothing to lock: no referrer and nothing recorded.
func (r *Reconciler) lockJournal(ctx context.Context, tx Tx, txn Transaction) (*RebateApplication, *RebateKey, error) {
	app, err := r.loadApplication(ctx, tx, txn.ID)
	if err != nil {
		return nil, nil, err
	}
	var key RebateKey
	switch {
	case app != nil && app.State == ApplicationRecorded:
		key = app.Key()
	case txn.HasReferrer():
		key = RebateKey{ReferrerID: *txn.ReferrerID, Day: txn.RebateDay()}
	default:
		return app, nil, nil
	}
	if err := r.lock(ctx, tx, key); err != nil {
		return nil, nil, err
	}

	// Another event may have moved the rebate before the lock was granted.
	if app, err = r.loadApplication(ctx, tx, txn.ID); err != nil {
		return nil, nil, err
	}
	if app != nil && app.State == ApplicationRecorded &&
		(app.ReferrerID != key.ReferrerID || !app.RebateDate.Equal(key.Day)) {
		return nil, nil, fmt.Errorf("%w: %s moved to %s while waiting for %s", ErrReferrerMismatch, txn.ID, app.Key(), key)
	}
	return app, &key, nil
}

// unjournaled rejects a deduction for a transaction the journal has no
// record of: RecordNotFound when the key has no ledger row, ExceedsApplied
// when the row belongs to other transactions.
func (r *Reconciler) unjournaled(ctx context.Context, tx Tx, id TransactionID, key RebateKey, amount decimal.Decimal) error {
	rec, err := tx.GetRebateRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("load rebate record %s: %w", key, err)
	}
	if rec == nil {
		return &RecordNotFoundError{Key: key}
	}
	return &ExceedsAppliedError{TransactionID: id, Requested: amount, Applied: decimal.Zero}
}

// mark flips the listed details inside the unit of work.
func (r *Reconciler) mark(ctx context.Context, tx Tx, id TransactionID, status TestDetailStatus, details []TestDetail) error {
	if len(details) == 0 {
		return nil
	}
	if err := tx.MarkTestDetails(ctx, id, status, detailIDs(details)...); err != nil {
		return fmt.Errorf("mark test details %s on %s: %w", status, id, err)
	}
	return nil
}

// contributing keeps the details with one of statuses whose rebate the
// journal has not already deducted.
func contributing(details []TestDetail, app *RebateApplication, statuses ...TestDetailStatus) []TestDetail {
	var out []TestDetail
	for _, td := range details {
		if app.HasRefunded(td.ID) {
			continue
		}
		for _, st := range statuses {
			if td.Status == st {
				out = append(out, td)
				break
			}
		}
	}
	return out
}

func withStatus(details []TestDetail, status TestDetailStatus) []TestDetail {
	var out []TestDetail
	for _, td := range details {
		if td.Status == status {
			out = append(out, td)
		}
	}
	return out
}

func detailIDs(details []TestDetail) []TestDetailID {
	ids := make([]TestDetailID, len(details))
	for i, td := range details {
		ids[i] = td.ID
	}
	return ids
}

// checkDrift logs when the re-derived amount differs from what was applied.
func (r *Reconciler) checkDrift(app *RebateApplication, key RebateKey, derived decimal.Decimal) {
	if app == nil || app.State != ApplicationRecorded || app.AppliedAmount.Equal(derived) {
		return
	}
	r.log.Warn("rebate drift between applied and re-derived amount",
		zap.String("transaction_id", string(app.TransactionID)),
		zap.String("referrer_id", string(key.ReferrerID)),
		zap.String("rebate_date", key.Day.String()),
		zap.Stringer("applied", app.AppliedAmount),
		zap.Stringer("derived", derived),
	)
}

func (r *Reconciler) entry(actor UserID, action AuditAction, id TransactionID, key RebateKey, amount decimal.Decimal) *AuditEntry {
	return &AuditEntry{
		ID:            uuid.NewString(),
		Timestamp:     r.now(),
		ActorID:       actor,
		Action:        action,
		TransactionID: id,
		Payload: map[string]string{
			"referrer_id": string(key.ReferrerID),
			"rebate_date": key.Day.String(),
			"amount":      amount.String(),
		},
	}
}

// appendAudit never fails the caller: the ledger change is already committed.
func (r *Reconciler) appendAudit(ctx context.Context, entry *AuditEntry) {
	if entry == nil || r.audit == nil {
		return
	}
	if err := r.audit.Append(ctx, *entry); err != nil {
		r.log.Warn("failed to append audit entry",
			zap.String("action", string(entry.Action)),
			zap.String("transaction_id", string(entry.TransactionID)),
			zap.Error(err),
		)
	}
}
