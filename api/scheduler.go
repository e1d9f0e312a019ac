/*
scheduler.go - Periodic ledger/mirror consistency audit

PURPOSE:
  Periodically re-checks the most recent days of the rebate ledger against
  the expense mirror and logs every discrepancy for manual reconciliation.
  It never repairs anything; a desync needs a human.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Checks today and the Days-1 days before it (UTC)
  - Each day is checked in its own read transaction

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Days: How many days back to check (default: 7)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewConsistencyScheduler(reconciler, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - rebate/consistency.go: The check itself
  - handlers.go: CheckConsistency endpoint (manual check)
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/purehealth/rebate-engine/rebate"
)

// ConsistencyScheduler runs the consistency check on a timer.
type ConsistencyScheduler struct {
	Reconciler    *rebate.Reconciler
	CheckInterval time.Duration
	Days          int
	Enabled       bool

	log *zap.Logger
	now func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewConsistencyScheduler creates a new scheduler.
func NewConsistencyScheduler(reconciler *rebate.Reconciler, log *zap.Logger) *ConsistencyScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConsistencyScheduler{
		Reconciler:    reconciler,
		CheckInterval: 1 * time.Hour,
		Days:          7,
		Enabled:       true,
		log:           log.Named("consistency"),
		now:           time.Now,
	}
}

// Start begins the scheduler.
func (cs *ConsistencyScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled {
		cs.log.Info("scheduler disabled, not starting")
		return
	}
	if cs.ticker != nil {
		return
	}

	// Fresh channels per run, so a stopped scheduler can be started again.
	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.stop = make(chan struct{})
	cs.wg.Add(1)

	go cs.run(cs.ticker.C, cs.stop)

	cs.log.Info("scheduler started",
		zap.Duration("interval", cs.CheckInterval),
		zap.Int("days", cs.Days),
	)
}

// Stop stops the scheduler and waits for a running check to finish.
func (cs *ConsistencyScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.ticker = nil
		cs.log.Info("scheduler stopped")
	}
}

func (cs *ConsistencyScheduler) run(tick <-chan time.Time, stop <-chan struct{}) {
	defer cs.wg.Done()

	// Run immediately on start
	cs.RunNow(context.Background())

	for {
		select {
		case <-tick:
			cs.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow checks every configured day and returns the reports, oldest first.
// Days whose check fails are logged and skipped.
func (cs *ConsistencyScheduler) RunNow(ctx context.Context) []rebate.ConsistencyReport {
	days := cs.Days
	if days < 1 {
		days = 1
	}
	today := rebate.DayOf(cs.now().UTC())

	reports := make([]rebate.ConsistencyReport, 0, days)
	bad := 0
	for i := days - 1; i >= 0; i-- {
		day := today.AddDays(-i)
		report, err := cs.Reconciler.CheckConsistency(ctx, day)
		if err != nil {
			cs.log.Error("consistency check failed", zap.String("rebate_date", day.String()), zap.Error(err))
			continue
		}
		reports = append(reports, report)
		if report.OK() {
			continue
		}
		bad++
		for _, d := range report.Discrepancies {
			cs.log.Error("CRITICAL: rebate ledger and expense mirror disagree",
				zap.String("rebate_date", day.String()),
				zap.String("kind", string(d.Kind)),
				zap.String("referrer_id", string(d.Key.ReferrerID)),
				zap.String("rebate_record_id", string(d.RecordID)),
				zap.String("expense_item_id", string(d.ItemID)),
				zap.Stringer("ledger_amount", d.LedgerAmount),
				zap.Stringer("item_amount", d.ItemAmount),
			)
		}
	}

	cs.log.Info("consistency check completed",
		zap.Int("days_checked", len(reports)),
		zap.Int("days_with_discrepancies", bad),
	)
	return reports
}

// GetNextRunTime returns when the next scheduled check will occur.
func (cs *ConsistencyScheduler) GetNextRunTime() time.Time {
	return cs.now().Add(cs.CheckInterval)
}
