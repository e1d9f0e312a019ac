package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/purehealth/rebate-engine/rebate"
	"github.com/purehealth/rebate-engine/rebate/store"
)

func TestAudit(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Audit Suite")
}

var _ = Describe("BoltLog", func() {
	var (
		ctx  context.Context
		path string
		log  *BoltLog
		t0   time.Time
	)

	entry := func(id string, offset time.Duration, actor rebate.UserID, action rebate.AuditAction, txn rebate.TransactionID) rebate.AuditEntry {
		return rebate.AuditEntry{
			ID:            id,
			Timestamp:     t0.Add(offset),
			ActorID:       actor,
			Action:        action,
			TransactionID: txn,
			Payload:       map[string]string{"amount": "160"},
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)
		path = filepath.Join(GinkgoT().TempDir(), "audit.db")
		var err error
		log, err = NewBoltLog(path)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if log != nil {
			log.Close()
		}
	})

	When("entries are appended", func() {
		BeforeEach(func() {
			Expect(log.Append(ctx, entry("a-1", 0, "user-1", rebate.AuditRebateRecorded, "txn-1"))).To(Succeed())
			Expect(log.Append(ctx, entry("a-2", time.Minute, "user-2", rebate.AuditRebateRefunded, "txn-1"))).To(Succeed())
			Expect(log.Append(ctx, entry("a-3", 2*time.Minute, "user-1", rebate.AuditRebateRecorded, "txn-2"))).To(Succeed())
		})

		It("returns them in append order", func() {
			all, err := log.Query(ctx, rebate.AuditFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(3))
			Expect(all[0].ID).To(Equal("a-1"))
			Expect(all[2].ID).To(Equal("a-3"))
			Expect(all[0].Payload).To(HaveKeyWithValue("amount", "160"))
		})

		It("filters by transaction", func() {
			txn := rebate.TransactionID("txn-1")
			got, err := log.Query(ctx, rebate.AuditFilter{TransactionID: &txn})
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(2))
		})

		It("filters by actor and action", func() {
			actor := rebate.UserID("user-1")
			got, err := log.Query(ctx, rebate.AuditFilter{
				ActorID: &actor,
				Actions: []rebate.AuditAction{rebate.AuditRebateRecorded},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(2))
		})

		It("filters by time window", func() {
			from := t0.Add(30 * time.Second)
			to := t0.Add(90 * time.Second)
			got, err := log.Query(ctx, rebate.AuditFilter{From: &from, To: &to})
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))
			Expect(got[0].ID).To(Equal("a-2"))
		})

		It("survives a reopen", func() {
			Expect(log.Close()).To(Succeed())
			var err error
			log, err = NewBoltLog(path)
			Expect(err).NotTo(HaveOccurred())

			all, err := log.Query(ctx, rebate.AuditFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(3))
		})
	})

	When("the context is cancelled", func() {
		It("refuses to append", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()
			Expect(log.Append(cancelled, entry("a-1", 0, "user-1", rebate.AuditRebateRecorded, "txn-1"))).To(MatchError(context.Canceled))
		})
	})

	Describe("as the reconciler's audit log", func() {
		It("receives one entry per effective event", func() {
			store := newSeededStore()
			r := rebate.NewReconciler(store, rebate.WithAuditLog(log))

			Expect(r.OnTransactionCreated(ctx, "txn-1", "user-7")).To(Succeed())
			Expect(r.OnTransactionCancelled(ctx, "txn-1", "user-7")).To(Succeed())
			// Second cancel is a no-op and is not audited.
			Expect(r.OnTransactionCancelled(ctx, "txn-1", "user-7")).To(Succeed())

			all, err := log.Query(ctx, rebate.AuditFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(2))
			Expect(all[0].Action).To(Equal(rebate.AuditRebateRecorded))
			Expect(all[0].ActorID).To(Equal(rebate.UserID("user-7")))
			Expect(all[0].Payload).To(HaveKeyWithValue("amount", "160"))
			Expect(all[1].Action).To(Equal(rebate.AuditRebateReversed))
		})
	})
})

func newSeededStore() *store.Memory {
	ctx := context.Background()
	mem := store.NewMemory()
	ref := rebate.ReferrerID("ref-cruz")
	Expect(mem.SaveReferrer(ctx, rebate.Referrer{ID: ref, FirstName: "Maria", LastName: "Cruz"})).To(Succeed())
	Expect(mem.SaveTransaction(ctx,
		rebate.Transaction{ID: "txn-1", ReferrerID: &ref, TransactionDate: time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)},
		[]rebate.TestDetail{
			{ID: "td-1", DepartmentID: "lab", DiscountedPrice: decimal.RequireFromString("500"), Status: rebate.TestDetailActive},
			{ID: "td-2", DepartmentID: "xray", DiscountedPrice: decimal.RequireFromString("300"), Status: rebate.TestDetailActive},
		})).To(Succeed())
	return mem
}
