package rebate_test

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/purehealth/rebate-engine/rebate"
)

// beDecimal matches a decimal.Decimal numerically.
func beDecimal(s string) OmegaMatcher {
	want := dec(s)
	return WithTransform(func(d decimal.Decimal) bool { return d.Equal(want) }, BeTrue())
}

var _ = Describe("Rebate properties", func() {
	var w *world

	BeforeEach(func() {
		w = cruzWorld()
	})

	DescribeTable("total is the rate times active revenue",
		func(rate string, prices []string, want string) {
			details := make([]rebate.TestDetail, len(prices))
			for i, p := range prices {
				details[i] = td(rebate.TestDetailID(fmt.Sprintf("td-%d", i)), rebate.DepartmentID(fmt.Sprintf("dept-%d", i%2)), p)
			}
			rb := rebate.ComputeRebate(rebate.ComputeDepartmentTotals(details), dec(rate))
			Expect(rb.Total).To(beDecimal(want))

			sum := decimal.Zero
			for _, amount := range rb.PerDepartment {
				sum = sum.Add(amount)
			}
			Expect(sum).To(beDecimal(want))
		},
		Entry("single line", "0.20", []string{"500"}, "100"),
		Entry("two departments", "0.20", []string{"500", "300"}, "160"),
		Entry("cents", "0.20", []string{"99.95", "0.05"}, "20"),
		Entry("three lines, shared department", "0.15", []string{"100", "200", "300"}, "90"),
		Entry("nothing billed", "0.20", []string{}, "0"),
	)

	When("the transaction has no referrer", func() {
		It("writes nothing for any event", func() {
			w.txn("txn-walkin", nil, march3, td("td-5", "lab", "500"))

			Expect(w.r.OnTransactionCreated(w.ctx, "txn-walkin", "user-7")).To(Succeed())
			Expect(w.r.OnTestDetailsRefunded(w.ctx, "txn-walkin", []rebate.TestDetail{td("td-5", "lab", "500")}, "user-7")).To(Succeed())
			Expect(w.r.OnTransactionCancelled(w.ctx, "txn-walkin", "user-7")).To(Succeed())

			Expect(w.mem.Records()).To(BeEmpty())
			Expect(w.mem.Expenses()).To(BeEmpty())
			Expect(w.mem.Items()).To(BeEmpty())
		})
	})

	Describe("the Dr. Cruz scenario", func() {
		It("records 160 and leaves nothing after cancellation", func() {
			By("creating an 800 transaction")
			Expect(w.r.OnTransactionCreated(w.ctx, "txn-1", "user-7")).To(Succeed())
			Expect(w.total(cruzID, march3Day)).To(beDecimal("160"))
			Expect(w.itemFor(cruzID, march3Day).PayeeLabel).To(Equal("Dr. Cruz"))

			By("cancelling it")
			Expect(w.r.OnTransactionCancelled(w.ctx, "txn-1", "user-7")).To(Succeed())
			Expect(w.total(cruzID, march3Day)).To(beDecimal("0"))
			Expect(w.record(cruzID, march3Day).Status).To(Equal(rebate.RecordCancelled))
			Expect(w.expense(march3Day)).To(BeNil())
		})
	})

	Describe("round trip", func() {
		It("restores the ledger the day had before the transaction", func() {
			w.txn("txn-2", refPtr(cruzID), march3, td("td-3", "lab", "250"))
			Expect(w.r.OnTransactionCreated(w.ctx, "txn-2", "user-7")).To(Succeed())
			before := *w.record(cruzID, march3Day)
			itemBefore := *w.itemFor(cruzID, march3Day)

			Expect(w.r.OnTransactionCreated(w.ctx, "txn-1", "user-7")).To(Succeed())
			Expect(w.r.OnTransactionCancelled(w.ctx, "txn-1", "user-7")).To(Succeed())

			after := w.record(cruzID, march3Day)
			Expect(after.TotalRebateAmount).To(beDecimal(before.TotalRebateAmount.String()))
			Expect(after.TransactionCount).To(Equal(before.TransactionCount))
			Expect(w.itemFor(cruzID, march3Day).Amount).To(beDecimal(itemBefore.Amount.String()))
		})
	})

	Describe("partial refund", func() {
		It("deducts in proportion to the refunded lines", func() {
			w.txn("txn-2", refPtr(cruzID), march3, td("td-a", "lab", "1000"), td("td-b", "xray", "500"))
			Expect(w.r.OnTransactionCreated(w.ctx, "txn-2", "user-7")).To(Succeed())
			Expect(w.total(cruzID, march3Day)).To(beDecimal("300"))

			Expect(w.r.OnTestDetailsRefunded(w.ctx, "txn-2", []rebate.TestDetail{td("td-b", "xray", "500")}, "user-7")).To(Succeed())

			Expect(w.total(cruzID, march3Day)).To(beDecimal("200"))
			Expect(w.record(cruzID, march3Day).TransactionCount).To(Equal(1))
			Expect(w.report(march3Day).OK()).To(BeTrue())
		})
	})

	Describe("referrer swap", func() {
		It("conserves the day's total", func() {
			w.txn("txn-r", refPtr(reyesID), march3, td("td-r", "lab", "100"))
			Expect(w.r.OnTransactionCreated(w.ctx, "txn-1", "user-7")).To(Succeed())
			Expect(w.r.OnTransactionCreated(w.ctx, "txn-r", "user-7")).To(Succeed())
			dayBefore := w.report(march3Day).LedgerTotal

			Expect(w.r.OnReferrerChanged(w.ctx, "txn-1", refPtr(cruzID), refPtr(reyesID), "user-7")).To(Succeed())

			report := w.report(march3Day)
			Expect(report.LedgerTotal).To(beDecimal(dayBefore.String()))
			Expect(report.ExpenseTotal).To(beDecimal(dayBefore.String()))
			Expect(w.total(cruzID, march3Day)).To(beDecimal("0"))
			Expect(w.total(reyesID, march3Day)).To(beDecimal("180"))
			Expect(report.OK()).To(BeTrue())
		})
	})

	Describe("non-negativity", func() {
		It("never drives a row below zero under over-deduction", func() {
			Expect(w.r.OnTransactionCreated(w.ctx, "txn-1", "user-7")).To(Succeed())
			// Repriced far above what was recorded
			w.txn("txn-1", refPtr(cruzID), march3, td("td-1", "lab", "5000"), td("td-2", "xray", "300"))
			Expect(w.r.OnTransactionCancelled(w.ctx, "txn-1", "user-7")).To(Succeed())

			rec := w.record(cruzID, march3Day)
			Expect(rec.TotalRebateAmount.IsNegative()).To(BeFalse())
			Expect(rec.TransactionCount).To(BeNumerically(">=", 0))
			Expect(rec.Status).To(Equal(rebate.RecordCancelled))
		})
	})

	Describe("mirror consistency", func() {
		It("holds after any sequence of events", func() {
			w.txn("txn-2", refPtr(cruzID), march3, td("td-a", "lab", "1000"), td("td-b", "xray", "500"))
			w.txn("txn-r", refPtr(reyesID), march3, td("td-r", "lab", "100"))
			steps := []func() error{
				func() error { return w.r.OnTransactionCreated(w.ctx, "txn-1", "user-7") },
				func() error { return w.r.OnTransactionCreated(w.ctx, "txn-2", "user-7") },
				func() error { return w.r.OnTransactionCreated(w.ctx, "txn-r", "user-7") },
				func() error {
					if err := w.mem.SetTestDetailStatus(w.ctx, "txn-2", rebate.TestDetailRefunded, "td-b"); err != nil {
						return err
					}
					return w.r.OnTestDetailsRefunded(w.ctx, "txn-2", []rebate.TestDetail{td("td-b", "xray", "500")}, "user-7")
				},
				func() error { return w.r.OnReferrerChanged(w.ctx, "txn-1", refPtr(cruzID), refPtr(reyesID), "user-7") },
				func() error { return w.r.OnTransactionCancelled(w.ctx, "txn-r", "user-7") },
				func() error { return w.r.OnReferrerChanged(w.ctx, "txn-2", refPtr(cruzID), nil, "user-7") },
			}
			for i, step := range steps {
				Expect(step()).To(Succeed(), "step %d", i)
				report := w.report(march3Day)
				Expect(report.Discrepancies).To(BeEmpty(), "step %d", i)
				Expect(report.ExpenseTotal).To(beDecimal(report.LedgerTotal.String()), "step %d", i)
			}
			Expect(w.total(reyesID, march3Day)).To(beDecimal("160"))
			Expect(w.total(cruzID, march3Day)).To(beDecimal("0"))
		})
	})
})
