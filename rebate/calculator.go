package rebate

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// REBATE CALCULATOR - Pure functions, no I/O
// =============================================================================

// RebateRate is the share of department revenue owed to the referrer.
// Reconcilers take it through WithRate; it is fixed for their lifetime.
var RebateRate = decimal.RequireFromString("0.20")

// Rebate is the result of applying a rate to department totals.
type Rebate struct {
	PerDepartment map[DepartmentID]decimal.Decimal
	Total         decimal.Decimal
}

func (r Rebate) IsZero() bool { return r.Total.IsZero() }

// ComputeDepartmentTotals sums DiscountedPrice per department over active
// test details. Inactive details are skipped.
func ComputeDepartmentTotals(details []TestDetail) map[DepartmentID]decimal.Decimal {
	totals := make(map[DepartmentID]decimal.Decimal)
	for _, td := range details {
		if !td.IsActive() {
			continue
		}
		totals[td.DepartmentID] = totals[td.DepartmentID].Add(td.DiscountedPrice)
	}
	return totals
}

// ComputeRebate multiplies each department total by rate. Total is the sum
// of the per-department values, which equals rate * sum(totals) exactly
// since decimal multiplication does not round.
func ComputeRebate(totals map[DepartmentID]decimal.Decimal, rate decimal.Decimal) Rebate {
	out := Rebate{
		PerDepartment: make(map[DepartmentID]decimal.Decimal, len(totals)),
		Total:         decimal.Zero,
	}

	// Deterministic summation order.
	depts := make([]DepartmentID, 0, len(totals))
	for d := range totals {
		depts = append(depts, d)
	}
	sort.Slice(depts, func(i, j int) bool { return depts[i] < depts[j] })

	for _, d := range depts {
		amount := totals[d].Mul(rate)
		out.PerDepartment[d] = amount
		out.Total = out.Total.Add(amount)
	}
	return out
}

// rebateFor is the composition used by every handler.
func rebateFor(details []TestDetail, rate decimal.Decimal) Rebate {
	return ComputeRebate(ComputeDepartmentTotals(details), rate)
}

// asActive returns copies of the details marked active, so refunded or
// cancelled lines can be priced with the same rule they were recorded under.
func asActive(details []TestDetail) []TestDetail {
	out := make([]TestDetail, len(details))
	for i, td := range details {
		td.Status = TestDetailActive
		out[i] = td
	}
	return out
}
