package reports

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cartera-erp/cartera-erp/internal/ledger"
)

// Project builds the auxiliary ledger for one counterparty over a date
// range. Both perspectives are pure projections of the same allocation
// relation, so they cannot drift apart structurally; the reconciliation
// check still compares their allocated totals to surface upstream posting
// anomalies as a warning.
func Project(view *ledger.DocumentsView, counterpartyID int64, start, end time.Time, perspective Perspective) (*AuxiliaryLedger, error) {
	if perspective != PerspectiveBilling && perspective != PerspectiveSettlement {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPerspective, perspective)
	}

	dates := make(map[ledger.DocumentRef]time.Time, len(view.Billing)+len(view.Settlements))
	for _, d := range view.Billing {
		dates[d.Doc] = d.Date
	}
	for _, d := range view.Settlements {
		dates[d.Doc] = d.Date
	}

	inRange := func(date time.Time) bool {
		if !start.IsZero() && date.Before(start) {
			return false
		}
		if !end.IsZero() && date.After(end) {
			return false
		}
		return true
	}

	billingAllocated := decimal.Zero
	var billingLines []BillingLine
	for _, doc := range view.Billing {
		if !inRange(doc.Date) {
			continue
		}
		line := BillingLine{
			Doc:            doc.Doc,
			Date:           doc.Date,
			OriginalAmount: doc.OriginalAmount,
			Allocated:      doc.Allocated,
			Balance:        doc.Balance,
		}
		for _, a := range doc.Allocations {
			line.Settlements = append(line.Settlements, AllocationSlice{
				Doc:       a.SettlementDoc,
				Date:      dates[a.SettlementDoc],
				Amount:    a.Amount,
				Reversal:  a.IsReversal(),
				CreatedAt: a.CreatedAt,
			})
		}
		billingAllocated = billingAllocated.Add(doc.Allocated)
		billingLines = append(billingLines, line)
	}

	settlementAllocated := decimal.Zero
	var settlementLines []SettlementLine
	for _, doc := range view.Settlements {
		if !inRange(doc.Date) {
			continue
		}
		line := SettlementLine{
			Doc:         doc.Doc,
			Date:        doc.Date,
			TotalAmount: doc.TotalAmount,
			Allocated:   doc.Allocated,
			Unapplied:   doc.Unapplied,
		}
		for _, a := range doc.Allocations {
			line.Billing = append(line.Billing, AllocationSlice{
				Doc:       a.BillingDoc,
				Date:      dates[a.BillingDoc],
				Amount:    a.Amount,
				Reversal:  a.IsReversal(),
				CreatedAt: a.CreatedAt,
			})
		}
		settlementAllocated = settlementAllocated.Add(doc.Allocated)
		settlementLines = append(settlementLines, line)
	}

	out := &AuxiliaryLedger{
		CounterpartyID: counterpartyID,
		Start:          start,
		End:            end,
		Perspective:    perspective,
		Reconciliation: reconcile(billingAllocated, settlementAllocated),
	}
	switch perspective {
	case PerspectiveBilling:
		out.Billing = billingLines
	case PerspectiveSettlement:
		out.Settlements = settlementLines
	}
	return out, nil
}

// reconcile compares the allocated grand totals seen from each perspective.
// They coincide when every allocation's billing and settlement documents
// both fall inside the range; a difference means cross-references straddle
// the range boundary or upstream data is inconsistent.
func reconcile(billingAllocated, settlementAllocated decimal.Decimal) ReconcileCheck {
	diff := billingAllocated.Sub(settlementAllocated)
	check := ReconcileCheck{Consistent: true, Difference: diff}
	if diff.Abs().GreaterThan(ledger.Epsilon) {
		check.Consistent = false
		check.Warning = fmt.Sprintf("perspectives disagree by %s for the shared range", diff)
	}
	return check
}

// NetMovement computes the period's net subledger movement: billing
// originals minus settlement totals dated inside the range.
func NetMovement(view *ledger.DocumentsView, start, end time.Time) decimal.Decimal {
	inRange := func(date time.Time) bool {
		if !start.IsZero() && date.Before(start) {
			return false
		}
		if !end.IsZero() && date.After(end) {
			return false
		}
		return true
	}
	net := decimal.Zero
	for _, d := range view.Billing {
		if inRange(d.Date) {
			net = net.Add(d.OriginalAmount)
		}
	}
	for _, d := range view.Settlements {
		if inRange(d.Date) {
			net = net.Sub(d.TotalAmount)
		}
	}
	return net
}
