package bill

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Authoritative carries aggregate figures reported by the payment ledger.
// When present they replace the locally derived total and settled amounts;
// the held amount is always local because the ledger has no notion of
// not-yet-submitted holds.
type Authoritative struct {
	TotalAmount     decimal.Decimal
	SettledAmount   decimal.Decimal
	RemainingAmount decimal.Decimal
}

// TableBill is a pure projection of a table's open orders and holds. It has
// no persisted identity; callers recompute it on every mutation or refresh.
type TableBill struct {
	TableID            uuid.UUID
	TotalAmount        decimal.Decimal
	SettledAmount      decimal.Decimal
	HeldAmount         decimal.Decimal
	RemainingAmount    decimal.Decimal
	TableDiscountTotal decimal.Decimal
	Authoritative      bool
}

// ComputeTotals folds all open orders' line items into the table's bill.
// When auth is non-nil, the ledger's total and settled figures win and the
// remaining amount is the ledger's remaining minus the current local held
// amount. The remaining amount is never negative, and a total/settled gap
// below Epsilon means the bill is fully covered regardless of rounding
// noise in the subtraction.
func ComputeTotals(tableID uuid.UUID, orders []*Order, auth *Authoritative) TableBill {
	total := decimal.Zero
	settled := decimal.Zero
	held := decimal.Zero

	for _, o := range orders {
		if !o.IsOpen() {
			continue
		}
		for _, li := range o.Items {
			total = total.Add(li.LineTotal())
			settled = settled.Add(li.SettledAmount())
			held = held.Add(li.HeldAmount())
		}
	}

	var remaining decimal.Decimal
	if auth != nil {
		total = auth.TotalAmount
		settled = auth.SettledAmount
		remaining = auth.RemainingAmount.Sub(held)
	} else {
		remaining = total.Sub(settled).Sub(held)
	}
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	if total.Sub(settled).Abs().LessThan(Epsilon) {
		remaining = decimal.Zero
	}

	return TableBill{
		TableID:         tableID,
		TotalAmount:     total,
		SettledAmount:   settled,
		HeldAmount:      held,
		RemainingAmount: remaining,
		Authoritative:   auth != nil,
	}
}

// Settled reports whether nothing beyond rounding noise remains unpaid.
func (b TableBill) Settled() bool {
	return b.RemainingAmount.LessThan(Epsilon)
}
