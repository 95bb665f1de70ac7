package bill

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ItemHold is one line item's contribution to a pending payment.
type ItemHold struct {
	LineItemID uuid.UUID
	Quantity   int32
	Amount     decimal.Decimal
}

// PendingPayment is the transaction being composed client-side before
// submission. Amount is either accumulated from earmarked holds or entered
// manually; AmountManual records which, so hold changes know whether to
// adjust it.
type PendingPayment struct {
	Amount          decimal.Decimal
	AmountManual    bool
	Method          string
	DiscountPercent int32
	DiscountAmount  decimal.Decimal
	ItemHolds       []ItemHold
	Notes           string
}

// Payable is the amount net of the per-transaction discount.
func (p *PendingPayment) Payable() decimal.Decimal {
	return p.Amount.Sub(p.DiscountAmount)
}

// CollectHolds snapshots every line item with a held quantity into item
// holds, in order traversal order.
func CollectHolds(orders []*Order) []ItemHold {
	var holds []ItemHold
	for _, o := range orders {
		if !o.IsOpen() {
			continue
		}
		for _, li := range o.Items {
			if li.HeldQty > 0 {
				holds = append(holds, ItemHold{
					LineItemID: li.ID,
					Quantity:   li.HeldQty,
					Amount:     li.HeldAmount(),
				})
			}
		}
	}
	return holds
}

// DescribeHolds builds an audit note like "2x Es Kopi Susu, 1x Roti Bakar"
// from the current holds. The engine treats the text as opaque.
func DescribeHolds(orders []*Order) string {
	var parts []string
	for _, o := range orders {
		if !o.IsOpen() {
			continue
		}
		for _, li := range o.Items {
			if li.HeldQty > 0 {
				parts = append(parts, fmt.Sprintf("%dx %s", li.HeldQty, li.ProductName))
			}
		}
	}
	return strings.Join(parts, ", ")
}
