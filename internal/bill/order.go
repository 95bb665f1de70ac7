package bill

import (
	"github.com/google/uuid"

	"github.com/kedai-pos/billing/internal/enum"
)

// Order is one open check on a table. Only OPEN orders participate in the
// table's bill.
type Order struct {
	ID      uuid.UUID
	TableID uuid.UUID
	Status  string
	Items   []*LineItem
}

// IsOpen reports whether the order still counts toward the table's bill.
func (o *Order) IsOpen() bool {
	return o.Status == enum.OrderStatusOpen
}

// FindItem returns the line item with the given ID across all orders, or nil.
func FindItem(orders []*Order, id uuid.UUID) *LineItem {
	for _, o := range orders {
		for _, li := range o.Items {
			if li.ID == id {
				return li
			}
		}
	}
	return nil
}

// ResetAllHolds clears every held quantity across the given orders. Used on
// submission failure and on an explicit clear action.
func ResetAllHolds(orders []*Order) {
	for _, o := range orders {
		for _, li := range o.Items {
			li.HeldQty = 0
		}
	}
}
