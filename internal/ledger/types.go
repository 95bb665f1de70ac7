package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kedai-pos/billing/internal/bill"
)

// PaymentRequest is the payload submitted to the payment ledger. Amount is
// the gross amount; the discount travels as separate metadata because the
// ledger owns net accounting.
type PaymentRequest struct {
	TableID        uuid.UUID
	OrderID        uuid.UUID
	Amount         decimal.Decimal
	Method         string
	Notes          string
	DiscountAmount decimal.Decimal
	DiscountReason string
	ItemHolds      []bill.ItemHold
}

// PaymentResult is the ledger's response to a payment submission. The
// aggregate figures are optional; when present they are authoritative and
// override any locally computed equivalents.
type PaymentResult struct {
	AcceptedAmount     decimal.Decimal
	RemainingAmount    *decimal.Decimal
	SettledAmount      *decimal.Decimal
	TotalAmount        *decimal.Decimal
	TableDiscountTotal *decimal.Decimal
}

// ActivePayment is the ledger's view of a table's current billing cycle.
type ActivePayment struct {
	ID              uuid.UUID
	TotalAmount     *decimal.Decimal
	SettledAmount   *decimal.Decimal
	RemainingAmount *decimal.Decimal
	DiscountAmount  *decimal.Decimal
}

// ItemPaymentStatus is the ledger's settled quantity for one line item.
type ItemPaymentStatus struct {
	LineItemID uuid.UUID
	SettledQty int32
}

// TableDiscountRequest applies a discount across the whole table's bill.
type TableDiscountRequest struct {
	Percent int32
	Amount  decimal.Decimal
	Reason  string
}

// RejectedError is returned when the ledger received the request and
// declined it, as opposed to the request never reaching the ledger.
type RejectedError struct {
	Status  int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected request (status %d): %s", e.Status, e.Message)
}
