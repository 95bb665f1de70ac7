package bill

import (
	"errors"
	"log"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Errors returned by the line item ledger.
var (
	ErrNothingToEarmark = errors.New("no unsettled, unheld quantity left on line item")
	ErrOverconfirm      = errors.New("confirmed quantity exceeds held quantity")
)

// Epsilon is the smallest currency unit. Differences below it are rounding
// noise, never a real outstanding balance.
var Epsilon = decimal.New(1, -2) // 0.01

// LineItem is a single product entry within an order. Quantities move in one
// direction only: ordered -> held (earmarked for the payment being composed)
// -> settled (confirmed by the ledger). SettledQty + HeldQty never exceeds
// OrderedQty; all mutation goes through Earmark, ReleaseHold and Confirm.
type LineItem struct {
	ID          uuid.UUID
	ProductName string
	UnitPrice   decimal.Decimal
	OrderedQty  int32
	SettledQty  int32
	HeldQty     int32

	// ExplicitTotal is a line total supplied by the order source when it has
	// one. Valid follows the pgtype convention.
	ExplicitTotal      decimal.Decimal
	ExplicitTotalValid bool
}

// AvailableQty is the quantity still open for earmarking.
func (li *LineItem) AvailableQty() int32 {
	return li.OrderedQty - li.SettledQty - li.HeldQty
}

// Earmark holds up to requested units for the payment being composed. The
// applied quantity is clamped to what is still available, which may be less
// than requested. Returns ErrNothingToEarmark when the item is already fully
// settled or fully held.
func (li *LineItem) Earmark(requested int32) (int32, error) {
	avail := li.AvailableQty()
	if avail <= 0 {
		return 0, ErrNothingToEarmark
	}
	applied := requested
	if applied > avail {
		applied = avail
	}
	if applied <= 0 {
		return 0, ErrNothingToEarmark
	}
	li.HeldQty += applied
	return applied, nil
}

// ReleaseHold clears the item's hold and returns the quantity that was held.
// The caller owns decrementing any pending payment amount attributed to it.
func (li *LineItem) ReleaseHold() int32 {
	prev := li.HeldQty
	li.HeldQty = 0
	return prev
}

// Confirm moves qty from held to settled after the ledger accepted a payment.
// Confirming more than is held violates the quantity invariant and is
// rejected; it indicates a bug in the caller, not a user error.
func (li *LineItem) Confirm(qty int32) error {
	if qty > li.HeldQty {
		return ErrOverconfirm
	}
	li.HeldQty -= qty
	li.SettledQty += qty
	return nil
}

// EffectiveUnitPrice is the unit price, derived from the explicit line total
// when the order source did not supply one.
func (li *LineItem) EffectiveUnitPrice() decimal.Decimal {
	if !li.UnitPrice.IsZero() || !li.ExplicitTotalValid {
		return li.UnitPrice
	}
	if li.OrderedQty <= 0 {
		return decimal.Zero
	}
	return li.ExplicitTotal.Div(decimal.NewFromInt32(li.OrderedQty))
}

// LineTotal is unit price x ordered quantity. When the order source supplied
// an explicit total that disagrees with the derived one beyond Epsilon, the
// explicit total wins and the mismatch is logged, never fatal.
func (li *LineItem) LineTotal() decimal.Decimal {
	derived := li.UnitPrice.Mul(decimal.NewFromInt32(li.OrderedQty))
	if !li.ExplicitTotalValid {
		return derived
	}
	if li.UnitPrice.IsZero() {
		return li.ExplicitTotal
	}
	if derived.Sub(li.ExplicitTotal).Abs().GreaterThanOrEqual(Epsilon) {
		log.Printf("WARN: price mismatch on line item %s (%s): derived %s, explicit %s; using explicit",
			li.ID, li.ProductName, derived.StringFixed(2), li.ExplicitTotal.StringFixed(2))
	}
	return li.ExplicitTotal
}

// SettledAmount is unit price x settled quantity.
func (li *LineItem) SettledAmount() decimal.Decimal {
	return li.EffectiveUnitPrice().Mul(decimal.NewFromInt32(li.SettledQty))
}

// HeldAmount is unit price x held quantity.
func (li *LineItem) HeldAmount() decimal.Decimal {
	return li.EffectiveUnitPrice().Mul(decimal.NewFromInt32(li.HeldQty))
}
