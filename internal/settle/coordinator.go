package settle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kedai-pos/billing/internal/bill"
	"github.com/kedai-pos/billing/internal/ledger"
)

// Session states. A table is Idle until the cashier starts composing a
// payment; Submitting marks the at-most-one in-flight settlement per table.
const (
	StateIdle       = "IDLE"
	StateComposing  = "COMPOSING"
	StateSubmitting = "SUBMITTING"
)

// Errors returned by the coordinator.
var (
	ErrSubmissionInProgress = errors.New("a payment is already being submitted for this table")
	ErrItemNotFound         = errors.New("line item not found on this table")
	ErrNothingToPay         = errors.New("no remaining balance to pay")
	ErrInvalidPercent       = errors.New("discount percent must be between 0 and 100")
	ErrInvalidMethod        = errors.New("invalid payment method")
	ErrNoActivePayment      = errors.New("table has no active payment at the ledger")
	ErrLedgerRejected       = errors.New("ledger rejected the payment")
	ErrNetworkFailure       = errors.New("could not reach the payment ledger")
)

// OrderStore supplies a table's open orders and accepts status updates.
type OrderStore interface {
	GetOpenOrders(ctx context.Context, tableID uuid.UUID) ([]*bill.Order, error)
	SetOrderStatus(ctx context.Context, orderID uuid.UUID, status string) error
}

// PaymentLedger is the authoritative remote ledger. Implementations return
// *ledger.RejectedError when the ledger received and declined a request.
type PaymentLedger interface {
	SubmitPayment(ctx context.Context, req ledger.PaymentRequest) (ledger.PaymentResult, error)
	GetActiveTablePayment(ctx context.Context, tableID uuid.UUID) (*ledger.ActivePayment, error)
	GetItemsPaymentStatus(ctx context.Context, tableID uuid.UUID) ([]ledger.ItemPaymentStatus, error)
	ApplyTableDiscount(ctx context.Context, tablePaymentID uuid.UUID, req ledger.TableDiscountRequest) (decimal.Decimal, error)
}

// TableRegistry tracks table occupancy.
type TableRegistry interface {
	SetTableStatus(ctx context.Context, tableID uuid.UUID, status string) error
}

// session is one table's billing cycle: the loaded orders (which own the
// hold quantities), the payment being composed, and the settlement state.
type session struct {
	mu                 sync.Mutex
	tableID            uuid.UUID
	orders             []*bill.Order
	pending            bill.PendingPayment
	state              string
	auth               *bill.Authoritative
	tableDiscountTotal decimal.Decimal
}

// Coordinator orchestrates the cashier settlement workflow across tables.
// It is safe for concurrent use; each table's session serializes its own
// mutations, and a submission in flight blocks a second one on the same
// table rather than merging or queueing it.
type Coordinator struct {
	orders OrderStore
	ledger PaymentLedger
	tables TableRegistry

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

// NewCoordinator creates a Coordinator over the three collaborators.
func NewCoordinator(orders OrderStore, pl PaymentLedger, tables TableRegistry) *Coordinator {
	return &Coordinator{
		orders:   orders,
		ledger:   pl,
		tables:   tables,
		sessions: make(map[uuid.UUID]*session),
	}
}

func (c *Coordinator) session(tableID uuid.UUID) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[tableID]
	if !ok {
		s = &session{tableID: tableID, state: StateIdle}
		c.sessions[tableID] = s
	}
	return s
}

// dropSession ends a table's billing cycle after full settlement.
func (c *Coordinator) dropSession(tableID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, tableID)
}

// --- Projection ---

// Refresh re-reads the table's open orders and the ledger's authoritative
// figures, then re-projects the bill. It never discards an in-progress
// hold: held quantities carry over to the freshly loaded items, clamped to
// what the ledger says is still unsettled. Ledger read failures degrade to
// a locally derived projection rather than failing the refresh.
func (c *Coordinator) Refresh(ctx context.Context, tableID uuid.UUID) (bill.TableBill, error) {
	sess := c.session(tableID)

	orders, err := c.orders.GetOpenOrders(ctx, tableID)
	if err != nil {
		return bill.TableBill{}, fmt.Errorf("get open orders: %w", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	// Carry holds from the previous snapshot over to the new one.
	for _, o := range orders {
		for _, li := range o.Items {
			if prev := bill.FindItem(sess.orders, li.ID); prev != nil {
				li.HeldQty = prev.HeldQty
				if li.SettledQty < prev.SettledQty {
					li.SettledQty = prev.SettledQty
				}
			}
		}
	}
	sess.orders = orders

	c.syncWithLedger(ctx, sess)

	return c.projectLocked(sess), nil
}

// syncWithLedger pulls the authoritative aggregate and per-item settled
// quantities. Both reads are best-effort: on failure the local figures
// stand for this cycle.
func (c *Coordinator) syncWithLedger(ctx context.Context, sess *session) {
	active, err := c.ledger.GetActiveTablePayment(ctx, sess.tableID)
	if err != nil {
		log.Printf("WARN: table %s: active payment fetch failed, using local figures: %v", sess.tableID, err)
	} else if active != nil && active.TotalAmount != nil && active.SettledAmount != nil && active.RemainingAmount != nil {
		sess.auth = &bill.Authoritative{
			TotalAmount:     *active.TotalAmount,
			SettledAmount:   *active.SettledAmount,
			RemainingAmount: *active.RemainingAmount,
		}
		if active.DiscountAmount != nil {
			sess.tableDiscountTotal = *active.DiscountAmount
		}
	}

	statuses, err := c.ledger.GetItemsPaymentStatus(ctx, sess.tableID)
	if err != nil {
		log.Printf("WARN: table %s: items payment status fetch failed: %v", sess.tableID, err)
		return
	}
	for _, st := range statuses {
		li := bill.FindItem(sess.orders, st.LineItemID)
		if li == nil {
			continue
		}
		if st.SettledQty > li.SettledQty {
			li.SettledQty = st.SettledQty
		}
		// A stale hold can now overlap freshly settled quantity; clamp it.
		if li.SettledQty+li.HeldQty > li.OrderedQty {
			li.HeldQty = li.OrderedQty - li.SettledQty
		}
	}
}

// Bill projects the current bill from local state without touching the
// network.
func (c *Coordinator) Bill(tableID uuid.UUID) bill.TableBill {
	sess := c.session(tableID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return c.projectLocked(sess)
}

// Pending returns a snapshot of the payment being composed.
func (c *Coordinator) Pending(tableID uuid.UUID) bill.PendingPayment {
	sess := c.session(tableID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	p := sess.pending
	p.ItemHolds = bill.CollectHolds(sess.orders)
	return p
}

func (c *Coordinator) projectLocked(sess *session) bill.TableBill {
	b := bill.ComputeTotals(sess.tableID, sess.orders, sess.auth)
	b.TableDiscountTotal = sess.tableDiscountTotal
	return b
}

// --- Composing ---

// EarmarkItem holds up to qty units of a line item for the payment being
// composed, returning the quantity actually applied (clamped to what is
// still unsettled and unheld) and the re-projected bill.
func (c *Coordinator) EarmarkItem(tableID, itemID uuid.UUID, qty int32) (int32, bill.TableBill, error) {
	sess := c.session(tableID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == StateSubmitting {
		return 0, bill.TableBill{}, ErrSubmissionInProgress
	}

	li := bill.FindItem(sess.orders, itemID)
	if li == nil {
		return 0, bill.TableBill{}, ErrItemNotFound
	}

	applied, err := li.Earmark(qty)
	if err != nil {
		return 0, bill.TableBill{}, err
	}

	if !sess.pending.AmountManual {
		sess.pending.Amount = sess.pending.Amount.Add(
			li.EffectiveUnitPrice().Mul(decimal.NewFromInt32(applied)))
	}
	c.recomputeDiscountLocked(sess)
	sess.state = StateComposing

	return applied, c.projectLocked(sess), nil
}

// ReleaseHold clears one line item's hold and deducts its amount from the
// pending payment.
func (c *Coordinator) ReleaseHold(tableID, itemID uuid.UUID) (bill.TableBill, error) {
	sess := c.session(tableID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == StateSubmitting {
		return bill.TableBill{}, ErrSubmissionInProgress
	}

	li := bill.FindItem(sess.orders, itemID)
	if li == nil {
		return bill.TableBill{}, ErrItemNotFound
	}

	prev := li.ReleaseHold()
	if !sess.pending.AmountManual && prev > 0 {
		sess.pending.Amount = sess.pending.Amount.Sub(
			li.EffectiveUnitPrice().Mul(decimal.NewFromInt32(prev)))
		if sess.pending.Amount.IsNegative() {
			sess.pending.Amount = decimal.Zero
		}
	}
	c.recomputeDiscountLocked(sess)

	return c.projectLocked(sess), nil
}

// ClearPending discards the composed payment: all holds, the manual amount
// and the discount. No side effects beyond local state.
func (c *Coordinator) ClearPending(tableID uuid.UUID) (bill.TableBill, error) {
	sess := c.session(tableID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == StateSubmitting {
		return bill.TableBill{}, ErrSubmissionInProgress
	}

	bill.ResetAllHolds(sess.orders)
	sess.pending = bill.PendingPayment{}
	sess.state = StateIdle

	return c.projectLocked(sess), nil
}

// SetManualAmount overrides the hold-derived amount with a cashier-entered
// one.
func (c *Coordinator) SetManualAmount(tableID uuid.UUID, amount decimal.Decimal) error {
	sess := c.session(tableID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == StateSubmitting {
		return ErrSubmissionInProgress
	}
	if amount.IsNegative() {
		return ErrNothingToPay
	}
	sess.pending.Amount = amount
	sess.pending.AmountManual = true
	c.recomputeDiscountLocked(sess)
	sess.state = StateComposing
	return nil
}

// ToggleDiscount toggles a per-transaction percent discount. Selecting the
// active percent again clears it. The base is the composed amount, or the
// current remaining balance when nothing was composed yet.
func (c *Coordinator) ToggleDiscount(tableID uuid.UUID, percent int32) (int32, decimal.Decimal, error) {
	if percent < 0 || percent > 100 {
		return 0, decimal.Zero, ErrInvalidPercent
	}

	sess := c.session(tableID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == StateSubmitting {
		return 0, decimal.Zero, ErrSubmissionInProgress
	}

	base := sess.pending.Amount
	if base.IsZero() {
		base = c.projectLocked(sess).RemainingAmount
	}
	sess.pending.DiscountPercent, sess.pending.DiscountAmount =
		bill.ToggleDiscount(sess.pending.DiscountPercent, percent, base)
	sess.state = StateComposing

	return sess.pending.DiscountPercent, sess.pending.DiscountAmount, nil
}

// recomputeDiscountLocked keeps the discount amount in step with the
// amount it was computed against.
func (c *Coordinator) recomputeDiscountLocked(sess *session) {
	if sess.pending.DiscountPercent == 0 {
		sess.pending.DiscountAmount = decimal.Zero
		return
	}
	sess.pending.DiscountAmount = sess.pending.Amount.
		Mul(decimal.NewFromInt32(sess.pending.DiscountPercent)).
		Div(decimal.NewFromInt(100)).
		Round(2)
}
