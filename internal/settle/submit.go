package settle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kedai-pos/billing/internal/bill"
	"github.com/kedai-pos/billing/internal/enum"
	"github.com/kedai-pos/billing/internal/ledger"
)

// Outcome states.
const (
	OutcomeSettled          = "SETTLED"
	OutcomePartiallySettled = "PARTIALLY_SETTLED"
)

// SubmitRequest carries the cashier's submission parameters. A zero Amount
// means "use the composed amount, or the full remaining balance".
type SubmitRequest struct {
	Amount decimal.Decimal
	Method string
	Notes  string
}

// Outcome is the result of an accepted submission.
type Outcome struct {
	State          string
	AcceptedAmount decimal.Decimal
	Payment        bill.PendingPayment
	Bill           bill.TableBill
	// ReleaseWarning is set when the table settled but part of the release
	// sequence failed; the release still went as far as it could.
	ReleaseWarning *ReleaseError
}

// ReleaseError reports a partial table release: individual order
// completions or the table status update failed. Release is best-effort,
// so this is a warning, not a rollback.
type ReleaseError struct {
	FailedOrderIDs []uuid.UUID
	TableUpdateErr error
}

func (e *ReleaseError) Error() string {
	var parts []string
	if len(e.FailedOrderIDs) > 0 {
		parts = append(parts, fmt.Sprintf("%d order(s) failed to complete", len(e.FailedOrderIDs)))
	}
	if e.TableUpdateErr != nil {
		parts = append(parts, fmt.Sprintf("table status update failed: %v", e.TableUpdateErr))
	}
	return "partial table release: " + strings.Join(parts, "; ")
}

// Submit sends the composed payment to the ledger and applies the outcome.
// Exactly one submission may be in flight per table; a second attempt is
// rejected, never merged or queued. On any submission error every hold from
// the attempt is rolled back and the table returns to an open, Idle state.
func (c *Coordinator) Submit(ctx context.Context, tableID uuid.UUID, req SubmitRequest) (Outcome, error) {
	sess := c.session(tableID)

	payload, submitted, err := c.beginSubmit(sess, req)
	if err != nil {
		return Outcome{}, err
	}

	res, err := c.ledger.SubmitPayment(ctx, payload)
	if err != nil {
		return Outcome{}, c.failSubmit(sess, err)
	}

	return c.finishSubmit(ctx, sess, submitted, res)
}

// beginSubmit resolves the payment parameters and takes the per-table
// submission lock by moving the session to Submitting.
func (c *Coordinator) beginSubmit(sess *session, req SubmitRequest) (ledger.PaymentRequest, bill.PendingPayment, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.state == StateSubmitting {
		return ledger.PaymentRequest{}, bill.PendingPayment{}, ErrSubmissionInProgress
	}

	method := req.Method
	if method == "" {
		method = sess.pending.Method
	}
	if method != enum.PaymentMethodCash && method != enum.PaymentMethodCard {
		return ledger.PaymentRequest{}, bill.PendingPayment{}, ErrInvalidMethod
	}

	// Step 1: resolve the amount. Explicit request amount, then the composed
	// amount, then the engine's current remaining balance.
	amount := req.Amount
	if amount.IsZero() {
		amount = sess.pending.Amount
	}
	if amount.IsZero() {
		amount = c.projectLocked(sess).RemainingAmount
	}
	if amount.LessThan(bill.Epsilon) {
		return ledger.PaymentRequest{}, bill.PendingPayment{}, ErrNothingToPay
	}

	// Step 2: the discount is computed against the resolved amount, not the
	// table total. The gross amount goes to the ledger; the discount rides
	// along as metadata.
	discountAmount := decimal.Zero
	discountReason := ""
	if sess.pending.DiscountPercent > 0 {
		discountAmount = amount.
			Mul(decimal.NewFromInt32(sess.pending.DiscountPercent)).
			Div(decimal.NewFromInt(100)).
			Round(2)
		discountReason = fmt.Sprintf("%d%% payment discount", sess.pending.DiscountPercent)
	}

	// Step 3: attach every live hold.
	holds := bill.CollectHolds(sess.orders)

	notes := req.Notes
	if notes == "" {
		notes = sess.pending.Notes
	}
	if notes == "" {
		notes = bill.DescribeHolds(sess.orders)
	}

	var orderID uuid.UUID
	for _, o := range sess.orders {
		if o.IsOpen() {
			orderID = o.ID
			break
		}
	}

	submitted := sess.pending
	submitted.Amount = amount
	submitted.Method = method
	submitted.DiscountAmount = discountAmount
	submitted.ItemHolds = holds
	submitted.Notes = notes

	sess.state = StateSubmitting

	return ledger.PaymentRequest{
		TableID:        sess.tableID,
		OrderID:        orderID,
		Amount:         amount,
		Method:         method,
		Notes:          notes,
		DiscountAmount: discountAmount,
		DiscountReason: discountReason,
		ItemHolds:      holds,
	}, submitted, nil
}

// failSubmit rolls the attempt back: every hold is cleared, the composed
// payment is discarded, and the table returns to Idle. The error kind is
// preserved so callers can distinguish a ledger decline from an unreachable
// ledger. No automatic retry.
func (c *Coordinator) failSubmit(sess *session, err error) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	bill.ResetAllHolds(sess.orders)
	sess.pending = bill.PendingPayment{}
	sess.state = StateIdle

	var rej *ledger.RejectedError
	if errors.As(err, &rej) {
		return fmt.Errorf("%w: %s", ErrLedgerRejected, rej.Message)
	}
	return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
}

// finishSubmit converts the attempt's holds into settled quantities,
// adopts the ledger's authoritative figures, and decides between full and
// partial settlement. Full settlement triggers the table release.
func (c *Coordinator) finishSubmit(ctx context.Context, sess *session, submitted bill.PendingPayment, res ledger.PaymentResult) (Outcome, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	// Step 4 of submission: convert this payment's holds to settled.
	for _, h := range submitted.ItemHolds {
		li := bill.FindItem(sess.orders, h.LineItemID)
		if li == nil {
			continue
		}
		qty := h.Quantity
		if qty > li.HeldQty {
			// Never expected; the hold was snapshotted under the same lock.
			log.Printf("ERROR: table %s: confirm %d exceeds held %d on item %s, clamping",
				sess.tableID, qty, li.HeldQty, h.LineItemID)
			qty = li.HeldQty
		}
		if err := li.Confirm(qty); err != nil {
			log.Printf("ERROR: table %s: confirm hold on item %s: %v", sess.tableID, h.LineItemID, err)
		}
	}

	if res.TotalAmount != nil && res.SettledAmount != nil && res.RemainingAmount != nil {
		sess.auth = &bill.Authoritative{
			TotalAmount:     *res.TotalAmount,
			SettledAmount:   *res.SettledAmount,
			RemainingAmount: *res.RemainingAmount,
		}
	}
	if res.TableDiscountTotal != nil {
		sess.tableDiscountTotal = *res.TableDiscountTotal
	}

	sess.pending = bill.PendingPayment{}

	b := c.projectLocked(sess)

	// Step 5: the ledger's remaining figure, when present, is authoritative
	// for the release decision. Current holds stay locally owned and are
	// subtracted from it, clamped at zero.
	remaining := b.RemainingAmount
	if res.RemainingAmount != nil {
		remaining = res.RemainingAmount.Sub(b.HeldAmount)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
	}

	outcome := Outcome{
		AcceptedAmount: res.AcceptedAmount,
		Payment:        submitted,
		Bill:           b,
	}

	if remaining.LessThan(bill.Epsilon) {
		outcome.State = OutcomeSettled
		outcome.ReleaseWarning = c.releaseLocked(ctx, sess)
		outcome.Bill = c.projectLocked(sess)
		sess.state = StateIdle
		c.dropSession(sess.tableID)
		return outcome, nil
	}

	outcome.State = OutcomePartiallySettled
	sess.state = StateIdle
	return outcome, nil
}

// releaseLocked frees the table after full settlement: every open order is
// marked completed and the registry is asked to make the table available.
// The sequence is best-effort, not atomic; one failed order does not stop
// the rest, and the table status update is attempted regardless.
func (c *Coordinator) releaseLocked(ctx context.Context, sess *session) *ReleaseError {
	var failed []uuid.UUID
	for _, o := range sess.orders {
		if !o.IsOpen() {
			continue
		}
		if err := c.orders.SetOrderStatus(ctx, o.ID, enum.OrderStatusCompleted); err != nil {
			log.Printf("ERROR: table %s: complete order %s: %v", sess.tableID, o.ID, err)
			failed = append(failed, o.ID)
			continue
		}
		o.Status = enum.OrderStatusCompleted
	}

	tableErr := c.tables.SetTableStatus(ctx, sess.tableID, enum.TableStatusAvailable)
	if tableErr != nil {
		log.Printf("ERROR: table %s: set status available: %v", sess.tableID, tableErr)
	}

	if len(failed) == 0 && tableErr == nil {
		return nil
	}
	return &ReleaseError{FailedOrderIDs: failed, TableUpdateErr: tableErr}
}

// --- Quick actions ---

// PayAll earmarks every item's full unsettled remainder and submits in one
// step.
func (c *Coordinator) PayAll(ctx context.Context, tableID uuid.UUID, method, notes string) (Outcome, error) {
	sess := c.session(tableID)

	sess.mu.Lock()
	if sess.state == StateSubmitting {
		sess.mu.Unlock()
		return Outcome{}, ErrSubmissionInProgress
	}
	bill.ResetAllHolds(sess.orders)
	amount := decimal.Zero
	for _, o := range sess.orders {
		if !o.IsOpen() {
			continue
		}
		for _, li := range o.Items {
			remainder := li.OrderedQty - li.SettledQty
			if remainder <= 0 {
				continue
			}
			if _, err := li.Earmark(remainder); err != nil {
				continue
			}
			amount = amount.Add(li.EffectiveUnitPrice().Mul(decimal.NewFromInt32(remainder)))
		}
	}
	sess.pending.Amount = amount
	sess.pending.AmountManual = false
	sess.state = StateComposing
	sess.mu.Unlock()

	return c.Submit(ctx, tableID, SubmitRequest{Method: method, Notes: notes})
}

// PayHalf earmarks the ceiling of each item's unsettled remainder divided
// by two, so half-payments never under-collect a fraction of a unit, and
// sets the amount to exactly half the remaining balance. The two figures
// can differ by a few cents with odd quantities; both travel in the
// outcome's payment so the operator sees them.
func (c *Coordinator) PayHalf(ctx context.Context, tableID uuid.UUID, method, notes string) (Outcome, error) {
	sess := c.session(tableID)

	sess.mu.Lock()
	if sess.state == StateSubmitting {
		sess.mu.Unlock()
		return Outcome{}, ErrSubmissionInProgress
	}
	bill.ResetAllHolds(sess.orders)

	remaining := c.projectLocked(sess).RemainingAmount
	for _, o := range sess.orders {
		if !o.IsOpen() {
			continue
		}
		for _, li := range o.Items {
			remainder := li.OrderedQty - li.SettledQty
			if remainder <= 0 {
				continue
			}
			half := (remainder + 1) / 2 // ceil
			li.Earmark(half) //nolint:errcheck // remainder > 0 guarantees capacity
		}
	}

	sess.pending.Amount = remaining.Div(decimal.NewFromInt(2)).Round(2)
	sess.pending.AmountManual = true
	sess.state = StateComposing
	sess.mu.Unlock()

	return c.Submit(ctx, tableID, SubmitRequest{Method: method, Notes: notes})
}

// --- Table-wide discount ---

// ApplyTableDiscount applies a percent discount across the whole table bill
// at the ledger. This is a distinct, separately confirmed action; it never
// happens implicitly through the per-transaction toggle. Returns the
// ledger's new running table discount total.
func (c *Coordinator) ApplyTableDiscount(ctx context.Context, tableID uuid.UUID, percent int32, reason string) (decimal.Decimal, error) {
	if percent <= 0 || percent > 100 {
		return decimal.Zero, ErrInvalidPercent
	}

	active, err := c.ledger.GetActiveTablePayment(ctx, tableID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get active table payment: %w", err)
	}
	if active == nil {
		return decimal.Zero, ErrNoActivePayment
	}

	sess := c.session(tableID)
	sess.mu.Lock()
	total := c.projectLocked(sess).TotalAmount
	sess.mu.Unlock()

	amount := total.
		Mul(decimal.NewFromInt32(percent)).
		Div(decimal.NewFromInt(100)).
		Round(2)

	newTotal, err := c.ledger.ApplyTableDiscount(ctx, active.ID, ledger.TableDiscountRequest{
		Percent: percent,
		Amount:  amount,
		Reason:  reason,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("apply table discount: %w", err)
	}

	sess.mu.Lock()
	sess.tableDiscountTotal = newTotal
	sess.mu.Unlock()

	return newTotal, nil
}
