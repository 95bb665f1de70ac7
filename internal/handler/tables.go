package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kedai-pos/billing/internal/bill"
	"github.com/kedai-pos/billing/internal/settle"
	"github.com/kedai-pos/billing/internal/ws"
)

// BillCoordinator defines the settlement operations needed by the table
// bill handlers. Satisfied by *settle.Coordinator; narrow interface for
// testability.
type BillCoordinator interface {
	Refresh(ctx context.Context, tableID uuid.UUID) (bill.TableBill, error)
	Pending(tableID uuid.UUID) bill.PendingPayment
	EarmarkItem(tableID, itemID uuid.UUID, qty int32) (int32, bill.TableBill, error)
	ReleaseHold(tableID, itemID uuid.UUID) (bill.TableBill, error)
	ClearPending(tableID uuid.UUID) (bill.TableBill, error)
	SetManualAmount(tableID uuid.UUID, amount decimal.Decimal) error
	ToggleDiscount(tableID uuid.UUID, percent int32) (int32, decimal.Decimal, error)
	Submit(ctx context.Context, tableID uuid.UUID, req settle.SubmitRequest) (settle.Outcome, error)
	PayAll(ctx context.Context, tableID uuid.UUID, method, notes string) (settle.Outcome, error)
	PayHalf(ctx context.Context, tableID uuid.UUID, method, notes string) (settle.Outcome, error)
	ApplyTableDiscount(ctx context.Context, tableID uuid.UUID, percent int32, reason string) (decimal.Decimal, error)
}

// Broadcaster pushes bill events to connected cashier screens.
// Satisfied by *ws.Hub.
type Broadcaster interface {
	BroadcastToOutlet(outletID uuid.UUID, event ws.Event)
}

// TableBillHandler handles the cashier bill endpoints for one table.
type TableBillHandler struct {
	coord BillCoordinator
	hub   Broadcaster
}

// NewTableBillHandler creates a new TableBillHandler.
func NewTableBillHandler(coord BillCoordinator, hub Broadcaster) *TableBillHandler {
	return &TableBillHandler{coord: coord, hub: hub}
}

// RegisterRoutes registers bill endpoints on the given Chi router.
// Expected to be mounted at /outlets/{oid}/tables/{tid}/bill
func (h *TableBillHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Get)
	r.Post("/holds", h.Earmark)
	r.Delete("/holds/{itemID}", h.ReleaseHold)
	r.Delete("/holds", h.Clear)
	r.Post("/amount", h.SetAmount)
	r.Post("/discount", h.ToggleDiscount)
	r.Post("/table-discount", h.ApplyTableDiscount)
	r.Post("/payments", h.SubmitPayment)
	r.Post("/payments/all", h.PayAll)
	r.Post("/payments/half", h.PayHalf)
}

// --- Request / Response types ---

type earmarkRequest struct {
	LineItemID string `json:"line_item_id"`
	Quantity   int32  `json:"quantity"`
}

type setAmountRequest struct {
	Amount string `json:"amount"`
}

type discountRequest struct {
	Percent int32 `json:"percent"`
}

type tableDiscountRequest struct {
	Percent int32  `json:"percent"`
	Reason  string `json:"reason"`
}

type submitPaymentRequest struct {
	Amount string `json:"amount"`
	Method string `json:"method"`
	Notes  string `json:"notes"`
}

type quickPayRequest struct {
	Method string `json:"method"`
	Notes  string `json:"notes"`
}

type billResponse struct {
	TableID            uuid.UUID `json:"table_id"`
	TotalAmount        string    `json:"total_amount"`
	SettledAmount      string    `json:"settled_amount"`
	HeldAmount         string    `json:"held_amount"`
	RemainingAmount    string    `json:"remaining_amount"`
	TableDiscountTotal string    `json:"table_discount_total"`
	Authoritative      bool      `json:"authoritative"`
	Settled            bool      `json:"settled"`
}

type itemHoldResponse struct {
	LineItemID uuid.UUID `json:"line_item_id"`
	Quantity   int32     `json:"quantity"`
	Amount     string    `json:"amount"`
}

type pendingResponse struct {
	Amount          string             `json:"amount"`
	Payable         string             `json:"payable"`
	DiscountPercent int32              `json:"discount_percent"`
	DiscountAmount  string             `json:"discount_amount"`
	ItemHolds       []itemHoldResponse `json:"item_holds"`
	Notes           string             `json:"notes,omitempty"`
}

type outcomeResponse struct {
	State          string          `json:"state"`
	AcceptedAmount string          `json:"accepted_amount"`
	Payment        pendingResponse `json:"payment"`
	Bill           billResponse    `json:"bill"`
	ReleaseWarning string          `json:"release_warning,omitempty"`
}

func toBillResponse(b bill.TableBill) billResponse {
	return billResponse{
		TableID:            b.TableID,
		TotalAmount:        b.TotalAmount.StringFixed(2),
		SettledAmount:      b.SettledAmount.StringFixed(2),
		HeldAmount:         b.HeldAmount.StringFixed(2),
		RemainingAmount:    b.RemainingAmount.StringFixed(2),
		TableDiscountTotal: b.TableDiscountTotal.StringFixed(2),
		Authoritative:      b.Authoritative,
		Settled:            b.Settled(),
	}
}

func toPendingResponse(p bill.PendingPayment) pendingResponse {
	resp := pendingResponse{
		Amount:          p.Amount.StringFixed(2),
		Payable:         p.Payable().StringFixed(2),
		DiscountPercent: p.DiscountPercent,
		DiscountAmount:  p.DiscountAmount.StringFixed(2),
		Notes:           p.Notes,
	}
	for _, h := range p.ItemHolds {
		resp.ItemHolds = append(resp.ItemHolds, itemHoldResponse{
			LineItemID: h.LineItemID,
			Quantity:   h.Quantity,
			Amount:     h.Amount.StringFixed(2),
		})
	}
	return resp
}

func toOutcomeResponse(o settle.Outcome) outcomeResponse {
	resp := outcomeResponse{
		State:          o.State,
		AcceptedAmount: o.AcceptedAmount.StringFixed(2),
		Payment:        toPendingResponse(o.Payment),
		Bill:           toBillResponse(o.Bill),
	}
	if o.ReleaseWarning != nil {
		resp.ReleaseWarning = o.ReleaseWarning.Error()
	}
	return resp
}

// --- Handlers ---

// Get handles GET /outlets/{oid}/tables/{tid}/bill.
func (h *TableBillHandler) Get(w http.ResponseWriter, r *http.Request) {
	tableID, ok := h.tableID(w, r)
	if !ok {
		return
	}

	b, err := h.coord.Refresh(r.Context(), tableID)
	if err != nil {
		log.Printf("ERROR: refresh bill for table %s: %v", tableID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bill":    toBillResponse(b),
		"pending": toPendingResponse(h.coord.Pending(tableID)),
	})
}

// Earmark handles POST /outlets/{oid}/tables/{tid}/bill/holds.
func (h *TableBillHandler) Earmark(w http.ResponseWriter, r *http.Request) {
	tableID, ok := h.tableID(w, r)
	if !ok {
		return
	}

	var req earmarkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	itemID, err := uuid.Parse(req.LineItemID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid line_item_id"})
		return
	}
	if req.Quantity <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "quantity must be > 0"})
		return
	}

	applied, b, err := h.coord.EarmarkItem(tableID, itemID, req.Quantity)
	if err != nil {
		h.writeSettleError(w, err)
		return
	}

	h.broadcastBill(r, b)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied_quantity": applied,
		"bill":             toBillResponse(b),
		"pending":          toPendingResponse(h.coord.Pending(tableID)),
	})
}

// ReleaseHold handles DELETE /outlets/{oid}/tables/{tid}/bill/holds/{itemID}.
func (h *TableBillHandler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	tableID, ok := h.tableID(w, r)
	if !ok {
		return
	}

	itemID, err := uuid.Parse(chi.URLParam(r, "itemID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid item ID"})
		return
	}

	b, err := h.coord.ReleaseHold(tableID, itemID)
	if err != nil {
		h.writeSettleError(w, err)
		return
	}

	h.broadcastBill(r, b)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bill":    toBillResponse(b),
		"pending": toPendingResponse(h.coord.Pending(tableID)),
	})
}

// Clear handles DELETE /outlets/{oid}/tables/{tid}/bill/holds.
func (h *TableBillHandler) Clear(w http.ResponseWriter, r *http.Request) {
	tableID, ok := h.tableID(w, r)
	if !ok {
		return
	}

	b, err := h.coord.ClearPending(tableID)
	if err != nil {
		h.writeSettleError(w, err)
		return
	}

	h.broadcastBill(r, b)
	writeJSON(w, http.StatusOK, map[string]interface{}{"bill": toBillResponse(b)})
}

// SetAmount handles POST /outlets/{oid}/tables/{tid}/bill/amount.
func (h *TableBillHandler) SetAmount(w http.ResponseWriter, r *http.Request) {
	tableID, ok := h.tableID(w, r)
	if !ok {
		return
	}

	var req setAmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.IsNegative() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be a non-negative number"})
		return
	}

	if err := h.coord.SetManualAmount(tableID, amount); err != nil {
		h.writeSettleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": toPendingResponse(h.coord.Pending(tableID)),
	})
}

// ToggleDiscount handles POST /outlets/{oid}/tables/{tid}/bill/discount.
func (h *TableBillHandler) ToggleDiscount(w http.ResponseWriter, r *http.Request) {
	tableID, ok := h.tableID(w, r)
	if !ok {
		return
	}

	var req discountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	percent, amount, err := h.coord.ToggleDiscount(tableID, req.Percent)
	if err != nil {
		h.writeSettleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"discount_percent": percent,
		"discount_amount":  amount.StringFixed(2),
		"pending":          toPendingResponse(h.coord.Pending(tableID)),
	})
}

// ApplyTableDiscount handles POST /outlets/{oid}/tables/{tid}/bill/table-discount.
func (h *TableBillHandler) ApplyTableDiscount(w http.ResponseWriter, r *http.Request) {
	tableID, ok := h.tableID(w, r)
	if !ok {
		return
	}

	var req tableDiscountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	newTotal, err := h.coord.ApplyTableDiscount(r.Context(), tableID, req.Percent, req.Reason)
	if err != nil {
		h.writeSettleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"table_discount_total": newTotal.StringFixed(2),
	})
}

// SubmitPayment handles POST /outlets/{oid}/tables/{tid}/bill/payments.
func (h *TableBillHandler) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	tableID, ok := h.tableID(w, r)
	if !ok {
		return
	}

	var req submitPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	amount := decimal.Zero
	if req.Amount != "" {
		var err error
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil || amount.IsNegative() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid amount"})
			return
		}
	}

	outcome, err := h.coord.Submit(r.Context(), tableID, settle.SubmitRequest{
		Amount: amount,
		Method: req.Method,
		Notes:  req.Notes,
	})
	if err != nil {
		h.writeSettleError(w, err)
		return
	}

	h.broadcastOutcome(r, outcome)
	writeJSON(w, http.StatusOK, toOutcomeResponse(outcome))
}

// PayAll handles POST /outlets/{oid}/tables/{tid}/bill/payments/all.
func (h *TableBillHandler) PayAll(w http.ResponseWriter, r *http.Request) {
	h.quickPay(w, r, h.coord.PayAll)
}

// PayHalf handles POST /outlets/{oid}/tables/{tid}/bill/payments/half.
func (h *TableBillHandler) PayHalf(w http.ResponseWriter, r *http.Request) {
	h.quickPay(w, r, h.coord.PayHalf)
}

func (h *TableBillHandler) quickPay(w http.ResponseWriter, r *http.Request, pay func(context.Context, uuid.UUID, string, string) (settle.Outcome, error)) {
	tableID, ok := h.tableID(w, r)
	if !ok {
		return
	}

	var req quickPayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	outcome, err := pay(r.Context(), tableID, req.Method, req.Notes)
	if err != nil {
		h.writeSettleError(w, err)
		return
	}

	h.broadcastOutcome(r, outcome)
	writeJSON(w, http.StatusOK, toOutcomeResponse(outcome))
}

// --- Helpers ---

func (h *TableBillHandler) tableID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tableID, err := uuid.Parse(chi.URLParam(r, "tid"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid table ID"})
		return uuid.Nil, false
	}
	return tableID, true
}

// writeSettleError maps engine errors onto HTTP statuses. Every engine
// failure leaves the table in a well-defined open state, so nothing here
// is fatal.
func (h *TableBillHandler) writeSettleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settle.ErrSubmissionInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a payment is already being submitted, please wait"})
	case errors.Is(err, settle.ErrItemNotFound), errors.Is(err, settle.ErrNoActivePayment):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, bill.ErrNothingToEarmark):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "item is already fully settled or held"})
	case errors.Is(err, settle.ErrNothingToPay):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no remaining balance to pay"})
	case errors.Is(err, settle.ErrInvalidPercent), errors.Is(err, settle.ErrInvalidMethod):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, settle.ErrLedgerRejected):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, settle.ErrNetworkFailure):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "payment ledger unreachable, holds rolled back"})
	default:
		log.Printf("ERROR: table bill operation: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func (h *TableBillHandler) broadcastBill(r *http.Request, b bill.TableBill) {
	h.broadcast(r, "bill.updated", toBillResponse(b))
}

func (h *TableBillHandler) broadcastOutcome(r *http.Request, o settle.Outcome) {
	h.broadcast(r, "bill.updated", toBillResponse(o.Bill))
	if o.State == settle.OutcomeSettled {
		h.broadcast(r, "table.released", map[string]uuid.UUID{"table_id": o.Bill.TableID})
	}
}

func (h *TableBillHandler) broadcast(r *http.Request, eventType string, payload interface{}) {
	if h.hub == nil {
		return
	}
	outletID, err := uuid.Parse(chi.URLParam(r, "oid"))
	if err != nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.hub.BroadcastToOutlet(outletID, ws.Event{Type: eventType, Payload: raw})
}
