package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const defaultTimeout = 10 * time.Second

// Client is an HTTP client for the remote payment ledger. It performs no
// retries; a failed submission is surfaced to the caller, who decides.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a ledger client for the given base URL. token may be
// empty for an unauthenticated ledger (dev setups).
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// --- Wire types ---

type itemHoldPayload struct {
	LineItemID uuid.UUID       `json:"line_item_id"`
	Quantity   int32           `json:"quantity"`
	Amount     decimal.Decimal `json:"amount"`
}

type submitPaymentPayload struct {
	OrderID        uuid.UUID         `json:"order_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Method         string            `json:"method"`
	Notes          string            `json:"notes,omitempty"`
	DiscountAmount *decimal.Decimal  `json:"discount_amount,omitempty"`
	DiscountReason string            `json:"discount_reason,omitempty"`
	ItemHolds      []itemHoldPayload `json:"item_holds,omitempty"`
}

type paymentResultPayload struct {
	AcceptedAmount     decimal.Decimal  `json:"accepted_amount"`
	RemainingAmount    *decimal.Decimal `json:"remaining_amount"`
	SettledAmount      *decimal.Decimal `json:"settled_amount"`
	TotalAmount        *decimal.Decimal `json:"total_amount"`
	TableDiscountTotal *decimal.Decimal `json:"table_discount_total"`
}

type activePaymentPayload struct {
	ID              uuid.UUID        `json:"id"`
	TotalAmount     *decimal.Decimal `json:"total_amount"`
	SettledAmount   *decimal.Decimal `json:"settled_amount"`
	RemainingAmount *decimal.Decimal `json:"remaining_amount"`
	DiscountAmount  *decimal.Decimal `json:"discount_amount"`
}

type itemStatusPayload struct {
	LineItemID uuid.UUID `json:"line_item_id"`
	SettledQty int32     `json:"settled_quantity"`
}

type tableDiscountPayload struct {
	Percent int32           `json:"percent"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason,omitempty"`
}

type tableDiscountResultPayload struct {
	TableDiscountTotal decimal.Decimal `json:"table_discount_total"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// --- Operations ---

// SubmitPayment posts a composed payment for the table's active bill.
func (c *Client) SubmitPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	body := submitPaymentPayload{
		OrderID: req.OrderID,
		Amount:  req.Amount,
		Method:  req.Method,
		Notes:   req.Notes,
	}
	if !req.DiscountAmount.IsZero() {
		d := req.DiscountAmount
		body.DiscountAmount = &d
		body.DiscountReason = req.DiscountReason
	}
	for _, h := range req.ItemHolds {
		body.ItemHolds = append(body.ItemHolds, itemHoldPayload{
			LineItemID: h.LineItemID,
			Quantity:   h.Quantity,
			Amount:     h.Amount,
		})
	}

	var res paymentResultPayload
	url := fmt.Sprintf("%s/tables/%s/payments", c.baseURL, req.TableID)
	if err := c.do(ctx, http.MethodPost, url, body, &res); err != nil {
		return PaymentResult{}, err
	}
	return PaymentResult{
		AcceptedAmount:     res.AcceptedAmount,
		RemainingAmount:    res.RemainingAmount,
		SettledAmount:      res.SettledAmount,
		TotalAmount:        res.TotalAmount,
		TableDiscountTotal: res.TableDiscountTotal,
	}, nil
}

// GetActiveTablePayment fetches the ledger's aggregate view of the table's
// current billing cycle. Returns (nil, nil) when the table has none yet.
func (c *Client) GetActiveTablePayment(ctx context.Context, tableID uuid.UUID) (*ActivePayment, error) {
	var res activePaymentPayload
	url := fmt.Sprintf("%s/tables/%s/payments/active", c.baseURL, tableID)
	err := c.do(ctx, http.MethodGet, url, nil, &res)
	if err != nil {
		var rej *RejectedError
		if errors.As(err, &rej) && rej.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &ActivePayment{
		ID:              res.ID,
		TotalAmount:     res.TotalAmount,
		SettledAmount:   res.SettledAmount,
		RemainingAmount: res.RemainingAmount,
		DiscountAmount:  res.DiscountAmount,
	}, nil
}

// GetItemsPaymentStatus fetches the ledger's per-item settled quantities.
func (c *Client) GetItemsPaymentStatus(ctx context.Context, tableID uuid.UUID) ([]ItemPaymentStatus, error) {
	var res []itemStatusPayload
	url := fmt.Sprintf("%s/tables/%s/payments/items", c.baseURL, tableID)
	if err := c.do(ctx, http.MethodGet, url, nil, &res); err != nil {
		return nil, err
	}
	statuses := make([]ItemPaymentStatus, len(res))
	for i, s := range res {
		statuses[i] = ItemPaymentStatus{LineItemID: s.LineItemID, SettledQty: s.SettledQty}
	}
	return statuses, nil
}

// ApplyTableDiscount applies a table-wide discount to an active table
// payment and returns the ledger's new running discount total.
func (c *Client) ApplyTableDiscount(ctx context.Context, tablePaymentID uuid.UUID, req TableDiscountRequest) (decimal.Decimal, error) {
	body := tableDiscountPayload{Percent: req.Percent, Amount: req.Amount, Reason: req.Reason}
	var res tableDiscountResultPayload
	url := fmt.Sprintf("%s/table-payments/%s/discount", c.baseURL, tablePaymentID)
	if err := c.do(ctx, http.MethodPost, url, body, &res); err != nil {
		return decimal.Zero, err
	}
	return res.TableDiscountTotal, nil
}

// --- Transport ---

// do performs one request. Transport failures come back wrapped; responses
// with a non-2xx status come back as *RejectedError.
func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ep errorPayload
		_ = json.NewDecoder(resp.Body).Decode(&ep)
		if ep.Error == "" {
			ep.Error = http.StatusText(resp.StatusCode)
		}
		return &RejectedError{Status: resp.StatusCode, Message: ep.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode ledger response: %w", err)
		}
	}
	return nil
}
