package settle

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kedai-pos/billing/internal/bill"
	"github.com/kedai-pos/billing/internal/ledger"
)

// --- Mocks ---

type mockOrderStore struct {
	getOpenOrders  func(ctx context.Context, tableID uuid.UUID) ([]*bill.Order, error)
	setOrderStatus func(ctx context.Context, orderID uuid.UUID, status string) error
}

func (m *mockOrderStore) GetOpenOrders(ctx context.Context, tableID uuid.UUID) ([]*bill.Order, error) {
	return m.getOpenOrders(ctx, tableID)
}

func (m *mockOrderStore) SetOrderStatus(ctx context.Context, orderID uuid.UUID, status string) error {
	if m.setOrderStatus == nil {
		return nil
	}
	return m.setOrderStatus(ctx, orderID, status)
}

type mockLedger struct {
	submitPayment         func(ctx context.Context, req ledger.PaymentRequest) (ledger.PaymentResult, error)
	getActiveTablePayment func(ctx context.Context, tableID uuid.UUID) (*ledger.ActivePayment, error)
	getItemsPaymentStatus func(ctx context.Context, tableID uuid.UUID) ([]ledger.ItemPaymentStatus, error)
	applyTableDiscount    func(ctx context.Context, tablePaymentID uuid.UUID, req ledger.TableDiscountRequest) (decimal.Decimal, error)
}

func (m *mockLedger) SubmitPayment(ctx context.Context, req ledger.PaymentRequest) (ledger.PaymentResult, error) {
	return m.submitPayment(ctx, req)
}

func (m *mockLedger) GetActiveTablePayment(ctx context.Context, tableID uuid.UUID) (*ledger.ActivePayment, error) {
	if m.getActiveTablePayment == nil {
		return nil, nil
	}
	return m.getActiveTablePayment(ctx, tableID)
}

func (m *mockLedger) GetItemsPaymentStatus(ctx context.Context, tableID uuid.UUID) ([]ledger.ItemPaymentStatus, error) {
	if m.getItemsPaymentStatus == nil {
		return nil, nil
	}
	return m.getItemsPaymentStatus(ctx, tableID)
}

func (m *mockLedger) ApplyTableDiscount(ctx context.Context, tablePaymentID uuid.UUID, req ledger.TableDiscountRequest) (decimal.Decimal, error) {
	return m.applyTableDiscount(ctx, tablePaymentID, req)
}

type mockTableRegistry struct {
	setTableStatus func(ctx context.Context, tableID uuid.UUID, status string) error
}

func (m *mockTableRegistry) SetTableStatus(ctx context.Context, tableID uuid.UUID, status string) error {
	if m.setTableStatus == nil {
		return nil
	}
	return m.setTableStatus(ctx, tableID, status)
}

// --- Helpers ---

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return v
}

func dp(t *testing.T, s string) *decimal.Decimal {
	t.Helper()
	v := d(t, s)
	return &v
}

type fixture struct {
	tableID uuid.UUID
	orderID uuid.UUID
	itemIDs []uuid.UUID
	coord   *Coordinator
	store   *mockOrderStore
	ledger  *mockLedger
	tables  *mockTableRegistry
}

// newFixture builds a coordinator over one open order. Each item is
// described as name, unit price and ordered quantity; the store rebuilds
// the orders on every GetOpenOrders call, the way a real reload would.
func newFixture(t *testing.T, items ...struct {
	Name  string
	Price string
	Qty   int32
}) *fixture {
	t.Helper()

	f := &fixture{
		tableID: uuid.New(),
		orderID: uuid.New(),
	}
	for range items {
		f.itemIDs = append(f.itemIDs, uuid.New())
	}

	f.store = &mockOrderStore{
		getOpenOrders: func(_ context.Context, tableID uuid.UUID) ([]*bill.Order, error) {
			if tableID != f.tableID {
				return nil, nil
			}
			o := &bill.Order{ID: f.orderID, TableID: f.tableID, Status: "OPEN"}
			for i, it := range items {
				o.Items = append(o.Items, &bill.LineItem{
					ID:          f.itemIDs[i],
					ProductName: it.Name,
					UnitPrice:   d(t, it.Price),
					OrderedQty:  it.Qty,
				})
			}
			return []*bill.Order{o}, nil
		},
	}
	f.ledger = &mockLedger{}
	f.tables = &mockTableRegistry{}
	f.coord = NewCoordinator(f.store, f.ledger, f.tables)
	return f
}

type itemSpec = struct {
	Name  string
	Price string
	Qty   int32
}

// --- Refresh ---

func TestRefresh_ProjectsLocalBill(t *testing.T) {
	f := newFixture(t,
		itemSpec{"Es Kopi Susu", "18000.00", 2},
		itemSpec{"Roti Bakar", "22000.00", 1},
	)

	b, err := f.coord.Refresh(context.Background(), f.tableID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got, want := b.TotalAmount, d(t, "58000.00"); !got.Equal(want) {
		t.Errorf("total: got %s, want %s", got, want)
	}
	if got, want := b.RemainingAmount, d(t, "58000.00"); !got.Equal(want) {
		t.Errorf("remaining: got %s, want %s", got, want)
	}
	if b.Authoritative {
		t.Error("expected local projection without ledger figures")
	}
}

func TestRefresh_CarriesHoldsAcrossReload(t *testing.T) {
	f := newFixture(t, itemSpec{"Es Kopi Susu", "18000.00", 3})
	ctx := context.Background()

	if _, err := f.coord.Refresh(ctx, f.tableID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, _, err := f.coord.EarmarkItem(f.tableID, f.itemIDs[0], 2); err != nil {
		t.Fatalf("earmark: %v", err)
	}

	// Reload: the store hands back fresh items with no holds.
	b, err := f.coord.Refresh(ctx, f.tableID)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if got, want := b.HeldAmount, d(t, "36000.00"); !got.Equal(want) {
		t.Errorf("held after reload: got %s, want %s", got, want)
	}
}

func TestRefresh_AdoptsAuthoritativeFigures(t *testing.T) {
	f := newFixture(t, itemSpec{"Es Kopi Susu", "18000.00", 2})
	f.ledger.getActiveTablePayment = func(_ context.Context, _ uuid.UUID) (*ledger.ActivePayment, error) {
		return &ledger.ActivePayment{
			ID:              uuid.New(),
			TotalAmount:     dp(t, "36000.00"),
			SettledAmount:   dp(t, "18000.00"),
			RemainingAmount: dp(t, "18000.00"),
		}, nil
	}

	b, err := f.coord.Refresh(context.Background(), f.tableID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !b.Authoritative {
		t.Fatal("expected authoritative projection")
	}
	if got, want := b.SettledAmount, d(t, "18000.00"); !got.Equal(want) {
		t.Errorf("settled: got %s, want %s", got, want)
	}
	if got, want := b.RemainingAmount, d(t, "18000.00"); !got.Equal(want) {
		t.Errorf("remaining: got %s, want %s", got, want)
	}
}

func TestRefresh_LedgerFailureDegradesToLocal(t *testing.T) {
	f := newFixture(t, itemSpec{"Es Kopi Susu", "18000.00", 2})
	f.ledger.getActiveTablePayment = func(_ context.Context, _ uuid.UUID) (*ledger.ActivePayment, error) {
		return nil, errors.New("connection refused")
	}
	f.ledger.getItemsPaymentStatus = func(_ context.Context, _ uuid.UUID) ([]ledger.ItemPaymentStatus, error) {
		return nil, errors.New("connection refused")
	}

	b, err := f.coord.Refresh(context.Background(), f.tableID)
	if err != nil {
		t.Fatalf("refresh should not fail on ledger errors: %v", err)
	}
	if b.Authoritative {
		t.Error("expected local projection when the ledger is unreachable")
	}
	if got, want := b.RemainingAmount, d(t, "36000.00"); !got.Equal(want) {
		t.Errorf("remaining: got %s, want %s", got, want)
	}
}

func TestRefresh_ClampsStaleHoldAgainstLedgerSettled(t *testing.T) {
	f := newFixture(t, itemSpec{"Es Kopi Susu", "18000.00", 3})
	ctx := context.Background()

	if _, err := f.coord.Refresh(ctx, f.tableID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, _, err := f.coord.EarmarkItem(f.tableID, f.itemIDs[0], 2); err != nil {
		t.Fatalf("earmark: %v", err)
	}

	// Another terminal settled 2 units at the ledger; our 2-unit hold now
	// overlaps and must clamp to 1.
	f.ledger.getItemsPaymentStatus = func(_ context.Context, _ uuid.UUID) ([]ledger.ItemPaymentStatus, error) {
		return []ledger.ItemPaymentStatus{{LineItemID: f.itemIDs[0], SettledQty: 2}}, nil
	}

	b, err := f.coord.Refresh(ctx, f.tableID)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if got, want := b.SettledAmount, d(t, "36000.00"); !got.Equal(want) {
		t.Errorf("settled: got %s, want %s", got, want)
	}
	if got, want := b.HeldAmount, d(t, "18000.00"); !got.Equal(want) {
		t.Errorf("held: got %s, want %s", got, want)
	}
	if !b.RemainingAmount.IsZero() {
		t.Errorf("remaining: got %s, want 0", b.RemainingAmount)
	}
}

// --- Composing ---

func TestEarmarkItem_AccumulatesPendingAmount(t *testing.T) {
	f := newFixture(t,
		itemSpec{"Es Kopi Susu", "18000.00", 2},
		itemSpec{"Roti Bakar", "22000.00", 1},
	)
	ctx := context.Background()
	if _, err := f.coord.Refresh(ctx, f.tableID); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	applied, b, err := f.coord.EarmarkItem(f.tableID, f.itemIDs[0], 2)
	if err != nil {
		t.Fatalf("earmark: %v", err)
	}
	if applied != 2 {
		t.Errorf("applied: got %d, want 2", applied)
	}
	if _, _, err := f.coord.EarmarkItem(f.tableID, f.itemIDs[1], 1); err != nil {
		t.Fatalf("earmark second item: %v", err)
	}

	p := f.coord.Pending(f.tableID)
	if got, want := p.Amount, d(t, "58000.00"); !got.Equal(want) {
		t.Errorf("pending amount: got %s, want %s", got, want)
	}
	if got, want := b.HeldAmount, d(t, "36000.00"); !got.Equal(want) {
		t.Errorf("held after first earmark: got %s, want %s", got, want)
	}
}

func TestEarmarkItem_ClampsToAvailable(t *testing.T) {
	f := newFixture(t, itemSpec{"Es Kopi Susu", "18000.00", 3})
	ctx := context.Background()
	if _, err := f.coord.Refresh(ctx, f.tableID); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	applied, _, err := f.coord.EarmarkItem(f.tableID, f.itemIDs[0], 5)
	if err != nil {
		t.Fatalf("earmark: %v", err)
	}
	if applied != 3 {
		t.Errorf("applied: got %d, want 3", applied)
	}
	// Only 3x18000 joins the pending amount, not the requested 5.
	if got, want := f.coord.Pending(f.tableID).Amount, d(t, "54000.00"); !got.Equal(want) {
		t.Errorf("pending amount: got %s, want %s", got, want)
	}

	if _, _, err := f.coord.EarmarkItem(f.tableID, f.itemIDs[0], 1); !errors.Is(err, bill.ErrNothingToEarmark) {
		t.Errorf("error: got %v, want %v", err, bill.ErrNothingToEarmark)
	}
}

func TestEarmarkItem_UnknownItem(t *testing.T) {
	f := newFixture(t, itemSpec{"Es Kopi Susu", "18000.00", 1})
	if _, err := f.coord.Refresh(context.Background(), f.tableID); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, _, err := f.coord.EarmarkItem(f.tableID, uuid.New(), 1); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("error: got %v, want %v", err, ErrItemNotFound)
	}
}

func TestReleaseHold_DeductsPendingAmount(t *testing.T) {
	f := newFixture(t,
		itemSpec{"Es Kopi Susu", "18000.00", 2},
		itemSpec{"Roti Bakar", "22000.00", 1},
	)
	ctx := context.Background()
	if _, err := f.coord.Refresh(ctx, f.tableID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, _, err := f.coord.EarmarkItem(f.tableID, f.itemIDs[0], 2); err != nil {
		t.Fatalf("earmark: %v", err)
	}
	if _, _, err := f.coord.EarmarkItem(f.tableID, f.itemIDs[1], 1); err != nil {
		t.Fatalf("earmark: %v", err)
	}

	b, err := f.coord.ReleaseHold(f.tableID, f.itemIDs[0])
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, want := b.HeldAmount, d(t, "22000.00"); !got.Equal(want) {
		t.Errorf("held: got %s, want %s", got, want)
	}
	if got, want := f.coord.Pending(f.tableID).Amount, d(t, "22000.00"); !got.Equal(want) {
		t.Errorf("pending amount: got %s, want %s", got, want)
	}
}

func TestClearPending_ResetsEverything(t *testing.T) {
	f := newFixture(t, itemSpec{"Es Kopi Susu", "18000.00", 2})
	ctx := context.Background()
	if _, err := f.coord.Refresh(ctx, f.tableID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, _, err := f.coord.EarmarkItem(f.tableID, f.itemIDs[0], 2); err != nil {
		t.Fatalf("earmark: %v", err)
	}
	if _, _, err := f.coord.ToggleDiscount(f.tableID, 10); err != nil {
		t.Fatalf("discount: %v", err)
	}

	b, err := f.coord.ClearPending(f.tableID)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !b.HeldAmount.IsZero() {
		t.Errorf("held: got %s, want 0", b.HeldAmount)
	}

	p := f.coord.Pending(f.tableID)
	if !p.Amount.IsZero() || p.DiscountPercent != 0 || len(p.ItemHolds) != 0 {
		t.Errorf("pending not cleared: %+v", p)
	}
}

func TestSetManualAmount_OverridesHoldDerived(t *testing.T) {
	f := newFixture(t, itemSpec{"Es Kopi Susu", "18000.00", 2})
	ctx := context.Background()
	if _, err := f.coord.Refresh(ctx, f.tableID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, _, err := f.coord.EarmarkItem(f.tableID, f.itemIDs[0], 1); err != nil {
		t.Fatalf("earmark: %v", err)
	}

	if err := f.coord.SetManualAmount(f.tableID, d(t, "25000.00")); err != nil {
		t.Fatalf("set manual amount: %v", err)
	}
	if got, want := f.coord.Pending(f.tableID).Amount, d(t, "25000.00"); !got.Equal(want) {
		t.Errorf("pending amount: got %s, want %s", got, want)
	}

	// Further earmarks must not disturb a manually entered amount.
	if _, _, err := f.coord.EarmarkItem(f.tableID, f.itemIDs[0], 1); err != nil {
		t.Fatalf("earmark: %v", err)
	}
	if got, want := f.coord.Pending(f.tableID).Amount, d(t, "25000.00"); !got.Equal(want) {
		t.Errorf("pending amount after earmark: got %s, want %s", got, want)
	}
}

// --- Discount toggle ---

func TestToggleDiscount_AgainstRemaining(t *testing.T) {
	f := newFixture(t, itemSpec{"Nasi Goreng", "50000.00", 1})
	if _, err := f.coord.Refresh(context.Background(), f.tableID); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	pct, amount, err := f.coord.ToggleDiscount(f.tableID, 10)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if pct != 10 {
		t.Errorf("percent: got %d, want 10", pct)
	}
	if got, want := amount, d(t, "5000.00"); !got.Equal(want) {
		t.Errorf("amount: got %s, want %s", got, want)
	}
	// Toggling the same percent clears it.
	pct, amount, err = f.coord.ToggleDiscount(f.tableID, 10)
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if pct != 0 || !amount.IsZero() {
		t.Errorf("after second toggle: got %d%%, %s, want 0%%, 0", pct, amount)
	}
}

func TestToggleDiscount_AgainstComposedAmount(t *testing.T) {
	f := newFixture(t, itemSpec{"Es Kopi Susu", "18000.00", 2})
	ctx := context.Background()
	if _, err := f.coord.Refresh(ctx, f.tableID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, _, err := f.coord.EarmarkItem(f.tableID, f.itemIDs[0], 1); err != nil {
		t.Fatalf("earmark: %v", err)
	}

	_, amount, err := f.coord.ToggleDiscount(f.tableID, 10)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if got, want := amount, d(t, "1800.00"); !got.Equal(want) {
		t.Errorf("amount: got %s, want %s", got, want)
	}

	// The discount follows the amount when another hold joins.
	if _, _, err := f.coord.EarmarkItem(f.tableID, f.itemIDs[0], 1); err != nil {
		t.Fatalf("earmark: %v", err)
	}
	if got, want := f.coord.Pending(f.tableID).DiscountAmount, d(t, "3600.00"); !got.Equal(want) {
		t.Errorf("recomputed discount: got %s, want %s", got, want)
	}
}

func TestToggleDiscount_InvalidPercent(t *testing.T) {
	f := newFixture(t, itemSpec{"Es Kopi Susu", "18000.00", 1})

	if _, _, err := f.coord.ToggleDiscount(f.tableID, 101); !errors.Is(err, ErrInvalidPercent) {
		t.Errorf("error: got %v, want %v", err, ErrInvalidPercent)
	}
	if _, _, err := f.coord.ToggleDiscount(f.tableID, -1); !errors.Is(err, ErrInvalidPercent) {
		t.Errorf("error: got %v, want %v", err, ErrInvalidPercent)
	}
}
