package bill

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return v
}

func newItem(t *testing.T, name, unitPrice string, ordered, settled, held int32) *LineItem {
	t.Helper()
	return &LineItem{
		ID:          uuid.New(),
		ProductName: name,
		UnitPrice:   d(t, unitPrice),
		OrderedQty:  ordered,
		SettledQty:  settled,
		HeldQty:     held,
	}
}

func TestEarmark_ClampsToAvailable(t *testing.T) {
	tests := []struct {
		name        string
		ordered     int32
		settled     int32
		held        int32
		requested   int32
		wantApplied int32
		wantHeld    int32
		wantErr     error
	}{
		{name: "full availability", ordered: 3, settled: 0, held: 0, requested: 2, wantApplied: 2, wantHeld: 2},
		{name: "clamped by settled", ordered: 3, settled: 1, held: 0, requested: 5, wantApplied: 2, wantHeld: 2},
		{name: "clamped by existing hold", ordered: 4, settled: 0, held: 3, requested: 2, wantApplied: 1, wantHeld: 4},
		{name: "nothing left", ordered: 2, settled: 2, held: 0, requested: 1, wantErr: ErrNothingToEarmark},
		{name: "fully held", ordered: 2, settled: 0, held: 2, requested: 1, wantErr: ErrNothingToEarmark},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			li := newItem(t, "Es Kopi Susu", "18000.00", tt.ordered, tt.settled, tt.held)
			applied, err := li.Earmark(tt.requested)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error: got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if applied != tt.wantApplied {
				t.Errorf("applied: got %d, want %d", applied, tt.wantApplied)
			}
			if li.HeldQty != tt.wantHeld {
				t.Errorf("held: got %d, want %d", li.HeldQty, tt.wantHeld)
			}
			// settled + held may never exceed ordered
			if li.SettledQty+li.HeldQty > li.OrderedQty {
				t.Errorf("settled+held=%d exceeds ordered=%d", li.SettledQty+li.HeldQty, li.OrderedQty)
			}
		})
	}
}

func TestReleaseHold(t *testing.T) {
	li := newItem(t, "Roti Bakar", "22000.00", 3, 0, 2)

	if prev := li.ReleaseHold(); prev != 2 {
		t.Errorf("released quantity: got %d, want 2", prev)
	}
	if li.HeldQty != 0 {
		t.Errorf("held after release: got %d, want 0", li.HeldQty)
	}
	// releasing again is a no-op
	if prev := li.ReleaseHold(); prev != 0 {
		t.Errorf("second release: got %d, want 0", prev)
	}
}

func TestConfirm(t *testing.T) {
	li := newItem(t, "Roti Bakar", "22000.00", 4, 1, 2)

	if err := li.Confirm(2); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if li.SettledQty != 3 {
		t.Errorf("settled: got %d, want 3", li.SettledQty)
	}
	if li.HeldQty != 0 {
		t.Errorf("held: got %d, want 0", li.HeldQty)
	}
}

func TestConfirm_MoreThanHeld(t *testing.T) {
	li := newItem(t, "Roti Bakar", "22000.00", 4, 0, 1)

	if err := li.Confirm(2); !errors.Is(err, ErrOverconfirm) {
		t.Fatalf("error: got %v, want %v", err, ErrOverconfirm)
	}
}

func TestLineTotal_DerivedFromUnitPrice(t *testing.T) {
	li := newItem(t, "Air Mineral", "8000.00", 4, 0, 0)

	if got, want := li.LineTotal(), d(t, "32000.00"); !got.Equal(want) {
		t.Errorf("line total: got %s, want %s", got, want)
	}
}

func TestLineTotal_ExplicitTotalWins(t *testing.T) {
	// Line-level promo price recorded by the order service disagrees
	// with quantity x unit price. The stored total is authoritative.
	li := newItem(t, "Paket Hemat", "20000.00", 2, 0, 0)
	li.ExplicitTotal = d(t, "35000.00")
	li.ExplicitTotalValid = true

	if got, want := li.LineTotal(), d(t, "35000.00"); !got.Equal(want) {
		t.Errorf("line total: got %s, want %s", got, want)
	}
}

func TestEffectiveUnitPrice_DerivedFromExplicitTotal(t *testing.T) {
	li := newItem(t, "Paket Hemat", "0", 2, 0, 0)
	li.UnitPrice = decimal.Zero
	li.ExplicitTotal = d(t, "30000.00")
	li.ExplicitTotalValid = true

	if got, want := li.EffectiveUnitPrice(), d(t, "15000.00"); !got.Equal(want) {
		t.Errorf("effective unit price: got %s, want %s", got, want)
	}
}

func TestSettledAndHeldAmounts(t *testing.T) {
	li := newItem(t, "Es Kopi Susu", "18000.00", 4, 1, 2)

	if got, want := li.SettledAmount(), d(t, "18000.00"); !got.Equal(want) {
		t.Errorf("settled amount: got %s, want %s", got, want)
	}
	if got, want := li.HeldAmount(), d(t, "36000.00"); !got.Equal(want) {
		t.Errorf("held amount: got %s, want %s", got, want)
	}
}
