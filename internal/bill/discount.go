package bill

import "github.com/shopspring/decimal"

// ToggleDiscount applies an exclusive percent discount toggle. Selecting the
// percent that is already active clears the discount; selecting a different
// one replaces it entirely. The discount amount is computed against
// baseAmount (the payment being composed, not the table total) and rounded
// to two decimal places so amount - discount reproduces the displayed
// payable figure.
func ToggleDiscount(currentPercent, requestedPercent int32, baseAmount decimal.Decimal) (int32, decimal.Decimal) {
	if requestedPercent == currentPercent || requestedPercent == 0 {
		return 0, decimal.Zero
	}
	amount := baseAmount.
		Mul(decimal.NewFromInt32(requestedPercent)).
		Div(decimal.NewFromInt(100)).
		Round(2)
	return requestedPercent, amount
}
