package pricing

import (
	"strconv"
)

const (
	// Subtotals strictly above this amount ship free.
	FreeDeliveryThreshold int64 = 199
	FlatDeliveryFee       int64 = 25

	CurrencyGlyph = "₹"
)

// DeliveryFee applies the flat-fee policy to a cart subtotal.
func DeliveryFee(subtotal int64) int64 {
	if subtotal > FreeDeliveryThreshold {
		return 0
	}
	return FlatDeliveryFee
}

func Total(subtotal int64) int64 {
	return subtotal + DeliveryFee(subtotal)
}

// Format renders an amount with the currency glyph prefix, e.g. "₹175".
func Format(amount int64) string {
	if amount < 0 {
		return "-" + CurrencyGlyph + strconv.FormatInt(-amount, 10)
	}
	return CurrencyGlyph + strconv.FormatInt(amount, 10)
}

// FormatFee renders a delivery fee, showing FREE when nothing is charged.
func FormatFee(fee int64) string {
	if fee == 0 {
		return "FREE"
	}
	return Format(fee)
}
