package pricing

import "github.com/shopspring/decimal"

// Money is a decimal amount in the storefront currency.
type Money = decimal.Decimal

var (
	// FreeShippingThreshold is the subtotal above which shipping is free.
	FreeShippingThreshold = decimal.NewFromInt(500)
	// FlatShipping is charged when the subtotal does not exceed the threshold.
	FlatShipping = decimal.NewFromInt(50)
)

// Item describes a line item used for pricing calculation.
type Item struct {
	Qty       int
	UnitPrice Money
}

// Summary aggregates computed pricing components.
type Summary struct {
	Subtotal  Money
	Shipping  Money
	Total     Money
	ItemCount int
}

// ShippingCost returns the shipping charge for the subtotal. The threshold is
// exclusive: a subtotal of exactly 500 still pays FlatShipping.
func ShippingCost(subtotal Money) Money {
	if subtotal.GreaterThan(FreeShippingThreshold) {
		return decimal.Zero
	}
	return FlatShipping
}

// Compute derives subtotal, shipping and total from the provided items.
func Compute(items []Item) Summary {
	subtotal := decimal.Zero
	count := 0
	for _, it := range items {
		if it.Qty <= 0 {
			continue
		}
		price := it.UnitPrice
		if price.IsNegative() {
			price = decimal.Zero
		}
		subtotal = subtotal.Add(price.Mul(decimal.NewFromInt(int64(it.Qty))))
		count += it.Qty
	}
	shipping := ShippingCost(subtotal)
	return Summary{
		Subtotal:  subtotal,
		Shipping:  shipping,
		Total:     subtotal.Add(shipping),
		ItemCount: count,
	}
}
