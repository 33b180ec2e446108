package cart

import (
	"github.com/noah-isme/toko-cart/internal/common"
	"github.com/noah-isme/toko-cart/internal/pricing"
)

// Item is one cart line as reported by the backend.
type Item struct {
	CartItemID    int64         `json:"cart_item_id"`
	ProductID     common.ID     `json:"product_id"`
	Name          string        `json:"product_name"`
	UnitPrice     pricing.Money `json:"product_price"`
	StockQuantity int           `json:"product_stock_quantity"`
	Quantity      int           `json:"quantity"`
}

// LineTotal is quantity times unit price.
func (it Item) LineTotal() pricing.Money {
	return pricing.Compute([]pricing.Item{{Qty: it.Quantity, UnitPrice: it.UnitPrice}}).Subtotal
}

// Snapshot is an immutable view of the cart at one generation.
type Snapshot struct {
	Items      []Item
	Generation uint64
	Loaded     bool
}

// Summary derives subtotal, shipping and total from the items.
func (s Snapshot) Summary() pricing.Summary {
	return Summarize(s.Items)
}

// Empty reports whether the cart holds no lines.
func (s Snapshot) Empty() bool { return len(s.Items) == 0 }

// Find returns the line with cartItemID.
func (s Snapshot) Find(cartItemID int64) (Item, bool) {
	for _, it := range s.Items {
		if it.CartItemID == cartItemID {
			return it, true
		}
	}
	return Item{}, false
}

// FindProduct returns the line holding productID.
func (s Snapshot) FindProduct(productID common.ID) (Item, bool) {
	for _, it := range s.Items {
		if it.ProductID == productID {
			return it, true
		}
	}
	return Item{}, false
}

// Summarize prices a list of cart lines.
func Summarize(items []Item) pricing.Summary {
	lines := make([]pricing.Item, 0, len(items))
	for _, it := range items {
		lines = append(lines, pricing.Item{Qty: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return pricing.Compute(lines)
}
