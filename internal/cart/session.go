// Package cart implements the mode-agnostic cart reconciler: one session
// contract over two representations, a server-held cart for authenticated
// users and a locally persisted cart for guests. Every mutation runs the same
// pipeline — pre-flight validation against the stock cache, merge-or-create on
// the variant key, all-or-nothing commit — and only the ledger's atomic
// decrement is ever authoritative.
package cart

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/shopstream/errs"
	"github.com/coachpo/shopstream/internal/schema"
)

// Session is the uniform cart API. The backing representation is chosen once
// per session (guest vs authenticated), never branched per call site.
type Session interface {
	Mode() schema.SessionMode

	// Add puts quantity units of the product variant into the cart, merging
	// into an existing row with the same (product, color, size) instead of
	// duplicating it.
	Add(ctx context.Context, product schema.Product, quantity int64, color, size string) (schema.CartItem, error)

	// UpdateQuantity sets the absolute quantity of a cart row. A target of
	// zero or below is treated as a removal, not an invalid update.
	UpdateQuantity(ctx context.Context, itemID string, quantity int64) error

	// Remove deletes a cart row.
	Remove(ctx context.Context, itemID string) error

	// Clear empties the cart.
	Clear(ctx context.Context) error

	// Items returns the current cart rows.
	Items(ctx context.Context) ([]schema.CartItem, error)

	// ItemCount sums quantities across rows, computed fresh on every read.
	ItemCount(ctx context.Context) (int64, error)

	// Total sums line totals across rows, computed fresh on every read.
	Total(ctx context.Context) (decimal.Decimal, error)
}

// StockLevels is the advisory read surface the reconciler validates against.
// Satisfied by *cache.Cache. Pre-flight rejections are cheap and optimistic;
// the ledger still arbitrates at commit.
type StockLevels interface {
	GetStockLevel(productID int64) int64
}

// validateSelection rejects a mutation whose required variant selections are
// missing. Distinct from stock rejection: both are user-correctable input
// errors, not system failures.
func validateSelection(op string, product schema.Product, color, size string) error {
	if product.RequiresColor() && strings.TrimSpace(color) == "" {
		return errs.VariantRequired(op, "color", product.ID)
	}
	if product.RequiresSize() && strings.TrimSpace(size) == "" {
		return errs.VariantRequired(op, "size", product.ID)
	}
	return nil
}

// validateStock rejects a mutation whose prospective quantity (the summed
// row quantity, not just the delta) exceeds the cached stock level.
func validateStock(op string, levels StockLevels, productID, prospective int64) error {
	if prospective <= 0 {
		return errs.New(op, errs.CodeInvalid, errs.WithProduct(productID), errs.WithMessage("quantity must be positive"))
	}
	if levels == nil {
		return nil
	}
	if available := levels.GetStockLevel(productID); prospective > available {
		return errs.InsufficientStock(op, productID, available, prospective)
	}
	return nil
}

// findVariant returns the index of the row matching the variant key, or -1.
func findVariant(items []schema.CartItem, productID int64, color, size string) int {
	for i := range items {
		if items[i].SameVariant(productID, color, size) {
			return i
		}
	}
	return -1
}

// countItems sums row quantities.
func countItems(items []schema.CartItem) int64 {
	var n int64
	for i := range items {
		n += items[i].Quantity
	}
	return n
}

// totalOf sums line totals. Small carts make recomputation cheaper than
// keeping an incrementally maintained figure honest.
func totalOf(items []schema.CartItem) decimal.Decimal {
	total := decimal.Zero
	for i := range items {
		total = total.Add(items[i].LineTotal())
	}
	return total
}
