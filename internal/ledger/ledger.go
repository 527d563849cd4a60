// Package ledger defines the authoritative per-product stock store. The ledger
// is the single arbiter of inventory at commit time: callers never read then
// write; they ask for an atomic conditional decrement and either get the new
// record or a distinguishable insufficient-stock rejection.
package ledger

import (
	"context"

	"github.com/coachpo/shopstream/internal/schema"
)

// Ledger exposes authoritative stock reads and atomic mutations. Every
// successful mutation bumps the product's version; consumers use the version
// to discard reordered events.
type Ledger interface {
	// Quantity returns the current stock record for one product.
	Quantity(ctx context.Context, productID int64) (schema.StockRecord, error)

	// List returns the full catalogue with current quantities, the shape used
	// to seed client stock caches.
	List(ctx context.Context) ([]schema.Product, error)

	// Product returns one product's full definition, including variant axes
	// and prices.
	Product(ctx context.Context, productID int64) (schema.Product, error)

	// Decrement atomically subtracts n from the product's quantity, rejecting
	// with errs.CodeInsufficientStock when available < n. Never a
	// read-then-write: the comparison and subtraction are one operation.
	Decrement(ctx context.Context, productID, n int64) (schema.StockRecord, error)

	// Restock atomically adds n to the product's quantity.
	Restock(ctx context.Context, productID, n int64) (schema.StockRecord, error)
}
