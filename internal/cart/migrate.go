package cart

import (
	"context"

	"github.com/coachpo/shopstream/errs"
	"github.com/coachpo/shopstream/internal/observability"
	"github.com/coachpo/shopstream/internal/schema"
)

// Catalog resolves product IDs to their current definition. Satisfied by the
// stock ledger.
type Catalog interface {
	Product(ctx context.Context, productID int64) (schema.Product, error)
}

// MergeInto migrates a guest cart into dst, row by row. Rows merge on the
// variant key; a row whose quantity no longer fits the cached stock level is
// clamped down to what fits, and dropped when nothing fits. Products that have
// disappeared are dropped too. The guest cart is cleared only after every row
// was either merged or deliberately dropped; any hard failure leaves it
// intact so the migration can be retried.
func MergeInto(ctx context.Context, guest *GuestSession, dst Session, catalog Catalog, levels StockLevels) error {
	const op = "cart/migrate"

	items, err := guest.Items(ctx)
	if err != nil {
		return err
	}

	for _, item := range items {
		product, err := catalog.Product(ctx, item.ProductID)
		if err != nil {
			if errs.IsCode(err, errs.CodeNotFound) {
				observability.Log().Info("cart migrate: product gone, row dropped",
					observability.F("product_id", item.ProductID))
				continue
			}
			return errs.New(op, errs.CodeUnavailable, errs.WithProduct(item.ProductID), errs.WithCause(err))
		}

		quantity := item.Quantity
		if levels != nil {
			already := int64(0)
			if existing, err := dst.Items(ctx); err == nil {
				if idx := findVariant(existing, item.ProductID, item.SelectedColor, item.SelectedSize); idx >= 0 {
					already = existing[idx].Quantity
				}
			}
			if available := levels.GetStockLevel(item.ProductID); already+quantity > available {
				quantity = available - already
			}
		}
		if quantity <= 0 {
			observability.Log().Info("cart migrate: no stock left, row dropped",
				observability.F("product_id", item.ProductID))
			continue
		}

		if _, err := dst.Add(ctx, product, quantity, item.SelectedColor, item.SelectedSize); err != nil {
			// The ledger moved under the pre-flight clamp. Treat like a
			// zero clamp rather than failing the whole migration.
			if errs.IsCode(err, errs.CodeInsufficientStock) {
				observability.Log().Info("cart migrate: ledger rejected row, dropped",
					observability.F("product_id", item.ProductID))
				continue
			}
			return err
		}
	}

	return guest.Clear(ctx)
}
