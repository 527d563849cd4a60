package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/coachpo/shopstream/internal/schema"
)

const productUpsertSQL = `
INSERT INTO products (
    id,
    name,
    unit_price,
    discount_unit_price,
    colors,
    sizes,
    quantity,
    version,
    created_at,
    updated_at
)
VALUES (
    @id,
    @name,
    @unit_price,
    @discount_unit_price,
    @colors,
    @sizes,
    @quantity,
    1,
    NOW(),
    NOW()
)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    unit_price = EXCLUDED.unit_price,
    discount_unit_price = EXCLUDED.discount_unit_price,
    colors = EXCLUDED.colors,
    sizes = EXCLUDED.sizes,
    quantity = EXCLUDED.quantity,
    version = products.version + 1,
    updated_at = NOW();
`

// SeedProducts upserts catalogue rows, used by local development and tests.
func (s *LedgerStore) SeedProducts(ctx context.Context, products ...schema.Product) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	for _, product := range products {
		unitPrice, err := numericFromDecimal(product.UnitPrice)
		if err != nil {
			return fmt.Errorf("ledger store: seed product %d: %w", product.ID, err)
		}
		discount, err := numericFromOptional(product.DiscountPrice)
		if err != nil {
			return fmt.Errorf("ledger store: seed product %d: %w", product.ID, err)
		}
		args := pgx.NamedArgs{
			"id":                  product.ID,
			"name":                product.Name,
			"unit_price":          unitPrice,
			"discount_unit_price": discount,
			"colors":              product.Colors,
			"sizes":               product.Sizes,
			"quantity":            product.Quantity,
		}
		if _, err := pool.Exec(ctx, productUpsertSQL, args); err != nil {
			return fmt.Errorf("ledger store: seed product %d: %w", product.ID, err)
		}
	}
	return nil
}

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", value.String(), err)
	}
	return out, nil
}

// numericFromOptional converts an optional decimal pointer into a pgtype.Numeric.
func numericFromOptional(ptr *decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if ptr == nil {
		return out, nil
	}
	if err := out.Scan(ptr.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", ptr.String(), err)
	}
	return out, nil
}
