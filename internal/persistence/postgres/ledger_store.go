// Package postgres implements the stock ledger and the authenticated cart
// store on PostgreSQL. Stock arbitration never reads then writes: every
// decrement is a single conditional UPDATE whose row count tells accepted from
// rejected.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/shopstream/errs"
	"github.com/coachpo/shopstream/internal/schema"
)

// LedgerStore is the authoritative stock ledger backed by the products table.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore constructs a LedgerStore backed by the provided pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const (
	productSelectBase = `
SELECT
    id,
    name,
    unit_price::text,
    discount_unit_price::text,
    colors,
    sizes,
    quantity,
    version
FROM products
`

	stockSelectSQL = `
SELECT id, quantity, version, updated_at
FROM products
WHERE id = @id;
`

	stockDecrementSQL = `
UPDATE products
SET quantity = quantity - @n,
    version = version + 1,
    updated_at = NOW()
WHERE id = @id AND quantity >= @n
RETURNING id, quantity, version, updated_at;
`

	stockRestockSQL = `
UPDATE products
SET quantity = quantity + @n,
    version = version + 1,
    updated_at = NOW()
WHERE id = @id
RETURNING id, quantity, version, updated_at;
`
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *LedgerStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("ledger store: nil pool")
	}
	return s.pool, nil
}

// Quantity returns the current stock record for one product.
func (s *LedgerStore) Quantity(ctx context.Context, productID int64) (schema.StockRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.StockRecord{}, err
	}
	return scanRecord(pool.QueryRow(ctx, stockSelectSQL, pgx.NamedArgs{"id": productID}), "ledger/quantity", productID)
}

// List returns the full catalogue ordered by product ID.
func (s *LedgerStore) List(ctx context.Context) ([]schema.Product, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, productSelectBase+" ORDER BY id;")
	if err != nil {
		return nil, fmt.Errorf("ledger store: list products: %w", err)
	}
	defer rows.Close()

	var products []schema.Product
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate products: %w", err)
	}
	return products, nil
}

// Product returns one product's full definition.
func (s *LedgerStore) Product(ctx context.Context, productID int64) (schema.Product, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Product{}, err
	}
	return productWith(ctx, pool, productID)
}

func productWith(ctx context.Context, q querier, productID int64) (schema.Product, error) {
	rows, err := q.Query(ctx, productSelectBase+" WHERE id = @id;", pgx.NamedArgs{"id": productID})
	if err != nil {
		return schema.Product{}, fmt.Errorf("ledger store: select product: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return schema.Product{}, fmt.Errorf("ledger store: select product: %w", err)
		}
		return schema.Product{}, errs.New("ledger/product", errs.CodeNotFound, errs.WithProduct(productID))
	}
	return scanProduct(rows)
}

// Decrement atomically subtracts n, rejecting when the remaining quantity
// would go negative. The condition and the subtraction are one statement; two
// racing decrements can never both win the last unit.
func (s *LedgerStore) Decrement(ctx context.Context, productID, n int64) (schema.StockRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.StockRecord{}, err
	}
	return decrementWith(ctx, pool, productID, n)
}

func decrementWith(ctx context.Context, q querier, productID, n int64) (schema.StockRecord, error) {
	const op = "ledger/decrement"
	if n <= 0 {
		return schema.StockRecord{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	args := pgx.NamedArgs{"id": productID, "n": n}
	record, err := scanRecordErr(q.QueryRow(ctx, stockDecrementSQL, args))
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return schema.StockRecord{}, fmt.Errorf("ledger store: decrement: %w", err)
	}

	// No row matched: either the product is gone or the stock is short. A
	// follow-up read tells which; it only informs the error, never the
	// decision.
	current, err := scanRecordErr(q.QueryRow(ctx, stockSelectSQL, pgx.NamedArgs{"id": productID}))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.StockRecord{}, errs.New(op, errs.CodeNotFound, errs.WithProduct(productID))
		}
		return schema.StockRecord{}, fmt.Errorf("ledger store: decrement lookup: %w", err)
	}
	return schema.StockRecord{}, errs.InsufficientStock(op, productID, current.Quantity, n)
}

// Restock atomically adds n back to the product.
func (s *LedgerStore) Restock(ctx context.Context, productID, n int64) (schema.StockRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.StockRecord{}, err
	}
	return restockWith(ctx, pool, productID, n)
}

func restockWith(ctx context.Context, q querier, productID, n int64) (schema.StockRecord, error) {
	const op = "ledger/restock"
	if n <= 0 {
		return schema.StockRecord{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	args := pgx.NamedArgs{"id": productID, "n": n}
	record, err := scanRecordErr(q.QueryRow(ctx, stockRestockSQL, args))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.StockRecord{}, errs.New(op, errs.CodeNotFound, errs.WithProduct(productID))
		}
		return schema.StockRecord{}, fmt.Errorf("ledger store: restock: %w", err)
	}
	return record, nil
}

func scanRecord(row pgx.Row, op string, productID int64) (schema.StockRecord, error) {
	record, err := scanRecordErr(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.StockRecord{}, errs.New(op, errs.CodeNotFound, errs.WithProduct(productID))
		}
		return schema.StockRecord{}, fmt.Errorf("ledger store: %s: %w", op, err)
	}
	return record, nil
}

func scanRecordErr(row pgx.Row) (schema.StockRecord, error) {
	var (
		record    schema.StockRecord
		updatedAt time.Time
	)
	if err := row.Scan(&record.ProductID, &record.Quantity, &record.Version, &updatedAt); err != nil {
		return schema.StockRecord{}, err
	}
	record.LastUpdatedAt = updatedAt.UTC()
	return record, nil
}

func scanProduct(rows pgx.Rows) (schema.Product, error) {
	var (
		product  schema.Product
		price    string
		discount *string
		colors   []string
		sizes    []string
	)
	if err := rows.Scan(&product.ID, &product.Name, &price, &discount, &colors, &sizes, &product.Quantity, &product.Version); err != nil {
		return schema.Product{}, fmt.Errorf("ledger store: scan product: %w", err)
	}
	unitPrice, err := decimal.NewFromString(price)
	if err != nil {
		return schema.Product{}, fmt.Errorf("ledger store: parse unit price %q: %w", price, err)
	}
	product.UnitPrice = unitPrice
	if discount != nil {
		d, err := decimal.NewFromString(*discount)
		if err != nil {
			return schema.Product{}, fmt.Errorf("ledger store: parse discount price %q: %w", *discount, err)
		}
		product.DiscountPrice = &d
	}
	product.Colors = colors
	product.Sizes = sizes
	return product, nil
}
