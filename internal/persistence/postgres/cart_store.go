package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/shopstream/errs"
	"github.com/coachpo/shopstream/internal/schema"
)

// CartStore persists authenticated carts. Every mutation that changes a
// product's committed quantity runs the ledger decrement (or restock) and the
// cart row change in one transaction, so a cart row never exists without its
// reservation and vice versa.
type CartStore struct {
	pool *pgxpool.Pool
}

// NewCartStore constructs a CartStore backed by the provided pool.
func NewCartStore(pool *pgxpool.Pool) *CartStore {
	return &CartStore{pool: pool}
}

const (
	cartSelectSQL = `
SELECT
    ci.id::text,
    ci.product_id,
    p.name,
    ci.quantity,
    ci.selected_color,
    ci.selected_size,
    p.unit_price::text,
    p.discount_unit_price::text,
    ci.added_at
FROM cart_items ci
JOIN products p ON p.id = ci.product_id
WHERE ci.user_id = @user_id
ORDER BY ci.added_at, ci.id;
`

	cartUpsertSQL = `
INSERT INTO cart_items (
    user_id,
    product_id,
    quantity,
    selected_color,
    selected_size,
    added_at
)
VALUES (
    @user_id,
    @product_id,
    @quantity,
    @color,
    @size,
    NOW()
)
ON CONFLICT (user_id, product_id, selected_color, selected_size) DO UPDATE SET
    quantity = cart_items.quantity + EXCLUDED.quantity
RETURNING id::text, quantity, added_at;
`

	cartRowForUpdateSQL = `
SELECT id::text, product_id, quantity
FROM cart_items
WHERE id = @id AND user_id = @user_id
FOR UPDATE;
`

	cartRowsForUpdateSQL = `
SELECT id::text, product_id, quantity
FROM cart_items
WHERE user_id = @user_id
FOR UPDATE;
`

	cartSetQuantitySQL = `
UPDATE cart_items
SET quantity = @quantity
WHERE id = @id AND user_id = @user_id;
`

	cartDeleteRowSQL = `
DELETE FROM cart_items
WHERE id = @id AND user_id = @user_id;
`

	cartDeleteAllSQL = `
DELETE FROM cart_items
WHERE user_id = @user_id;
`
)

func (s *CartStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("cart store: nil pool")
	}
	return s.pool, nil
}

// Items returns the user's current cart rows with live product prices.
func (s *CartStore) Items(ctx context.Context, userID string) ([]schema.CartItem, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, cartSelectSQL, pgx.NamedArgs{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("cart store: list items: %w", err)
	}
	defer rows.Close()

	var items []schema.CartItem
	for rows.Next() {
		item, err := scanCartItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cart store: iterate items: %w", err)
	}
	return items, nil
}

// AddItem reserves quantity units from the ledger and merges them into the
// user's cart, all in one transaction. The decrement's rejection rolls the
// whole mutation back: no cart row without its reservation.
func (s *CartStore) AddItem(ctx context.Context, userID string, productID, quantity int64, color, size string) (schema.CartItem, schema.StockChange, error) {
	const op = "cart-store/add"

	pool, err := s.ensurePool()
	if err != nil {
		return schema.CartItem{}, schema.StockChange{}, err
	}
	if quantity <= 0 {
		return schema.CartItem{}, schema.StockChange{}, errs.New(op, errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}

	var (
		item   schema.CartItem
		change schema.StockChange
	)
	err = s.withTx(ctx, pool, func(tx pgx.Tx) error {
		product, err := productWith(ctx, tx, productID)
		if err != nil {
			return err
		}
		record, err := decrementWith(ctx, tx, productID, quantity)
		if err != nil {
			return err
		}

		args := pgx.NamedArgs{
			"user_id":    userID,
			"product_id": productID,
			"quantity":   quantity,
			"color":      strings.TrimSpace(color),
			"size":       strings.TrimSpace(size),
		}
		var (
			id      string
			merged  int64
			addedAt time.Time
		)
		if err := tx.QueryRow(ctx, cartUpsertSQL, args).Scan(&id, &merged, &addedAt); err != nil {
			return fmt.Errorf("cart store: upsert item: %w", err)
		}

		item = schema.CartItem{
			ID:                id,
			ProductID:         productID,
			ProductName:       product.Name,
			Quantity:          merged,
			SelectedColor:     strings.TrimSpace(color),
			SelectedSize:      strings.TrimSpace(size),
			UnitPrice:         product.UnitPrice,
			DiscountUnitPrice: product.DiscountPrice,
			AddedAt:           addedAt.UTC(),
		}
		change = schema.StockChange{Record: record, ProductName: product.Name, Delta: -quantity}
		return nil
	})
	if err != nil {
		return schema.CartItem{}, schema.StockChange{}, err
	}
	return item, change, nil
}

// UpdateItem sets a row's absolute quantity, settling the difference with the
// ledger: growth decrements, shrinkage restocks, zero or below deletes the row
// and returns its full reservation.
func (s *CartStore) UpdateItem(ctx context.Context, userID, itemID string, quantity int64) (schema.StockChange, error) {
	const op = "cart-store/update"

	pool, err := s.ensurePool()
	if err != nil {
		return schema.StockChange{}, err
	}

	var change schema.StockChange
	err = s.withTx(ctx, pool, func(tx pgx.Tx) error {
		row, err := lockRow(ctx, tx, userID, itemID, op)
		if err != nil {
			return err
		}

		if quantity <= 0 {
			return s.deleteLocked(ctx, tx, userID, row, &change)
		}

		delta := quantity - row.quantity
		var record schema.StockRecord
		switch {
		case delta > 0:
			record, err = decrementWith(ctx, tx, row.productID, delta)
		case delta < 0:
			record, err = restockWith(ctx, tx, row.productID, -delta)
		default:
			record, err = scanRecord(tx.QueryRow(ctx, stockSelectSQL, pgx.NamedArgs{"id": row.productID}), op, row.productID)
		}
		if err != nil {
			return err
		}

		args := pgx.NamedArgs{"id": row.id, "user_id": userID, "quantity": quantity}
		if _, err := tx.Exec(ctx, cartSetQuantitySQL, args); err != nil {
			return fmt.Errorf("cart store: set quantity: %w", err)
		}

		product, err := productWith(ctx, tx, row.productID)
		if err != nil {
			return err
		}
		change = schema.StockChange{Record: record, ProductName: product.Name, Delta: -delta}
		return nil
	})
	if err != nil {
		return schema.StockChange{}, err
	}
	return change, nil
}

// RemoveItem deletes a row and returns its reservation to the ledger.
func (s *CartStore) RemoveItem(ctx context.Context, userID, itemID string) (schema.StockChange, error) {
	const op = "cart-store/remove"

	pool, err := s.ensurePool()
	if err != nil {
		return schema.StockChange{}, err
	}

	var change schema.StockChange
	err = s.withTx(ctx, pool, func(tx pgx.Tx) error {
		row, err := lockRow(ctx, tx, userID, itemID, op)
		if err != nil {
			return err
		}
		return s.deleteLocked(ctx, tx, userID, row, &change)
	})
	if err != nil {
		return schema.StockChange{}, err
	}
	return change, nil
}

// Clear deletes all rows and returns every reservation to the ledger.
func (s *CartStore) Clear(ctx context.Context, userID string) ([]schema.StockChange, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}

	var changes []schema.StockChange
	err = s.withTx(ctx, pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, cartRowsForUpdateSQL, pgx.NamedArgs{"user_id": userID})
		if err != nil {
			return fmt.Errorf("cart store: lock rows: %w", err)
		}
		var locked []lockedRow
		for rows.Next() {
			var row lockedRow
			if err := rows.Scan(&row.id, &row.productID, &row.quantity); err != nil {
				rows.Close()
				return fmt.Errorf("cart store: scan row: %w", err)
			}
			locked = append(locked, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("cart store: iterate rows: %w", err)
		}

		for _, row := range locked {
			record, err := restockWith(ctx, tx, row.productID, row.quantity)
			if err != nil {
				return err
			}
			product, err := productWith(ctx, tx, row.productID)
			if err != nil {
				return err
			}
			changes = append(changes, schema.StockChange{Record: record, ProductName: product.Name, Delta: row.quantity})
		}

		if _, err := tx.Exec(ctx, cartDeleteAllSQL, pgx.NamedArgs{"user_id": userID}); err != nil {
			return fmt.Errorf("cart store: clear: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

type lockedRow struct {
	id        string
	productID int64
	quantity  int64
}

func lockRow(ctx context.Context, tx pgx.Tx, userID, itemID, op string) (lockedRow, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(itemID), 10, 64)
	if err != nil {
		return lockedRow{}, errs.New(op, errs.CodeNotFound, errs.WithMessage("cart item not found"))
	}
	var row lockedRow
	args := pgx.NamedArgs{"id": id, "user_id": userID}
	if err := tx.QueryRow(ctx, cartRowForUpdateSQL, args).Scan(&row.id, &row.productID, &row.quantity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lockedRow{}, errs.New(op, errs.CodeNotFound, errs.WithMessage("cart item not found"))
		}
		return lockedRow{}, fmt.Errorf("cart store: lock row: %w", err)
	}
	return row, nil
}

func (s *CartStore) deleteLocked(ctx context.Context, tx pgx.Tx, userID string, row lockedRow, change *schema.StockChange) error {
	record, err := restockWith(ctx, tx, row.productID, row.quantity)
	if err != nil {
		return err
	}
	product, err := productWith(ctx, tx, row.productID)
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{"id": row.id, "user_id": userID}
	if _, err := tx.Exec(ctx, cartDeleteRowSQL, args); err != nil {
		return fmt.Errorf("cart store: delete row: %w", err)
	}
	*change = schema.StockChange{Record: record, ProductName: product.Name, Delta: row.quantity}
	return nil
}

func (s *CartStore) withTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("cart store: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("cart store: rollback tx: %w (original error: %v)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("cart store: commit tx: %w", err)
	}
	return nil
}

func scanCartItem(rows pgx.Rows) (schema.CartItem, error) {
	var (
		item     schema.CartItem
		price    string
		discount *string
		addedAt  time.Time
	)
	if err := rows.Scan(
		&item.ID,
		&item.ProductID,
		&item.ProductName,
		&item.Quantity,
		&item.SelectedColor,
		&item.SelectedSize,
		&price,
		&discount,
		&addedAt,
	); err != nil {
		return schema.CartItem{}, fmt.Errorf("cart store: scan item: %w", err)
	}
	unitPrice, err := decimal.NewFromString(price)
	if err != nil {
		return schema.CartItem{}, fmt.Errorf("cart store: parse unit price %q: %w", price, err)
	}
	item.UnitPrice = unitPrice
	if discount != nil {
		d, err := decimal.NewFromString(*discount)
		if err != nil {
			return schema.CartItem{}, fmt.Errorf("cart store: parse discount price %q: %w", *discount, err)
		}
		item.DiscountUnitPrice = &d
	}
	item.AddedAt = addedAt.UTC()
	return item, nil
}
