package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/shopstream/errs"
	"github.com/coachpo/shopstream/internal/schema"
)

// MemoryLedger is an in-memory Ledger used by unit tests and local
// development. Mutations are serialized by a single mutex, mirroring the
// row-level atomicity the Postgres implementation gets from conditional
// UPDATEs.
type MemoryLedger struct {
	mu       sync.RWMutex
	products map[int64]*schema.Product
}

// NewMemoryLedger seeds an in-memory ledger from the given catalogue.
func NewMemoryLedger(products ...schema.Product) *MemoryLedger {
	l := &MemoryLedger{products: make(map[int64]*schema.Product, len(products))}
	for i := range products {
		p := products[i]
		if p.Version == 0 {
			p.Version = 1
		}
		l.products[p.ID] = &p
	}
	return l
}

// Quantity returns the stock record for one product.
func (l *MemoryLedger) Quantity(_ context.Context, productID int64) (schema.StockRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.products[productID]
	if !ok {
		return schema.StockRecord{}, errs.New("ledger/quantity", errs.CodeNotFound, errs.WithProduct(productID))
	}
	return record(p), nil
}

// List returns the catalogue sorted by product ID.
func (l *MemoryLedger) List(_ context.Context) ([]schema.Product, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]schema.Product, 0, len(l.products))
	for _, p := range l.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Product returns one product's full definition.
func (l *MemoryLedger) Product(_ context.Context, productID int64) (schema.Product, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.products[productID]
	if !ok {
		return schema.Product{}, errs.New("ledger/product", errs.CodeNotFound, errs.WithProduct(productID))
	}
	return *p, nil
}

// Decrement performs the atomic compare-and-decrement.
func (l *MemoryLedger) Decrement(_ context.Context, productID, n int64) (schema.StockRecord, error) {
	if n <= 0 {
		return schema.StockRecord{}, errs.New("ledger/decrement", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[productID]
	if !ok {
		return schema.StockRecord{}, errs.New("ledger/decrement", errs.CodeNotFound, errs.WithProduct(productID))
	}
	if p.Quantity < n {
		return schema.StockRecord{}, errs.InsufficientStock("ledger/decrement", productID, p.Quantity, n)
	}
	p.Quantity -= n
	p.Version++
	return record(p), nil
}

// Restock adds quantity back to the product.
func (l *MemoryLedger) Restock(_ context.Context, productID, n int64) (schema.StockRecord, error) {
	if n <= 0 {
		return schema.StockRecord{}, errs.New("ledger/restock", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[productID]
	if !ok {
		return schema.StockRecord{}, errs.New("ledger/restock", errs.CodeNotFound, errs.WithProduct(productID))
	}
	p.Quantity += n
	p.Version++
	return record(p), nil
}

// Name returns the product's display name, used when composing events.
func (l *MemoryLedger) Name(productID int64) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.products[productID]; ok {
		return p.Name
	}
	return ""
}

func record(p *schema.Product) schema.StockRecord {
	return schema.StockRecord{
		ProductID:     p.ID,
		Quantity:      p.Quantity,
		Version:       p.Version,
		LastUpdatedAt: time.Now().UTC(),
	}
}
