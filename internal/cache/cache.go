// Package cache holds the client-resident projection of last-known stock
// quantities. The cache is advisory: it backs optimistic UI and pre-flight
// rejection, never the commit decision — that belongs to the ledger.
package cache

import (
	"sync"

	"github.com/coachpo/shopstream/config"
	"github.com/coachpo/shopstream/internal/observability"
	"github.com/coachpo/shopstream/internal/schema"
)

// Severity grades a stock status for display purposes.
type Severity string

const (
	// SeverityOut marks a product with zero stock.
	SeverityOut Severity = "out"
	// SeverityCritical marks a product in the critical-low band (distinct highlighting).
	SeverityCritical Severity = "critical"
	// SeverityLow marks a product in the low band.
	SeverityLow Severity = "low"
	// SeverityNormal marks a product comfortably in stock.
	SeverityNormal Severity = "normal"
)

// Status is the display classification of a cached quantity.
type Status struct {
	Label    string   `json:"label"`
	Severity Severity `json:"severity"`
}

// Notification describes a low/zero stock condition worth surfacing to the
// shopper. Emitted once per applied event, never per read.
type Notification struct {
	ProductID   int64
	ProductName string
	Quantity    int64
	Status      Status
}

// NotifyFunc receives low-stock notifications.
type NotifyFunc func(Notification)

// ChangeFunc observes every accepted quantity change, letting product list and
// detail read caches stay aligned with the stock cache within the same tab.
type ChangeFunc func(productID, quantity int64)

type entry struct {
	quantity int64
	version  int64
}

// Cache maps productID to the freshest known quantity.
type Cache struct {
	mu         sync.RWMutex
	entries    map[int64]entry
	thresholds config.StockThresholds
	notify     NotifyFunc
	onChange   ChangeFunc
}

// Option configures optional cache hooks.
type Option func(*Cache)

// WithNotifier installs the low-stock notification hook.
func WithNotifier(fn NotifyFunc) Option {
	return func(c *Cache) { c.notify = fn }
}

// WithChangeListener installs the accepted-change observer.
func WithChangeListener(fn ChangeFunc) Option {
	return func(c *Cache) { c.onChange = fn }
}

// New constructs an empty cache classified by the given thresholds.
func New(thresholds config.StockThresholds, opts ...Option) *Cache {
	(&thresholds).ApplyDefaults()
	c := &Cache{
		entries:    make(map[int64]entry),
		thresholds: thresholds,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Seed initializes the cache from a product catalogue snapshot. Both seeding
// paths (prior cached listing or a fresh fetch) converge to this shape.
func (c *Cache) Seed(products []schema.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range products {
		qty := p.Quantity
		if qty < 0 {
			qty = 0
		}
		c.entries[p.ID] = entry{quantity: qty, version: p.Version}
	}
}

// GetStockLevel returns the cached quantity, zero when unknown, never negative.
func (c *Cache) GetStockLevel(productID int64) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[productID]
	if !ok || e.quantity < 0 {
		return 0
	}
	return e.quantity
}

// UpdateStockLevel unconditionally overwrites the cached quantity. Used by
// local optimistic mutations; the stored version is left untouched so a later
// authoritative event still applies.
func (c *Cache) UpdateStockLevel(productID, quantity int64) {
	if quantity < 0 {
		quantity = 0
	}
	c.mu.Lock()
	e := c.entries[productID]
	e.quantity = quantity
	c.entries[productID] = e
	c.mu.Unlock()

	if c.onChange != nil {
		c.onChange(productID, quantity)
	}
}

// ApplyEvent applies an inbound stock event, discarding it when its version is
// not newer than the cached one (tolerates reordering and duplicates from
// reconnects). Returns whether the event was applied. Low/zero quantities fire
// the notification hook, once per applied event.
func (c *Cache) ApplyEvent(evt schema.StockChangedEvent) bool {
	qty := evt.NewQuantity
	if qty < 0 {
		qty = 0
	}

	c.mu.Lock()
	e, known := c.entries[evt.ProductID]
	if known && evt.Version != 0 && evt.Version <= e.version {
		c.mu.Unlock()
		observability.Log().Debug("cache: discarded stale stock event",
			observability.F("product_id", evt.ProductID),
			observability.F("event_version", evt.Version),
			observability.F("cached_version", e.version))
		return false
	}
	c.entries[evt.ProductID] = entry{quantity: qty, version: evt.Version}
	c.mu.Unlock()

	if c.onChange != nil {
		c.onChange(evt.ProductID, qty)
	}
	if c.notify != nil {
		if status := c.StatusFor(qty); status.Severity != SeverityNormal {
			c.notify(Notification{
				ProductID:   evt.ProductID,
				ProductName: evt.ProductName,
				Quantity:    qty,
				Status:      status,
			})
		}
	}
	return true
}

// Status classifies the current cached quantity of a product.
func (c *Cache) Status(productID int64) Status {
	return c.StatusFor(c.GetStockLevel(productID))
}

// StatusFor is the pure classifier: identical quantity always yields an
// identical status. Band boundaries come from configuration.
func (c *Cache) StatusFor(quantity int64) Status {
	switch {
	case quantity <= 0:
		return Status{Label: "out-of-stock", Severity: SeverityOut}
	case quantity <= c.thresholds.CriticalLowMax:
		return Status{Label: "critical-low", Severity: SeverityCritical}
	case quantity <= c.thresholds.LowMax:
		return Status{Label: "low", Severity: SeverityLow}
	default:
		return Status{Label: "in-stock", Severity: SeverityNormal}
	}
}

// Snapshot returns a copy of the cached quantities keyed by product ID.
func (c *Cache) Snapshot() map[int64]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64]int64, len(c.entries))
	for id, e := range c.entries {
		out[id] = e.quantity
	}
	return out
}
