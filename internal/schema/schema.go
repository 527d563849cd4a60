// Package schema defines the canonical domain types shared across the inventory
// and cart engine: products, stock records, cart items and push-channel events.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventType identifies a push-channel message category.
type EventType string

const (
	// EventTypeStockUpdate carries an authoritative stock quantity change.
	EventTypeStockUpdate EventType = "stock_update"
)

// Envelope is the open wire envelope for push-channel messages. Only the type
// discriminator is decoded eagerly; unknown types must be ignored by
// subscribers so the contract stays forward-compatible.
type Envelope struct {
	Type EventType `json:"type"`
}

// StockRecord is the authoritative per-product quantity snapshot owned by the
// ledger. Version increases monotonically with every mutation of the product,
// letting consumers discard reordered events.
type StockRecord struct {
	ProductID     int64     `json:"productId"`
	Quantity      int64     `json:"quantity"`
	Version       int64     `json:"version"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// StockChangedEvent is emitted once per ledger mutation and fanned out to all
// open session channels. NewQuantity is absolute, Delta is advisory.
type StockChangedEvent struct {
	EventID     string    `json:"eventId"`
	Type        EventType `json:"type"`
	ProductID   int64     `json:"productId"`
	NewQuantity int64     `json:"newQuantity"`
	ProductName string    `json:"productName"`
	Delta       int64     `json:"delta,omitempty"`
	Source      string    `json:"source,omitempty"`
	Version     int64     `json:"version"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// StockChange pairs a ledger mutation's resulting record with the context
// needed to compose a StockChangedEvent.
type StockChange struct {
	Record      StockRecord
	ProductName string
	Delta       int64
}

// Product is the catalogue shape returned by the product listing and used to
// seed client stock caches.
type Product struct {
	ID            int64            `json:"id"`
	Name          string           `json:"name"`
	UnitPrice     decimal.Decimal  `json:"unitPrice"`
	DiscountPrice *decimal.Decimal `json:"discountPrice,omitempty"`
	Colors        []string         `json:"colors,omitempty"`
	Sizes         []string         `json:"sizes,omitempty"`
	Quantity      int64            `json:"quantity"`
	Version       int64            `json:"version"`
}

// RequiresColor reports whether the product cannot be added to a cart without
// a color selection.
func (p Product) RequiresColor() bool { return len(p.Colors) > 0 }

// RequiresSize reports whether the product cannot be added to a cart without
// a size selection.
func (p Product) RequiresSize() bool { return len(p.Sizes) > 0 }

// EffectivePrice returns the discounted unit price when present.
func (p Product) EffectivePrice() decimal.Decimal {
	if p.DiscountPrice != nil {
		return *p.DiscountPrice
	}
	return p.UnitPrice
}

// CartItem is one cart row. ID is a server-assigned integer rendered as a
// string for the authenticated cart and a client-generated composite key
// (productID-timestamp) for the guest cart; both paths otherwise share this
// shape so the reconciler treats them uniformly.
type CartItem struct {
	ID                string           `json:"id"`
	ProductID         int64            `json:"productId"`
	ProductName       string           `json:"productName"`
	Quantity          int64            `json:"quantity"`
	SelectedColor     string           `json:"selectedColor,omitempty"`
	SelectedSize      string           `json:"selectedSize,omitempty"`
	UnitPrice         decimal.Decimal  `json:"unitPrice"`
	DiscountUnitPrice *decimal.Decimal `json:"discountUnitPrice,omitempty"`
	AddedAt           time.Time        `json:"addedAt"`
}

// EffectiveUnitPrice returns the price charged per unit for this row.
func (i CartItem) EffectiveUnitPrice() decimal.Decimal {
	if i.DiscountUnitPrice != nil {
		return *i.DiscountUnitPrice
	}
	return i.UnitPrice
}

// LineTotal returns quantity * effective unit price.
func (i CartItem) LineTotal() decimal.Decimal {
	return i.EffectiveUnitPrice().Mul(decimal.NewFromInt(i.Quantity))
}

// SameVariant reports whether the row refers to the same
// (product, color, size) tuple. Cart mutations merge on this key instead of
// creating duplicate rows.
func (i CartItem) SameVariant(productID int64, color, size string) bool {
	return i.ProductID == productID &&
		strings.EqualFold(strings.TrimSpace(i.SelectedColor), strings.TrimSpace(color)) &&
		strings.EqualFold(strings.TrimSpace(i.SelectedSize), strings.TrimSpace(size))
}

// SessionMode discriminates the two cart representations.
type SessionMode string

const (
	// SessionModeGuest identifies a locally persisted, unauthenticated cart.
	SessionModeGuest SessionMode = "guest"
	// SessionModeAuthenticated identifies a server-held cart bound to a user.
	SessionModeAuthenticated SessionMode = "authenticated"
)

// CartSession tags which cart representation backs the current shopper.
// The mode is chosen once per session; it changes only through explicit login.
type CartSession struct {
	Mode   SessionMode `json:"mode"`
	UserID string      `json:"userId,omitempty"`
}
