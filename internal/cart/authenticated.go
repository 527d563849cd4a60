package cart

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/shopstream/errs"
	"github.com/coachpo/shopstream/internal/schema"
)

// AuthenticatedSession is the server-backed cart: every mutation commits
// through the cart API, where the ledger decrement decides. The session keeps
// no local copy of the rows; reads always fetch the server's current view, so
// a commit is never followed by a stale read.
type AuthenticatedSession struct {
	api    API
	levels StockLevels
}

// NewAuthenticatedSession constructs a session committing through api and
// pre-flighting against levels.
func NewAuthenticatedSession(api API, levels StockLevels) *AuthenticatedSession {
	return &AuthenticatedSession{api: api, levels: levels}
}

// Mode identifies the session as server-backed.
func (s *AuthenticatedSession) Mode() schema.SessionMode { return schema.SessionModeAuthenticated }

// Add pre-flights the summed prospective quantity against the cached stock
// level, then commits. The server merges into an existing variant row and runs
// the authoritative decrement; a pre-flight pass here does not guarantee the
// commit succeeds.
func (s *AuthenticatedSession) Add(ctx context.Context, product schema.Product, quantity int64, color, size string) (schema.CartItem, error) {
	const op = "cart/auth/add"

	if err := validateSelection(op, product, color, size); err != nil {
		return schema.CartItem{}, err
	}

	prospective := quantity
	if current, err := s.api.Cart(ctx); err == nil {
		if idx := findVariant(current.Items, product.ID, color, size); idx >= 0 {
			prospective += current.Items[idx].Quantity
		}
	}
	if err := validateStock(op, s.levels, product.ID, prospective); err != nil {
		return schema.CartItem{}, err
	}

	return s.api.AddItem(ctx, AddItemRequest{
		ProductID:     product.ID,
		Quantity:      quantity,
		SelectedColor: strings.TrimSpace(color),
		SelectedSize:  strings.TrimSpace(size),
	})
}

// UpdateQuantity sets a row's absolute quantity; zero or below removes it.
func (s *AuthenticatedSession) UpdateQuantity(ctx context.Context, itemID string, quantity int64) error {
	const op = "cart/auth/update"

	if quantity <= 0 {
		return s.Remove(ctx, itemID)
	}

	current, err := s.api.Cart(ctx)
	if err != nil {
		return err
	}
	idx := indexByID(current.Items, itemID)
	if idx < 0 {
		return errs.New(op, errs.CodeNotFound, errs.WithMessage("cart item not found"))
	}
	if err := validateStock(op, s.levels, current.Items[idx].ProductID, quantity); err != nil {
		return err
	}
	return s.api.UpdateItem(ctx, itemID, quantity)
}

// Remove deletes a row.
func (s *AuthenticatedSession) Remove(ctx context.Context, itemID string) error {
	return s.api.RemoveItem(ctx, itemID)
}

// Clear empties the cart.
func (s *AuthenticatedSession) Clear(ctx context.Context) error {
	return s.api.Clear(ctx)
}

// Items fetches the server's current rows.
func (s *AuthenticatedSession) Items(ctx context.Context) ([]schema.CartItem, error) {
	current, err := s.api.Cart(ctx)
	if err != nil {
		return nil, err
	}
	return current.Items, nil
}

// ItemCount sums quantities over a fresh fetch.
func (s *AuthenticatedSession) ItemCount(ctx context.Context) (int64, error) {
	current, err := s.api.Cart(ctx)
	if err != nil {
		return 0, err
	}
	return countItems(current.Items), nil
}

// Total sums line totals over a fresh fetch.
func (s *AuthenticatedSession) Total(ctx context.Context) (decimal.Decimal, error) {
	current, err := s.api.Cart(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return totalOf(current.Items), nil
}
