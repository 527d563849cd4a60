package cart

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/shopstream/errs"
	"github.com/coachpo/shopstream/internal/observability"
	"github.com/coachpo/shopstream/internal/schema"
)

// GuestStorageKey is the single well-known key the guest cart persists under.
const GuestStorageKey = "shopstream.cart.guest"

// Storage persists opaque payloads under string keys, the Go analogue of
// browser-local storage.
type Storage interface {
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
	Delete(key string) error
}

// FileStorage is a Storage keeping one file per key inside a directory.
type FileStorage struct {
	dir string
}

// NewFileStorage constructs file-backed storage rooted at dir.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{dir: dir}
}

func (s *FileStorage) path(key string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(s.dir, safe+".json")
}

// Load returns the stored payload, or os.ErrNotExist when absent.
func (s *FileStorage) Load(key string) ([]byte, error) {
	return os.ReadFile(s.path(key))
}

// Save writes the payload atomically via a rename.
func (s *FileStorage) Save(key string, data []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

// Delete removes the payload; absent keys are not an error.
func (s *FileStorage) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// GuestSession is the guest-mode cart: rows live in local storage as one
// serialized JSON array. Unparseable persisted state is discarded wholesale on
// load — an empty cart, never a hard failure.
type GuestSession struct {
	storage Storage
	levels  StockLevels

	mu    sync.Mutex
	items []schema.CartItem

	now func() time.Time
}

// GuestOption configures a guest session.
type GuestOption func(*GuestSession)

// WithClock overrides the clock used for composite item IDs.
func WithClock(now func() time.Time) GuestOption {
	return func(s *GuestSession) { s.now = now }
}

// NewGuestSession loads the persisted guest cart from storage.
func NewGuestSession(storage Storage, levels StockLevels, opts ...GuestOption) *GuestSession {
	s := &GuestSession{
		storage: storage,
		levels:  levels,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.items = loadGuestItems(storage)
	return s
}

func loadGuestItems(storage Storage) []schema.CartItem {
	if storage == nil {
		return nil
	}
	data, err := storage.Load(GuestStorageKey)
	if err != nil {
		if !os.IsNotExist(err) {
			observability.Log().Error("guest cart: load failed, starting empty",
				observability.F("error", err))
		}
		return nil
	}
	var items []schema.CartItem
	if err := json.Unmarshal(data, &items); err != nil {
		observability.Log().Error("guest cart: corrupted persisted cart discarded",
			observability.F("error", err))
		return nil
	}
	return items
}

// Mode identifies the session as guest-backed.
func (s *GuestSession) Mode() schema.SessionMode { return schema.SessionModeGuest }

// Add validates against the cached stock level, merges into an existing
// variant row when present, and persists. The in-memory cart only changes
// after the persist succeeds: mutations are all-or-nothing.
func (s *GuestSession) Add(_ context.Context, product schema.Product, quantity int64, color, size string) (schema.CartItem, error) {
	const op = "cart/guest/add"

	if err := validateSelection(op, product, color, size); err != nil {
		return schema.CartItem{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := cloneItems(s.items)
	var item schema.CartItem
	if idx := findVariant(next, product.ID, color, size); idx >= 0 {
		prospective := next[idx].Quantity + quantity
		if err := validateStock(op, s.levels, product.ID, prospective); err != nil {
			return schema.CartItem{}, err
		}
		next[idx].Quantity = prospective
		item = next[idx]
	} else {
		if err := validateStock(op, s.levels, product.ID, quantity); err != nil {
			return schema.CartItem{}, err
		}
		now := s.now()
		item = schema.CartItem{
			ID:                fmt.Sprintf("%d-%d", product.ID, now.UnixMilli()),
			ProductID:         product.ID,
			ProductName:       product.Name,
			Quantity:          quantity,
			SelectedColor:     strings.TrimSpace(color),
			SelectedSize:      strings.TrimSpace(size),
			UnitPrice:         product.UnitPrice,
			DiscountUnitPrice: product.DiscountPrice,
			AddedAt:           now,
		}
		next = append(next, item)
	}

	if err := s.persist(next); err != nil {
		return schema.CartItem{}, err
	}
	s.items = next
	return item, nil
}

// UpdateQuantity sets a row's absolute quantity; zero or below removes it.
func (s *GuestSession) UpdateQuantity(ctx context.Context, itemID string, quantity int64) error {
	const op = "cart/guest/update"

	if quantity <= 0 {
		return s.Remove(ctx, itemID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexByID(s.items, itemID)
	if idx < 0 {
		return errs.New(op, errs.CodeNotFound, errs.WithMessage("cart item not found"))
	}
	if err := validateStock(op, s.levels, s.items[idx].ProductID, quantity); err != nil {
		return err
	}

	next := cloneItems(s.items)
	next[idx].Quantity = quantity
	if err := s.persist(next); err != nil {
		return err
	}
	s.items = next
	return nil
}

// Remove deletes a row.
func (s *GuestSession) Remove(_ context.Context, itemID string) error {
	const op = "cart/guest/remove"

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := indexByID(s.items, itemID)
	if idx < 0 {
		return errs.New(op, errs.CodeNotFound, errs.WithMessage("cart item not found"))
	}

	next := make([]schema.CartItem, 0, len(s.items)-1)
	next = append(next, s.items[:idx]...)
	next = append(next, s.items[idx+1:]...)
	if err := s.persist(next); err != nil {
		return err
	}
	s.items = next
	return nil
}

// Clear empties the cart and its persisted state.
func (s *GuestSession) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.storage != nil {
		if err := s.storage.Delete(GuestStorageKey); err != nil {
			return errs.New("cart/guest/clear", errs.CodeUnavailable, errs.WithCause(err))
		}
	}
	s.items = nil
	return nil
}

// Items returns a copy of the current rows.
func (s *GuestSession) Items(_ context.Context) ([]schema.CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.items), nil
}

// ItemCount sums quantities, computed fresh.
func (s *GuestSession) ItemCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countItems(s.items), nil
}

// Total sums line totals, computed fresh.
func (s *GuestSession) Total(_ context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return totalOf(s.items), nil
}

func (s *GuestSession) persist(items []schema.CartItem) error {
	if s.storage == nil {
		return nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return errs.New("cart/guest/persist", errs.CodeParse, errs.WithCause(err))
	}
	if err := s.storage.Save(GuestStorageKey, data); err != nil {
		return errs.New("cart/guest/persist", errs.CodeUnavailable, errs.WithCause(err))
	}
	return nil
}

func indexByID(items []schema.CartItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneItems(items []schema.CartItem) []schema.CartItem {
	out := make([]schema.CartItem, len(items))
	copy(out, items)
	return out
}
