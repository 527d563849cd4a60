package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/shopstream/config"
	"github.com/coachpo/shopstream/errs"
	"github.com/coachpo/shopstream/internal/cart"
	"github.com/coachpo/shopstream/internal/hub"
	"github.com/coachpo/shopstream/internal/ledger"
	"github.com/coachpo/shopstream/internal/schema"
)

// memCartStore implements CartStore over the in-memory ledger, mirroring the
// transactional contract of the Postgres store.
type memCartStore struct {
	ledger *ledger.MemoryLedger

	mu     sync.Mutex
	items  map[string][]schema.CartItem
	nextID int64
}

func newMemCartStore(l *ledger.MemoryLedger) *memCartStore {
	return &memCartStore{ledger: l, items: make(map[string][]schema.CartItem)}
}

func (s *memCartStore) Items(_ context.Context, userID string) ([]schema.CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.CartItem, len(s.items[userID]))
	copy(out, s.items[userID])
	return out, nil
}

func (s *memCartStore) AddItem(ctx context.Context, userID string, productID, quantity int64, color, size string) (schema.CartItem, schema.StockChange, error) {
	product, err := s.ledger.Product(ctx, productID)
	if err != nil {
		return schema.CartItem{}, schema.StockChange{}, err
	}
	record, err := s.ledger.Decrement(ctx, productID, quantity)
	if err != nil {
		return schema.CartItem{}, schema.StockChange{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	change := schema.StockChange{Record: record, ProductName: product.Name, Delta: -quantity}
	rows := s.items[userID]
	for i := range rows {
		if rows[i].SameVariant(productID, color, size) {
			rows[i].Quantity += quantity
			return rows[i], change, nil
		}
	}
	s.nextID++
	item := schema.CartItem{
		ID:            strconv.FormatInt(s.nextID, 10),
		ProductID:     productID,
		ProductName:   product.Name,
		Quantity:      quantity,
		SelectedColor: color,
		SelectedSize:  size,
		UnitPrice:     product.UnitPrice,
		AddedAt:       time.Now().UTC(),
	}
	s.items[userID] = append(rows, item)
	return item, change, nil
}

func (s *memCartStore) UpdateItem(ctx context.Context, userID, itemID string, quantity int64) (schema.StockChange, error) {
	s.mu.Lock()
	idx := -1
	for i, row := range s.items[userID] {
		if row.ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return schema.StockChange{}, errs.New("cart-store/update", errs.CodeNotFound, errs.WithMessage("cart item not found"))
	}
	row := s.items[userID][idx]
	s.mu.Unlock()

	if quantity <= 0 {
		return s.RemoveItem(ctx, userID, itemID)
	}

	delta := quantity - row.Quantity
	var record schema.StockRecord
	var err error
	switch {
	case delta > 0:
		record, err = s.ledger.Decrement(ctx, row.ProductID, delta)
	case delta < 0:
		record, err = s.ledger.Restock(ctx, row.ProductID, -delta)
	default:
		record, err = s.ledger.Quantity(ctx, row.ProductID)
	}
	if err != nil {
		return schema.StockChange{}, err
	}

	s.mu.Lock()
	s.items[userID][idx].Quantity = quantity
	s.mu.Unlock()
	return schema.StockChange{Record: record, ProductName: row.ProductName, Delta: -delta}, nil
}

func (s *memCartStore) RemoveItem(ctx context.Context, userID, itemID string) (schema.StockChange, error) {
	s.mu.Lock()
	idx := -1
	for i, row := range s.items[userID] {
		if row.ID == itemID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return schema.StockChange{}, errs.New("cart-store/remove", errs.CodeNotFound, errs.WithMessage("cart item not found"))
	}
	row := s.items[userID][idx]
	s.items[userID] = append(s.items[userID][:idx], s.items[userID][idx+1:]...)
	s.mu.Unlock()

	record, err := s.ledger.Restock(ctx, row.ProductID, row.Quantity)
	if err != nil {
		return schema.StockChange{}, err
	}
	return schema.StockChange{Record: record, ProductName: row.ProductName, Delta: row.Quantity}, nil
}

func (s *memCartStore) Clear(ctx context.Context, userID string) ([]schema.StockChange, error) {
	s.mu.Lock()
	rows := s.items[userID]
	delete(s.items, userID)
	s.mu.Unlock()

	var changes []schema.StockChange
	for _, row := range rows {
		record, err := s.ledger.Restock(ctx, row.ProductID, row.Quantity)
		if err != nil {
			return nil, err
		}
		changes = append(changes, schema.StockChange{Record: record, ProductName: row.ProductName, Delta: row.Quantity})
	}
	return changes, nil
}

func testCatalogue() []schema.Product {
	return []schema.Product{
		{ID: 42, Name: "Canvas Tote", UnitPrice: decimal.RequireFromString("24.99"), Colors: []string{"natural", "black"}, Quantity: 10},
		{ID: 7, Name: "Mug", UnitPrice: decimal.RequireFromString("9.50"), Quantity: 3},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *ledger.MemoryLedger, hub.Hub) {
	t.Helper()
	l := ledger.NewMemoryLedger(testCatalogue()...)
	bus := hub.NewMemoryHub(hub.MemoryConfig{BufferSize: 64, FanoutWorkers: 2})
	t.Cleanup(bus.Close)
	srv := httptest.NewServer(New(l, newMemCartStore(l), bus, config.PushConfig{RatePerSecond: 500, Burst: 100, WriteTimeout: time.Second}).Handler())
	t.Cleanup(srv.Close)
	return srv, l, bus
}

func doJSON(t *testing.T, method, url string, body any, userID string) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeInto[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestListProducts(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/products", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload := decodeInto[map[string][]schema.Product](t, resp)
	require.Len(t, payload["products"], 2)
	require.Equal(t, "Canvas Tote", payload["products"][1].Name)
}

func TestAddItemDecrementsAndPublishes(t *testing.T) {
	srv, l, bus := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subID, events, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer bus.Unsubscribe(subID)

	resp := doJSON(t, http.MethodPost, srv.URL+"/cart/items",
		cart.AddItemRequest{ProductID: 7, Quantity: 2}, "user-1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	item := decodeInto[schema.CartItem](t, resp)
	require.Equal(t, int64(2), item.Quantity)

	record, err := l.Quantity(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(1), record.Quantity)

	select {
	case evt := <-events:
		require.Equal(t, schema.EventTypeStockUpdate, evt.Type)
		require.Equal(t, int64(7), evt.ProductID)
		require.Equal(t, int64(1), evt.NewQuantity)
		require.Equal(t, int64(-2), evt.Delta)
		require.Equal(t, "cart", evt.Source)
		require.NotEmpty(t, evt.EventID)
		require.Equal(t, record.Version, evt.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("no stock event published for the cart add")
	}
}

func TestAddItemInsufficientStock(t *testing.T) {
	srv, l, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/cart/items",
		cart.AddItemRequest{ProductID: 7, Quantity: 5}, "user-1")
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	envelope := decodeInto[cart.ErrorResponse](t, resp)
	require.Equal(t, string(errs.CodeInsufficientStock), envelope.Error.Code)

	record, err := l.Quantity(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(3), record.Quantity, "rejected add must not touch the ledger")
}

func TestCartEndpointsRequireIdentity(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/cart", nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpdateToZeroRestocks(t *testing.T) {
	srv, l, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/cart/items",
		cart.AddItemRequest{ProductID: 7, Quantity: 3}, "user-1")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	item := decodeInto[schema.CartItem](t, resp)

	resp = doJSON(t, http.MethodPut, srv.URL+"/cart/items/"+item.ID,
		cart.UpdateItemRequest{Quantity: 0}, "user-1")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	record, err := l.Quantity(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(3), record.Quantity, "zero-quantity update returns the reservation")

	resp = doJSON(t, http.MethodGet, srv.URL+"/cart", nil, "user-1")
	payload := decodeInto[cart.CartResponse](t, resp)
	require.Empty(t, payload.Items)
}

func TestClearCartRestocksEverything(t *testing.T) {
	srv, l, _ := newTestServer(t)

	doJSON(t, http.MethodPost, srv.URL+"/cart/items", cart.AddItemRequest{ProductID: 7, Quantity: 2}, "user-1")
	doJSON(t, http.MethodPost, srv.URL+"/cart/items", cart.AddItemRequest{ProductID: 42, Quantity: 4, SelectedColor: "black"}, "user-1")

	resp := doJSON(t, http.MethodDelete, srv.URL+"/cart", nil, "user-1")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	mug, err := l.Quantity(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(3), mug.Quantity)
	tote, err := l.Quantity(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, int64(10), tote.Quantity)
}

func TestRestockEndpointPublishesEvent(t *testing.T) {
	srv, _, bus := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subID, events, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	defer bus.Unsubscribe(subID)

	resp := doJSON(t, http.MethodPost, srv.URL+"/products/7/restock",
		restockPayload{Quantity: 5}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	record := decodeInto[schema.StockRecord](t, resp)
	require.Equal(t, int64(8), record.Quantity)

	select {
	case evt := <-events:
		require.Equal(t, "restock", evt.Source)
		require.Equal(t, int64(5), evt.Delta)
		require.Equal(t, int64(8), evt.NewQuantity)
	case <-time.After(2 * time.Second):
		t.Fatal("no stock event published for the restock")
	}
}

func TestUnknownProductIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/products/9999", nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	envelope := decodeInto[cart.ErrorResponse](t, resp)
	require.Equal(t, string(errs.CodeNotFound), envelope.Error.Code)
}

func TestVariantMergeAcrossRequests(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for i := 0; i < 2; i++ {
		resp := doJSON(t, http.MethodPost, srv.URL+"/cart/items",
			cart.AddItemRequest{ProductID: 42, Quantity: 1, SelectedColor: "black"}, "user-1")
		require.Equal(t, http.StatusCreated, resp.StatusCode, fmt.Sprintf("add %d", i))
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/cart", nil, "user-1")
	payload := decodeInto[cart.CartResponse](t, resp)
	require.Len(t, payload.Items, 1)
	require.Equal(t, int64(2), payload.Items[0].Quantity)
	require.Equal(t, int64(2), payload.ItemCount)
}
