package cart

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/shopstream/errs"
	"github.com/coachpo/shopstream/internal/schema"
)

// cartServer is a minimal in-memory rendition of the cart endpoints, enough
// to drive Client and AuthenticatedSession over real HTTP.
type cartServer struct {
	mu     sync.Mutex
	items  map[string][]schema.CartItem // keyed by user ID
	stock  map[int64]int64
	nextID int
}

func newCartServer() *cartServer {
	return &cartServer{
		items: make(map[string][]schema.CartItem),
		stock: map[int64]int64{42: 10, 7: 3},
	}
}

func (s *cartServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /cart", s.getCart)
	mux.HandleFunc("POST /cart/items", s.addItem)
	mux.HandleFunc("PUT /cart/items/{id}", s.updateItem)
	mux.HandleFunc("DELETE /cart/items/{id}", s.removeItem)
	mux.HandleFunc("DELETE /cart", s.clear)
	return mux
}

func (s *cartServer) user(r *http.Request) string { return r.Header.Get("X-User-ID") }

func (s *cartServer) writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorBody{Code: code, Message: msg}})
}

func (s *cartServer) getCart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.items[s.user(r)]
	resp := CartResponse{Items: items, ItemCount: countItems(items), Total: totalOf(items)}
	if resp.Items == nil {
		resp.Items = []schema.CartItem{}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *cartServer) addItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, http.StatusBadRequest, string(errs.CodeInvalid), "bad body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stock[req.ProductID] < req.Quantity {
		s.writeErr(w, http.StatusConflict, string(errs.CodeInsufficientStock), "not enough stock")
		return
	}
	s.stock[req.ProductID] -= req.Quantity

	user := s.user(r)
	if idx := findVariant(s.items[user], req.ProductID, req.SelectedColor, req.SelectedSize); idx >= 0 {
		s.items[user][idx].Quantity += req.Quantity
		_ = json.NewEncoder(w).Encode(s.items[user][idx])
		return
	}
	s.nextID++
	item := schema.CartItem{
		ID:            fmt.Sprintf("%d", s.nextID),
		ProductID:     req.ProductID,
		ProductName:   fmt.Sprintf("product-%d", req.ProductID),
		Quantity:      req.Quantity,
		SelectedColor: req.SelectedColor,
		SelectedSize:  req.SelectedSize,
		UnitPrice:     decimal.RequireFromString("9.50"),
		AddedAt:       time.Now().UTC(),
	}
	s.items[user] = append(s.items[user], item)
	_ = json.NewEncoder(w).Encode(item)
}

func (s *cartServer) updateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErr(w, http.StatusBadRequest, string(errs.CodeInvalid), "bad body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.user(r)
	idx := indexByID(s.items[user], r.PathValue("id"))
	if idx < 0 {
		s.writeErr(w, http.StatusNotFound, string(errs.CodeNotFound), "no such item")
		return
	}
	s.items[user][idx].Quantity = req.Quantity
	w.WriteHeader(http.StatusNoContent)
}

func (s *cartServer) removeItem(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.user(r)
	idx := indexByID(s.items[user], r.PathValue("id"))
	if idx < 0 {
		s.writeErr(w, http.StatusNotFound, string(errs.CodeNotFound), "no such item")
		return
	}
	s.items[user] = append(s.items[user][:idx], s.items[user][idx+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *cartServer) clear(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, s.user(r))
	w.WriteHeader(http.StatusNoContent)
}

func newAuthSession(t *testing.T, levels StockLevels) (*AuthenticatedSession, *cartServer) {
	t.Helper()
	backend := newCartServer()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, "user-1", WithHTTPClient(srv.Client()))
	return NewAuthenticatedSession(client, levels), backend
}

func TestAuthenticatedAddCommitsAndReadsFresh(t *testing.T) {
	session, _ := newAuthSession(t, fixedLevels{7: 3})
	ctx := context.Background()

	require.Equal(t, schema.SessionModeAuthenticated, session.Mode())

	item, err := session.Add(ctx, plainMug(), 2, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, item.ID)

	// No cached rows on the session: the read reflects the server.
	items, err := session.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, int64(2), items[0].Quantity)

	count, err := session.ItemCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestAuthenticatedAddPreflightsMergedQuantity(t *testing.T) {
	session, backend := newAuthSession(t, fixedLevels{7: 3})
	ctx := context.Background()

	_, err := session.Add(ctx, plainMug(), 2, "", "")
	require.NoError(t, err)

	// 2 already committed, 2 more would exceed the cached level of 3. The
	// pre-flight rejects before the server is asked to decrement.
	_, err = session.Add(ctx, plainMug(), 2, "", "")
	require.True(t, errs.IsCode(err, errs.CodeInsufficientStock))
	require.Equal(t, int64(1), backend.stock[7], "rejected add must not reach the ledger")
}

func TestAuthenticatedServerRejectionSurfacesCode(t *testing.T) {
	// A stale cache pre-flight passes but the server's decrement refuses.
	session, backend := newAuthSession(t, fixedLevels{7: 100})
	backend.stock[7] = 1

	_, err := session.Add(context.Background(), plainMug(), 2, "", "")
	require.True(t, errs.IsCode(err, errs.CodeInsufficientStock))
	require.Equal(t, http.StatusConflict, errs.HTTPStatus(err))
}

func TestAuthenticatedUpdateToZeroRemoves(t *testing.T) {
	session, _ := newAuthSession(t, fixedLevels{7: 3})
	ctx := context.Background()

	item, err := session.Add(ctx, plainMug(), 2, "", "")
	require.NoError(t, err)

	require.NoError(t, session.UpdateQuantity(ctx, item.ID, 0))
	items, err := session.Items(ctx)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestAuthenticatedUpdateUnknownItem(t *testing.T) {
	session, _ := newAuthSession(t, fixedLevels{7: 3})

	err := session.UpdateQuantity(context.Background(), "999", 1)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestAuthenticatedClear(t *testing.T) {
	session, _ := newAuthSession(t, fixedLevels{42: 10})
	ctx := context.Background()

	_, err := session.Add(ctx, toteBag(), 1, "black", "")
	require.NoError(t, err)
	require.NoError(t, session.Clear(ctx))

	total, err := session.Total(ctx)
	require.NoError(t, err)
	require.True(t, total.IsZero())
}

func TestClientDecodesOpaqueErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "user-1", WithHTTPClient(srv.Client()))
	_, err := client.Cart(context.Background())
	require.True(t, errs.IsCode(err, errs.CodeNetwork))
	require.True(t, strings.Contains(err.Error(), "504"))
}
