// Package server exposes the HTTP surface of the inventory and cart engine:
// the product catalogue, the authenticated cart endpoints and the websocket
// push endpoint. Every committed stock change is published to the broadcast
// hub before the response is written.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/shopstream/config"
	"github.com/coachpo/shopstream/errs"
	"github.com/coachpo/shopstream/internal/cart"
	"github.com/coachpo/shopstream/internal/hub"
	"github.com/coachpo/shopstream/internal/ledger"
	"github.com/coachpo/shopstream/internal/observability"
	"github.com/coachpo/shopstream/internal/schema"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	productsPath        = "/products"
	productDetailPrefix = productsPath + "/"

	cartPath           = "/cart"
	cartItemsPath      = "/cart/items"
	cartItemPrefix     = cartItemsPath + "/"
	wsPath             = "/ws"
	healthPath         = "/healthz"
	userIDHeader       = "X-User-ID"
	eventSourceCart    = "cart"
	eventSourceRestock = "restock"
)

// CartStore is the persistence surface behind the authenticated cart
// endpoints. Implemented by postgres.CartStore.
type CartStore interface {
	Items(ctx context.Context, userID string) ([]schema.CartItem, error)
	AddItem(ctx context.Context, userID string, productID, quantity int64, color, size string) (schema.CartItem, schema.StockChange, error)
	UpdateItem(ctx context.Context, userID, itemID string, quantity int64) (schema.StockChange, error)
	RemoveItem(ctx context.Context, userID, itemID string) (schema.StockChange, error)
	Clear(ctx context.Context, userID string) ([]schema.StockChange, error)
}

type handlerFunc func(http.ResponseWriter, *http.Request)

// Server handles the catalogue, cart and push endpoints.
type Server struct {
	ledger ledger.Ledger
	carts  CartStore
	hub    hub.Hub
	push   config.PushConfig
	now    func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithClock overrides the event timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New constructs a Server over the given ledger, cart store and hub.
func New(ldg ledger.Ledger, carts CartStore, bus hub.Hub, push config.PushConfig, opts ...Option) *Server {
	s := &Server{
		ledger: ldg,
		carts:  carts,
		hub:    bus,
		push:   push,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle(productsPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.listProducts,
	}))
	mux.Handle(productDetailPrefix, http.HandlerFunc(s.handleProduct))

	mux.Handle(cartPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    s.getCart,
		http.MethodDelete: s.clearCart,
	}))
	mux.Handle(cartItemsPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodPost: s.addCartItem,
	}))
	mux.Handle(cartItemPrefix, http.HandlerFunc(s.handleCartItem))

	mux.Handle(wsPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: s.handleWS,
	}))
	mux.Handle(healthPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet: func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		},
	}))

	return withCORS(mux)
}

func (s *Server) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.ledger.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if products == nil {
		products = []schema.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

// handleProduct routes /products/{id} and /products/{id}/restock.
func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, productDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, errs.CodeNotFound, "product id required")
		return
	}

	idPart, action, hasAction := strings.Cut(rest, "/")
	productID, err := strconv.ParseInt(strings.TrimSpace(idPart), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, errs.CodeNotFound, "product not found")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		product, err := s.ledger.Product(r.Context(), productID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, product)
		return
	}

	switch strings.TrimSpace(action) {
	case "restock":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.restockProduct(w, r, productID)
	default:
		writeError(w, http.StatusNotFound, errs.CodeNotFound, "unsupported action")
	}
}

type restockPayload struct {
	Quantity int64 `json:"quantity"`
}

func (s *Server) restockProduct(w http.ResponseWriter, r *http.Request, productID int64) {
	limitRequestBody(w, r)
	var payload restockPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}

	record, err := s.ledger.Restock(r.Context(), productID, payload.Quantity)
	if err != nil {
		writeErr(w, err)
		return
	}
	product, err := s.ledger.Product(r.Context(), productID)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.publishChange(r.Context(), schema.StockChange{
		Record:      record,
		ProductName: product.Name,
		Delta:       payload.Quantity,
	}, eventSourceRestock)
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.principal(w, r)
	if !ok {
		return
	}
	items, err := s.carts.Items(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cartResponse(items))
}

func (s *Server) addCartItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.principal(w, r)
	if !ok {
		return
	}
	limitRequestBody(w, r)
	var payload cart.AddItemRequest
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}

	item, change, err := s.carts.AddItem(r.Context(), userID, payload.ProductID, payload.Quantity, payload.SelectedColor, payload.SelectedSize)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.publishChange(r.Context(), change, eventSourceCart)
	writeJSON(w, http.StatusCreated, item)
}

// handleCartItem routes /cart/items/{id}.
func (s *Server) handleCartItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.principal(w, r)
	if !ok {
		return
	}
	itemID := strings.Trim(strings.TrimPrefix(r.URL.Path, cartItemPrefix), "/")
	if itemID == "" {
		writeError(w, http.StatusNotFound, errs.CodeNotFound, "cart item id required")
		return
	}

	switch r.Method {
	case http.MethodPut:
		limitRequestBody(w, r)
		var payload cart.UpdateItemRequest
		if err := decodeBody(r, &payload); err != nil {
			writeDecodeError(w, err)
			return
		}
		change, err := s.carts.UpdateItem(r.Context(), userID, itemID, payload.Quantity)
		if err != nil {
			writeErr(w, err)
			return
		}
		s.publishChange(r.Context(), change, eventSourceCart)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		change, err := s.carts.RemoveItem(r.Context(), userID, itemID)
		if err != nil {
			writeErr(w, err)
			return
		}
		s.publishChange(r.Context(), change, eventSourceCart)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodDelete, http.MethodPut)
	}
}

func (s *Server) clearCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.principal(w, r)
	if !ok {
		return
	}
	changes, err := s.carts.Clear(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	for _, change := range changes {
		s.publishChange(r.Context(), change, eventSourceCart)
	}
	w.WriteHeader(http.StatusNoContent)
}

// publishChange fans one ledger mutation out to every open session channel.
// A publish failure never fails the committed mutation; it is logged and the
// next event carries the fresher quantity anyway.
func (s *Server) publishChange(ctx context.Context, change schema.StockChange, source string) {
	if s.hub == nil {
		return
	}
	evt := schema.StockChangedEvent{
		EventID:     uuid.NewString(),
		Type:        schema.EventTypeStockUpdate,
		ProductID:   change.Record.ProductID,
		NewQuantity: change.Record.Quantity,
		ProductName: change.ProductName,
		Delta:       change.Delta,
		Source:      source,
		Version:     change.Record.Version,
		OccurredAt:  s.now().UTC(),
	}
	if err := s.hub.Publish(ctx, evt); err != nil {
		observability.Log().Error("server: publish stock event failed",
			observability.F("product_id", change.Record.ProductID),
			observability.F("error", err))
	}
}

func (s *Server) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, errs.CodeInvalid, "user identity required")
		return "", false
	}
	return userID, true
}

func cartResponse(items []schema.CartItem) cart.CartResponse {
	if items == nil {
		items = []schema.CartItem{}
	}
	resp := cart.CartResponse{Items: items}
	for i := range items {
		resp.ItemCount += items[i].Quantity
		resp.Total = resp.Total.Add(items[i].LineTotal())
	}
	return resp
}

func decodeBody(r *http.Request, out any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, errs.CodeInvalid, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, errs.CodeInvalid, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, errs.CodeInvalid, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeErr maps a structured error to the wire envelope, keeping the
// distinguishable code intact for clients.
func writeErr(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	if code == "" {
		code = errs.CodeUnavailable
	}
	message := err.Error()
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		message = e.Message
	}
	writeError(w, errs.HTTPStatus(err), code, message)
}

func writeError(w http.ResponseWriter, status int, code errs.Code, message string) {
	writeJSON(w, status, cart.ErrorResponse{Error: cart.ErrorBody{Code: string(code), Message: message}})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
