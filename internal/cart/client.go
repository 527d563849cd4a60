package cart

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/shopstream/errs"
	"github.com/coachpo/shopstream/internal/schema"
)

// AddItemRequest is the wire shape for POST /cart/items.
type AddItemRequest struct {
	ProductID     int64  `json:"productId"`
	Quantity      int64  `json:"quantity"`
	SelectedColor string `json:"selectedColor,omitempty"`
	SelectedSize  string `json:"selectedSize,omitempty"`
}

// UpdateItemRequest is the wire shape for PUT /cart/items/{id}.
type UpdateItemRequest struct {
	Quantity int64 `json:"quantity"`
}

// CartResponse is the wire shape for GET /cart.
type CartResponse struct {
	Items     []schema.CartItem `json:"items"`
	ItemCount int64             `json:"itemCount"`
	Total     decimal.Decimal   `json:"total"`
}

// ErrorResponse is the error envelope every cart endpoint responds with.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the distinguishable error code and message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// API is the transport surface the authenticated session commits through.
// Implemented by Client; faked in tests.
type API interface {
	Cart(ctx context.Context) (CartResponse, error)
	AddItem(ctx context.Context, req AddItemRequest) (schema.CartItem, error)
	UpdateItem(ctx context.Context, itemID string, quantity int64) error
	RemoveItem(ctx context.Context, itemID string) error
	Clear(ctx context.Context) error
}

// Client talks to the cart endpoints on behalf of one authenticated user.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient constructs a cart API client scoped to the given user.
func NewClient(baseURL, userID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		userID:  userID,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Cart fetches the server's current view of the cart.
func (c *Client) Cart(ctx context.Context) (CartResponse, error) {
	var out CartResponse
	if err := c.do(ctx, http.MethodGet, "/cart", nil, &out); err != nil {
		return CartResponse{}, err
	}
	return out, nil
}

// AddItem commits an add mutation; the server merges variants and performs the
// atomic stock decrement.
func (c *Client) AddItem(ctx context.Context, req AddItemRequest) (schema.CartItem, error) {
	var out schema.CartItem
	if err := c.do(ctx, http.MethodPost, "/cart/items", req, &out); err != nil {
		return schema.CartItem{}, err
	}
	return out, nil
}

// UpdateItem sets a row's absolute quantity.
func (c *Client) UpdateItem(ctx context.Context, itemID string, quantity int64) error {
	return c.do(ctx, http.MethodPut, "/cart/items/"+itemID, UpdateItemRequest{Quantity: quantity}, nil)
}

// RemoveItem deletes a row.
func (c *Client) RemoveItem(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodDelete, "/cart/items/"+itemID, nil, nil)
}

// Clear empties the cart.
func (c *Client) Clear(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/cart", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	op := "cart/client " + method + " " + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("X-User-ID", c.userID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(op, errs.CodeNetwork, errs.WithMessage("cart service unreachable"), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.New(op, errs.CodeNetwork, errs.WithCause(err))
	}

	if resp.StatusCode >= 400 {
		return decodeError(op, resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errs.New(op, errs.CodeParse, errs.WithCause(err))
	}
	return nil
}

// decodeError maps the server's error envelope back onto a structured error,
// preserving the distinguishable insufficient-stock rejection.
func decodeError(op string, status int, payload []byte) error {
	var envelope ErrorResponse
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error.Code != "" {
		return errs.New(op, errs.Code(envelope.Error.Code),
			errs.WithHTTP(status),
			errs.WithMessage(envelope.Error.Message))
	}
	return errs.New(op, errs.CodeNetwork,
		errs.WithHTTP(status),
		errs.WithMessage(fmt.Sprintf("unexpected status %d", status)))
}
