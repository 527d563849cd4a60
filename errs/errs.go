// Package errs provides structured error types and helpers for shopstream services.
package errs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Code identifies an error category surfaced by the inventory and cart engine.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeInsufficientStock indicates the requested quantity exceeds available inventory.
	CodeInsufficientStock Code = "insufficient_stock"
	// CodeVariantRequired indicates a required variant selection (color/size) is missing.
	CodeVariantRequired Code = "variant_required"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeParse indicates a malformed payload that was contained rather than propagated.
	CodeParse Code = "parse"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the shopstream stack.
type E struct {
	Op        string
	Code      Code
	HTTP      int
	Message   string
	ProductID int64

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:        strings.TrimSpace(op),
		Code:      code,
		HTTP:      0,
		Message:   "",
		ProductID: 0,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithProduct records the product the error relates to.
func WithProduct(productID int64) Option {
	return func(e *E) {
		e.ProductID = productID
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.ProductID != 0 {
		parts = append(parts, "product="+strconv.FormatInt(e.ProductID, 10))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, or empty when err carries no envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error to the HTTP status the API layer should respond with.
func HTTPStatus(err error) int {
	var e *E
	if !errors.As(err, &e) || e == nil {
		return http.StatusInternalServerError
	}
	if e.HTTP > 0 {
		return e.HTTP
	}
	switch e.Code {
	case CodeInvalid, CodeVariantRequired:
		return http.StatusBadRequest
	case CodeInsufficientStock, CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// InsufficientStock returns a standardized rejection for an over-committed quantity.
func InsufficientStock(op string, productID, available, requested int64) *E {
	return New(op, CodeInsufficientStock,
		WithProduct(productID),
		WithMessage("requested "+strconv.FormatInt(requested, 10)+" but only "+strconv.FormatInt(available, 10)+" in stock"))
}

// VariantRequired returns a standardized rejection for a missing variant selection.
func VariantRequired(op, variant string, productID int64) *E {
	return New(op, CodeVariantRequired,
		WithProduct(productID),
		WithMessage("please select a "+strings.TrimSpace(variant)))
}
