package service

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/stellar-reserve-sponsor/internal/httputil"
)

// ErrorKind classifies a service failure. Each kind maps to one HTTP status.
type ErrorKind int

const (
	ErrBadRequest ErrorKind = iota
	ErrNotFound
	ErrForbidden
	ErrInternal
	ErrUnavailable
	ErrBadGateway
	ErrRateLimited
	ErrConflict
)

var kindStatus = map[ErrorKind]int{
	ErrBadRequest:  http.StatusBadRequest,
	ErrNotFound:    http.StatusNotFound,
	ErrForbidden:   http.StatusForbidden,
	ErrInternal:    http.StatusInternalServerError,
	ErrUnavailable: http.StatusServiceUnavailable,
	ErrBadGateway:  http.StatusBadGateway,
	ErrRateLimited: http.StatusTooManyRequests,
	ErrConflict:    http.StatusConflict,
}

// HTTPStatus returns the response status for k, 500 for unknown kinds.
func (k ErrorKind) HTTPStatus() int {
	if status, ok := kindStatus[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Error is what service methods return for failures a caller should see.
// Code is stable and machine-readable; Message is safe to show to clients.
type Error struct {
	Kind       ErrorKind
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func NewBadRequest(code, message string) *Error  { return newError(ErrBadRequest, code, message) }
func NewNotFound(code, message string) *Error    { return newError(ErrNotFound, code, message) }
func NewForbidden(code, message string) *Error   { return newError(ErrForbidden, code, message) }
func NewInternal(code, message string) *Error    { return newError(ErrInternal, code, message) }
func NewUnavailable(code, message string) *Error { return newError(ErrUnavailable, code, message) }
func NewBadGateway(code, message string) *Error  { return newError(ErrBadGateway, code, message) }
func NewConflict(code, message string) *Error    { return newError(ErrConflict, code, message) }

func NewRateLimited(message string, retryAfter time.Duration) *Error {
	e := newError(ErrRateLimited, "rate_limited", message)
	e.RetryAfter = retryAfter
	return e
}

var errAPIKeyNotFound = NewNotFound("not_found", "API key not found")

// RespondError writes err as a JSON error body. Anything that is not an
// *Error is reported as a generic 500 so internals never reach the client.
func RespondError(w http.ResponseWriter, err error) {
	var svcErr *Error
	if !errors.As(err, &svcErr) {
		httputil.RespondError(w, http.StatusInternalServerError, CodeInternal, "An unexpected error occurred")
		return
	}
	if svcErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(svcErr.RetryAfter.Seconds()))))
	}
	httputil.RespondError(w, svcErr.Kind.HTTPStatus(), svcErr.Code, svcErr.Message)
}
