package service

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	t.Run("service error keeps kind and code", func(t *testing.T) {
		rr := httptest.NewRecorder()
		RespondError(rr, fmt.Errorf("wrapped: %w", NewConflict(CodeInvalidStatus, "API key is revoked")))

		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.JSONEq(t, `{"error":"invalid_status","message":"API key is revoked"}`, rr.Body.String())
	})

	t.Run("rate limited rounds retry-after up", func(t *testing.T) {
		rr := httptest.NewRecorder()
		RespondError(rr, NewRateLimited("slow down", 1500*time.Millisecond))

		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Equal(t, "2", rr.Header().Get("Retry-After"))
	})

	t.Run("plain errors are hidden", func(t *testing.T) {
		rr := httptest.NewRecorder()
		RespondError(rr, errors.New("pq: connection refused"))

		require.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "connection refused")
	})
}

func TestErrorKindHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, ErrBadGateway.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, ErrUnavailable.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, ErrorKind(99).HTTPStatus())
}
