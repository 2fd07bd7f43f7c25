package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"erp-auth-service/internal/service"
)

func TestGetStatusCode(t *testing.T) {
	h := NewAuthHandler(nil, nil, zap.NewNop())

	tests := []struct {
		err  error
		want int
	}{
		{service.ErrInvalidCredentials, http.StatusUnauthorized},
		{service.ErrTokenInvalid, http.StatusUnauthorized},
		{service.ErrTokenExpired, http.StatusUnauthorized},
		{service.ErrTokenRevoked, http.StatusUnauthorized},
		{service.ErrMismatch, http.StatusUnauthorized},
		{service.ErrLocked, http.StatusForbidden},
		{service.ErrPermissionDenied, http.StatusForbidden},
		{service.ErrNotFound, http.StatusNotFound},
		{service.ErrExpired, http.StatusNotFound},
		{service.ErrDuplicateIdentifier, http.StatusConflict},
		{service.ErrCooldownActive, http.StatusTooManyRequests},
		{service.ErrAttemptsExhausted, http.StatusTooManyRequests},
		{service.ErrValidation, http.StatusBadRequest},
		{service.ErrWeakPassword, http.StatusBadRequest},
		{service.ErrUnavailable, http.StatusServiceUnavailable},
		{errors.New("something else"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, h.getStatusCode(tt.err), "error %v", tt.err)
	}

	// Wrapped errors map the same way.
	wrapped := fmt.Errorf("retry in 42s: %w", service.ErrCooldownActive)
	assert.Equal(t, http.StatusTooManyRequests, h.getStatusCode(wrapped))
}

func TestWriteRetryAfter(t *testing.T) {
	h := NewAuthHandler(nil, nil, zap.NewNop())

	// The header carries the actual wait, not a placeholder.
	rec := httptest.NewRecorder()
	h.writeRetryAfter(rec, &service.RetryAfterError{Err: service.ErrCooldownActive, After: 45 * time.Second})
	assert.Equal(t, "45", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	h.writeRetryAfter(rec, &service.RetryAfterError{Err: service.ErrLocked, After: 15 * time.Minute})
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))

	// Fractional waits round up so clients never retry early.
	rec = httptest.NewRecorder()
	h.writeRetryAfter(rec, &service.RetryAfterError{Err: service.ErrLocked, After: 1500 * time.Millisecond})
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	h.writeRetryAfter(rec, service.ErrInvalidCredentials)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestRequestMetaStripsPort(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	r.RemoteAddr = "203.0.113.7:54321"
	r.Header.Set("User-Agent", "test-agent")

	meta := requestMeta(r)
	assert.Equal(t, "203.0.113.7", meta.SourceIP)
	assert.Equal(t, "test-agent", meta.UserAgent)
}

func TestRouterHealthAndNotFound(t *testing.T) {
	h := NewAuthHandler(nil, nil, zap.NewNop())
	router := NewRouter(h, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/no/such/route", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}

func TestRequireAuthRejectsMissingBearer(t *testing.T) {
	mw := RequireAuth(nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a bearer token")
	})

	rec := httptest.NewRecorder()
	mw(next).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/password/change", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/auth/password/change", nil)
	r.Header.Set("Authorization", "Basic abc123")
	mw(next).ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
