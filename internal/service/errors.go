package service

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy shared by all services. Handlers map these onto HTTP
// statuses; nothing below the handler layer knows about HTTP.
var (
	ErrValidation          = errors.New("invalid input")
	ErrDuplicateIdentifier = errors.New("identifier already registered")
	ErrNotFound            = errors.New("record not found")
	ErrExpired             = errors.New("challenge expired")
	ErrAttemptsExhausted   = errors.New("challenge attempts exhausted")
	ErrCooldownActive      = errors.New("issue cooldown active")
	ErrLocked              = errors.New("account locked")
	ErrMismatch            = errors.New("verification failed")
	ErrTokenInvalid        = errors.New("token invalid")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrTokenReplay         = errors.New("refresh token replay detected")
	ErrTokenExpired        = errors.New("token expired")
	ErrWeakPassword        = errors.New("password does not meet policy")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrUnavailable         = errors.New("storage unavailable")
)

// ErrInvalidCredentials is the single error returned for every failed login
// regardless of whether the identifier resolved, the password mismatched or
// the account is inactive. Callers must not be able to distinguish those.
var ErrInvalidCredentials = errors.New("invalid credentials")

// RetryAfterError wraps a timed refusal with the wait remaining, so the
// transport layer can advertise an accurate Retry-After. Unwrap keeps
// errors.Is matching on the underlying kind.
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%s: retry in %s", e.Err, e.After.Round(time.Second))
}

func (e *RetryAfterError) Unwrap() error { return e.Err }
