package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"erp-auth-service/internal/service"
	"erp-auth-service/internal/util"
)

// AuthHandler exposes the authentication flows over HTTP. Error bodies are
// deliberately flat: login failures and unknown identifiers produce the
// same message no matter what actually went wrong.
type AuthHandler struct {
	authService  *service.AuthService
	tokenService *service.TokenService
	logger       *zap.Logger
}

func NewAuthHandler(authService *service.AuthService, tokenService *service.TokenService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		authService:  authService,
		tokenService: tokenService,
		logger:       logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all authentication routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/register/initiate", h.RegisterInitiate)
		r.Post("/register/verify-otp", h.RegisterVerifyOTP)
		r.Post("/otp/resend", h.ResendOTP)

		r.Post("/login", h.Login)
		r.Post("/login/verify-otp", h.LoginVerifyOTP)

		r.Post("/token/refresh", h.Refresh)
		r.Post("/logout", h.Logout)

		r.Post("/password/forgot", h.ForgotPassword)
		r.Post("/password/reset", h.ResetPassword)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(h.tokenService))
			r.Post("/password/change", h.ChangePassword)
		})
	})
}

func requestMeta(r *http.Request) service.RequestMeta {
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx > 0 {
		ip = ip[:idx]
	}
	return service.RequestMeta{
		SourceIP:  ip,
		UserAgent: r.UserAgent(),
	}
}

// RegisterInitiate starts a registration and returns a verification handle
// per required channel.
func (h *AuthHandler) RegisterInitiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req service.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.authService.RegisterInitiate(ctx, req, requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Registration failed")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(result, "Verification codes sent"))
	h.logger.Info("Registration initiated via HTTP",
		util.String("account_id", result.AccountID),
		util.Duration("duration", time.Since(startTime)),
	)
}

type verifyOTPRequest struct {
	Handle string `json:"handle"`
	Code   string `json:"code"`
}

// RegisterVerifyOTP redeems a registration code for one channel.
func (h *AuthHandler) RegisterVerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	activated, err := h.authService.RegisterVerifyOTP(ctx, req.Handle, req.Code, requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}

	message := "Channel verified"
	if activated {
		message = "Account activated"
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"activated": activated}, message))
}

type resendOTPRequest struct {
	Handle string `json:"handle"`
}

// ResendOTP reissues the challenge behind a handle, subject to cooldown.
func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req resendOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.authService.ResendOTP(ctx, req.Handle, requestMeta(r)); err != nil {
		h.writeRetryAfter(w, err)
		h.respondWithError(w, h.getStatusCode(err), err, "Could not resend code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Code sent"))
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Login authenticates a password, answering with tokens or a second-factor
// challenge handle.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.authService.Login(ctx, req.Identifier, req.Password, requestMeta(r))
	if err != nil {
		h.writeRetryAfter(w, err)
		h.respondWithError(w, h.getStatusCode(err), err, "Login failed")
		return
	}

	message := "Login successful"
	if result.TwoFactorRequired {
		message = "Second factor required"
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(result, message))
	h.logger.Info("Login handled via HTTP",
		util.Bool("two_factor", result.TwoFactorRequired),
		util.Duration("duration", time.Since(startTime)),
	)
}

// LoginVerifyOTP completes a login that needed a second factor.
func (h *AuthHandler) LoginVerifyOTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req verifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.authService.LoginVerifyOTP(ctx, req.Handle, req.Code, requestMeta(r))
	if err != nil {
		h.writeRetryAfter(w, err)
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Login successful"))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh rotates a refresh token for a new pair.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	tokens, err := h.authService.Refresh(ctx, req.RefreshToken, requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Refresh failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(tokens, "Tokens refreshed"))
}

// Logout revokes the presented refresh session. Always succeeds.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	h.authService.Logout(ctx, req.RefreshToken, requestMeta(r))
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

type forgotPasswordRequest struct {
	Identifier string `json:"identifier"`
}

// ForgotPassword starts a reset flow. The answer looks the same whether or
// not the identifier is registered.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req forgotPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	handle, err := h.authService.ForgotPassword(ctx, req.Identifier, requestMeta(r))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Could not start password reset")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"handle": handle},
		"If the identifier is registered, a code has been sent"))
}

type resetPasswordRequest struct {
	Handle      string `json:"handle"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

// ResetPassword redeems a reset code and installs the new password.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req resetPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.authService.ResetPassword(ctx, req.Handle, req.Code, req.NewPassword, requestMeta(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Password reset failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password changed"))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword is the authenticated password change. The account comes
// from the verified access token, not the body.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, service.ErrTokenInvalid, "Authentication required")
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.authService.ChangePassword(ctx, claims.Subject, req.CurrentPassword, req.NewPassword, requestMeta(r)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Password change failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password changed"))
}

// writeRetryAfter adds a Retry-After header carrying the actual wait left
// on a cooldown or lockout refusal.
func (h *AuthHandler) writeRetryAfter(w http.ResponseWriter, err error) {
	var retry *service.RetryAfterError
	if errors.As(err, &retry) && retry.After > 0 {
		seconds := int64((retry.After + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
}

func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AuthHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrTokenInvalid),
		errors.Is(err, service.ErrTokenExpired),
		errors.Is(err, service.ErrTokenRevoked):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrLocked):
		return http.StatusForbidden
	case errors.Is(err, service.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrExpired):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateIdentifier):
		return http.StatusConflict
	case errors.Is(err, service.ErrCooldownActive), errors.Is(err, service.ErrAttemptsExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrWeakPassword):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
