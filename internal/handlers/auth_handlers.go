package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/qcom/authcore/internal/middleware"
	"github.com/qcom/authcore/internal/models"
	"github.com/qcom/authcore/internal/service"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

type UserReader interface {
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

type AuthHandlers struct {
	authService         *service.AuthService
	verificationService *service.VerificationService
	users               UserReader
	logger              *logrus.Logger
}

func NewAuthHandlers(
	authService *service.AuthService,
	verificationService *service.VerificationService,
	users UserReader,
	logger *logrus.Logger,
) *AuthHandlers {
	return &AuthHandlers{
		authService:         authService,
		verificationService: verificationService,
		users:               users,
		logger:              logger,
	}
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Message  string `json:"message"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type RefreshTokenResponse struct {
	AccessToken string `json:"accessToken"`
}

type VerifyCodeRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type ResendVerificationRequest struct {
	Email string `json:"email"`
}

type PasswordResetRequest struct {
	Email string `json:"email"`
}

type ResetPasswordRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type UserResponse struct {
	ID        string      `json:"id"`
	Username  string      `json:"username"`
	Email     string      `json:"email"`
	Role      models.Role `json:"role"`
	Enabled   bool        `json:"enabled"`
	Verified  bool        `json:"verified"`
	LastLogin *time.Time  `json:"lastLogin,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.authService.Register(r.Context(), service.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		h.respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	case errors.Is(err, service.ErrUserExists):
		h.respondWithError(w, http.StatusConflict, "USER_EXISTS", "Email or username already registered")
		return
	case err != nil:
		h.logger.WithError(err).Error("Failed to register user")
		h.respondWithError(w, http.StatusInternalServerError, "REGISTRATION_FAILED", "Failed to register user")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, RegisterResponse{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		Message:  "Registration successful. Check your email to verify your account.",
	})
}

func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	pair, err := h.authService.Login(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, service.ErrCredentialMismatch):
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password")
		return
	case errors.Is(err, service.ErrAccountNotVerified):
		message := "Account not verified. A new verification email has been sent."
		if errors.Is(err, service.ErrVerificationNotSent) {
			message = "Account not verified. Request a new verification email to continue."
		}
		h.respondWithError(w, http.StatusForbidden, "ACCOUNT_NOT_VERIFIED", message)
		return
	case err != nil:
		h.logger.WithError(err).Error("Login failed")
		h.respondWithError(w, http.StatusInternalServerError, "LOGIN_FAILED", "Login failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, pair)
}

func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Refresh token is required")
		return
	}

	accessToken, err := h.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if !errors.Is(err, service.ErrTokenInvalid) && !errors.Is(err, service.ErrSessionNotLive) {
			h.logger.WithError(err).Error("Failed to refresh access token")
		}
		h.respondWithError(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired refresh token")
		return
	}

	h.respondWithJSON(w, http.StatusOK, RefreshTokenResponse{AccessToken: accessToken})
}

func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}

	if err := h.authService.Logout(r.Context(), principal.Subject); err != nil {
		h.logger.WithError(err).Error("Failed to log out")
		h.respondWithError(w, http.StatusInternalServerError, "LOGOUT_FAILED", "Failed to log out")
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Logged out successfully"})
}

// Verify redeems the code carried by the emailed link.
func (h *AuthHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("token")
	if !h.verificationService.Consume(r.Context(), code) {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_CODE", service.ErrVerificationCodeInvalid.Error())
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Account verified successfully"})
}

func (h *AuthHandlers) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req VerifyCodeRequest
	if !h.decode(w, r, &req) {
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !h.verificationService.ConsumeForEmail(r.Context(), email, strings.TrimSpace(req.Code)) {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_CODE", service.ErrVerificationCodeInvalid.Error())
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Account verified successfully"})
}

func (h *AuthHandlers) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var req ResendVerificationRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.users.GetByEmail(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		h.logger.WithError(err).Error("Failed to look up user for resend")
		h.respondWithError(w, http.StatusInternalServerError, "RESEND_FAILED", "Failed to send verification email")
		return
	}
	if user == nil {
		h.respondWithError(w, http.StatusBadRequest, "RESEND_REJECTED", "User not found or already verified")
		return
	}

	switch err := h.verificationService.Resend(r.Context(), user); {
	case errors.Is(err, service.ErrAlreadyVerified):
		h.respondWithError(w, http.StatusBadRequest, "RESEND_REJECTED", "User not found or already verified")
	case err != nil:
		h.respondWithError(w, http.StatusInternalServerError, "RESEND_FAILED", "Failed to send verification email")
	default:
		h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "A new verification email has been sent"})
	}
}

// RequestPasswordReset answers the same way whether or not the address is
// registered.
func (h *AuthHandlers) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetRequest
	if !h.decode(w, r, &req) {
		return
	}

	err := h.verificationService.RequestPasswordReset(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil && !errors.Is(err, service.ErrMailDispatch) {
		h.logger.WithError(err).Error("Failed to request password reset")
		h.respondWithError(w, http.StatusInternalServerError, "RESET_FAILED", "Failed to request password reset")
		return
	}

	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "If the email is registered, a password reset code has been sent"})
}

func (h *AuthHandlers) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if !h.decode(w, r, &req) {
		return
	}

	switch err := h.authService.ResetPassword(r.Context(), req.Email, req.Code, req.NewPassword); {
	case errors.Is(err, service.ErrInvalidInput):
		h.respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, service.ErrVerificationCodeInvalid):
		h.respondWithError(w, http.StatusBadRequest, "INVALID_CODE", "Invalid or expired code")
	case errors.Is(err, service.ErrPasswordReused):
		h.respondWithError(w, http.StatusForbidden, "PASSWORD_REUSED", "New password must differ from the current one")
	case err != nil:
		h.logger.WithError(err).Error("Failed to reset password")
		h.respondWithError(w, http.StatusInternalServerError, "RESET_FAILED", "Failed to reset password")
	default:
		h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "Password has been reset successfully"})
	}
}

func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	principal, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		h.respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
		return
	}

	user, err := h.users.GetByEmail(r.Context(), principal.Email)
	if err != nil {
		h.logger.WithError(err).Error("Failed to load current user")
		h.respondWithError(w, http.StatusInternalServerError, "USER_LOOKUP_FAILED", "Failed to load user")
		return
	}
	if user == nil {
		h.respondWithError(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found")
		return
	}

	h.respondWithJSON(w, http.StatusOK, UserResponse{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		Enabled:   user.Enabled,
		Verified:  user.Verified,
		LastLogin: user.LastLogin,
		CreatedAt: user.CreatedAt,
	})
}

func (h *AuthHandlers) AdminPing(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, MessageResponse{Message: "pong"})
}

func (h *AuthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *AuthHandlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.WithError(err).Debug("Failed to decode request body")
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
