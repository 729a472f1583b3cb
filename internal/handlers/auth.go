package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/BradenHooton/leasegate/internal/auth"
	"github.com/BradenHooton/leasegate/internal/models"
	"github.com/BradenHooton/leasegate/internal/services"
	pkgauth "github.com/BradenHooton/leasegate/pkg/auth"
	pkghttp "github.com/BradenHooton/leasegate/pkg/http"
)

// LoginServiceInterface defines the login decision operations
type LoginServiceInterface interface {
	AttemptLogin(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	VerifyOneTimeCode(ctx context.Context, req services.VerifyCodeRequest) (*services.VerifyResult, error)
	ResendCode(ctx context.Context, challengeID string) (*services.Challenge, error)
	Logout(ctx context.Context, accessToken string) error
	GetAccountRiskSnapshot(ctx context.Context, accountID string) (*services.RiskSnapshot, error)
}

// AccountServiceInterface defines account lifecycle operations
type AccountServiceInterface interface {
	Register(ctx context.Context, req services.RegisterRequest) (*models.Account, error)
	RequestPasswordReset(ctx context.Context, req services.PasswordResetRequest) (*services.Challenge, error)
	ResetPassword(ctx context.Context, req services.ResetPasswordRequest) (models.VerifyOutcome, error)
	BeginEnableMFA(ctx context.Context, accountID, ipAddress, userAgent string) (*services.Challenge, error)
	ConfirmEnableMFA(ctx context.Context, accountID, challengeID, code string) (models.VerifyOutcome, error)
	DisableMFA(ctx context.Context, accountID, password, ipAddress string) error
	AcknowledgeAlert(ctx context.Context, accountID, alertID string) error
	Deactivate(ctx context.Context, accountID, actorID string) error
}

// AuthHandler handles the unauthenticated login and recovery endpoints
type AuthHandler struct {
	logins   LoginServiceInterface
	accounts AccountServiceInterface
	ipConfig *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(logins LoginServiceInterface, accounts AccountServiceInterface, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		logins:   logins,
		accounts: accounts,
		ipConfig: ipConfig,
	}
}

// Request DTOs

// LoginRequest represents the request body for login. Empty fields are left
// to the login service so they are answered like any other bad credential.
type LoginRequest struct {
	Email    string `json:"email" validate:"max=254"`
	Password string `json:"password" validate:"max=1024"`
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
	Name     string `json:"name" validate:"required,min=1,max=255"`
}

type VerifyCodeRequest struct {
	ChallengeID string `json:"challenge_id" validate:"required,max=64"`
	Code        string `json:"code" validate:"required,numeric,max=10"`
}

type ResendCodeRequest struct {
	ChallengeID string `json:"challenge_id" validate:"required,max=64"`
}

type PasswordResetRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type PasswordResetConfirmRequest struct {
	ChallengeID string `json:"challenge_id" validate:"required,max=64"`
	Code        string `json:"code" validate:"required,numeric,max=10"`
	NewPassword string `json:"new_password" validate:"required,max=1024"`
}

// Response DTOs

// LoginResponse carries a session on SUCCESS and a challenge on MFA_REQUIRED
type LoginResponse struct {
	Outcome   string              `json:"outcome"`
	Session   *models.Session     `json:"session,omitempty"`
	Challenge *services.Challenge `json:"challenge,omitempty"`
}

type ChallengeResponse struct {
	Message   string              `json:"message"`
	Challenge *services.Challenge `json:"challenge"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

const registrationMessage = "Registration received. If the email is not already registered, the account is ready to sign in."

// Login handles POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.logins.AttemptLogin(r.Context(), services.LoginRequest{
		Identifier: req.Email,
		Credential: req.Password,
		IPAddress:  pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent:  pkghttp.UserAgent(r),
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrAccountLocked):
			pkghttp.WriteAuthFailed(w, string(models.LoginOutcomeLocked))
		case errors.Is(err, models.ErrInvalidCredentials):
			pkghttp.WriteAuthFailed(w, string(models.LoginOutcomeInvalid))
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		Outcome:   string(result.Outcome),
		Session:   result.Session,
		Challenge: result.Challenge,
	})
}

// VerifyCode handles POST /auth/mfa/verify
func (h *AuthHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	var req VerifyCodeRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	result, err := h.logins.VerifyOneTimeCode(r.Context(), services.VerifyCodeRequest{
		ChallengeID: req.ChallengeID,
		Code:        req.Code,
	})
	if err != nil {
		if result != nil {
			pkghttp.WriteAuthFailed(w, string(result.Outcome))
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, LoginResponse{
		Outcome: string(result.Outcome),
		Session: result.Session,
	})
}

// ResendCode handles POST /auth/mfa/resend
func (h *AuthHandler) ResendCode(w http.ResponseWriter, r *http.Request) {
	var req ResendCodeRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	challenge, err := h.logins.ResendCode(r.Context(), req.ChallengeID)
	if err != nil {
		if outcome, ok := codeOutcome(err); ok {
			pkghttp.WriteAuthFailed(w, string(outcome))
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, ChallengeResponse{
		Message:   "A new verification code has been sent.",
		Challenge: challenge,
	})
}

// Register handles POST /auth/register. New and already-registered emails get
// the same response.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	_, err := h.accounts.Register(r.Context(), services.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil && !errors.Is(err, models.ErrConflict) {
		var pve *pkgauth.PasswordValidationError
		if errors.As(err, &pve) {
			pkghttp.WriteErrorWithDetails(w, http.StatusBadRequest, "bad_request",
				"Password does not meet requirements", strings.Join(pve.Errors, "; "))
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, MessageResponse{Message: registrationMessage})
}

// RequestPasswordReset handles POST /auth/password-reset/request
func (h *AuthHandler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	challenge, err := h.accounts.RequestPasswordReset(r.Context(), services.PasswordResetRequest{
		Email:     req.Email,
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: pkghttp.UserAgent(r),
	})
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, ChallengeResponse{
		Message:   "If the email belongs to an account, a reset code has been sent.",
		Challenge: challenge,
	})
}

// ConfirmPasswordReset handles POST /auth/password-reset/confirm
func (h *AuthHandler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req PasswordResetConfirmRequest
	if !decodeRequest(w, r, &req) {
		return
	}

	outcome, err := h.accounts.ResetPassword(r.Context(), services.ResetPasswordRequest{
		ChallengeID: req.ChallengeID,
		Code:        req.Code,
		NewPassword: req.NewPassword,
	})
	if err != nil {
		var pve *pkgauth.PasswordValidationError
		switch {
		case errors.As(err, &pve):
			pkghttp.WriteErrorWithDetails(w, http.StatusBadRequest, "bad_request",
				"Password does not meet requirements", strings.Join(pve.Errors, "; "))
		case outcome != "":
			pkghttp.WriteAuthFailed(w, string(outcome))
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, MessageResponse{Message: "Password updated."})
}

// Logout handles POST /auth/logout. Must be mounted behind AuthMiddleware.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r)
	if token == "" {
		pkghttp.WriteUnauthorized(w, "missing bearer token")
		return
	}

	if err := h.logins.Logout(r.Context(), token); err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			pkghttp.WriteUnauthorized(w, "invalid or expired token")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// codeOutcome maps a code or lockout rejection to the verdict shown to the client
func codeOutcome(err error) (models.VerifyOutcome, bool) {
	switch {
	case errors.Is(err, models.ErrCodeExpired):
		return models.VerifyOutcomeExpired, true
	case errors.Is(err, models.ErrCodeExhausted):
		return models.VerifyOutcomeExhausted, true
	case errors.Is(err, models.ErrAccountLocked):
		return models.VerifyOutcomeLocked, true
	case errors.Is(err, models.ErrCodeInvalid):
		return models.VerifyOutcomeInvalid, true
	}
	return "", false
}
