package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BradenHooton/leasegate/internal/auth"
	"github.com/BradenHooton/leasegate/internal/models"
	pkghttp "github.com/BradenHooton/leasegate/pkg/http"
)

// AccountHandler serves the signed-in account's security endpoints and the
// admin views of other accounts
type AccountHandler struct {
	logins   LoginServiceInterface
	accounts AccountServiceInterface
	ipConfig *pkghttp.IPConfig
}

func NewAccountHandler(logins LoginServiceInterface, accounts AccountServiceInterface, ipConfig *pkghttp.IPConfig) *AccountHandler {
	return &AccountHandler{
		logins:   logins,
		accounts: accounts,
		ipConfig: ipConfig,
	}
}

type ConfirmMFARequest struct {
	ChallengeID string `json:"challenge_id" validate:"required,max=64"`
	Code        string `json:"code" validate:"required,numeric,max=10"`
}

type DisableMFARequest struct {
	Password string `json:"password" validate:"required,max=1024"`
}

type MFAStatusResponse struct {
	MFAEnabled bool `json:"mfa_enabled"`
}

// GetMyRisk handles GET /accounts/me/risk
func (h *AccountHandler) GetMyRisk(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}
	h.writeSnapshot(w, r, claims.AccountID)
}

// GetAccountRisk handles GET /admin/accounts/{id}/risk
func (h *AccountHandler) GetAccountRisk(w http.ResponseWriter, r *http.Request) {
	h.writeSnapshot(w, r, chi.URLParam(r, "id"))
}

func (h *AccountHandler) writeSnapshot(w http.ResponseWriter, r *http.Request, accountID string) {
	snapshot, err := h.logins.GetAccountRiskSnapshot(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "account not found")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, snapshot)
}

// BeginEnableMFA handles POST /accounts/me/mfa/enable
func (h *AccountHandler) BeginEnableMFA(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	challenge, err := h.accounts.BeginEnableMFA(r.Context(), claims.AccountID,
		pkghttp.ExtractClientIP(r, h.ipConfig), pkghttp.UserAgent(r))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrConflict):
			pkghttp.WriteConflict(w, "two-step verification is already enabled")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "account not found")
		case errors.Is(err, models.ErrCodeExhausted):
			pkghttp.WriteAuthFailed(w, string(models.VerifyOutcomeExhausted))
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, ChallengeResponse{
		Message:   "A confirmation code has been sent.",
		Challenge: challenge,
	})
}

// ConfirmEnableMFA handles POST /accounts/me/mfa/confirm
func (h *AccountHandler) ConfirmEnableMFA(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req ConfirmMFARequest
	if !decodeRequest(w, r, &req) {
		return
	}

	outcome, err := h.accounts.ConfirmEnableMFA(r.Context(), claims.AccountID, req.ChallengeID, req.Code)
	if err != nil {
		if outcome != "" {
			pkghttp.WriteAuthFailed(w, string(outcome))
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, MFAStatusResponse{MFAEnabled: true})
}

// DisableMFA handles POST /accounts/me/mfa/disable
func (h *AccountHandler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req DisableMFARequest
	if !decodeRequest(w, r, &req) {
		return
	}

	err := h.accounts.DisableMFA(r.Context(), claims.AccountID, req.Password, pkghttp.ExtractClientIP(r, h.ipConfig))
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidCredentials):
			pkghttp.WriteAuthFailed(w, string(models.LoginOutcomeInvalid))
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "account not found")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, MFAStatusResponse{MFAEnabled: false})
}

// AcknowledgeAlert handles POST /accounts/me/alerts/{id}/ack
func (h *AccountHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	if err := h.accounts.AcknowledgeAlert(r.Context(), claims.AccountID, chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "alert not found")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Deactivate handles POST /admin/accounts/{id}/deactivate
func (h *AccountHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	id := chi.URLParam(r, "id")
	if id == claims.AccountID {
		pkghttp.WriteBadRequest(w, "cannot deactivate your own account")
		return
	}

	if err := h.accounts.Deactivate(r.Context(), id, claims.AccountID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "account not found")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
