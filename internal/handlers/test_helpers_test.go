package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/BradenHooton/leasegate/internal/auth"
	"github.com/BradenHooton/leasegate/internal/models"
	"github.com/BradenHooton/leasegate/internal/services"
	pkghttp "github.com/BradenHooton/leasegate/pkg/http"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithAuthContext adds access token claims to the request context
func WithAuthContext(req *http.Request, accountID, email string) *http.Request {
	claims := &models.TokenClaims{
		Type:      models.TokenTypeAccess,
		AccountID: accountID,
		Email:     email,
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

// WithChiRouteContext sets chi URL parameters that the router would normally extract
func WithChiRouteContext(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	if target != nil {
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), target), "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response and returns it
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) pkghttp.ErrorResponse {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
	return resp
}

// MockLoginService implements LoginServiceInterface for testing
type MockLoginService struct {
	AttemptLoginFunc           func(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error)
	VerifyOneTimeCodeFunc      func(ctx context.Context, req services.VerifyCodeRequest) (*services.VerifyResult, error)
	ResendCodeFunc             func(ctx context.Context, challengeID string) (*services.Challenge, error)
	LogoutFunc                 func(ctx context.Context, accessToken string) error
	GetAccountRiskSnapshotFunc func(ctx context.Context, accountID string) (*services.RiskSnapshot, error)
}

func (m *MockLoginService) AttemptLogin(ctx context.Context, req services.LoginRequest) (*services.LoginResult, error) {
	if m.AttemptLoginFunc == nil {
		return &services.LoginResult{Outcome: models.LoginOutcomeInvalid}, models.ErrInvalidCredentials
	}
	return m.AttemptLoginFunc(ctx, req)
}

func (m *MockLoginService) VerifyOneTimeCode(ctx context.Context, req services.VerifyCodeRequest) (*services.VerifyResult, error) {
	if m.VerifyOneTimeCodeFunc == nil {
		return &services.VerifyResult{Outcome: models.VerifyOutcomeInvalid}, models.ErrCodeInvalid
	}
	return m.VerifyOneTimeCodeFunc(ctx, req)
}

func (m *MockLoginService) ResendCode(ctx context.Context, challengeID string) (*services.Challenge, error) {
	if m.ResendCodeFunc == nil {
		return nil, models.ErrCodeInvalid
	}
	return m.ResendCodeFunc(ctx, challengeID)
}

func (m *MockLoginService) Logout(ctx context.Context, accessToken string) error {
	if m.LogoutFunc == nil {
		return nil
	}
	return m.LogoutFunc(ctx, accessToken)
}

func (m *MockLoginService) GetAccountRiskSnapshot(ctx context.Context, accountID string) (*services.RiskSnapshot, error) {
	if m.GetAccountRiskSnapshotFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.GetAccountRiskSnapshotFunc(ctx, accountID)
}

// MockAccountService implements AccountServiceInterface for testing
type MockAccountService struct {
	RegisterFunc             func(ctx context.Context, req services.RegisterRequest) (*models.Account, error)
	RequestPasswordResetFunc func(ctx context.Context, req services.PasswordResetRequest) (*services.Challenge, error)
	ResetPasswordFunc        func(ctx context.Context, req services.ResetPasswordRequest) (models.VerifyOutcome, error)
	BeginEnableMFAFunc       func(ctx context.Context, accountID, ipAddress, userAgent string) (*services.Challenge, error)
	ConfirmEnableMFAFunc     func(ctx context.Context, accountID, challengeID, code string) (models.VerifyOutcome, error)
	DisableMFAFunc           func(ctx context.Context, accountID, password, ipAddress string) error
	AcknowledgeAlertFunc     func(ctx context.Context, accountID, alertID string) error
	DeactivateFunc           func(ctx context.Context, accountID, actorID string) error
}

func (m *MockAccountService) Register(ctx context.Context, req services.RegisterRequest) (*models.Account, error) {
	if m.RegisterFunc == nil {
		return nil, models.ErrConflict
	}
	return m.RegisterFunc(ctx, req)
}

func (m *MockAccountService) RequestPasswordReset(ctx context.Context, req services.PasswordResetRequest) (*services.Challenge, error) {
	if m.RequestPasswordResetFunc == nil {
		return &services.Challenge{ID: "decoy"}, nil
	}
	return m.RequestPasswordResetFunc(ctx, req)
}

func (m *MockAccountService) ResetPassword(ctx context.Context, req services.ResetPasswordRequest) (models.VerifyOutcome, error) {
	if m.ResetPasswordFunc == nil {
		return models.VerifyOutcomeInvalid, models.ErrCodeInvalid
	}
	return m.ResetPasswordFunc(ctx, req)
}

func (m *MockAccountService) BeginEnableMFA(ctx context.Context, accountID, ipAddress, userAgent string) (*services.Challenge, error) {
	if m.BeginEnableMFAFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.BeginEnableMFAFunc(ctx, accountID, ipAddress, userAgent)
}

func (m *MockAccountService) ConfirmEnableMFA(ctx context.Context, accountID, challengeID, code string) (models.VerifyOutcome, error) {
	if m.ConfirmEnableMFAFunc == nil {
		return models.VerifyOutcomeInvalid, models.ErrCodeInvalid
	}
	return m.ConfirmEnableMFAFunc(ctx, accountID, challengeID, code)
}

func (m *MockAccountService) DisableMFA(ctx context.Context, accountID, password, ipAddress string) error {
	if m.DisableMFAFunc == nil {
		return nil
	}
	return m.DisableMFAFunc(ctx, accountID, password, ipAddress)
}

func (m *MockAccountService) AcknowledgeAlert(ctx context.Context, accountID, alertID string) error {
	if m.AcknowledgeAlertFunc == nil {
		return nil
	}
	return m.AcknowledgeAlertFunc(ctx, accountID, alertID)
}

func (m *MockAccountService) Deactivate(ctx context.Context, accountID, actorID string) error {
	if m.DeactivateFunc == nil {
		return nil
	}
	return m.DeactivateFunc(ctx, accountID, actorID)
}
