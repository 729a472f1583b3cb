package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/BradenHooton/leasegate/internal/models"
	pkgauth "github.com/BradenHooton/leasegate/pkg/auth"
	pkglogger "github.com/BradenHooton/leasegate/pkg/logger"
)

type RegisterRequest struct {
	Email    string
	Password string
	Name     string
}

// PasswordResetRequest starts a reset. The response never reveals whether the
// email matched an account.
type PasswordResetRequest struct {
	Email     string
	IPAddress string
	UserAgent string
}

type ResetPasswordRequest struct {
	ChallengeID string
	Code        string
	NewPassword string
}

// AccountService handles account lifecycle and the second-factor setting
type AccountService struct {
	accounts    AccountRepository
	alertRepo   SecurityAlertRepository
	passwords   SecretHasher
	gate        *MFAGate
	alerts      *AlertEmitter
	clock       Clock
	codeConfig  CodeConfig
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

func NewAccountService(
	accounts AccountRepository,
	alertRepo SecurityAlertRepository,
	passwords SecretHasher,
	gate *MFAGate,
	alerts *AlertEmitter,
	clock Clock,
	codeConfig CodeConfig,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
) *AccountService {
	return &AccountService{
		accounts:    accounts,
		alertRepo:   alertRepo,
		passwords:   passwords,
		gate:        gate,
		alerts:      alerts,
		clock:       clock,
		codeConfig:  codeConfig,
		logger:      logger,
		auditLogger: auditLogger,
	}
}

// Register creates an active account. A duplicate email returns ErrConflict;
// a weak password returns the *auth.PasswordValidationError.
func (s *AccountService) Register(ctx context.Context, req RegisterRequest) (*models.Account, error) {
	if err := pkgauth.ValidatePassword(req.Password); err != nil {
		return nil, err
	}

	hash, err := s.passwords.Hash(req.Password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	account, err := s.accounts.Create(ctx, &models.Account{
		Email:        normalizeIdentifier(req.Email),
		PasswordHash: hash,
		Name:         strings.TrimSpace(req.Name),
		Role:         models.RoleUser,
		Status:       models.AccountStatusActive,
	})
	if errors.Is(err, models.ErrConflict) {
		return nil, models.ErrConflict
	}
	if err != nil {
		s.logger.Error("failed to create account", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.auditLogger.Log(ctx, pkglogger.AuditEvent{
		Type:      pkglogger.EventAccountAction,
		AccountID: account.ID,
		Email:     account.Email,
		Success:   true,
		Reason:    "registered",
	})
	return account, nil
}

func (s *AccountService) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	account, err := s.accounts.GetByID(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		s.logger.Error("failed to load account", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return account, nil
}

// RequestPasswordReset sends a reset code when the email belongs to an active
// account. It always returns a challenge so callers cannot tell which emails
// are registered.
func (s *AccountService) RequestPasswordReset(ctx context.Context, req PasswordResetRequest) (*Challenge, error) {
	decoy := func() *Challenge {
		return &Challenge{ID: uuid.New().String(), ExpiresAt: s.clock.Now().Add(s.codeConfig.TTL)}
	}

	account, err := s.accounts.GetByEmail(ctx, normalizeIdentifier(req.Email))
	if errors.Is(err, models.ErrNotFound) {
		return decoy(), nil
	}
	if err != nil {
		s.logger.Error("failed to load account for password reset", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !account.IsActive() {
		return decoy(), nil
	}

	code, err := s.gate.IssueBudgeted(ctx, account, models.CodePurposePasswordReset, LoginContext{
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	if errors.Is(err, models.ErrCodeExhausted) {
		// guesses for this window are spent; answer like any other request
		return decoy(), nil
	}
	if err != nil {
		return nil, err
	}
	return &Challenge{ID: code.ID, ExpiresAt: code.ExpiresAt}, nil
}

// ResetPassword consumes a password_reset code and replaces the password.
// The new password is also the end of any lockout in force.
func (s *AccountService) ResetPassword(ctx context.Context, req ResetPasswordRequest) (models.VerifyOutcome, error) {
	if err := pkgauth.ValidatePassword(req.NewPassword); err != nil {
		return "", err
	}

	v, err := s.gate.Verify(ctx, strings.TrimSpace(req.ChallengeID), models.CodePurposePasswordReset, strings.TrimSpace(req.Code))
	if v == nil {
		return "", err
	}
	if v.Outcome != models.VerifyOutcomeVerified {
		return v.Outcome, err
	}

	hash, err := s.passwords.Hash(req.NewPassword)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	now := s.clock.Now()
	if err := s.accounts.UpdatePassword(ctx, v.Code.AccountID, hash, now); err != nil {
		s.logger.Error("failed to update password", slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	s.auditLogger.Log(ctx, pkglogger.AuditEvent{
		Type:      pkglogger.EventPasswordChange,
		AccountID: v.Code.AccountID,
		IPAddress: v.Code.IPAddress,
		Success:   true,
		Reason:    "password_reset",
	})
	s.alerts.EmitForAccount(ctx, v.Code.AccountID, models.AlertPasswordChanged, models.AlertMetadata{
		"ip_address": v.Code.IPAddress,
	})
	return models.VerifyOutcomeVerified, nil
}

// BeginEnableMFA sends a confirmation code. Enabling is finished by ConfirmEnableMFA.
func (s *AccountService) BeginEnableMFA(ctx context.Context, accountID, ipAddress, userAgent string) (*Challenge, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.MFAEnabled {
		return nil, models.ErrConflict
	}

	code, err := s.gate.IssueBudgeted(ctx, account, models.CodePurposeEnableMFA, LoginContext{
		IPAddress: ipAddress,
		UserAgent: userAgent,
	})
	if err != nil {
		return nil, err
	}
	return &Challenge{ID: code.ID, ExpiresAt: code.ExpiresAt}, nil
}

func (s *AccountService) ConfirmEnableMFA(ctx context.Context, accountID, challengeID, code string) (models.VerifyOutcome, error) {
	v, err := s.gate.VerifyOwned(ctx, accountID, strings.TrimSpace(challengeID), models.CodePurposeEnableMFA, strings.TrimSpace(code))
	if v == nil {
		return "", err
	}
	if v.Outcome != models.VerifyOutcomeVerified {
		return v.Outcome, err
	}

	if err := s.setMFA(ctx, accountID, true, v.Code.IPAddress); err != nil {
		return "", err
	}
	return models.VerifyOutcomeVerified, nil
}

// DisableMFA requires the current password
func (s *AccountService) DisableMFA(ctx context.Context, accountID, password, ipAddress string) error {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.MFAEnabled {
		return nil
	}

	if err := s.passwords.Compare(account.PasswordHash, password); err != nil {
		if errors.Is(err, pkgauth.ErrMismatch) {
			return models.ErrInvalidCredentials
		}
		s.logger.Error("stored password hash is unusable", slog.String("account_id", account.ID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	return s.setMFA(ctx, accountID, false, ipAddress)
}

func (s *AccountService) setMFA(ctx context.Context, accountID string, enabled bool, ipAddress string) error {
	if err := s.accounts.SetMFAEnabled(ctx, accountID, enabled, s.clock.Now()); err != nil {
		s.logger.Error("failed to update mfa setting", slog.Any("error", err))
		return models.ErrInternalServer
	}

	kind, reason := models.AlertMFAEnabled, "mfa_enabled"
	if !enabled {
		kind, reason = models.AlertMFADisabled, "mfa_disabled"
	}
	s.auditLogger.Log(ctx, pkglogger.AuditEvent{
		Type:      pkglogger.EventMFAChange,
		AccountID: accountID,
		IPAddress: ipAddress,
		Success:   true,
		Reason:    reason,
	})
	s.alerts.EmitForAccount(ctx, accountID, kind, models.AlertMetadata{"ip_address": ipAddress})
	return nil
}

// AcknowledgeAlert marks one of the account's alerts as seen
func (s *AccountService) AcknowledgeAlert(ctx context.Context, accountID, alertID string) error {
	err := s.alertRepo.Acknowledge(ctx, alertID, accountID, s.clock.Now())
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrNotFound
	}
	if err != nil {
		s.logger.Error("failed to acknowledge alert", slog.Any("error", err))
		return models.ErrInternalServer
	}
	return nil
}

// Deactivate soft-deletes an account. Bearer requests for it are refused
// from then on and further logins are rejected.
func (s *AccountService) Deactivate(ctx context.Context, accountID, actorID string) error {
	err := s.accounts.Deactivate(ctx, accountID, s.clock.Now())
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrNotFound
	}
	if err != nil {
		s.logger.Error("failed to deactivate account", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.auditLogger.Log(ctx, pkglogger.AuditEvent{
		Type:      pkglogger.EventAccountAction,
		AccountID: accountID,
		Success:   true,
		Reason:    "deactivated",
		Metadata:  map[string]string{"actor_id": actorID},
	})
	return nil
}
