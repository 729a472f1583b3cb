package services

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/leasegate/internal/auth"
	"github.com/BradenHooton/leasegate/internal/metrics"
	"github.com/BradenHooton/leasegate/internal/models"
	pkglogger "github.com/BradenHooton/leasegate/pkg/logger"
)

const recentAlertLimit = 10

// LoginRequest is one credential submission
type LoginRequest struct {
	Identifier string
	Credential string
	IPAddress  string
	UserAgent  string
}

// Challenge tells the client a code was sent and where to submit it
type Challenge struct {
	ID        string    `json:"challenge_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginResult carries the verdict. Session is set only for SUCCESS and
// Challenge only for MFA_REQUIRED.
type LoginResult struct {
	Outcome   models.LoginOutcome
	Session   *models.Session
	Challenge *Challenge
	RiskScore int
}

type VerifyCodeRequest struct {
	ChallengeID string
	Code        string
}

type VerifyResult struct {
	Outcome models.VerifyOutcome
	Session *models.Session
}

// RiskSnapshot is the read-only security view of one account
type RiskSnapshot struct {
	AccountID      string                  `json:"account_id"`
	FailedAttempts int                     `json:"failed_attempts"`
	LockedUntil    *time.Time              `json:"locked_until"`
	Locked         bool                    `json:"locked"`
	RecentFailures int                     `json:"recent_failures"`
	KnownDevices   int                     `json:"known_devices"`
	RecentAlerts   []*models.SecurityAlert `json:"recent_alerts"`
}

// LoginService decides login attempts. Every counter and lock change goes
// through the account row's conditional updates; nothing is held in memory.
type LoginService struct {
	accounts    AccountRepository
	devices     DeviceRepository
	alertRepo   SecurityAlertRepository
	tracker     *AttemptTracker
	verifier    *CredentialVerifier
	gate        *MFAGate
	alerts      *AlertEmitter
	sessions    SessionIssuer
	tokens      TokenValidator
	revoker     TokenRevoker
	geo         CountryResolver
	clock       Clock
	timing      *auth.TimingDelay
	policy      SecurityPolicy
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
}

// LoginServiceDeps groups LoginService collaborators. Geo and Revoker may be nil.
type LoginServiceDeps struct {
	Accounts    AccountRepository
	Devices     DeviceRepository
	Alerts      SecurityAlertRepository
	Tracker     *AttemptTracker
	Verifier    *CredentialVerifier
	Gate        *MFAGate
	Emitter     *AlertEmitter
	Sessions    SessionIssuer
	Tokens      TokenValidator
	Revoker     TokenRevoker
	Geo         CountryResolver
	Clock       Clock
	Timing      *auth.TimingDelay
	Logger      *slog.Logger
	AuditLogger *pkglogger.AuditLogger
}

func NewLoginService(deps LoginServiceDeps, policy SecurityPolicy) *LoginService {
	timing := deps.Timing
	if timing == nil {
		timing = auth.NoDelay()
	}
	return &LoginService{
		accounts:    deps.Accounts,
		devices:     deps.Devices,
		alertRepo:   deps.Alerts,
		tracker:     deps.Tracker,
		verifier:    deps.Verifier,
		gate:        deps.Gate,
		alerts:      deps.Emitter,
		sessions:    deps.Sessions,
		tokens:      deps.Tokens,
		revoker:     deps.Revoker,
		geo:         deps.Geo,
		clock:       deps.Clock,
		timing:      timing,
		policy:      policy,
		logger:      deps.Logger,
		auditLogger: deps.AuditLogger,
	}
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func reason(r string) *string { return &r }

// AttemptLogin evaluates one credential submission.
//
// INVALID and LOCKED verdicts return a result together with
// ErrInvalidCredentials or ErrAccountLocked. Storage failures return
// ErrInternalServer and no result.
func (s *LoginService) AttemptLogin(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	start := time.Now()
	result, err := s.attemptLogin(ctx, req)
	s.timing.WaitFrom(start, err == nil)
	return result, err
}

func (s *LoginService) attemptLogin(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	now := s.clock.Now()
	identifier := normalizeIdentifier(req.Identifier)
	fingerprint := DeviceFingerprint(req.IPAddress, req.UserAgent)

	attempt := &models.LoginAttempt{
		Identifier:        identifier,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: fingerprint,
		CountryCode:       s.countryOf(req.IPAddress),
		AttemptedAt:       now,
	}

	invalid := func(r string) (*LoginResult, error) {
		attempt.Outcome = models.LoginOutcomeInvalid
		attempt.FailureReason = reason(r)
		if err := s.tracker.Record(ctx, attempt); err != nil {
			return nil, models.ErrInternalServer
		}
		return &LoginResult{Outcome: models.LoginOutcomeInvalid, RiskScore: attempt.RiskScore}, models.ErrInvalidCredentials
	}
	locked := func() (*LoginResult, error) {
		attempt.Outcome = models.LoginOutcomeLocked
		attempt.FailureReason = reason(models.FailureReasonAccountLocked)
		if err := s.tracker.Record(ctx, attempt); err != nil {
			return nil, models.ErrInternalServer
		}
		return &LoginResult{Outcome: models.LoginOutcomeLocked}, models.ErrAccountLocked
	}

	if identifier == "" || req.Credential == "" {
		s.verifier.Burn(req.Credential)
		return invalid(models.FailureReasonInvalidCredentials)
	}

	account, err := s.accounts.GetByEmail(ctx, identifier)
	if errors.Is(err, models.ErrNotFound) {
		s.verifier.Burn(req.Credential)
		return invalid(models.FailureReasonUnknownAccount)
	}
	if err != nil {
		s.logger.Error("failed to load account for login", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	attempt.AccountID = &account.ID

	if !account.IsActive() {
		s.verifier.Burn(req.Credential)
		return invalid(models.FailureReasonAccountInactive)
	}

	// A locked account is rejected before the password is looked at, and
	// the rejection does not count as another failure.
	if account.IsLocked(now) {
		return locked()
	}

	known, err := s.devices.IsKnown(ctx, account.ID, fingerprint)
	if err != nil {
		s.logger.Error("failed to check device history", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	accountFailures, ipFailures, err := s.tracker.RecentFailures(ctx, account.ID, req.IPAddress, now)
	if err != nil {
		s.logger.Error("failed to count recent failures", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	risk := AssessRisk(RiskInput{
		NewDevice:       !known,
		AccountFailures: accountFailures,
		Hour:            s.policy.LocalHour(now),
		IPFailures:      ipFailures,
	})
	attempt.RiskScore = risk.Score
	metrics.RiskScore.Observe(float64(risk.Score))

	ok, err := s.verifier.Verify(account, req.Credential)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	if !ok {
		return s.handleFailure(ctx, account, attempt, accountFailures, now, invalid, locked)
	}

	if s.policy.IsHighRisk(risk.Score) {
		s.alerts.Emit(ctx, account, models.AlertHighRiskLogin, riskMetadata(risk, attempt))
	}

	lc := LoginContext{
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: fingerprint,
		CountryCode:       attempt.CountryCode,
		RiskScore:         risk.Score,
		NewDevice:         !known,
	}

	if account.MFAEnabled || s.policy.RequiresStepUp(risk.Score) {
		code, err := s.gate.Issue(ctx, account, models.CodePurposeLogin, lc)
		if err != nil {
			return nil, err
		}
		attempt.Outcome = models.LoginOutcomeMFARequired
		if err := s.tracker.Record(ctx, attempt); err != nil {
			return nil, models.ErrInternalServer
		}
		return &LoginResult{
			Outcome:   models.LoginOutcomeMFARequired,
			Challenge: &Challenge{ID: code.ID, ExpiresAt: code.ExpiresAt},
			RiskScore: risk.Score,
		}, nil
	}

	session, err := s.completeLogin(ctx, account, lc, now)
	if errors.Is(err, models.ErrAccountLocked) {
		// a concurrent failure locked the account while the password was compared
		return locked()
	}
	if err != nil {
		return nil, err
	}
	attempt.Success = true
	attempt.Outcome = models.LoginOutcomeSuccess
	if err := s.tracker.Record(ctx, attempt); err != nil {
		return nil, models.ErrInternalServer
	}
	return &LoginResult{Outcome: models.LoginOutcomeSuccess, Session: session, RiskScore: risk.Score}, nil
}

func (s *LoginService) handleFailure(
	ctx context.Context,
	account *models.Account,
	attempt *models.LoginAttempt,
	priorWindowFailures int,
	now time.Time,
	invalid func(string) (*LoginResult, error),
	locked func() (*LoginResult, error),
) (*LoginResult, error) {
	state, err := s.tracker.RegisterFailure(ctx, account.ID, now)
	if errors.Is(err, models.ErrAccountLocked) {
		// a concurrent attempt locked the account after we read it
		return locked()
	}
	if err != nil {
		s.logger.Error("failed to register login failure", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	result, err := invalid(models.FailureReasonInvalidCredentials)
	if result == nil {
		return nil, err
	}

	if state.Locked(now) {
		s.auditLogger.Log(ctx, pkglogger.AuditEvent{
			Type:      pkglogger.EventLockout,
			AccountID: account.ID,
			IPAddress: attempt.IPAddress,
			Success:   false,
			Reason:    "failure_threshold_reached",
		})
		s.alerts.Emit(ctx, account, models.AlertLockoutEntered, models.AlertMetadata{
			"failed_attempts": strconv.Itoa(state.FailedAttempts),
			"locked_until":    state.LockedUntil.UTC().Format(time.RFC3339),
			"ip_address":      attempt.IPAddress,
		})
	}

	if windowFailures := priorWindowFailures + 1; s.policy.CrossesFailureBurst(windowFailures) {
		s.alerts.Emit(ctx, account, models.AlertFailureBurst, models.AlertMetadata{
			"failures":   strconv.Itoa(windowFailures),
			"window":     s.policy.AttemptWindow.String(),
			"ip_address": attempt.IPAddress,
		})
	}

	return result, err
}

// completeLogin runs once the credential (and any code) is verified: it resets
// the counter, remembers the device and issues the session. ErrAccountLocked
// means a lock landed first and nothing was issued.
func (s *LoginService) completeLogin(ctx context.Context, account *models.Account, lc LoginContext, now time.Time) (*models.Session, error) {
	if err := s.tracker.Reset(ctx, account.ID, now); err != nil {
		if errors.Is(err, models.ErrAccountLocked) {
			return nil, err
		}
		s.logger.Error("failed to reset failure counter", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	priorDevices, err := s.devices.CountByAccount(ctx, account.ID)
	if err != nil {
		s.logger.Error("failed to count devices", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	created, err := s.devices.Touch(ctx, &models.DeviceFingerprint{
		AccountID:   account.ID,
		Fingerprint: lc.DeviceFingerprint,
		UserAgent:   lc.UserAgent,
		IPAddress:   lc.IPAddress,
		LastSeenAt:  now,
	})
	if err != nil {
		s.logger.Error("failed to record device", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if created && priorDevices > 0 {
		meta := models.AlertMetadata{
			"ip_address": lc.IPAddress,
			"user_agent": lc.UserAgent,
		}
		if lc.CountryCode != "" {
			meta["country"] = lc.CountryCode
		}
		s.alerts.Emit(ctx, account, models.AlertNewDevice, meta)
	}

	session, err := s.sessions.IssueSession(account)
	if err != nil {
		s.logger.Error("failed to issue session", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return session, nil
}

// VerifyOneTimeCode completes a login that was answered with MFA_REQUIRED.
// Non-VERIFIED verdicts return a result together with the code sentinel
// error, or ErrAccountLocked with LOCKED when the account is locked.
func (s *LoginService) VerifyOneTimeCode(ctx context.Context, req VerifyCodeRequest) (*VerifyResult, error) {
	challengeID := strings.TrimSpace(req.ChallengeID)
	lockedResult := &VerifyResult{Outcome: models.VerifyOutcomeLocked}

	// A locked account is refused before its code is looked at or consumed
	if pending, err := s.gate.Lookup(ctx, challengeID); err == nil && pending.Purpose == models.CodePurposeLogin {
		account, err := s.accounts.GetByID(ctx, pending.AccountID)
		if err != nil {
			s.logger.Error("failed to load account for code verification", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		if !account.IsActive() {
			return &VerifyResult{Outcome: models.VerifyOutcomeInvalid}, models.ErrCodeInvalid
		}
		if account.IsLocked(s.clock.Now()) {
			return lockedResult, models.ErrAccountLocked
		}
	} else if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to load challenge", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	v, err := s.gate.Verify(ctx, challengeID, models.CodePurposeLogin, strings.TrimSpace(req.Code))
	if v == nil {
		return nil, err
	}
	if v.Outcome != models.VerifyOutcomeVerified {
		return &VerifyResult{Outcome: v.Outcome}, err
	}

	now := s.clock.Now()
	account, err := s.accounts.GetByID(ctx, v.Code.AccountID)
	if err != nil {
		s.logger.Error("failed to load account for code verification", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	lc := LoginContext{
		IPAddress:         v.Code.IPAddress,
		UserAgent:         v.Code.UserAgent,
		DeviceFingerprint: v.Code.DeviceFingerprint,
		RiskScore:         v.Code.RiskScore,
		NewDevice:         v.Code.NewDevice,
	}
	session, err := s.completeLogin(ctx, account, lc, now)
	if errors.Is(err, models.ErrAccountLocked) {
		// locked or deactivated between the check above and the reset
		return lockedResult, models.ErrAccountLocked
	}
	if err != nil {
		return nil, err
	}

	s.auditLogger.Log(ctx, pkglogger.AuditEvent{
		Type:      pkglogger.EventLoginAttempt,
		AccountID: account.ID,
		IPAddress: lc.IPAddress,
		Outcome:   string(models.LoginOutcomeSuccess),
		Success:   true,
		Reason:    "mfa_verified",
	})
	metrics.LoginOutcomesTotal.WithLabelValues(string(models.LoginOutcomeSuccess)).Inc()

	return &VerifyResult{Outcome: models.VerifyOutcomeVerified, Session: session}, nil
}

// ResendCode supersedes the challenge's code with a fresh one for the same
// login. The new code inherits the attempts already spent, so resending never
// buys more guesses; a challenge whose budget is spent returns ErrCodeExhausted.
func (s *LoginService) ResendCode(ctx context.Context, challengeID string) (*Challenge, error) {
	now := s.clock.Now()

	code, err := s.gate.Lookup(ctx, strings.TrimSpace(challengeID))
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrCodeInvalid
	}
	if err != nil {
		s.logger.Error("failed to load challenge", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if code.Purpose != models.CodePurposeLogin {
		return nil, models.ErrCodeInvalid
	}
	if code.IsExhausted() {
		return nil, models.ErrCodeExhausted
	}
	if !code.IsActive(now) {
		return nil, models.ErrCodeExpired
	}

	account, err := s.accounts.GetByID(ctx, code.AccountID)
	if err != nil {
		s.logger.Error("failed to load account for resend", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !account.IsActive() || account.IsLocked(now) {
		return nil, models.ErrAccountLocked
	}

	issued, err := s.gate.Reissue(ctx, account, code)
	if err != nil {
		return nil, err
	}
	return &Challenge{ID: issued.ID, ExpiresAt: issued.ExpiresAt}, nil
}

// Logout revokes the access token until it would have expired
func (s *LoginService) Logout(ctx context.Context, accessToken string) error {
	claims, err := s.tokens.ValidateToken(accessToken)
	if err != nil {
		return models.ErrUnauthorized
	}
	if s.revoker == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}

	if err := s.revoker.RevokeToken(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		s.logger.Error("failed to revoke token", slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.auditLogger.Log(ctx, pkglogger.AuditEvent{
		Type:      pkglogger.EventLogout,
		AccountID: claims.AccountID,
		Success:   true,
	})
	return nil
}

// GetAccountRiskSnapshot reports the account's lockout state and recent alerts
func (s *LoginService) GetAccountRiskSnapshot(ctx context.Context, accountID string) (*RiskSnapshot, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to load account for snapshot", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	now := s.clock.Now()
	recent, err := s.tracker.AccountFailures(ctx, account.ID, now)
	if err != nil {
		s.logger.Error("failed to count recent failures", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	devices, err := s.devices.CountByAccount(ctx, account.ID)
	if err != nil {
		s.logger.Error("failed to count devices", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	alerts, err := s.alertRepo.ListRecentByAccount(ctx, account.ID, recentAlertLimit)
	if err != nil {
		s.logger.Error("failed to list alerts", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	snapshot := &RiskSnapshot{
		AccountID:      account.ID,
		FailedAttempts: account.FailedAttempts,
		Locked:         account.IsLocked(now),
		RecentFailures: recent,
		KnownDevices:   devices,
		RecentAlerts:   alerts,
	}
	if snapshot.Locked {
		snapshot.LockedUntil = account.LockedUntil
	}
	return snapshot, nil
}

func (s *LoginService) countryOf(ip string) string {
	if s.geo == nil {
		return ""
	}
	code, err := s.geo.CountryCode(ip)
	if err != nil {
		s.logger.Debug("geoip lookup failed", slog.String("ip", ip), slog.Any("error", err))
		return ""
	}
	return code
}

func riskMetadata(risk RiskAssessment, attempt *models.LoginAttempt) models.AlertMetadata {
	meta := models.AlertMetadata{
		"risk_score": strconv.Itoa(risk.Score),
		"factors":    strings.Join(risk.Factors, ","),
		"ip_address": attempt.IPAddress,
	}
	if attempt.CountryCode != "" {
		meta["country"] = attempt.CountryCode
	}
	return meta
}
