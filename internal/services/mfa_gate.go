package services

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"

	"github.com/BradenHooton/leasegate/internal/metrics"
	"github.com/BradenHooton/leasegate/internal/models"
	pkgauth "github.com/BradenHooton/leasegate/pkg/auth"
	pkglogger "github.com/BradenHooton/leasegate/pkg/logger"
)

// CodeConfig holds one-time code parameters. GuessWindow is how long guesses
// against superseded password-reset and enable-MFA codes keep counting.
type CodeConfig struct {
	Digits      int
	TTL         time.Duration
	MaxAttempts int
	GuessWindow time.Duration
}

func DefaultCodeConfig() CodeConfig {
	return CodeConfig{Digits: 6, TTL: 10 * time.Minute, MaxAttempts: 5, GuessWindow: time.Hour}
}

// LoginContext is the request context stored with a login code so the
// session can be completed once the code verifies
type LoginContext struct {
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	CountryCode       string
	RiskScore         int
	NewDevice         bool
}

// CodeVerification is the verdict of a code check. Code is set whenever the
// challenge resolved to a stored code.
type CodeVerification struct {
	Outcome models.VerifyOutcome
	Code    *models.OneTimeCode
}

// MFAGate issues and verifies hashed single-use numeric codes
type MFAGate struct {
	codes       OneTimeCodeRepository
	hasher      SecretHasher
	sender      CodeSender
	alerts      *AlertEmitter
	clock       Clock
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	config      CodeConfig

	generate func(digits int) (string, error)
}

func NewMFAGate(
	codes OneTimeCodeRepository,
	hasher SecretHasher,
	sender CodeSender,
	alerts *AlertEmitter,
	clock Clock,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
	config CodeConfig,
) *MFAGate {
	return &MFAGate{
		codes:       codes,
		hasher:      hasher,
		sender:      sender,
		alerts:      alerts,
		clock:       clock,
		logger:      logger,
		auditLogger: auditLogger,
		config:      config,
		generate:    GenerateNumericCode,
	}
}

// GenerateNumericCode derives a zero-padded numeric code by HOTP from a fresh
// 160-bit random secret
func GenerateNumericCode(digits int) (string, error) {
	var d otp.Digits
	switch digits {
	case 6:
		d = otp.DigitsSix
	case 8:
		d = otp.DigitsEight
	default:
		return "", fmt.Errorf("unsupported code length %d", digits)
	}

	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random secret: %w", err)
	}
	secret := base32.StdEncoding.EncodeToString(raw)

	return hotp.GenerateCodeCustom(secret, 0, hotp.ValidateOpts{
		Digits:    d,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// Issue creates a new code for (account, purpose) with a fresh attempt
// budget, superseding any live one, and delivers it. It is for flows that
// have just proven the password. Delivery failure is logged and does not
// fail the call.
func (g *MFAGate) Issue(ctx context.Context, account *models.Account, purpose models.CodePurpose, lc LoginContext) (*models.OneTimeCode, error) {
	return g.issue(ctx, account, purpose, lc, nil)
}

// IssueBudgeted is Issue for flows with no password check. Guesses spent on
// codes issued within the guess window carry over, and ErrCodeExhausted is
// returned once they reach the attempt limit.
func (g *MFAGate) IssueBudgeted(ctx context.Context, account *models.Account, purpose models.CodePurpose, lc LoginContext) (*models.OneTimeCode, error) {
	since := g.clock.Now().Add(-g.config.GuessWindow)
	return g.issue(ctx, account, purpose, lc, &since)
}

// Reissue replaces a live code with a new one for the same request context.
// The new code inherits the attempts already spent on previous.
func (g *MFAGate) Reissue(ctx context.Context, account *models.Account, previous *models.OneTimeCode) (*models.OneTimeCode, error) {
	since := previous.CreatedAt
	return g.issue(ctx, account, previous.Purpose, LoginContext{
		IPAddress:         previous.IPAddress,
		UserAgent:         previous.UserAgent,
		DeviceFingerprint: previous.DeviceFingerprint,
		RiskScore:         previous.RiskScore,
		NewDevice:         previous.NewDevice,
	}, &since)
}

func (g *MFAGate) issue(ctx context.Context, account *models.Account, purpose models.CodePurpose, lc LoginContext, budgetSince *time.Time) (*models.OneTimeCode, error) {
	plain, err := g.generate(g.config.Digits)
	if err != nil {
		g.logger.Error("failed to generate one-time code", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	hash, err := g.hasher.Hash(plain)
	if err != nil {
		g.logger.Error("failed to hash one-time code", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	now := g.clock.Now()
	record := &models.OneTimeCode{
		AccountID:         account.ID,
		Purpose:           purpose,
		CodeHash:          hash,
		MaxAttempts:       g.config.MaxAttempts,
		ExpiresAt:         now.Add(g.config.TTL),
		CreatedAt:         now,
		IPAddress:         lc.IPAddress,
		UserAgent:         lc.UserAgent,
		DeviceFingerprint: lc.DeviceFingerprint,
		RiskScore:         lc.RiskScore,
		NewDevice:         lc.NewDevice,
	}

	store := func() (*models.OneTimeCode, error) {
		if budgetSince != nil {
			return g.codes.IssueWithBudget(ctx, record, *budgetSince)
		}
		return g.codes.Issue(ctx, record)
	}

	issued, err := store()
	if errors.Is(err, models.ErrConflict) {
		// a concurrent Issue for the same account won the unique index; supersede it
		record.ID = ""
		issued, err = store()
	}
	if errors.Is(err, models.ErrCodeExhausted) {
		g.logger.Warn("one-time code refused, attempt budget spent",
			slog.String("account_id", account.ID),
			slog.String("purpose", string(purpose)))
		return nil, models.ErrCodeExhausted
	}
	if err != nil {
		g.logger.Error("failed to store one-time code",
			slog.String("account_id", account.ID),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := g.sender.SendCode(ctx, account, purpose, plain, issued.ExpiresAt); err != nil {
		metrics.NotificationFailuresTotal.WithLabelValues("code").Inc()
		g.logger.Warn("one-time code delivery failed",
			slog.String("account_id", account.ID),
			slog.String("purpose", string(purpose)),
			slog.Any("error", errors.Join(models.ErrNotificationDeliveryFailed, err)))
	}

	g.auditLogger.Log(ctx, pkglogger.AuditEvent{
		Type:      pkglogger.EventCodeIssued,
		AccountID: account.ID,
		IPAddress: lc.IPAddress,
		Success:   true,
		Metadata:  map[string]string{"purpose": string(purpose), "challenge_id": issued.ID},
	})

	return issued, nil
}

// Verify checks code against the challenge. A non-nil verification is
// returned for every verdict; the error is the matching sentinel for any
// verdict other than VERIFIED, or ErrInternalServer when storage fails.
func (g *MFAGate) Verify(ctx context.Context, challengeID string, purpose models.CodePurpose, code string) (*CodeVerification, error) {
	return g.check(ctx, "", challengeID, purpose, code)
}

// VerifyOwned is Verify for a challenge that must belong to accountID. A
// challenge owned by anyone else is INVALID and its attempt budget is untouched.
func (g *MFAGate) VerifyOwned(ctx context.Context, accountID, challengeID string, purpose models.CodePurpose, code string) (*CodeVerification, error) {
	return g.check(ctx, accountID, challengeID, purpose, code)
}

func (g *MFAGate) check(ctx context.Context, owner, challengeID string, purpose models.CodePurpose, code string) (*CodeVerification, error) {
	v, err := g.verify(ctx, owner, challengeID, purpose, code)
	if v != nil {
		metrics.CodeVerificationsTotal.WithLabelValues(string(purpose), string(v.Outcome)).Inc()

		event := pkglogger.AuditEvent{
			Type:    pkglogger.EventCodeVerification,
			Outcome: string(v.Outcome),
			Success: v.Outcome == models.VerifyOutcomeVerified,
			Metadata: map[string]string{
				"purpose":      string(purpose),
				"challenge_id": challengeID,
			},
		}
		if v.Code != nil {
			event.AccountID = v.Code.AccountID
		}
		g.auditLogger.Log(ctx, event)
	}
	return v, err
}

func (g *MFAGate) verify(ctx context.Context, owner, challengeID string, purpose models.CodePurpose, code string) (*CodeVerification, error) {
	now := g.clock.Now()

	c, err := g.codes.GetByID(ctx, challengeID)
	if errors.Is(err, models.ErrNotFound) {
		return &CodeVerification{Outcome: models.VerifyOutcomeInvalid}, models.ErrCodeInvalid
	}
	if err != nil {
		g.logger.Error("failed to load one-time code", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if c.Purpose != purpose || (owner != "" && c.AccountID != owner) {
		return &CodeVerification{Outcome: models.VerifyOutcomeInvalid}, models.ErrCodeInvalid
	}

	expired := &CodeVerification{Outcome: models.VerifyOutcomeExpired, Code: c}
	exhausted := &CodeVerification{Outcome: models.VerifyOutcomeExhausted, Code: c}

	switch {
	case c.UsedAt != nil:
		return expired, models.ErrCodeExpired
	case c.InvalidatedAt != nil && c.IsExhausted():
		return exhausted, models.ErrCodeExhausted
	case c.InvalidatedAt != nil, c.IsExpired(now):
		return expired, models.ErrCodeExpired
	}

	// Only the most recent live code for (account, purpose) may verify
	active, err := g.codes.GetActive(ctx, c.AccountID, purpose, now)
	if errors.Is(err, models.ErrNotFound) || (err == nil && active.ID != c.ID) {
		return expired, models.ErrCodeExpired
	}
	if err != nil {
		g.logger.Error("failed to load active one-time code", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	// The guess is paid for before the hash is compared, so parallel guesses
	// cannot outrun the limit
	attempts, err := g.codes.ConsumeAttempt(ctx, c.ID, now)
	if errors.Is(err, models.ErrNotFound) {
		return g.reclassify(ctx, c, now)
	}
	if err != nil {
		g.logger.Error("failed to record code attempt", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	c.Attempts = attempts

	if err := g.hasher.Compare(c.CodeHash, code); err != nil {
		if !errors.Is(err, pkgauth.ErrMismatch) {
			g.logger.Error("failed to compare one-time code", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
		if c.IsExhausted() {
			g.exhaust(ctx, c, now)
			return exhausted, models.ErrCodeExhausted
		}
		return &CodeVerification{Outcome: models.VerifyOutcomeInvalid, Code: c}, models.ErrCodeInvalid
	}

	if err := g.codes.MarkUsed(ctx, c.ID, now); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return expired, models.ErrCodeExpired
		}
		g.logger.Error("failed to consume one-time code", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	c.UsedAt = &now

	return &CodeVerification{Outcome: models.VerifyOutcomeVerified, Code: c}, nil
}

// reclassify resolves a code whose attempt could not be claimed because a
// concurrent request changed it
func (g *MFAGate) reclassify(ctx context.Context, c *models.OneTimeCode, now time.Time) (*CodeVerification, error) {
	current, err := g.codes.GetByID(ctx, c.ID)
	if err != nil {
		g.logger.Error("failed to reload one-time code", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if current.UsedAt == nil && current.IsExhausted() {
		g.exhaust(ctx, current, now)
		return &CodeVerification{Outcome: models.VerifyOutcomeExhausted, Code: current}, models.ErrCodeExhausted
	}
	return &CodeVerification{Outcome: models.VerifyOutcomeExpired, Code: current}, models.ErrCodeExpired
}

// Lookup returns the stored code behind a challenge id
func (g *MFAGate) Lookup(ctx context.Context, challengeID string) (*models.OneTimeCode, error) {
	return g.codes.GetByID(ctx, challengeID)
}

// exhaust invalidates the code and raises the alert once, from whichever
// request invalidates it first. Invalidate errors are logged; ConsumeAttempt
// already refuses further guesses.
func (g *MFAGate) exhaust(ctx context.Context, c *models.OneTimeCode, now time.Time) {
	err := g.codes.Invalidate(ctx, c.ID, now)
	if c.InvalidatedAt == nil {
		c.InvalidatedAt = &now
	}
	if errors.Is(err, models.ErrNotFound) {
		return
	}
	if err != nil {
		g.logger.Error("failed to invalidate exhausted code", slog.String("code_id", c.ID), slog.Any("error", err))
	}

	g.alerts.EmitForAccount(ctx, c.AccountID, models.AlertCodeExhausted, models.AlertMetadata{
		"purpose":      string(c.Purpose),
		"attempts":     strconv.Itoa(c.Attempts),
		"challenge_id": c.ID,
	})
}
