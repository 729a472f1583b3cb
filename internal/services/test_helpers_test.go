package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/leasegate/internal/auth"
	"github.com/BradenHooton/leasegate/internal/models"
	pkgauth "github.com/BradenHooton/leasegate/pkg/auth"
	pkglogger "github.com/BradenHooton/leasegate/pkg/logger"
)

const testPassword = "Correct-Horse-42"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable Clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ============================================================================
// In-memory repositories
// ============================================================================

type memAccounts struct {
	mu   sync.Mutex
	rows map[string]*models.Account

	GetByIDFunc func(ctx context.Context, id string) (*models.Account, error)
}

func newMemAccounts() *memAccounts {
	return &memAccounts{rows: map[string]*models.Account{}}
}

func (m *memAccounts) put(a *models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.rows[a.ID] = &cp
}

func (m *memAccounts) get(id string) *models.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

func (m *memAccounts) GetByID(ctx context.Context, id string) (*models.Account, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	if a := m.get(id); a != nil {
		return a, nil
	}
	return nil, models.ErrNotFound
}

func (m *memAccounts) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if strings.EqualFold(a.Email, strings.TrimSpace(email)) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memAccounts) Create(_ context.Context, a *models.Account) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rows {
		if strings.EqualFold(existing.Email, a.Email) {
			return nil, models.ErrConflict
		}
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	cp := *a
	m.rows[a.ID] = &cp
	return a, nil
}

func (m *memAccounts) RegisterFailure(_ context.Context, id string, threshold int, lockUntil, now time.Time) (*models.LockoutState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok || !a.IsActive() || a.IsLocked(now) {
		return nil, models.ErrAccountLocked
	}

	n := a.FailedAttempts + 1
	if a.LockedUntil != nil {
		n = 1
	}
	a.FailedAttempts = n
	a.LockedUntil = nil
	if n >= threshold {
		until := lockUntil
		a.LockedUntil = &until
	}
	return &models.LockoutState{FailedAttempts: a.FailedAttempts, LockedUntil: a.LockedUntil}, nil
}

func (m *memAccounts) update(id string, fn func(a *models.Account) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok || !fn(a) {
		return models.ErrNotFound
	}
	return nil
}

func (m *memAccounts) ResetFailures(_ context.Context, id string, now time.Time) error {
	err := m.update(id, func(a *models.Account) bool {
		if !a.IsActive() || a.IsLocked(now) {
			return false
		}
		a.FailedAttempts, a.LockedUntil, a.UpdatedAt = 0, nil, now
		return true
	})
	if errors.Is(err, models.ErrNotFound) {
		return models.ErrAccountLocked
	}
	return err
}

func (m *memAccounts) SetMFAEnabled(_ context.Context, id string, enabled bool, now time.Time) error {
	return m.update(id, func(a *models.Account) bool {
		a.MFAEnabled, a.UpdatedAt = enabled, now
		return true
	})
}

func (m *memAccounts) UpdatePassword(_ context.Context, id, hash string, now time.Time) error {
	return m.update(id, func(a *models.Account) bool {
		a.PasswordHash, a.PasswordChangedAt = hash, &now
		a.FailedAttempts, a.LockedUntil = 0, nil
		return true
	})
}

func (m *memAccounts) Deactivate(_ context.Context, id string, now time.Time) error {
	return m.update(id, func(a *models.Account) bool {
		if !a.IsActive() {
			return false
		}
		a.Status, a.DeactivatedAt = models.AccountStatusDeactivated, &now
		return true
	})
}

type memAttempts struct {
	mu   sync.Mutex
	rows []*models.LoginAttempt

	RecordFunc func(ctx context.Context, attempt *models.LoginAttempt) error
}

func (m *memAttempts) Record(ctx context.Context, attempt *models.LoginAttempt) error {
	if m.RecordFunc != nil {
		return m.RecordFunc(ctx, attempt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *attempt
	cp.ID = uuid.New().String()
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memAttempts) count(since time.Time, match func(*models.LoginAttempt) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.rows {
		if a.IsFailure() && !a.AttemptedAt.Before(since) && match(a) {
			n++
		}
	}
	return n
}

func (m *memAttempts) CountFailuresByAccount(_ context.Context, accountID string, since time.Time) (int, error) {
	return m.count(since, func(a *models.LoginAttempt) bool {
		return a.AccountID != nil && *a.AccountID == accountID
	}), nil
}

func (m *memAttempts) CountFailuresByIP(_ context.Context, ip string, since time.Time) (int, error) {
	return m.count(since, func(a *models.LoginAttempt) bool { return a.IPAddress == ip }), nil
}

func (m *memAttempts) all() []*models.LoginAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.LoginAttempt(nil), m.rows...)
}

func (m *memAttempts) last() *models.LoginAttempt {
	rows := m.all()
	if len(rows) == 0 {
		return nil
	}
	return rows[len(rows)-1]
}

type memDevices struct {
	mu   sync.Mutex
	rows map[string]*models.DeviceFingerprint // account|fingerprint
}

func newMemDevices() *memDevices {
	return &memDevices{rows: map[string]*models.DeviceFingerprint{}}
}

func (m *memDevices) IsKnown(_ context.Context, accountID, fingerprint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[accountID+"|"+fingerprint]
	return ok, nil
}

func (m *memDevices) CountByAccount(_ context.Context, accountID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.rows {
		if d.AccountID == accountID {
			n++
		}
	}
	return n, nil
}

func (m *memDevices) Touch(_ context.Context, d *models.DeviceFingerprint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := d.AccountID + "|" + d.Fingerprint
	if existing, ok := m.rows[key]; ok {
		existing.LastSeenAt = d.LastSeenAt
		return false, nil
	}
	cp := *d
	cp.ID = uuid.New().String()
	cp.FirstSeenAt = d.LastSeenAt
	m.rows[key] = &cp
	return true, nil
}

type memCodes struct {
	mu   sync.Mutex
	rows map[string]*models.OneTimeCode

	IssueFunc          func(ctx context.Context, code *models.OneTimeCode) (*models.OneTimeCode, error)
	ConsumeAttemptFunc func(ctx context.Context, id string, now time.Time) (int, error)
	MarkUsedFunc       func(ctx context.Context, id string, now time.Time) error
}

func newMemCodes() *memCodes {
	return &memCodes{rows: map[string]*models.OneTimeCode{}}
}

func (m *memCodes) issue(code *models.OneTimeCode) *models.OneTimeCode {
	out, _ := m.issueLocked(code, nil)
	return out
}

func (m *memCodes) issueLocked(code *models.OneTimeCode, budgetSince *time.Time) (*models.OneTimeCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts := 0
	if budgetSince != nil {
		for _, c := range m.rows {
			if c.AccountID == code.AccountID && c.Purpose == code.Purpose && !c.CreatedAt.Before(*budgetSince) && c.Attempts > attempts {
				attempts = c.Attempts
			}
		}
		if attempts >= code.MaxAttempts {
			return nil, models.ErrCodeExhausted
		}
	}

	for _, c := range m.rows {
		if c.AccountID == code.AccountID && c.Purpose == code.Purpose && c.UsedAt == nil && c.InvalidatedAt == nil {
			at := code.CreatedAt
			c.InvalidatedAt = &at
		}
	}
	if code.ID == "" {
		code.ID = uuid.New().String()
	}
	cp := *code
	cp.Attempts = attempts
	m.rows[code.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memCodes) Issue(ctx context.Context, code *models.OneTimeCode) (*models.OneTimeCode, error) {
	if m.IssueFunc != nil {
		return m.IssueFunc(ctx, code)
	}
	return m.issueLocked(code, nil)
}

func (m *memCodes) IssueWithBudget(_ context.Context, code *models.OneTimeCode, since time.Time) (*models.OneTimeCode, error) {
	return m.issueLocked(code, &since)
}

func (m *memCodes) GetByID(_ context.Context, id string) (*models.OneTimeCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCodes) GetActive(_ context.Context, accountID string, purpose models.CodePurpose, now time.Time) (*models.OneTimeCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var live []*models.OneTimeCode
	for _, c := range m.rows {
		if c.AccountID == accountID && c.Purpose == purpose && c.IsActive(now) {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		return nil, models.ErrNotFound
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.After(live[j].CreatedAt) })
	cp := *live[0]
	return &cp, nil
}

func (m *memCodes) ConsumeAttempt(ctx context.Context, id string, now time.Time) (int, error) {
	if m.ConsumeAttemptFunc != nil {
		return m.ConsumeAttemptFunc(ctx, id, now)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || !c.IsActive(now) || c.IsExhausted() {
		return 0, models.ErrNotFound
	}
	c.Attempts++
	return c.Attempts, nil
}

func (m *memCodes) Invalidate(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || c.InvalidatedAt != nil {
		return models.ErrNotFound
	}
	c.InvalidatedAt = &now
	return nil
}

func (m *memCodes) MarkUsed(ctx context.Context, id string, now time.Time) error {
	if m.MarkUsedFunc != nil {
		return m.MarkUsedFunc(ctx, id, now)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || c.UsedAt != nil || c.InvalidatedAt != nil {
		return models.ErrNotFound
	}
	c.UsedAt = &now
	return nil
}

type memAlerts struct {
	mu   sync.Mutex
	rows []*models.SecurityAlert

	CreateFunc func(ctx context.Context, alert *models.SecurityAlert) error
}

func (m *memAlerts) Create(ctx context.Context, alert *models.SecurityAlert) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, alert)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	alert.ID = uuid.New().String()
	cp := *alert
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memAlerts) ListRecentByAccount(_ context.Context, accountID string, limit int) ([]*models.SecurityAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.SecurityAlert{}
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if m.rows[i].AccountID == accountID {
			cp := *m.rows[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memAlerts) Acknowledge(_ context.Context, id, accountID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if a.ID == id && a.AccountID == accountID {
			if a.AcknowledgedAt == nil {
				a.AcknowledgedAt = &now
			}
			a.Acknowledged = true
			return nil
		}
	}
	return models.ErrNotFound
}

func (m *memAlerts) kinds() []models.AlertKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AlertKind, 0, len(m.rows))
	for _, a := range m.rows {
		out = append(out, a.Kind)
	}
	return out
}

// ============================================================================
// Delivery doubles
// ============================================================================

type sentCode struct {
	AccountID string
	Purpose   models.CodePurpose
	Code      string
}

// captureSender keeps every plaintext code it is asked to deliver
type captureSender struct {
	mu   sync.Mutex
	sent []sentCode

	SendCodeFunc func(ctx context.Context, account *models.Account, purpose models.CodePurpose, code string, expiresAt time.Time) error
}

func (s *captureSender) SendCode(ctx context.Context, account *models.Account, purpose models.CodePurpose, code string, expiresAt time.Time) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentCode{AccountID: account.ID, Purpose: purpose, Code: code})
	s.mu.Unlock()
	if s.SendCodeFunc != nil {
		return s.SendCodeFunc(ctx, account, purpose, code, expiresAt)
	}
	return nil
}

func (s *captureSender) lastCode(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent, "no code was sent")
	return s.sent[len(s.sent)-1].Code
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*models.SecurityAlert

	NotifyAlertFunc func(ctx context.Context, account *models.Account, alert *models.SecurityAlert) error
}

func (n *recordingNotifier) NotifyAlert(ctx context.Context, account *models.Account, alert *models.SecurityAlert) error {
	n.mu.Lock()
	n.alerts = append(n.alerts, alert)
	n.mu.Unlock()
	if n.NotifyAlertFunc != nil {
		return n.NotifyAlertFunc(ctx, account, alert)
	}
	return nil
}

func (n *recordingNotifier) kinds() []models.AlertKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.AlertKind, 0, len(n.alerts))
	for _, a := range n.alerts {
		out = append(out, a.Kind)
	}
	return out
}

// MockTokenRevoker implements TokenRevoker for testing
type MockTokenRevoker struct {
	RevokeTokenFunc func(ctx context.Context, jti string, expiresAt time.Time) error
}

func (m *MockTokenRevoker) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if m.RevokeTokenFunc != nil {
		return m.RevokeTokenFunc(ctx, jti, expiresAt)
	}
	return nil
}

type staticGeo map[string]string

func (g staticGeo) CountryCode(ip string) (string, error) {
	if c, ok := g[ip]; ok {
		return c, nil
	}
	return "", errors.New("not in database")
}

// hookedHasher runs AfterCompare once the password hash has been compared
type hookedHasher struct {
	*pkgauth.Hasher
	AfterCompare func()
}

func (h *hookedHasher) Compare(hash, secret string) error {
	err := h.Hasher.Compare(hash, secret)
	if h.AfterCompare != nil {
		h.AfterCompare()
	}
	return err
}

// ============================================================================
// Wiring
// ============================================================================

// testEnv wires the services over in-memory storage with real hashing and tokens
type testEnv struct {
	clock    *fakeClock
	accounts *memAccounts
	attempts *memAttempts
	devices  *memDevices
	codes    *memCodes
	alerts   *memAlerts
	sender   *captureSender
	notifier *recordingNotifier
	revoker  *MockTokenRevoker
	hasher   *pkgauth.Hasher
	verifier *hookedHasher
	tokens   *auth.TokenManager
	policy   SecurityPolicy

	emitter *AlertEmitter
	gate    *MFAGate
	login   *LoginService
	account *AccountService
}

// A weekday noon keeps the unusual-hour factor out of the way
var testNow = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithPolicy(t, DefaultSecurityPolicy())
}

func newTestEnvWithPolicy(t *testing.T, policy SecurityPolicy) *testEnv {
	t.Helper()

	env := &testEnv{
		clock:    newFakeClock(testNow),
		accounts: newMemAccounts(),
		attempts: &memAttempts{},
		devices:  newMemDevices(),
		codes:    newMemCodes(),
		alerts:   &memAlerts{},
		sender:   &captureSender{},
		notifier: &recordingNotifier{},
		revoker:  &MockTokenRevoker{},
		hasher:   pkgauth.NewHasher(4),
		tokens:   auth.NewTokenManager("test-secret-32-characters-long!!", 15*time.Minute, 24*time.Hour),
		policy:   policy,
	}

	env.verifier = &hookedHasher{Hasher: env.hasher}

	logger := discardLogger()
	audit := pkglogger.NewAuditLogger(logger)

	env.emitter = NewAlertEmitter(env.alerts, env.accounts, env.notifier, env.clock, logger, time.Second)
	env.gate = NewMFAGate(env.codes, env.hasher, env.sender, env.emitter, env.clock, logger, audit, DefaultCodeConfig())
	tracker := NewAttemptTracker(env.attempts, env.accounts, policy, logger, audit)

	env.login = NewLoginService(LoginServiceDeps{
		Accounts:    env.accounts,
		Devices:     env.devices,
		Alerts:      env.alerts,
		Tracker:     tracker,
		Verifier:    NewCredentialVerifier(env.verifier, logger),
		Gate:        env.gate,
		Emitter:     env.emitter,
		Sessions:    env.tokens,
		Tokens:      env.tokens,
		Revoker:     env.revoker,
		Clock:       env.clock,
		Logger:      logger,
		AuditLogger: audit,
	}, policy)
	env.account = NewAccountService(env.accounts, env.alerts, env.hasher, env.gate, env.emitter, env.clock, DefaultCodeConfig(), logger, audit)

	t.Cleanup(env.emitter.Wait)
	return env
}

// seedAccount stores an active account whose password is testPassword
func (e *testEnv) seedAccount(t *testing.T, email string, mutate ...func(*models.Account)) *models.Account {
	t.Helper()
	hash, err := e.hasher.Hash(testPassword)
	require.NoError(t, err)

	a := &models.Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Name:         "Test Account",
		Role:         models.RoleUser,
		Status:       models.AccountStatusActive,
		CreatedAt:    e.clock.Now(),
		UpdatedAt:    e.clock.Now(),
	}
	for _, fn := range mutate {
		fn(a)
	}
	e.accounts.put(a)
	return a
}

// knowDevice marks the default test device as previously seen for the account
func (e *testEnv) knowDevice(accountID string) {
	_, _ = e.devices.Touch(context.Background(), &models.DeviceFingerprint{
		AccountID:   accountID,
		Fingerprint: DeviceFingerprint(testIP, testUA),
		LastSeenAt:  e.clock.Now(),
	})
}

const (
	testIP = "203.0.113.7"
	testUA = "Mozilla/5.0 (X11; Linux x86_64)"
)

func loginReq(email, password string) LoginRequest {
	return LoginRequest{Identifier: email, Credential: password, IPAddress: testIP, UserAgent: testUA}
}
