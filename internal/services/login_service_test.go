package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/leasegate/internal/models"
)

// ============================================================================
// Lockout
// ============================================================================

func TestLoginService_FiveBadPasswordsLockTheAccount(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "alice@example.com")
	env.knowDevice(acct.ID)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := env.login.AttemptLogin(ctx, loginReq("alice@example.com", "wrong-password"))
		require.ErrorIs(t, err, models.ErrInvalidCredentials, "attempt %d", i)
		assert.Equal(t, models.LoginOutcomeInvalid, res.Outcome, "attempt %d", i)
		assert.Nil(t, res.Session)
	}

	stored := env.accounts.get(acct.ID)
	assert.Equal(t, 5, stored.FailedAttempts)
	require.NotNil(t, stored.LockedUntil)
	assert.Equal(t, testNow.Add(15*time.Minute), *stored.LockedUntil)

	// The correct password does not get through while locked
	res, err := env.login.AttemptLogin(ctx, loginReq("alice@example.com", testPassword))
	require.ErrorIs(t, err, models.ErrAccountLocked)
	assert.Equal(t, models.LoginOutcomeLocked, res.Outcome)
	assert.Nil(t, res.Session)
	assert.Equal(t, 5, env.accounts.get(acct.ID).FailedAttempts, "locked attempts must not move the counter")

	last := env.attempts.last()
	assert.Equal(t, models.LoginOutcomeLocked, last.Outcome)
	require.NotNil(t, last.FailureReason)
	assert.Equal(t, models.FailureReasonAccountLocked, *last.FailureReason)

	// Once the lock lapses the same password logs in and the counter resets
	env.clock.Advance(15 * time.Minute)
	res, err = env.login.AttemptLogin(ctx, loginReq("alice@example.com", testPassword))
	require.NoError(t, err)
	assert.Equal(t, models.LoginOutcomeSuccess, res.Outcome)
	require.NotNil(t, res.Session)
	assert.NotEmpty(t, res.Session.AccessToken)

	stored = env.accounts.get(acct.ID)
	assert.Equal(t, 0, stored.FailedAttempts)
	assert.Nil(t, stored.LockedUntil)

	env.emitter.Wait()
	assert.ElementsMatch(t,
		[]models.AlertKind{models.AlertFailureBurst, models.AlertLockoutEntered},
		env.alerts.kinds())
}

func TestLoginService_ElapsedLockRestartsCount(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "bob@example.com", func(a *models.Account) {
		until := testNow.Add(-time.Minute)
		a.FailedAttempts = 5
		a.LockedUntil = &until
	})
	env.knowDevice(acct.ID)

	res, err := env.login.AttemptLogin(context.Background(), loginReq("bob@example.com", "nope-nope"))
	require.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.Equal(t, models.LoginOutcomeInvalid, res.Outcome)

	stored := env.accounts.get(acct.ID)
	assert.Equal(t, 1, stored.FailedAttempts)
	assert.Nil(t, stored.LockedUntil)
}

func TestLoginService_ConcurrentFailuresLockExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "carol@example.com")
	env.knowDevice(acct.ID)

	const workers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[models.LoginOutcome]int{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := env.login.AttemptLogin(context.Background(), loginReq("carol@example.com", "bad-guess"))
			if res == nil {
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, outcomes[models.LoginOutcomeInvalid])
	assert.Equal(t, workers-5, outcomes[models.LoginOutcomeLocked])
	assert.Equal(t, 5, env.accounts.get(acct.ID).FailedAttempts)

	env.emitter.Wait()
	lockouts := 0
	for _, k := range env.alerts.kinds() {
		if k == models.AlertLockoutEntered {
			lockouts++
		}
	}
	assert.Equal(t, 1, lockouts)
}

// ============================================================================
// Rejections
// ============================================================================

func TestLoginService_UnknownAccount(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.login.AttemptLogin(context.Background(), loginReq("nobody@example.com", testPassword))
	require.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.Equal(t, models.LoginOutcomeInvalid, res.Outcome)

	last := env.attempts.last()
	require.NotNil(t, last)
	assert.Nil(t, last.AccountID)
	assert.Equal(t, "nobody@example.com", last.Identifier)
	require.NotNil(t, last.FailureReason)
	assert.Equal(t, models.FailureReasonUnknownAccount, *last.FailureReason)
}

func TestLoginService_IdentifierIsNormalized(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "dora@example.com")
	env.knowDevice(acct.ID)

	res, err := env.login.AttemptLogin(context.Background(), loginReq("  DORA@Example.com ", testPassword))
	require.NoError(t, err)
	assert.Equal(t, models.LoginOutcomeSuccess, res.Outcome)
}

func TestLoginService_EmptyCredentials(t *testing.T) {
	env := newTestEnv(t)

	for _, req := range []LoginRequest{loginReq("", testPassword), loginReq("x@example.com", "")} {
		res, err := env.login.AttemptLogin(context.Background(), req)
		require.ErrorIs(t, err, models.ErrInvalidCredentials)
		assert.Equal(t, models.LoginOutcomeInvalid, res.Outcome)
	}
}

func TestLoginService_DeactivatedAccountIsInvalid(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "erin@example.com", func(a *models.Account) {
		a.Status = models.AccountStatusDeactivated
	})

	res, err := env.login.AttemptLogin(context.Background(), loginReq("erin@example.com", testPassword))
	require.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.Equal(t, models.LoginOutcomeInvalid, res.Outcome)
	assert.Equal(t, 0, env.accounts.get(acct.ID).FailedAttempts)
}

func TestLoginService_AttemptRecordFailureIsInternalError(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "fay@example.com")
	env.attempts.RecordFunc = func(context.Context, *models.LoginAttempt) error {
		return errors.New("disk full")
	}

	res, err := env.login.AttemptLogin(context.Background(), loginReq("fay@example.com", "wrong-pass"))
	assert.ErrorIs(t, err, models.ErrInternalServer)
	assert.Nil(t, res)
}

// ============================================================================
// Alerts
// ============================================================================

func TestLoginService_NotifierFailureDoesNotChangeVerdict(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "gus@example.com")
	env.knowDevice(acct.ID)
	env.notifier.NotifyAlertFunc = func(context.Context, *models.Account, *models.SecurityAlert) error {
		return errors.New("smtp down")
	}

	for i := 0; i < 5; i++ {
		_, _ = env.login.AttemptLogin(context.Background(), loginReq("gus@example.com", "wrong-pass"))
	}
	res, err := env.login.AttemptLogin(context.Background(), loginReq("gus@example.com", testPassword))
	require.ErrorIs(t, err, models.ErrAccountLocked)
	assert.Equal(t, models.LoginOutcomeLocked, res.Outcome)

	env.emitter.Wait()
	assert.Contains(t, env.notifier.kinds(), models.AlertLockoutEntered)
}

func TestLoginService_AlertPersistFailureStillLocks(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "hal@example.com")
	env.knowDevice(acct.ID)
	env.alerts.CreateFunc = func(context.Context, *models.SecurityAlert) error {
		return errors.New("connection reset")
	}

	for i := 0; i < 5; i++ {
		_, _ = env.login.AttemptLogin(context.Background(), loginReq("hal@example.com", "wrong-pass"))
	}
	assert.True(t, env.accounts.get(acct.ID).IsLocked(env.clock.Now()))

	env.emitter.Wait()
	assert.Contains(t, env.notifier.kinds(), models.AlertLockoutEntered)
}

func TestLoginService_NewDeviceAlert(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "ivy@example.com")
	_, _ = env.devices.Touch(context.Background(), &models.DeviceFingerprint{
		AccountID:   acct.ID,
		Fingerprint: DeviceFingerprint("198.51.100.1", "old-phone"),
		LastSeenAt:  testNow.Add(-24 * time.Hour),
	})

	res, err := env.login.AttemptLogin(context.Background(), loginReq("ivy@example.com", testPassword))
	require.NoError(t, err)
	assert.Equal(t, models.LoginOutcomeSuccess, res.Outcome)
	assert.Equal(t, 30, res.RiskScore)

	env.emitter.Wait()
	assert.Equal(t, []models.AlertKind{models.AlertNewDevice}, env.alerts.kinds())

	// A second login from the same device is not new any more
	_, err = env.login.AttemptLogin(context.Background(), loginReq("ivy@example.com", testPassword))
	require.NoError(t, err)
	env.emitter.Wait()
	assert.Len(t, env.alerts.kinds(), 1)
}

func TestLoginService_FirstDeviceIsNotAlerted(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "jay@example.com")

	_, err := env.login.AttemptLogin(context.Background(), loginReq("jay@example.com", testPassword))
	require.NoError(t, err)

	env.emitter.Wait()
	assert.Empty(t, env.alerts.kinds())
}

func TestLoginService_HighRiskAlert(t *testing.T) {
	policy := DefaultSecurityPolicy()
	policy.HighRiskAlertThreshold = 30
	env := newTestEnvWithPolicy(t, policy)
	env.seedAccount(t, "kim@example.com")

	res, err := env.login.AttemptLogin(context.Background(), loginReq("kim@example.com", testPassword))
	require.NoError(t, err)
	assert.Equal(t, models.LoginOutcomeSuccess, res.Outcome)

	env.emitter.Wait()
	assert.Contains(t, env.alerts.kinds(), models.AlertHighRiskLogin)
}

// ============================================================================
// Second factor
// ============================================================================

func TestLoginService_MFAEnabledRequiresCode(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "lee@example.com", func(a *models.Account) { a.MFAEnabled = true })
	ctx := context.Background()

	res, err := env.login.AttemptLogin(ctx, loginReq("lee@example.com", testPassword))
	require.NoError(t, err)
	assert.Equal(t, models.LoginOutcomeMFARequired, res.Outcome)
	assert.Nil(t, res.Session)
	require.NotNil(t, res.Challenge)
	assert.Equal(t, testNow.Add(10*time.Minute), res.Challenge.ExpiresAt)

	code := env.sender.lastCode(t)
	assert.Len(t, code, 6)

	v, err := env.login.VerifyOneTimeCode(ctx, VerifyCodeRequest{ChallengeID: res.Challenge.ID, Code: code})
	require.NoError(t, err)
	assert.Equal(t, models.VerifyOutcomeVerified, v.Outcome)
	require.NotNil(t, v.Session)

	claims, err := env.tokens.ValidateToken(v.Session.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, claims.AccountID)

	known, _ := env.devices.IsKnown(ctx, acct.ID, DeviceFingerprint(testIP, testUA))
	assert.True(t, known, "verified login should remember the device")

	// Codes are single use
	v, err = env.login.VerifyOneTimeCode(ctx, VerifyCodeRequest{ChallengeID: res.Challenge.ID, Code: code})
	assert.ErrorIs(t, err, models.ErrCodeExpired)
	assert.Equal(t, models.VerifyOutcomeExpired, v.Outcome)
}

func TestLoginService_MFARequiredDoesNotResetCounter(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "max@example.com", func(a *models.Account) {
		a.MFAEnabled = true
		a.FailedAttempts = 3
	})

	res, err := env.login.AttemptLogin(context.Background(), loginReq("max@example.com", testPassword))
	require.NoError(t, err)
	assert.Equal(t, models.LoginOutcomeMFARequired, res.Outcome)
	assert.Equal(t, 3, env.accounts.get(acct.ID).FailedAttempts)
}

func TestLoginService_RiskStepUp(t *testing.T) {
	policy := DefaultSecurityPolicy()
	policy.StepUpRiskThreshold = 30
	env := newTestEnvWithPolicy(t, policy)
	env.seedAccount(t, "ned@example.com")

	res, err := env.login.AttemptLogin(context.Background(), loginReq("ned@example.com", testPassword))
	require.NoError(t, err)
	assert.Equal(t, models.LoginOutcomeMFARequired, res.Outcome)
}

func TestLoginService_VerifyRejectsOnceLocked(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "oli@example.com", func(a *models.Account) { a.MFAEnabled = true })
	ctx := context.Background()

	res, err := env.login.AttemptLogin(ctx, loginReq("oli@example.com", testPassword))
	require.NoError(t, err)
	code := env.sender.lastCode(t)

	locked := env.accounts.get(acct.ID)
	until := testNow.Add(time.Hour)
	locked.LockedUntil = &until
	env.accounts.put(locked)

	v, err := env.login.VerifyOneTimeCode(ctx, VerifyCodeRequest{ChallengeID: res.Challenge.ID, Code: code})
	assert.ErrorIs(t, err, models.ErrAccountLocked)
	assert.Equal(t, models.VerifyOutcomeLocked, v.Outcome)
	assert.Nil(t, v.Session)

	stored, err := env.codes.GetByID(ctx, res.Challenge.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.UsedAt, "a locked account must not spend its code")
	assert.Zero(t, stored.Attempts)
}

func TestLoginService_LockDuringPasswordCheckHolds(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "lou@example.com")
	ctx := context.Background()

	// Parallel bad guesses lock the account while the right password is compared
	env.verifier.AfterCompare = func() {
		env.verifier.AfterCompare = nil
		for i := 0; i < 5; i++ {
			_, err := env.accounts.RegisterFailure(ctx, acct.ID, 5, testNow.Add(15*time.Minute), testNow)
			require.NoError(t, err)
		}
	}

	res, err := env.login.AttemptLogin(ctx, loginReq("lou@example.com", testPassword))
	require.ErrorIs(t, err, models.ErrAccountLocked)
	assert.Equal(t, models.LoginOutcomeLocked, res.Outcome)
	assert.Nil(t, res.Session)

	stored := env.accounts.get(acct.ID)
	assert.Equal(t, 5, stored.FailedAttempts)
	require.NotNil(t, stored.LockedUntil)
	assert.Equal(t, testNow.Add(15*time.Minute), *stored.LockedUntil)
	assert.Equal(t, models.LoginOutcomeLocked, env.attempts.last().Outcome)

	devices, _ := env.devices.CountByAccount(ctx, acct.ID)
	assert.Zero(t, devices, "no device is recorded for a refused login")
}

func TestLoginService_LockDuringCodeVerifyHolds(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "mo@example.com", func(a *models.Account) { a.MFAEnabled = true })
	ctx := context.Background()

	res, err := env.login.AttemptLogin(ctx, loginReq("mo@example.com", testPassword))
	require.NoError(t, err)
	code := env.sender.lastCode(t)

	// The first load passes the lock check, the lock lands before the reset
	loads := 0
	env.accounts.GetByIDFunc = func(_ context.Context, id string) (*models.Account, error) {
		loads++
		a := env.accounts.get(id)
		if loads == 2 {
			locked := *a
			until := testNow.Add(15 * time.Minute)
			locked.FailedAttempts, locked.LockedUntil = 5, &until
			env.accounts.put(&locked)
		}
		return a, nil
	}

	v, err := env.login.VerifyOneTimeCode(ctx, VerifyCodeRequest{ChallengeID: res.Challenge.ID, Code: code})
	assert.ErrorIs(t, err, models.ErrAccountLocked)
	assert.Equal(t, models.VerifyOutcomeLocked, v.Outcome)
	assert.Nil(t, v.Session)

	stored := env.accounts.get(acct.ID)
	assert.Equal(t, 5, stored.FailedAttempts)
	assert.NotNil(t, stored.LockedUntil)
	known, _ := env.devices.IsKnown(ctx, acct.ID, DeviceFingerprint(testIP, testUA))
	assert.False(t, known)
}

func TestLoginService_ResendSupersedesCode(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "pia@example.com", func(a *models.Account) { a.MFAEnabled = true })
	ctx := context.Background()

	res, err := env.login.AttemptLogin(ctx, loginReq("pia@example.com", testPassword))
	require.NoError(t, err)
	first := env.sender.lastCode(t)

	challenge, err := env.login.ResendCode(ctx, res.Challenge.ID)
	require.NoError(t, err)
	assert.NotEqual(t, res.Challenge.ID, challenge.ID)
	second := env.sender.lastCode(t)

	v, err := env.login.VerifyOneTimeCode(ctx, VerifyCodeRequest{ChallengeID: res.Challenge.ID, Code: first})
	assert.ErrorIs(t, err, models.ErrCodeExpired)
	assert.Equal(t, models.VerifyOutcomeExpired, v.Outcome)

	v, err = env.login.VerifyOneTimeCode(ctx, VerifyCodeRequest{ChallengeID: challenge.ID, Code: second})
	require.NoError(t, err)
	assert.Equal(t, models.VerifyOutcomeVerified, v.Outcome)
}

func TestLoginService_ResendKeepsGuessBudget(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "rae@example.com", func(a *models.Account) { a.MFAEnabled = true })
	ctx := context.Background()

	res, err := env.login.AttemptLogin(ctx, loginReq("rae@example.com", testPassword))
	require.NoError(t, err)
	plain := env.sender.lastCode(t)

	for i := 0; i < 4; i++ {
		v, err := env.login.VerifyOneTimeCode(ctx, VerifyCodeRequest{ChallengeID: res.Challenge.ID, Code: wrongCodeFor(plain)})
		require.ErrorIs(t, err, models.ErrCodeInvalid)
		assert.Equal(t, models.VerifyOutcomeInvalid, v.Outcome)
	}

	challenge, err := env.login.ResendCode(ctx, res.Challenge.ID)
	require.NoError(t, err)
	plain = env.sender.lastCode(t)

	v, err := env.login.VerifyOneTimeCode(ctx, VerifyCodeRequest{ChallengeID: challenge.ID, Code: wrongCodeFor(plain)})
	assert.ErrorIs(t, err, models.ErrCodeExhausted)
	assert.Equal(t, models.VerifyOutcomeExhausted, v.Outcome)

	_, err = env.login.ResendCode(ctx, challenge.ID)
	assert.ErrorIs(t, err, models.ErrCodeExhausted)
}

func TestLoginService_GuessesAcrossResendsAreBounded(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "sol@example.com", func(a *models.Account) { a.MFAEnabled = true })
	ctx := context.Background()

	res, err := env.login.AttemptLogin(ctx, loginReq("sol@example.com", testPassword))
	require.NoError(t, err)
	challengeID := res.Challenge.ID

	guesses := 0
	for i := 0; i < 20; i++ {
		plain := env.sender.lastCode(t)
		v, _ := env.login.VerifyOneTimeCode(ctx, VerifyCodeRequest{ChallengeID: challengeID, Code: wrongCodeFor(plain)})
		require.NotNil(t, v)
		if v.Outcome == models.VerifyOutcomeInvalid || v.Outcome == models.VerifyOutcomeExhausted {
			guesses++
		}
		next, err := env.login.ResendCode(ctx, challengeID)
		if err != nil {
			assert.ErrorIs(t, err, models.ErrCodeExhausted)
			break
		}
		challengeID = next.ID
	}
	assert.Equal(t, DefaultCodeConfig().MaxAttempts, guesses)
}

func TestLoginService_ResendUnknownChallenge(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.login.ResendCode(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, models.ErrCodeInvalid)
}

// ============================================================================
// Logout and snapshot
// ============================================================================

func TestLoginService_LogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "quin@example.com")

	session, err := env.tokens.IssueSession(acct)
	require.NoError(t, err)

	var revoked string
	env.revoker.RevokeTokenFunc = func(_ context.Context, jti string, expiresAt time.Time) error {
		revoked = jti
		assert.True(t, expiresAt.After(time.Now()))
		return nil
	}

	require.NoError(t, env.login.Logout(context.Background(), session.AccessToken))
	claims, _ := env.tokens.ValidateToken(session.AccessToken)
	assert.Equal(t, claims.ID, revoked)
}

func TestLoginService_LogoutInvalidToken(t *testing.T) {
	env := newTestEnv(t)

	err := env.login.Logout(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestLoginService_RiskSnapshot(t *testing.T) {
	env := newTestEnv(t)
	acct := env.seedAccount(t, "ray@example.com")
	env.knowDevice(acct.ID)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = env.login.AttemptLogin(ctx, loginReq("ray@example.com", "wrong-pass"))
	}
	env.emitter.Wait()

	snap, err := env.login.GetAccountRiskSnapshot(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, snap.AccountID)
	assert.Equal(t, 3, snap.FailedAttempts)
	assert.Equal(t, 3, snap.RecentFailures)
	assert.False(t, snap.Locked)
	assert.Nil(t, snap.LockedUntil)
	assert.Equal(t, 1, snap.KnownDevices)
	require.Len(t, snap.RecentAlerts, 1)
	assert.Equal(t, models.AlertFailureBurst, snap.RecentAlerts[0].Kind)
}

func TestLoginService_RiskSnapshotUnknownAccount(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.login.GetAccountRiskSnapshot(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLoginService_RecordsCountry(t *testing.T) {
	env := newTestEnv(t)
	env.login.geo = staticGeo{testIP: "NZ"}
	acct := env.seedAccount(t, "sam@example.com")
	env.knowDevice(acct.ID)

	_, err := env.login.AttemptLogin(context.Background(), loginReq("sam@example.com", testPassword))
	require.NoError(t, err)
	assert.Equal(t, "NZ", env.attempts.last().CountryCode)
}
