package security

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/payguard/internal/audit"
	"github.com/mbd888/payguard/internal/credential"
	"github.com/mbd888/payguard/internal/crypto"
	"github.com/mbd888/payguard/internal/device"
	"github.com/mbd888/payguard/internal/fraud"
	"github.com/mbd888/payguard/internal/logging"
	"github.com/mbd888/payguard/internal/session"
	"github.com/mbd888/payguard/internal/settings"
	"github.com/mbd888/payguard/internal/storage"
)

type fixture struct {
	coord     *Coordinator
	secure    *storage.MemoryStore
	plain     *storage.MemoryStore
	biometric *device.FakeBiometric
	prompt    *device.FakePrompt
	integrity *device.FakeIntegrity
	sessions  *session.Guard
	auditLog  *audit.Log
	clock     *fakeClock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := logging.NewTestLogger()
	secure := storage.NewMemoryStore()
	plain := storage.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2025, 6, 15, 14, 0, 0, 0, time.Local)}

	sessions := session.NewGuard(5 * time.Minute).WithClock(clock.Now)
	auditLog := audit.New(plain, logger).WithPlatform("test")
	defaults := settings.Settings{
		BiometricEnabled:      true,
		PINEnabled:            true,
		SessionTimeoutMinutes: 5,
		FraudDetectionEnabled: true,
		NotificationsEnabled:  true,
	}

	bio := &device.FakeBiometric{Hardware: true, Enrolled: true, Result: device.BiometricResult{Outcome: device.OutcomeSuccess}}
	prompt := &device.FakePrompt{Secret: "1234"}
	integ := &device.FakeIntegrity{}

	coord := NewCoordinator(Deps{
		Credentials:    credential.NewStore(secure),
		Crypto:         crypto.NewHelper(secure),
		Sessions:       sessions,
		Audit:          auditLog,
		Settings:       settings.NewManager(plain, defaults, logger),
		Secure:         secure,
		Biometric:      bio,
		Prompt:         prompt,
		Integrity:      integ,
		Logger:         logger,
		MaxPINAttempts: 3,
		LockoutWindow:  15 * time.Minute,
		FraudConfig:    fraud.DefaultConfig(),
	}).WithClock(clock.Now)

	return &fixture{
		coord:     coord,
		secure:    secure,
		plain:     plain,
		biometric: bio,
		prompt:    prompt,
		integrity: integ,
		sessions:  sessions,
		auditLog:  auditLog,
		clock:     clock,
	}
}

func (f *fixture) setPIN(t *testing.T, pin string) {
	t.Helper()
	require.NoError(t, f.coord.SetPIN(context.Background(), pin))
}

func TestRequireAuthentication_ValidSessionSkipsPrompts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPIN(t, "1234")

	require.NoError(t, f.coord.RequireAuthentication(ctx, "send payment"))
	require.Equal(t, 1, f.biometric.Calls)

	// Session is now valid; the second gate must not prompt again.
	require.NoError(t, f.coord.RequireAuthentication(ctx, "send payment"))
	assert.Equal(t, 1, f.biometric.Calls)
	assert.Equal(t, 0, f.prompt.Calls)
}

func TestRequireAuthentication_BiometricSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.RequireAuthentication(ctx, "view card"))
	assert.Equal(t, session.LevelBiometric, f.sessions.Level())
	assert.Equal(t, 0, f.prompt.Calls)
}

func TestRequireAuthentication_BiometricCancelAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.biometric.Result = device.BiometricResult{Outcome: device.OutcomeCancelled}

	err := f.coord.RequireAuthentication(ctx, "send payment")
	require.ErrorIs(t, err, device.ErrCancelled)

	// Cancellation must not fall through to the PIN prompt.
	assert.Equal(t, 0, f.prompt.Calls)
	assert.Equal(t, session.LevelNone, f.sessions.Level())
}

func TestRequireAuthentication_BiometricFailureFallsBackToPIN(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPIN(t, "1234")
	f.biometric.Result = device.BiometricResult{Outcome: device.OutcomeFailed, Reason: "no match"}

	require.NoError(t, f.coord.RequireAuthentication(ctx, "send payment"))
	assert.Equal(t, 1, f.prompt.Calls)
	assert.Equal(t, session.LevelPin, f.sessions.Level())
}

func TestRequireAuthentication_NoBiometricHardwareUsesPIN(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPIN(t, "1234")
	f.biometric.Hardware = false

	require.NoError(t, f.coord.RequireAuthentication(ctx, "send payment"))
	assert.Equal(t, 0, f.biometric.Calls)
	assert.Equal(t, 1, f.prompt.Calls)
}

func TestRequireAuthentication_WrongPIN(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPIN(t, "1234")
	f.biometric.Hardware = false
	f.prompt.Secret = "9999"

	err := f.coord.RequireAuthentication(ctx, "send payment")
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, session.LevelNone, f.sessions.Level())
}

func TestRequireAuthentication_PINNotConfigured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.biometric.Hardware = false

	err := f.coord.RequireAuthentication(ctx, "send payment")
	require.ErrorIs(t, err, credential.ErrNotConfigured)
}

func TestLockout_ThresholdAndExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPIN(t, "1234")
	f.biometric.Hardware = false
	f.prompt.Secret = "0000"

	for i := 0; i < 3; i++ {
		err := f.coord.RequireAuthentication(ctx, "send payment")
		require.ErrorIs(t, err, ErrAuthFailed, "attempt %d", i+1)
	}

	// Threshold reached: further attempts are refused without prompting.
	promptsBefore := f.prompt.Calls
	err := f.coord.RequireAuthentication(ctx, "send payment")
	require.ErrorIs(t, err, ErrLockedOut)
	assert.Equal(t, promptsBefore, f.prompt.Calls)

	// The window expires; a correct PIN works again.
	f.clock.Advance(16 * time.Minute)
	f.prompt.Secret = "1234"
	require.NoError(t, f.coord.RequireAuthentication(ctx, "send payment"))
}

func TestVerifyPIN_NoSessionChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPIN(t, "1234")

	match, err := f.coord.VerifyPIN(ctx, "1234")
	require.NoError(t, err)
	assert.True(t, match)
	assert.Equal(t, session.LevelNone, f.sessions.Level())

	match, err = f.coord.VerifyPIN(ctx, "4321")
	require.NoError(t, err)
	assert.False(t, match)
}

func TestVerifyPIN_ConcurrentFailuresAllCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPIN(t, "1234")

	// With the threshold equal to the number of racing attempts, lockout
	// only trips if every failure lands on the counter.
	const attempts = 30
	f.coord.deps.MaxPINAttempts = attempts

	var wg sync.WaitGroup
	matches := make([]bool, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			matches[i], errs[i] = f.coord.VerifyPIN(ctx, "0000")
		}(i)
	}
	wg.Wait()

	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i], "attempt %d", i)
		assert.False(t, matches[i], "attempt %d", i)
	}

	_, err := f.coord.VerifyPIN(ctx, "1234")
	assert.ErrorIs(t, err, ErrLockedOut)
}

func TestPerformSecurityCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, PostureUninitialized, f.coord.Posture())

	report := f.coord.PerformSecurityCheck(ctx)
	assert.True(t, report.BiometricAvailable)
	assert.False(t, report.PINConfigured)
	assert.False(t, report.DeviceCompromised)
	assert.Equal(t, PostureNormal, report.Posture)
	assert.Equal(t, PostureNormal, f.coord.Posture())

	f.setPIN(t, "1234")
	f.integrity.IsCompromised = true
	f.integrity.Detail = "root detected"

	report = f.coord.PerformSecurityCheck(ctx)
	assert.True(t, report.PINConfigured)
	assert.True(t, report.DeviceCompromised)
	assert.Equal(t, "root detected", report.IntegrityDetail)

	events := f.auditLog.List(ctx, audit.LevelWarning)
	require.NotEmpty(t, events)
	assert.Equal(t, "security_check", events[len(events)-1].Name)
}

func TestGateTransaction_CleanAndSuspicious(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 14, 0, 0, 0, time.Local)

	result, err := f.coord.GateTransaction(ctx, fraud.Transaction{UserID: "u1", Amount: 50, Time: at})
	require.NoError(t, err)
	assert.False(t, result.Suspicious)

	result, err = f.coord.GateTransaction(ctx, fraud.Transaction{UserID: "u1", Amount: 5000, Time: at})
	require.NoError(t, err)
	assert.True(t, result.Suspicious)
	assert.Equal(t, []string{fraud.IndicatorLargeAmount}, result.Indicators)

	events := f.auditLog.List(ctx, audit.LevelWarning)
	require.Len(t, events, 1)
	assert.Equal(t, "fraud_indicators", events[0].Name)
	assert.Equal(t, "fraud", events[0].Metadata["channel"])
}

func TestGateTransaction_FrequencyRule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 14, 0, 0, 0, time.Local)

	// Six prior transactions push the seventh over the default threshold of 5.
	for i := 0; i < 6; i++ {
		_, err := f.coord.GateTransaction(ctx, fraud.Transaction{UserID: "u1", Amount: 10, Time: at})
		require.NoError(t, err)
	}
	result, err := f.coord.GateTransaction(ctx, fraud.Transaction{UserID: "u1", Amount: 10, Time: at})
	require.NoError(t, err)
	assert.Contains(t, result.Indicators, fraud.IndicatorHighFrequency)

	// Other users are unaffected.
	result, err = f.coord.GateTransaction(ctx, fraud.Transaction{UserID: "u2", Amount: 10, Time: at})
	require.NoError(t, err)
	assert.False(t, result.Suspicious)
}

func TestGateTransaction_DisabledByPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mgr := settings.NewManager(f.plain, settings.Settings{SessionTimeoutMinutes: 5}, logging.NewTestLogger())
	require.NoError(t, mgr.Save(ctx, settings.Settings{
		PINEnabled:            true,
		SessionTimeoutMinutes: 5,
		FraudDetectionEnabled: false,
	}))

	result, err := f.coord.GateTransaction(ctx, fraud.Transaction{
		UserID: "u1", Amount: 999999, Time: time.Date(2025, 6, 15, 3, 0, 0, 0, time.Local),
	})
	require.NoError(t, err)
	assert.False(t, result.Suspicious)
}

func TestEmergencyLockdown_RequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	err := f.coord.EmergencyLockdown(context.Background(), false)
	require.ErrorIs(t, err, ErrNotConfirmed)
	assert.NotEqual(t, PostureLocked, f.coord.Posture())
}

func TestEmergencyLockdown_ClearsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPIN(t, "1234")
	require.NoError(t, f.coord.RequireAuthentication(ctx, "setup"))

	protected, err := crypto.NewHelper(f.secure).Protect(ctx, []byte("card token"))
	require.NoError(t, err)

	require.NoError(t, f.coord.EmergencyLockdown(ctx, true))
	assert.Equal(t, PostureLocked, f.coord.Posture())
	assert.Equal(t, session.LevelNone, f.sessions.Level())

	for _, key := range []string{
		storage.KeyCredentialHash,
		storage.KeyCredentialSalt,
		storage.KeyEncryptionKey,
	} {
		_, err := f.secure.Get(ctx, key)
		assert.ErrorIs(t, err, storage.ErrNotFound, "key %s should be cleared", key)
	}

	// The old key is gone; previously protected data is unrecoverable.
	_, err = crypto.NewHelper(f.secure).Unprotect(ctx, protected)
	assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext)

	// Credential-dependent operations are refused until re-provisioning.
	err = f.coord.RequireAuthentication(ctx, "send payment")
	assert.ErrorIs(t, err, ErrLockedDown)
	_, err = f.coord.VerifyPIN(ctx, "1234")
	assert.ErrorIs(t, err, ErrLockedDown)
	_, err = f.coord.GateTransaction(ctx, fraud.Transaction{UserID: "u1", Amount: 1})
	assert.ErrorIs(t, err, ErrLockedDown)
}

func TestEmergencyLockdown_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPIN(t, "1234")

	require.NoError(t, f.coord.EmergencyLockdown(ctx, true))
	require.NoError(t, f.coord.EmergencyLockdown(ctx, true))
	assert.Equal(t, PostureLocked, f.coord.Posture())
}

func TestSetPIN_ReprovisionsAfterLockdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setPIN(t, "1234")
	require.NoError(t, f.coord.EmergencyLockdown(ctx, true))

	require.NoError(t, f.coord.SetPIN(ctx, "5678"))
	assert.Equal(t, PostureNormal, f.coord.Posture())

	match, err := f.coord.VerifyPIN(ctx, "5678")
	require.NoError(t, err)
	assert.True(t, match)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.coord.RequireAuthentication(ctx, "setup"))
	require.Equal(t, session.LevelBiometric, f.sessions.Level())

	f.coord.Logout(ctx)
	assert.Equal(t, session.LevelNone, f.sessions.Level())
}
