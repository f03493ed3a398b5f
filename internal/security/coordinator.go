package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/payguard/internal/audit"
	"github.com/mbd888/payguard/internal/credential"
	"github.com/mbd888/payguard/internal/crypto"
	"github.com/mbd888/payguard/internal/device"
	"github.com/mbd888/payguard/internal/fraud"
	"github.com/mbd888/payguard/internal/metrics"
	"github.com/mbd888/payguard/internal/session"
	"github.com/mbd888/payguard/internal/settings"
	"github.com/mbd888/payguard/internal/storage"
	"github.com/mbd888/payguard/internal/traces"
)

// Errors
var (
	// ErrLockedDown means a credential-dependent call was attempted after an
	// emergency lockdown. Only SetPIN (re-provisioning) clears it.
	ErrLockedDown = errors.New("device is locked down; set a new PIN to re-provision")
	// ErrLockedOut means the PIN failure threshold was exceeded; retry after
	// the lockout window.
	ErrLockedOut = errors.New("too many failed PIN attempts")
	// ErrAuthFailed means the presented secret did not match. Recoverable;
	// retry is permitted.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrNotConfirmed means lockdown was invoked without explicit confirmation.
	ErrNotConfirmed = errors.New("lockdown requires explicit confirmation")
)

// Posture is the coordinator's overall state.
type Posture string

const (
	PostureUninitialized Posture = "uninitialized"
	PostureNormal        Posture = "normal"
	PostureLocked        Posture = "locked"
)

// Report aggregates one security check.
type Report struct {
	BiometricAvailable bool      `json:"biometricAvailable"`
	PINConfigured      bool      `json:"pinConfigured"`
	DeviceCompromised  bool      `json:"deviceCompromised"`
	IntegrityDetail    string    `json:"integrityDetail,omitempty"`
	Posture            Posture   `json:"posture"`
	CheckedAt          time.Time `json:"checkedAt"`
}

// Deps carries the coordinator's collaborators and policy.
type Deps struct {
	Credentials *credential.Store
	Crypto      *crypto.Helper
	Sessions    *session.Guard
	Audit       *audit.Log
	Settings    *settings.Manager
	Secure      storage.Store
	Biometric   device.Biometric
	Prompt      device.SecretPrompt
	Integrity   device.Integrity
	Logger      *slog.Logger

	MaxPINAttempts int
	LockoutWindow  time.Duration
	FraudConfig    fraud.Config
}

// Coordinator is the façade composing the security subsystem. Callers gate
// sensitive actions through it; it decides whether step-up authentication is
// needed, runs the fraud heuristic on outgoing transactions, and owns the
// irreversible emergency lockdown.
type Coordinator struct {
	deps     Deps
	recorder *fraud.Recorder
	logger   *slog.Logger

	mu         sync.Mutex
	posture    Posture
	lastReport *Report
	now        func() time.Time

	// attemptMu serializes the read-modify-write on the persisted failure
	// counter. Concurrent wrong-PIN attempts must not lose increments, or
	// an attacker gets more guesses than the lockout threshold allows.
	attemptMu sync.Mutex
}

// attemptState is the persisted PIN failure counter.
type attemptState struct {
	Count       int       `json:"count"`
	LockedUntil time.Time `json:"lockedUntil,omitempty"`
}

// NewCoordinator creates the coordinator. Posture starts Uninitialized until
// the first security check.
func NewCoordinator(deps Deps) *Coordinator {
	return &Coordinator{
		deps:     deps,
		recorder: fraud.NewRecorder(deps.FraudConfig.FrequencyWindow),
		logger:   deps.Logger,
		posture:  PostureUninitialized,
		now:      time.Now,
	}
}

// WithClock overrides the time source (for tests).
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Posture returns the current overall state.
func (c *Coordinator) Posture() Posture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.posture
}

// RequireAuthentication gates a sensitive action. If the session is still
// valid it returns immediately without prompting. Otherwise it attempts
// biometric step-up, falling back to a PIN prompt on failure or when
// biometrics are unavailable. Every attempt outcome lands in the audit log.
func (c *Coordinator) RequireAuthentication(ctx context.Context, reason string) error {
	if c.Posture() == PostureLocked {
		return ErrLockedDown
	}

	// Idempotent fast path: a valid session needs no step-up.
	if c.deps.Sessions.Check() {
		return nil
	}

	ctx, span := traces.StartSpan(ctx, "security.require_authentication", traces.Reason(reason))
	defer span.End()

	pol := c.deps.Settings.Load(ctx)

	if pol.BiometricEnabled && c.biometricAvailable(ctx) {
		res, err := c.deps.Biometric.Authenticate(ctx, reason)
		switch {
		case err != nil:
			metrics.AuthAttemptsTotal.WithLabelValues("biometric", "error").Inc()
			c.deps.Audit.Record(ctx, "biometric_error", audit.LevelError, map[string]string{
				"reason": reason, "error": err.Error(),
			})
			// Fall through to PIN.
		case res.Outcome == device.OutcomeSuccess:
			metrics.AuthAttemptsTotal.WithLabelValues("biometric", "success").Inc()
			c.deps.Sessions.Login(session.LevelBiometric)
			c.resetAttempts(ctx)
			c.deps.Audit.Record(ctx, "biometric_success", audit.LevelInfo, map[string]string{"reason": reason})
			return nil
		case res.Outcome == device.OutcomeCancelled:
			// User dismissed the prompt. Not an attack signal; do not fall
			// through to the PIN prompt.
			metrics.AuthAttemptsTotal.WithLabelValues("biometric", "cancelled").Inc()
			c.deps.Audit.Record(ctx, "auth_cancelled", audit.LevelInfo, map[string]string{"reason": reason})
			return device.ErrCancelled
		default:
			metrics.AuthAttemptsTotal.WithLabelValues("biometric", "failed").Inc()
			c.deps.Audit.Record(ctx, "biometric_failed", audit.LevelWarning, map[string]string{
				"reason": reason, "detail": res.Reason,
			})
			// Fall through to PIN.
		}
	}

	if !pol.PINEnabled || c.deps.Prompt == nil {
		c.deps.Audit.Record(ctx, "auth_unavailable", audit.LevelWarning, map[string]string{"reason": reason})
		return fmt.Errorf("%w: no authentication method available", ErrAuthFailed)
	}

	if err := c.checkLockout(ctx); err != nil {
		c.deps.Audit.Record(ctx, "pin_locked_out", audit.LevelWarning, map[string]string{"reason": reason})
		return err
	}

	pin, err := c.deps.Prompt.PromptForSecret(ctx, reason)
	if errors.Is(err, device.ErrCancelled) {
		metrics.AuthAttemptsTotal.WithLabelValues("pin", "cancelled").Inc()
		c.deps.Audit.Record(ctx, "auth_cancelled", audit.LevelInfo, map[string]string{"reason": reason})
		return device.ErrCancelled
	}
	if err != nil {
		c.deps.Audit.Record(ctx, "pin_prompt_error", audit.LevelError, map[string]string{
			"reason": reason, "error": err.Error(),
		})
		return err
	}

	match, err := c.deps.Credentials.VerifyPIN(ctx, pin)
	if err != nil {
		level := audit.LevelError
		if errors.Is(err, credential.ErrNotConfigured) {
			level = audit.LevelWarning
		}
		c.deps.Audit.Record(ctx, "pin_verify_error", level, map[string]string{
			"reason": reason, "error": err.Error(),
		})
		return err
	}
	if !match {
		metrics.AuthAttemptsTotal.WithLabelValues("pin", "failed").Inc()
		c.recordFailure(ctx)
		c.deps.Audit.Record(ctx, "pin_mismatch", audit.LevelWarning, map[string]string{"reason": reason})
		return ErrAuthFailed
	}

	metrics.AuthAttemptsTotal.WithLabelValues("pin", "success").Inc()
	c.deps.Sessions.Login(session.LevelPin)
	c.resetAttempts(ctx)
	c.deps.Audit.Record(ctx, "pin_success", audit.LevelInfo, map[string]string{"reason": reason})
	return nil
}

// SetPIN provisions or replaces the credential. This is also the only path
// out of lockdown. The session is untouched.
func (c *Coordinator) SetPIN(ctx context.Context, pin string) error {
	if err := c.deps.Credentials.SetPIN(ctx, pin); err != nil {
		return err
	}
	c.resetAttempts(ctx)

	c.mu.Lock()
	reprovisioned := c.posture == PostureLocked
	if reprovisioned {
		c.posture = PostureNormal
	}
	c.mu.Unlock()

	name := "pin_set"
	if reprovisioned {
		name = "pin_reprovisioned"
	}
	c.deps.Audit.Record(ctx, name, audit.LevelInfo, nil)
	return nil
}

// VerifyPIN verifies a presented PIN with lockout enforcement. It does not
// change session state; use RequireAuthentication for step-up.
func (c *Coordinator) VerifyPIN(ctx context.Context, pin string) (bool, error) {
	if c.Posture() == PostureLocked {
		return false, ErrLockedDown
	}
	if err := c.checkLockout(ctx); err != nil {
		return false, err
	}

	match, err := c.deps.Credentials.VerifyPIN(ctx, pin)
	if err != nil {
		return false, err
	}
	if !match {
		metrics.AuthAttemptsTotal.WithLabelValues("pin", "failed").Inc()
		c.recordFailure(ctx)
		c.deps.Audit.Record(ctx, "pin_mismatch", audit.LevelWarning, nil)
		return false, nil
	}
	c.resetAttempts(ctx)
	return true, nil
}

// Logout forces the session to Unauthenticated.
func (c *Coordinator) Logout(ctx context.Context) {
	c.deps.Sessions.Logout()
	c.deps.Audit.Record(ctx, "logout", audit.LevelInfo, nil)
}

// PerformSecurityCheck aggregates biometric availability, credential
// presence, and the device-integrity flag into one report, and logs it.
func (c *Coordinator) PerformSecurityCheck(ctx context.Context) *Report {
	ctx, span := traces.StartSpan(ctx, "security.perform_check")
	defer span.End()

	configured, err := c.deps.Credentials.Configured(ctx)
	if err != nil {
		// Non-critical read; degrade to "not configured".
		c.logger.Warn("credential presence check failed", "error", err)
		configured = false
	}

	compromised := false
	detail := ""
	if c.deps.Integrity != nil {
		compromised, detail = c.deps.Integrity.Compromised(ctx)
	}

	c.mu.Lock()
	if c.posture == PostureUninitialized {
		c.posture = PostureNormal
	}
	report := &Report{
		BiometricAvailable: c.biometricAvailable(ctx),
		PINConfigured:      configured,
		DeviceCompromised:  compromised,
		IntegrityDetail:    detail,
		Posture:            c.posture,
		CheckedAt:          c.now(),
	}
	c.lastReport = report
	c.mu.Unlock()

	level := audit.LevelInfo
	if compromised {
		level = audit.LevelWarning
	}
	c.deps.Audit.Record(ctx, "security_check", level, map[string]string{
		"biometricAvailable": strconv.FormatBool(report.BiometricAvailable),
		"pinConfigured":      strconv.FormatBool(report.PINConfigured),
		"deviceCompromised":  strconv.FormatBool(report.DeviceCompromised),
	})
	return report
}

// GateTransaction runs the fraud heuristic over an outgoing transaction.
// Suspicious transactions are escalated (warning audit entry, high-priority
// alert via the audit sink) but never blocked here; that policy belongs to
// the caller of the caller.
func (c *Coordinator) GateTransaction(ctx context.Context, tx fraud.Transaction) (fraud.Result, error) {
	if c.Posture() == PostureLocked {
		return fraud.Result{}, ErrLockedDown
	}

	ctx, span := traces.StartSpan(ctx, "security.gate_transaction",
		traces.UserID(tx.UserID), traces.Amount(tx.Amount))
	defer span.End()

	if tx.Time.IsZero() {
		tx.Time = c.now()
	}

	var result fraud.Result
	if c.deps.Settings.Load(ctx).FraudDetectionEnabled {
		recent := c.recorder.RecentCount(tx.UserID, tx.Time)
		result = fraud.Evaluate(c.deps.FraudConfig, tx, recent)
	}
	span.SetAttributes(traces.Suspicious(result.Suspicious))

	verdict := "clean"
	if result.Suspicious {
		verdict = "suspicious"
		c.deps.Audit.Record(ctx, "fraud_indicators", audit.LevelWarning, map[string]string{
			"channel":    "fraud",
			"userId":     tx.UserID,
			"amount":     strconv.FormatFloat(tx.Amount, 'f', 2, 64),
			"indicators": strings.Join(result.Indicators, "; "),
		})
	}
	metrics.FraudEvaluationsTotal.WithLabelValues(verdict).Inc()

	c.recorder.Record(tx.UserID, tx.Time)
	return result, nil
}

// EmergencyLockdown irreversibly clears the credential, the derived
// encryption key, and the attempt counter, and forces logout. All-or-nothing:
// if any deletion fails, already-deleted values are restored and the whole
// operation is reported failed. Requires explicit confirmation.
func (c *Coordinator) EmergencyLockdown(ctx context.Context, confirm bool) error {
	if !confirm {
		return ErrNotConfirmed
	}

	ctx, span := traces.StartSpan(ctx, "security.emergency_lockdown")
	defer span.End()

	c.mu.Lock()
	if c.posture == PostureLocked {
		c.mu.Unlock()
		c.deps.Sessions.Logout()
		return nil
	}
	c.mu.Unlock()

	keys := []string{
		storage.KeyCredentialHash,
		storage.KeyCredentialSalt,
		storage.KeyEncryptionKey,
		storage.KeyFailedAttempts,
	}

	// Snapshot current values so a mid-sequence failure can be rolled back.
	snapshot := make(map[string][]byte)
	for _, key := range keys {
		v, err := c.deps.Secure.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("lockdown aborted, secure tier unavailable: %w", err)
		}
		snapshot[key] = v
	}

	var deleted []string
	for _, key := range keys {
		if err := c.deps.Secure.Delete(ctx, key); err != nil {
			for _, d := range deleted {
				if v, ok := snapshot[d]; ok {
					if rerr := c.deps.Secure.Set(ctx, d, v); rerr != nil {
						c.logger.Error("lockdown rollback failed", "key", d, "error", rerr)
					}
				}
			}
			return fmt.Errorf("lockdown failed, no secrets cleared: %w", err)
		}
		deleted = append(deleted, key)
	}

	// Secrets are gone; drop in-memory copies and force logout.
	c.deps.Crypto.Forget()
	c.deps.Sessions.Logout()

	c.mu.Lock()
	c.posture = PostureLocked
	c.mu.Unlock()

	metrics.LockdownsTotal.Inc()
	c.deps.Audit.Record(ctx, "emergency_lockdown", audit.LevelError, map[string]string{
		"clearedKeys": strings.Join(deleted, ","),
	})
	c.logger.Error("emergency lockdown performed")
	return nil
}

func (c *Coordinator) biometricAvailable(ctx context.Context) bool {
	b := c.deps.Biometric
	return b != nil && b.HasHardware(ctx) && b.IsEnrolled(ctx)
}

// --- PIN attempt counter ---

func (c *Coordinator) loadAttempts(ctx context.Context) attemptState {
	var state attemptState
	data, err := c.deps.Secure.Get(ctx, storage.KeyFailedAttempts)
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return attemptState{}
	}
	return state
}

func (c *Coordinator) saveAttempts(ctx context.Context, state attemptState) {
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := c.deps.Secure.Set(ctx, storage.KeyFailedAttempts, data); err != nil {
		c.logger.Warn("failed to persist attempt counter", "error", err)
	}
}

// checkLockout returns ErrLockedOut while the lockout window is active. An
// expired window clears the counter.
func (c *Coordinator) checkLockout(ctx context.Context) error {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()

	state := c.loadAttempts(ctx)
	if state.LockedUntil.IsZero() {
		return nil
	}
	if c.now().Before(state.LockedUntil) {
		return ErrLockedOut
	}
	c.clearAttemptsLocked(ctx)
	return nil
}

// recordFailure bumps the counter and starts the lockout window once the
// threshold is reached.
func (c *Coordinator) recordFailure(ctx context.Context) {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()

	state := c.loadAttempts(ctx)
	state.Count++
	if state.Count >= c.deps.MaxPINAttempts && state.LockedUntil.IsZero() {
		state.LockedUntil = c.now().Add(c.deps.LockoutWindow)
		c.deps.Audit.Record(ctx, "pin_lockout", audit.LevelWarning, map[string]string{
			"attempts":    strconv.Itoa(state.Count),
			"lockedUntil": state.LockedUntil.Format(time.RFC3339),
		})
	}
	c.saveAttempts(ctx, state)
}

// resetAttempts clears the counter after a successful authentication.
func (c *Coordinator) resetAttempts(ctx context.Context) {
	c.attemptMu.Lock()
	defer c.attemptMu.Unlock()
	c.clearAttemptsLocked(ctx)
}

// clearAttemptsLocked deletes the counter. Caller holds c.attemptMu.
func (c *Coordinator) clearAttemptsLocked(ctx context.Context) {
	if err := c.deps.Secure.Delete(ctx, storage.KeyFailedAttempts); err != nil {
		c.logger.Warn("failed to reset attempt counter", "error", err)
	}
}
