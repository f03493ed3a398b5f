// Package device defines the on-device collaborator contracts consumed by
// the security coordinator: the biometric capability, the secret-entry
// prompt, and the platform integrity probe. The real implementations live
// outside this subsystem; fakes for tests are in fake.go.
package device

import (
	"context"
	"errors"
)

// ErrCancelled is returned when the user dismisses a prompt. Not an attack
// signal: callers audit it at info level and retry policy differs from
// failure.
var ErrCancelled = errors.New("cancelled by user")

// BiometricOutcome is the result of one biometric attempt. Cancellation is
// deliberately distinct from failure.
type BiometricOutcome string

const (
	OutcomeSuccess   BiometricOutcome = "success"
	OutcomeCancelled BiometricOutcome = "cancelled"
	OutcomeFailed    BiometricOutcome = "failed"
)

// BiometricResult carries the outcome and, for failures, a reason.
type BiometricResult struct {
	Outcome BiometricOutcome
	Reason  string
}

// Biometric is the device biometric capability. Authenticate is asynchronous
// and user-driven; cancelling ctx must promptly surface OutcomeCancelled.
type Biometric interface {
	HasHardware(ctx context.Context) bool
	IsEnrolled(ctx context.Context) bool
	Authenticate(ctx context.Context, prompt string) (BiometricResult, error)
}

// SecretPrompt asks the user for their PIN. Returns ErrCancelled if the user
// dismisses the prompt.
type SecretPrompt interface {
	PromptForSecret(ctx context.Context, reason string) (string, error)
}

// Integrity reports the platform-specific device-integrity flag (root or
// jailbreak detection, emulator checks and the like).
type Integrity interface {
	Compromised(ctx context.Context) (bool, string)
}
