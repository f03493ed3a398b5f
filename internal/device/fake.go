package device

import "context"

// FakeBiometric is a scriptable Biometric for tests and local development.
type FakeBiometric struct {
	Hardware bool
	Enrolled bool
	Result   BiometricResult
	Err      error
	Calls    int
}

func (f *FakeBiometric) HasHardware(ctx context.Context) bool { return f.Hardware }
func (f *FakeBiometric) IsEnrolled(ctx context.Context) bool  { return f.Enrolled }

func (f *FakeBiometric) Authenticate(ctx context.Context, prompt string) (BiometricResult, error) {
	f.Calls++
	if err := ctx.Err(); err != nil {
		return BiometricResult{Outcome: OutcomeCancelled}, nil
	}
	return f.Result, f.Err
}

// FakePrompt returns a fixed secret, or ErrCancelled when Cancelled is set.
type FakePrompt struct {
	Secret    string
	Cancelled bool
	Calls     int
}

func (f *FakePrompt) PromptForSecret(ctx context.Context, reason string) (string, error) {
	f.Calls++
	if f.Cancelled {
		return "", ErrCancelled
	}
	return f.Secret, nil
}

// FakeIntegrity reports a fixed integrity verdict.
type FakeIntegrity struct {
	IsCompromised bool
	Detail        string
}

func (f *FakeIntegrity) Compromised(ctx context.Context) (bool, string) {
	return f.IsCompromised, f.Detail
}
