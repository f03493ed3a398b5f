// Package credential stores and verifies the user's PIN.
//
// The PIN itself is never persisted. A per-credential random salt is created
// once and reused for the life of the credential; only the salted SHA-256
// hash is written to the secure tier. Attempt counting and lockout are the
// coordinator's responsibility, not this package's.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/mbd888/payguard/internal/crypto"
	"github.com/mbd888/payguard/internal/storage"
)

const saltBytes = 16

var pinPattern = regexp.MustCompile(`^[0-9]{4,6}$`)

// Errors
var (
	// ErrInvalidPIN means the PIN does not match the 4-6 digit format.
	ErrInvalidPIN = errors.New("PIN must be 4-6 digits")
	// ErrNotConfigured means verification was attempted before any PIN was set.
	ErrNotConfigured = errors.New("no PIN configured")
)

// Store persists the salted PIN hash in the secure tier.
type Store struct {
	secure storage.Store
	mu     sync.Mutex
}

// NewStore creates a credential store backed by the secure tier.
func NewStore(secure storage.Store) *Store {
	return &Store{secure: secure}
}

// SetPIN validates and stores a new PIN, unconditionally replacing any prior
// credential. The session is untouched.
func (s *Store) SetPIN(ctx context.Context, pin string) error {
	if !pinPattern.MatchString(pin) {
		return ErrInvalidPIN
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	salt, err := s.loadOrCreateSalt(ctx)
	if err != nil {
		return err
	}

	hash := crypto.Digest(append([]byte(pin), salt...))
	if err := s.secure.Set(ctx, storage.KeyCredentialHash, []byte(hash)); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	return nil
}

// VerifyPIN recomputes the salted hash and compares it to the stored one in
// constant time. Returns ErrNotConfigured if no credential exists.
func (s *Store) VerifyPIN(ctx context.Context, pin string) (bool, error) {
	stored, err := s.secure.Get(ctx, storage.KeyCredentialHash)
	if errors.Is(err, storage.ErrNotFound) {
		return false, ErrNotConfigured
	}
	if err != nil {
		return false, fmt.Errorf("failed to load credential: %w", err)
	}

	salt, err := s.secure.Get(ctx, storage.KeyCredentialSalt)
	if errors.Is(err, storage.ErrNotFound) {
		return false, ErrNotConfigured
	}
	if err != nil {
		return false, fmt.Errorf("failed to load salt: %w", err)
	}

	computed := crypto.Digest(append([]byte(pin), salt...))
	match := subtle.ConstantTimeCompare([]byte(computed), stored) == 1
	return match, nil
}

// Configured reports whether a credential exists.
func (s *Store) Configured(ctx context.Context) (bool, error) {
	_, err := s.secure.Get(ctx, storage.KeyCredentialHash)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the credential hash and its salt. A PIN set afterwards gets
// a fresh salt.
func (s *Store) Delete(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.secure.Delete(ctx, storage.KeyCredentialHash); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if err := s.secure.Delete(ctx, storage.KeyCredentialSalt); err != nil {
		return fmt.Errorf("failed to delete salt: %w", err)
	}
	return nil
}

// loadOrCreateSalt returns the existing salt or generates and persists a new
// one. Salts are never reused across distinct credentials.
func (s *Store) loadOrCreateSalt(ctx context.Context) ([]byte, error) {
	salt, err := s.secure.Get(ctx, storage.KeyCredentialSalt)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}

	salt = make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := s.secure.Set(ctx, storage.KeyCredentialSalt, salt); err != nil {
		return nil, fmt.Errorf("failed to persist salt: %w", err)
	}
	return salt, nil
}
