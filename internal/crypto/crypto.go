// Package crypto provides the hashing and symmetric encryption primitives
// used by the security subsystem.
//
// Digest is a plain one-way SHA-256; Protect/Unprotect are a real
// ChaCha20-Poly1305 round trip keyed by a lazily created device key held in
// the secure tier. Anything sealed by Protect can always be opened again by
// Unprotect with the same key.
package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mbd888/payguard/internal/storage"
)

// ErrInvalidCiphertext is returned when a protected blob is truncated,
// tampered with, or sealed under a different key.
var ErrInvalidCiphertext = errors.New("invalid or tampered ciphertext")

// Digest returns the hex-encoded SHA-256 of data. Deterministic.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Helper owns the device encryption key lifecycle and the AEAD operations
// built on it.
type Helper struct {
	secure storage.Store

	mu  sync.Mutex
	key []byte // cached after first DeriveOrLoadKey
}

// NewHelper creates a crypto helper backed by the secure tier.
func NewHelper(secure storage.Store) *Helper {
	return &Helper{secure: secure}
}

// DeriveOrLoadKey returns the device encryption key, creating and persisting
// it on first use. The same key is returned for the life of the credential.
func (h *Helper) DeriveOrLoadKey(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.key != nil {
		return h.key, nil
	}

	stored, err := h.secure.Get(ctx, storage.KeyEncryptionKey)
	if err == nil {
		if len(stored) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("stored encryption key has wrong size %d", len(stored))
		}
		h.key = stored
		return h.key, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := h.secure.Set(ctx, storage.KeyEncryptionKey, key); err != nil {
		return nil, fmt.Errorf("failed to persist encryption key: %w", err)
	}
	h.key = key
	return h.key, nil
}

// Protect seals plaintext with the device key and returns a base64 blob of
// nonce || ciphertext. A fresh random nonce is used on every call.
func (h *Helper) Protect(ctx context.Context, plaintext []byte) (string, error) {
	key, err := h.DeriveOrLoadKey(ctx)
	if err != nil {
		return "", err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Unprotect opens a blob produced by Protect and returns the plaintext.
func (h *Helper) Unprotect(ctx context.Context, encoded string) ([]byte, error) {
	key, err := h.DeriveOrLoadKey(ctx)
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, ErrInvalidCiphertext
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// DeleteKey removes the device key from the secure tier and drops the cached
// copy. Called during emergency lockdown.
func (h *Helper) DeleteKey(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.secure.Delete(ctx, storage.KeyEncryptionKey); err != nil {
		return fmt.Errorf("failed to delete encryption key: %w", err)
	}
	Zero(h.key)
	h.key = nil
	return nil
}

// Forget drops the cached key without touching the secure tier. Used when
// the stored key has already been cleared out-of-band.
func (h *Helper) Forget() {
	h.mu.Lock()
	defer h.mu.Unlock()
	Zero(h.key)
	h.key = nil
}

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
