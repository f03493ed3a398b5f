// Package storage defines the opaque key-value tiers backing the security
// subsystem.
//
// Two tiers exist behind the same interface: the secure tier holds credential
// material and derived keys and must be inaccessible to anything outside the
// app, while the plain tier holds the audit log, settings, and other
// non-sensitive data. All calls are asynchronous and may suspend the caller.
package storage

import (
	"context"
	"errors"
)

// Logical keys persisted by the subsystem.
const (
	KeyCredentialHash   = "credential_hash"
	KeyCredentialSalt   = "credential_salt"
	KeyEncryptionKey    = "encryption_key"
	KeySecurityEvents   = "security_events"
	KeySecuritySettings = "security_settings"
	KeyFailedAttempts   = "failed_attempts"
)

// Tier names for multi-tier backends.
const (
	TierSecure = "secure"
	TierPlain  = "plain"
)

// ErrNotFound is returned by Get when a key has no stored value.
var ErrNotFound = errors.New("key not found")

// Store is an opaque asynchronous key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
