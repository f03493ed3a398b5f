// Package settings persists the user-configurable security policy.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/payguard/internal/storage"
)

// Settings is the user-configurable security policy.
type Settings struct {
	BiometricEnabled      bool `json:"biometricEnabled"`
	PINEnabled            bool `json:"pinEnabled"`
	SessionTimeoutMinutes int  `json:"sessionTimeoutMinutes"`
	FraudDetectionEnabled bool `json:"fraudDetectionEnabled"`
	NotificationsEnabled  bool `json:"notificationsEnabled"`
}

// Manager loads and saves settings in the plain tier. When nothing is stored
// (or the read fails) it falls back to the defaults it was constructed with;
// settings are non-critical data and degrade to defaults rather than failing.
type Manager struct {
	store    storage.Store
	defaults Settings
	logger   *slog.Logger
}

// NewManager creates a settings manager. The default session timeout comes
// from configuration; there is deliberately no built-in default for it.
func NewManager(store storage.Store, defaults Settings, logger *slog.Logger) *Manager {
	return &Manager{store: store, defaults: defaults, logger: logger}
}

// Load returns the stored settings, or the defaults when absent or unreadable.
func (m *Manager) Load(ctx context.Context) Settings {
	data, err := m.store.Get(ctx, storage.KeySecuritySettings)
	if err != nil {
		// Absence is the normal first-run case; anything else is a
		// storage fault worth surfacing in the logs.
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("settings read failed, using defaults", "error", err)
		}
		return m.defaults
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		m.logger.Warn("stored settings corrupt, using defaults", "error", err)
		return m.defaults
	}
	if s.SessionTimeoutMinutes <= 0 {
		s.SessionTimeoutMinutes = m.defaults.SessionTimeoutMinutes
	}
	return s
}

// Save persists new settings. Unlike reads, write failures are surfaced.
func (m *Manager) Save(ctx context.Context, s Settings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := m.store.Set(ctx, storage.KeySecuritySettings, data); err != nil {
		return fmt.Errorf("failed to persist settings: %w", err)
	}
	return nil
}
