package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/payguard/internal/audit"
	"github.com/mbd888/payguard/internal/credential"
	"github.com/mbd888/payguard/internal/device"
	"github.com/mbd888/payguard/internal/fraud"
	"github.com/mbd888/payguard/internal/health"
	"github.com/mbd888/payguard/internal/logging"
	"github.com/mbd888/payguard/internal/pagination"
	"github.com/mbd888/payguard/internal/security"
	"github.com/mbd888/payguard/internal/settings"
	"github.com/mbd888/payguard/internal/validation"
)

// -----------------------------------------------------------------------------
// PIN transport
// -----------------------------------------------------------------------------

// Over HTTP there is no interactive prompt: the client sends the PIN in the
// request body and the handler stashes it in the context for the coordinator's
// prompt to pick up. An absent PIN reads as the user dismissing the prompt.

type pinCtxKey struct{}

func withPIN(ctx context.Context, pin string) context.Context {
	if pin == "" {
		return ctx
	}
	return context.WithValue(ctx, pinCtxKey{}, pin)
}

type requestPrompt struct{}

func (requestPrompt) PromptForSecret(ctx context.Context, reason string) (string, error) {
	if pin, ok := ctx.Value(pinCtxKey{}).(string); ok && pin != "" {
		return pin, nil
	}
	return "", device.ErrCancelled
}

// -----------------------------------------------------------------------------
// Auth
// -----------------------------------------------------------------------------

func (s *Server) requireAuthHandler(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
		PIN    string `json:"pin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, 200)

	ctx := withPIN(c.Request.Context(), req.PIN)
	err := s.coordinator.RequireAuthentication(ctx, req.Reason)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"authenticated": true,
			"level":         s.sessions.Level(),
		})
	case errors.Is(err, security.ErrLockedDown):
		c.JSON(http.StatusLocked, gin.H{
			"error":   "locked_down",
			"message": "Device is locked down. Set a new PIN to re-provision.",
		})
	case errors.Is(err, security.ErrLockedOut):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "locked_out",
			"message": "Too many failed attempts. Try again later.",
		})
	case errors.Is(err, device.ErrCancelled):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "authentication_required",
			"message": "Step-up authentication is required. Provide a PIN.",
		})
	case errors.Is(err, security.ErrAuthFailed):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "authentication_failed",
			"message": "Authentication failed.",
		})
	case errors.Is(err, credential.ErrNotConfigured):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "pin_not_configured",
			"message": "No PIN is configured. Set one with POST /v1/pin.",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Authentication could not be completed.",
		})
	}
}

func (s *Server) logoutHandler(c *gin.Context) {
	s.coordinator.Logout(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"authenticated": false})
}

func (s *Server) sessionHandler(c *gin.Context) {
	valid := s.sessions.Check()
	c.JSON(http.StatusOK, gin.H{
		"authenticated": valid,
		"level":         s.sessions.Level(),
	})
}

// -----------------------------------------------------------------------------
// PIN credential
// -----------------------------------------------------------------------------

func (s *Server) setPINHandler(c *gin.Context) {
	var req struct {
		PIN string `json:"pin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "pin is required",
		})
		return
	}

	if err := s.coordinator.SetPIN(c.Request.Context(), req.PIN); err != nil {
		if errors.Is(err, credential.ErrInvalidPIN) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_pin",
				"message": "PIN must be 4-6 digits.",
			})
			return
		}
		logFromGin(c).Error("failed to set PIN", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to store PIN.",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"configured": true})
}

func (s *Server) verifyPINHandler(c *gin.Context) {
	var req struct {
		PIN string `json:"pin" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "pin is required",
		})
		return
	}

	match, err := s.coordinator.VerifyPIN(c.Request.Context(), req.PIN)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"match": match})
	case errors.Is(err, security.ErrLockedDown):
		c.JSON(http.StatusLocked, gin.H{
			"error":   "locked_down",
			"message": "Device is locked down.",
		})
	case errors.Is(err, security.ErrLockedOut):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "locked_out",
			"message": "Too many failed attempts. Try again later.",
		})
	case errors.Is(err, credential.ErrNotConfigured):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "pin_not_configured",
			"message": "No PIN is configured.",
		})
	default:
		logFromGin(c).Error("PIN verification failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Verification could not be completed.",
		})
	}
}

// -----------------------------------------------------------------------------
// Security check & lockdown
// -----------------------------------------------------------------------------

func (s *Server) securityCheckHandler(c *gin.Context) {
	report := s.coordinator.PerformSecurityCheck(c.Request.Context())
	c.JSON(http.StatusOK, report)
}

func (s *Server) lockdownHandler(c *gin.Context) {
	var req struct {
		Confirm bool `json:"confirm"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be valid JSON",
		})
		return
	}

	err := s.coordinator.EmergencyLockdown(c.Request.Context(), req.Confirm)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"posture": s.coordinator.Posture()})
	case errors.Is(err, security.ErrNotConfirmed):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "confirmation_required",
			"message": "Lockdown is irreversible and requires confirm: true.",
		})
	default:
		logFromGin(c).Error("lockdown failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lockdown_failed",
			"message": "Lockdown failed; no secrets were cleared.",
		})
	}
}

// -----------------------------------------------------------------------------
// Transactions
// -----------------------------------------------------------------------------

func (s *Server) gateTransactionHandler(c *gin.Context) {
	var req struct {
		UserID    string    `json:"userId" binding:"required"`
		Recipient string    `json:"recipient"`
		Amount    float64   `json:"amount" binding:"required"`
		Time      time.Time `json:"time"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and amount are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 || !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId must be alphanumeric and amount must be positive",
		})
		return
	}
	req.Recipient = validation.SanitizeString(req.Recipient, 200)

	result, err := s.coordinator.GateTransaction(c.Request.Context(), fraud.Transaction{
		UserID:    req.UserID,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Time:      req.Time,
	})
	if err != nil {
		if errors.Is(err, security.ErrLockedDown) {
			c.JSON(http.StatusLocked, gin.H{
				"error":   "locked_down",
				"message": "Device is locked down.",
			})
			return
		}
		logFromGin(c).Error("transaction gate failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Fraud check could not be completed.",
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// -----------------------------------------------------------------------------
// Audit events
// -----------------------------------------------------------------------------

func (s *Server) listEventsHandler(c *gin.Context) {
	level := audit.Level(c.Query("level"))
	switch level {
	case "", audit.LevelInfo, audit.LevelWarning, audit.LevelError:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_level",
			"message": "level must be one of: info, warning, error",
		})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > audit.Capacity {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 100",
			})
			return
		}
		limit = n
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid",
		})
		return
	}

	events := s.auditLog.List(c.Request.Context(), level)
	if cursor != nil {
		// Resume after the cursor event. If it was evicted in the meantime,
		// fall back to the first event past the cursor timestamp.
		start := len(events)
		for i, e := range events {
			if e.ID == cursor.ID {
				start = i + 1
				break
			}
			if e.Timestamp.After(cursor.CreatedAt) {
				start = i
				break
			}
		}
		events = events[start:]
	}
	if len(events) > limit+1 {
		events = events[:limit+1]
	}

	page, next, more := pagination.ComputePage(events, limit, func(e audit.Event) (time.Time, string) {
		return e.Timestamp, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"events":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

func (s *Server) getSettingsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.settingsMgr.Load(c.Request.Context()))
}

func (s *Server) putSettingsHandler(c *gin.Context) {
	var req settings.Settings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be valid settings JSON",
		})
		return
	}
	if req.SessionTimeoutMinutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_settings",
			"message": "sessionTimeoutMinutes must be positive",
		})
		return
	}

	if err := s.settingsMgr.Save(c.Request.Context(), req); err != nil {
		logFromGin(c).Error("failed to save settings", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to save settings.",
		})
		return
	}
	// Session expiry follows the saved policy immediately.
	s.sessions.SetTimeout(time.Duration(req.SessionTimeoutMinutes) * time.Minute)
	s.auditLog.Record(c.Request.Context(), "settings_updated", audit.LevelInfo, nil)
	c.JSON(http.StatusOK, req)
}

// -----------------------------------------------------------------------------
// Health & info
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)
	healthy = healthy && s.healthy.Load()

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Payguard",
		"description": "Device security subsystem for payment applications",
		"version":     "0.1.0",
		"posture":     s.coordinator.Posture(),
	})
}

func logFromGin(c *gin.Context) *slog.Logger {
	return logging.L(c.Request.Context())
}
