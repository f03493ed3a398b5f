// Package notify delivers security notifications to external channels.
//
// Delivery is fire-and-forget and best-effort: errors are logged and counted
// but never returned to the code that raised the alert. The emitter consumes
// audit events, which keeps the audit log itself free of notification side
// effects.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/payguard/internal/audit"
	"github.com/mbd888/payguard/internal/idgen"
	"github.com/mbd888/payguard/internal/retry"
)

var (
	sendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payguard",
		Subsystem: "notify",
		Name:      "send_total",
		Help:      "Total notification send attempts by channel.",
	}, []string{"channel"})

	sendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payguard",
		Subsystem: "notify",
		Name:      "send_errors_total",
		Help:      "Total notification send failures by channel.",
	}, []string{"channel"})
)

func init() {
	prometheus.MustRegister(sendTotal, sendErrors)
}

// Channels used by the subsystem.
const (
	ChannelSecurity = "security"
	ChannelFraud    = "fraud"
)

// Notification is one outbound message.
type Notification struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Channel   string            `json:"channel"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Dispatcher sends notifications over some transport.
type Dispatcher interface {
	Send(ctx context.Context, n Notification) error
}

// WebhookDispatcher POSTs notifications as JSON to a single URL, signing the
// payload with HMAC-SHA256 when a secret is configured.
type WebhookDispatcher struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookDispatcher creates a dispatcher for the given endpoint.
func NewWebhookDispatcher(url, secret string) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *WebhookDispatcher) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		mac := hmac.New(sha256.New, []byte(d.secret))
		mac.Write(payload)
		req.Header.Set("X-Payguard-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		// Client errors won't heal on retry; server errors and timeouts might.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return retry.Permanent(err)
		}
		return err
	}
	return nil
}

// LogDispatcher writes notifications to the log. Used when no webhook URL is
// configured.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a log-only dispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Send(ctx context.Context, n Notification) error {
	d.logger.Info("notification",
		"channel", n.Channel,
		"title", n.Title,
		"body", n.Body,
	)
	return nil
}

// Emitter turns audit events into notifications, fire-and-forget. It
// implements audit.Sink: warning and error events are forwarded once the
// entry is durably appended; info events are not notification-worthy.
type Emitter struct {
	d       Dispatcher
	logger  *slog.Logger
	enabled func() bool
}

// NewEmitter creates a new notification emitter.
func NewEmitter(d Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// WithEnabledFunc gates delivery on a user-policy check, evaluated per event.
func (e *Emitter) WithEnabledFunc(enabled func() bool) *Emitter {
	e.enabled = enabled
	return e
}

// Consume implements audit.Sink.
func (e *Emitter) Consume(event audit.Event) {
	if event.Level != audit.LevelWarning && event.Level != audit.LevelError {
		return
	}

	channel := ChannelSecurity
	if event.Metadata["channel"] == ChannelFraud {
		channel = ChannelFraud
	}

	e.emit(Notification{
		Title:   "Security event: " + event.Name,
		Body:    fmt.Sprintf("%s-level security event %s at %s", event.Level, event.Name, event.Timestamp.Format(time.RFC3339)),
		Channel: channel,
		Data:    event.Metadata,
	})
}

func (e *Emitter) emit(n Notification) {
	if e == nil || e.d == nil {
		return
	}
	if e.enabled != nil && !e.enabled() {
		return
	}
	n.ID = idgen.WithPrefix("ntf_")
	n.Timestamp = time.Now()

	sendTotal.WithLabelValues(n.Channel).Inc()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
			return e.d.Send(ctx, n)
		})
		if err != nil {
			sendErrors.WithLabelValues(n.Channel).Inc()
			e.logger.Warn("notification send failed", "channel", n.Channel, "title", n.Title, "error", err)
		}
	}()
}
