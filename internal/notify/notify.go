// Package notify posts webhook alerts when syncing starts failing and when
// it recovers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/logging"
	"github.com/macjediwizard/calmirror/internal/status"
	"github.com/macjediwizard/calmirror/internal/validator"
)

const (
	defaultTimeout = 30 * time.Second
	minCooldown    = time.Minute
)

var (
	ErrInvalidWebhook   = errors.New("invalid webhook URL")
	ErrCooldownTooShort = errors.New("cooldown period must be at least 1 minute")
	ErrWebhookStatus    = errors.New("webhook returned error status")
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeError    AlertType = "error"
	AlertTypeRecovery AlertType = "recovery"
	AlertTypeTest     AlertType = "test"
)

// Alert represents a notification alert.
type Alert struct {
	Type      AlertType
	Message   string
	Details   string
	Timestamp time.Time
}

// Config holds notification configuration. An empty WebhookURL disables
// alerts.
type Config struct {
	WebhookURL string
	Cooldown   time.Duration // Minimum gap between repeated error alerts
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg Config, v *validator.Validator) error {
	if cfg.WebhookURL == "" {
		return nil
	}
	if err := v.ValidateWebhookURL(cfg.WebhookURL); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWebhook, err)
	}
	if cfg.Cooldown < minCooldown {
		return ErrCooldownTooShort
	}
	return nil
}

// Notifier turns status changes into alerts.
type Notifier struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	inError     bool
	lastAlert   time.Time
	lastAttempt time.Time
}

// New creates a new Notifier.
func New(cfg Config, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logging.OrDefault(logger).With("component", "notify"),
		now:        time.Now,
	}
}

// IsEnabled reports whether a webhook is configured.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookURL != ""
}

// Run delivers alerts for every status update until ctx is done or updates
// is closed.
func (n *Notifier) Run(ctx context.Context, updates <-chan status.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			alert, send := n.Observe(st)
			if !send {
				continue
			}
			if err := n.sendWebhook(ctx, alert); err != nil {
				n.logger.Error("webhook delivery failed", "alert_type", alert.Type, "error", err)
			}
		}
	}
}

// Observe records a finished attempt and returns the alert it warrants.
// In-flight updates and already seen attempts produce nothing. Repeated
// errors alert again only after the cooldown.
func (n *Notifier) Observe(st status.Status) (Alert, bool) {
	if st.Pending || st.LastAttemptAt == nil {
		return Alert{}, false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if st.LastAttemptAt.Equal(n.lastAttempt) {
		return Alert{}, false
	}
	n.lastAttempt = *st.LastAttemptAt
	now := n.now()

	switch st.LastState {
	case db.SyncStatusError:
		if n.inError && now.Sub(n.lastAlert) < n.cfg.Cooldown {
			return Alert{}, false
		}
		n.inError = true
		n.lastAlert = now
		return Alert{
			Type:      AlertTypeError,
			Message:   "Calendar sync is failing",
			Details:   st.LastError,
			Timestamp: now,
		}, true

	case db.SyncStatusSuccess, db.SyncStatusPartial:
		if !n.inError {
			return Alert{}, false
		}
		n.inError = false
		n.lastAlert = time.Time{}
		return Alert{
			Type:      AlertTypeRecovery,
			Message:   "Calendar sync has recovered",
			Details:   "Sync is completing normally",
			Timestamp: now,
		}, true
	}

	return Alert{}, false
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType string `json:"alert_type"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ""
	switch alert.Type {
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	case AlertTypeError:
		emoji = ":x:"
	case AlertTypeTest:
		emoji = ":rocket:"
	}

	payload := WebhookPayload{
		AlertType: string(alert.Type),
		Message:   alert.Message,
		Details:   alert.Details,
		Timestamp: alert.Timestamp.Format(time.RFC3339),
		Text:      fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %d", ErrWebhookStatus, resp.StatusCode)
	}

	n.logger.Info("webhook sent", "alert_type", alert.Type)
	return nil
}

// SendTestWebhook posts a test message to the configured webhook.
func (n *Notifier) SendTestWebhook(ctx context.Context) error {
	return n.sendWebhook(ctx, Alert{
		Type:      AlertTypeTest,
		Message:   "Test webhook from calmirror",
		Details:   "This is a test message to verify your webhook configuration",
		Timestamp: n.now(),
	})
}
