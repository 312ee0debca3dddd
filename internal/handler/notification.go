package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/activity-orchestrator/internal/model"
	"github.com/t77yq/activity-orchestrator/internal/processor"
)

// ErrNoWebhook is returned when a notification has no destination
var ErrNoWebhook = errors.New("no webhook url configured")

// NotificationLevel defines the severity of a notification
type NotificationLevel string

const (
	NotificationInfo    NotificationLevel = "info"
	NotificationWarning NotificationLevel = "warning"
	NotificationError   NotificationLevel = "error"
)

// Notification is the JSON document posted to a webhook
type Notification struct {
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Level   NotificationLevel `json:"level"`
	Data    json.RawMessage   `json:"data,omitempty"`
	SentAt  time.Time         `json:"sent_at"`
}

// WebhookConfig holds the default webhook destination
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
}

// Webhook posts notifications as JSON
type Webhook struct {
	config     WebhookConfig
	httpClient *http.Client
}

// NewWebhook creates a webhook client
func NewWebhook(config WebhookConfig, client *http.Client) *Webhook {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Webhook{config: config, httpClient: client}
}

// Configured reports whether a default destination is set
func (w *Webhook) Configured() bool {
	return w != nil && w.config.URL != ""
}

// StatusError reports a non-2xx webhook response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded with status %d: %s", e.StatusCode, e.Body)
}

// Send posts n to url, or to the default destination when url is empty
func (w *Webhook) Send(ctx context.Context, url string, n Notification) error {
	if url == "" {
		url = w.config.URL
	}
	if url == "" {
		return ErrNoWebhook
	}
	if n.Level == "" {
		n.Level = NotificationInfo
	}
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	return nil
}

// NotificationPayload represents the payload of WebhookNotice activities
type NotificationPayload struct {
	URL     string            `json:"url"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Level   NotificationLevel `json:"level"`
	Data    json.RawMessage   `json:"data"`
}

// NotificationHandler sends WebhookNotice activities
type NotificationHandler struct {
	webhook *Webhook
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(webhook *Webhook) *NotificationHandler {
	return &NotificationHandler{webhook: webhook}
}

// Type implements processor.Processor
func (h *NotificationHandler) Type() string { return WebhookNoticeType }

// Execute sends the notification
func (h *NotificationHandler) Execute(ctx context.Context, a *model.Activity) (model.Outcome, error) {
	var payload NotificationPayload
	if outcome, ok := decode(a, &payload); !ok {
		return outcome, nil
	}
	logger := processor.Logger(ctx)

	logger.Info("Sending notification",
		zap.String("title", payload.Title),
		zap.String("level", string(payload.Level)))

	err := h.webhook.Send(ctx, payload.URL, Notification{
		Title:   payload.Title,
		Message: payload.Message,
		Level:   payload.Level,
		Data:    payload.Data,
	})
	return notificationOutcome(err)
}

// notificationOutcome maps webhook errors: missing destinations and client
// errors cannot succeed on retry
func notificationOutcome(err error) (model.Outcome, error) {
	if err == nil {
		return model.Success(), nil
	}
	if errors.Is(err, ErrNoWebhook) {
		return model.Abandon(err.Error()), nil
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 &&
		statusErr.StatusCode != http.StatusTooManyRequests {
		return model.Abandon(err.Error()), nil
	}
	return model.Outcome{}, err
}
