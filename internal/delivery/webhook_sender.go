package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/notification"
)

// WebhookConfig configures the webhook forwarder.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	// Headers are added to every request.
	Headers map[string]string
	Types   TypeFilter
}

// WebhookSender POSTs the record snapshot as JSON to a fixed endpoint.
// Any 2xx response counts as delivered.
type WebhookSender struct {
	client *http.Client
	cfg    WebhookConfig
	logger *zap.Logger
}

// NewWebhookSender creates a new webhook sender.
func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &WebhookSender{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

// Send delivers rec to the configured URL.
func (s *WebhookSender) Send(ctx context.Context, rec *notification.Record) error {
	body, err := rec.Marshal()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Courier/1.0")
	req.Header.Set("X-Courier-Notification-ID", rec.ID)
	req.Header.Set("X-Courier-Notification-Type", rec.Type)
	for key, value := range s.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	s.logger.Info("webhook delivered",
		zap.String("id", rec.ID),
		zap.String("url", s.cfg.URL),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

func (s *WebhookSender) Supports(recordType string) bool {
	return s.cfg.Types.Allows(recordType)
}
