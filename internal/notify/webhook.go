package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// WebhookSink POSTs events as JSON to a configured endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink with a bounded request timeout.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Compile-time interface check.
var _ Sink = (*WebhookSink)(nil)

// Send implements Sink.
func (s *WebhookSink) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogSink writes events to the structured log. Used when no webhook is
// configured.
type LogSink struct{}

// Compile-time interface check.
var _ Sink = (*LogSink)(nil)

// Send implements Sink.
func (s *LogSink) Send(_ context.Context, e Event) error {
	log.Info().
		Int64("rule_id", e.RuleID).
		Int64("pipeline_id", e.PipelineID).
		Str("type", string(e.Type)).
		Str("status", string(e.Status)).
		Str("message", e.Message).
		Msg("liquidity notification")
	return nil
}
