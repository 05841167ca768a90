// Package notify delivers category-change messages to a Discord-compatible
// webhook. Delivery is fire-and-forget per event: a failed send is logged and
// counted by the caller, never retried, and never blocks state persistence.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ChangeEvent describes one detected category transition.
type ChangeEvent struct {
	Login       string
	OldCategory string
	NewCategory string
}

// Message renders the human-readable webhook body for the event.
func (e ChangeEvent) Message() string {
	return fmt.Sprintf("%s changed category: %s -> %s", e.Login, e.OldCategory, e.NewCategory)
}

// DeliveryError is a non-2xx response from the webhook endpoint.
type DeliveryError struct {
	Status int
	Body   string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery failed: status %d: %s", e.Status, e.Body)
}

// IsDeliveryError reports whether err came back from the webhook endpoint
// (as opposed to a transport failure, which also counts as failed delivery
// but carries no status).
func IsDeliveryError(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de)
}

// Notifier posts change events to WebhookURL.
type Notifier struct {
	WebhookURL string
	HTTPClient *http.Client
}

func (n *Notifier) http() *http.Client {
	if n.HTTPClient != nil {
		return n.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Send posts the event as {"content": "..."} and returns a DeliveryError on
// any non-2xx response.
func (n *Notifier) Send(ctx context.Context, event ChangeEvent) error {
	payload, err := json.Marshal(map[string]string{"content": event.Message()})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.http().Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &DeliveryError{Status: resp.StatusCode, Body: string(b)}
	}
	return nil
}
