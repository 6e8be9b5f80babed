package kafka

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/adi99/vidai/internal/domain"
)

// HTTPPusher posts events to an external push gateway.
type HTTPPusher struct {
	hc  *http.Client
	url string
	key string
}

// NewHTTPPusher builds a pusher for the given gateway URL. The key is sent
// as X-API-Key when set.
func NewHTTPPusher(url, key string) *HTTPPusher {
	return &HTTPPusher{
		hc:  &http.Client{Timeout: 10 * time.Second},
		url: url,
		key: key,
	}
}

// Push delivers a single event. One attempt; the consumer counts failures
// as drops.
func (p *HTTPPusher) Push(ctx domain.Context, event domain.NotificationEvent) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("op=notify.push: marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("op=notify.push: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.key != "" {
		req.Header.Set("X-API-Key", p.key)
	}

	resp, err := p.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=notify.push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=notify.push: gateway returned status %d", resp.StatusCode)
	}
	return nil
}

// LogPusher writes deliveries to the log. It stands in for the gateway in
// development and tests.
type LogPusher struct{}

// Push logs the event and always succeeds.
func (LogPusher) Push(_ domain.Context, event domain.NotificationEvent) error {
	slog.Info("notification",
		slog.String("user_id", event.UserID),
		slog.String("category", string(event.Category)),
		slog.String("title", event.Title),
		slog.String("body", event.Body),
		slog.String("job_id", event.JobID))
	return nil
}
