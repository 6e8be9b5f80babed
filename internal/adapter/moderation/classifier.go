// Package moderation is the HTTP adapter for the external content
// classifier. Policy on top of the scores lives in service/moderation.
package moderation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
)

// Client calls the classifier service. One call per media URL, no retry: a
// missed classification leaves the job unmoderated and non-public rather
// than blocking the worker.
type Client struct {
	hc     *http.Client
	url    string
	apiKey string
}

// NewClient constructs the classifier client from config.
func NewClient(cfg config.Config) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "classifier " + r.Method + " " + r.URL.Host
		}),
	)
	return &Client{
		hc:     &http.Client{Timeout: cfg.ModerationTimeout, Transport: transport},
		url:    cfg.ModerationURL,
		apiKey: cfg.ModerationAPIKey,
	}
}

// Classify implements domain.Classifier.
func (c *Client) Classify(ctx domain.Context, mediaURL string, kind domain.JobKind) (domain.Classification, error) {
	if c.url == "" {
		return domain.Classification{}, fmt.Errorf("op=moderation.classify: not configured: %w", domain.ErrProviderUnavailable)
	}
	body, _ := json.Marshal(map[string]string{
		"media_url": mediaURL,
		"kind":      string(kind),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return domain.Classification{}, fmt.Errorf("op=moderation.classify: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return domain.Classification{}, fmt.Errorf("op=moderation.classify: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return domain.Classification{}, fmt.Errorf("op=moderation.classify: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(raw) > 512 {
			raw = raw[:512]
		}
		return domain.Classification{}, fmt.Errorf("op=moderation.classify: status %d: %s", resp.StatusCode, string(raw))
	}
	var out struct {
		Inappropriate bool                  `json:"inappropriate"`
		Confidence    float64               `json:"confidence"`
		Categories    domain.CategoryScores `json:"categories"`
		Model         string                `json:"model"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.Classification{}, fmt.Errorf("op=moderation.classify: decode: %w", err)
	}
	return domain.Classification{
		Inappropriate: out.Inappropriate,
		Confidence:    out.Confidence,
		Categories:    out.Categories,
		Model:         out.Model,
	}, nil
}
