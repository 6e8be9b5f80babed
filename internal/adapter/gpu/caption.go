package gpu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
)

// CaptionClient calls the external captioning service. Single attempt under
// its own timeout; callers treat failures as a skipped enrichment, so there
// is no retry here.
type CaptionClient struct {
	hc     *http.Client
	url    string
	apiKey string
}

// NewCaptionClient constructs the caption provider from config.
func NewCaptionClient(cfg config.Config) *CaptionClient {
	return &CaptionClient{
		hc:     tracedClient("caption", cfg.CaptionTimeout),
		url:    cfg.CaptionURL,
		apiKey: cfg.CaptionAPIKey,
	}
}

// Name implements domain.CaptionProvider.
func (c *CaptionClient) Name() string { return "caption" }

// Caption implements domain.CaptionProvider.
func (c *CaptionClient) Caption(ctx domain.Context, params domain.CaptionParams) (domain.CaptionResult, error) {
	if c.url == "" {
		return domain.CaptionResult{}, fmt.Errorf("op=gpu.caption: not configured: %w", domain.ErrProviderUnavailable)
	}
	body, _ := json.Marshal(map[string]string{
		"image_url": params.ImageURL,
		"prompt":    params.Prompt,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return domain.CaptionResult{}, fmt.Errorf("op=gpu.caption: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return domain.CaptionResult{}, fmt.Errorf("op=gpu.caption: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return domain.CaptionResult{}, fmt.Errorf("op=gpu.caption: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.CaptionResult{}, fmt.Errorf("op=gpu.caption: status %d: %s", resp.StatusCode, snippet(raw))
	}
	var out struct {
		Caption string `json:"caption"`
		Model   string `json:"model"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.CaptionResult{}, fmt.Errorf("op=gpu.caption: decode: %w", err)
	}
	if out.Caption == "" {
		return domain.CaptionResult{}, fmt.Errorf("op=gpu.caption: empty caption")
	}
	return domain.CaptionResult{
		Caption:   out.Caption,
		Model:     out.Model,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}
