package gpu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
)

// Modal is the synchronous provider dialect: one request blocks until the
// output URL is ready. The caller's context carries the deadline, so the
// underlying client sets none of its own.
type Modal struct {
	hc      *http.Client
	baseURL string
	apiKey  string
}

// NewModal constructs the Modal provider from config.
func NewModal(cfg config.Config) *Modal {
	return &Modal{
		hc:      tracedClient("modal", 0),
		baseURL: strings.TrimRight(cfg.ModalBaseURL, "/"),
		apiKey:  cfg.ModalAPIKey,
	}
}

// Name implements domain.GPUProvider.
func (m *Modal) Name() string { return "modal" }

// Health probes the service health resource.
func (m *Modal) Health(ctx domain.Context) domain.ProviderHealth {
	start := time.Now()
	h := domain.ProviderHealth{CheckedAt: start.UTC()}
	if m.apiKey == "" {
		h.Details = "not configured"
		return h
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/health", nil)
	if err != nil {
		h.Details = err.Error()
		return h
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	resp, err := m.hc.Do(req)
	h.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		h.Details = err.Error()
		return h
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		h.Details = fmt.Sprintf("status %d", resp.StatusCode)
		return h
	}
	h.OK = true
	return h
}

// GenerateImage implements domain.GPUProvider.
func (m *Modal) GenerateImage(ctx domain.Context, params domain.GenerationParams) (domain.GenerationResult, error) {
	return m.generate(ctx, "/v1/generate/image", domain.KindImage, params)
}

// GenerateVideo implements domain.GPUProvider.
func (m *Modal) GenerateVideo(ctx domain.Context, params domain.GenerationParams) (domain.GenerationResult, error) {
	return m.generate(ctx, "/v1/generate/video", domain.KindVideo, params)
}

type modalResponse struct {
	ImageURL  string `json:"image_url"`
	VideoURL  string `json:"video_url"`
	Model     string `json:"model"`
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

func (m *Modal) generate(ctx domain.Context, path string, kind domain.JobKind, params domain.GenerationParams) (domain.GenerationResult, error) {
	if m.apiKey == "" {
		return domain.GenerationResult{}, fmt.Errorf("op=gpu.modal: not configured: %w", domain.ErrProviderUnavailable)
	}
	body, _ := json.Marshal(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("op=gpu.modal: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.hc.Do(req)
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("op=gpu.modal: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("op=gpu.modal: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.GenerationResult{}, fmt.Errorf("op=gpu.modal: status %d: %s", resp.StatusCode, snippet(raw))
	}
	var out modalResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return domain.GenerationResult{}, fmt.Errorf("op=gpu.modal: decode: %w", err)
	}
	if out.Error != "" {
		return domain.GenerationResult{
			Status:        domain.GenerationFailed,
			Provider:      m.Name(),
			ProviderJobID: out.RequestID,
			Error:         out.Error,
		}, nil
	}
	res := domain.GenerationResult{
		Status:        domain.GenerationCompleted,
		Provider:      m.Name(),
		ProviderJobID: out.RequestID,
		ImageURL:      out.ImageURL,
		VideoURL:      out.VideoURL,
	}
	if out.Model != "" {
		res.Meta = map[string]string{"model": out.Model}
	}
	if kind == domain.KindVideo && res.VideoURL == "" {
		return domain.GenerationResult{}, fmt.Errorf("op=gpu.modal: response missing video url")
	}
	if kind == domain.KindImage && res.ImageURL == "" {
		return domain.GenerationResult{}, fmt.Errorf("op=gpu.modal: response missing image url")
	}
	return res, nil
}
