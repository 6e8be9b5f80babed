package gpu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
)

// RunPod serverless job statuses.
const (
	runpodQueued     = "IN_QUEUE"
	runpodInProgress = "IN_PROGRESS"
	runpodCompleted  = "COMPLETED"
	runpodFailed     = "FAILED"
	runpodCancelled  = "CANCELLED"
	runpodTimedOut   = "TIMED_OUT"
)

// Runpod is the job-oriented provider dialect: submit returns a provider job
// id which is polled to a terminal status under the caller's deadline.
// Training workloads also route here.
type Runpod struct {
	hc            *http.Client
	baseURL       string
	apiKey        string
	imageEndpoint string
	videoEndpoint string
	pollInterval  time.Duration
	boInitial     time.Duration
	boMax         time.Duration
	boElapsed     time.Duration
}

// NewRunpod constructs the RunPod provider from config. Individual HTTP
// requests are short; the overall call budget is the caller's context.
func NewRunpod(cfg config.Config) *Runpod {
	return &Runpod{
		hc:            tracedClient("runpod", 30*time.Second),
		baseURL:       strings.TrimRight(cfg.RunpodBaseURL, "/"),
		apiKey:        cfg.RunpodAPIKey,
		imageEndpoint: cfg.RunpodImageEndpoint,
		videoEndpoint: cfg.RunpodVideoEndpoint,
		pollInterval:  cfg.RunpodPollInterval,
		boInitial:     cfg.ProviderBackoffInitial,
		boMax:         cfg.ProviderBackoffMax,
		boElapsed:     cfg.ProviderBackoffElapsed,
	}
}

// Name implements domain.GPUProvider.
func (r *Runpod) Name() string { return "runpod" }

// Health probes the image endpoint's health resource.
func (r *Runpod) Health(ctx domain.Context) domain.ProviderHealth {
	start := time.Now()
	h := domain.ProviderHealth{CheckedAt: start.UTC()}
	if r.apiKey == "" || r.imageEndpoint == "" {
		h.Details = "not configured"
		return h
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/"+r.imageEndpoint+"/health", nil)
	if err != nil {
		h.Details = err.Error()
		return h
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	resp, err := r.hc.Do(req)
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
func (r *Runpod) GenerateImage(ctx domain.Context, params domain.GenerationParams) (domain.GenerationResult, error) {
	return r.generate(ctx, r.imageEndpoint, domain.KindImage, params)
}

// GenerateVideo implements domain.GPUProvider.
func (r *Runpod) GenerateVideo(ctx domain.Context, params domain.GenerationParams) (domain.GenerationResult, error) {
	return r.generate(ctx, r.videoEndpoint, domain.KindVideo, params)
}

func (r *Runpod) generate(ctx domain.Context, endpoint string, kind domain.JobKind, params domain.GenerationParams) (domain.GenerationResult, error) {
	id, err := r.submit(ctx, endpoint, params)
	if err != nil {
		return domain.GenerationResult{}, err
	}
	domain.SubmitAckFrom(ctx)(id)
	statusURL := r.baseURL + "/" + endpoint + "/status/" + id
	return PollUntilTerminal(ctx, r.pollInterval, func(ctx domain.Context) (domain.GenerationResult, bool, error) {
		st, err := r.status(ctx, statusURL)
		if err != nil {
			return domain.GenerationResult{}, false, err
		}
		switch st.Status {
		case runpodQueued, runpodInProgress:
			return domain.GenerationResult{}, false, nil
		case runpodCompleted:
			res := domain.GenerationResult{
				Status:        domain.GenerationCompleted,
				Provider:      r.Name(),
				ProviderJobID: id,
				ImageURL:      st.Output.imageURL(),
				VideoURL:      st.Output.VideoURL,
				Meta:          map[string]string{"provider_status": st.Status},
			}
			if kind == domain.KindVideo && res.VideoURL == "" {
				return domain.GenerationResult{}, false, fmt.Errorf("op=gpu.runpod: job %s completed without video url", id)
			}
			if kind == domain.KindImage && res.ImageURL == "" {
				return domain.GenerationResult{}, false, fmt.Errorf("op=gpu.runpod: job %s completed without image url", id)
			}
			return res, true, nil
		default:
			// FAILED, CANCELLED, TIMED_OUT and anything unrecognized.
			msg := st.Error
			if msg == "" {
				msg = "provider reported " + st.Status
			}
			return domain.GenerationResult{
				Status:        domain.GenerationFailed,
				Provider:      r.Name(),
				ProviderJobID: id,
				Error:         msg,
				Meta:          map[string]string{"provider_status": st.Status},
			}, true, nil
		}
	})
}

// submit posts the job and returns the provider job id. Transient failures
// (429, 5xx, transport) retry under an exponential backoff; 4xx rejections
// are permanent.
func (r *Runpod) submit(ctx domain.Context, endpoint string, params domain.GenerationParams) (string, error) {
	if r.apiKey == "" || endpoint == "" {
		return "", fmt.Errorf("op=gpu.runpod.submit: endpoint not configured: %w", domain.ErrProviderUnavailable)
	}
	body, _ := json.Marshal(map[string]any{"input": runpodInput(params)})
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/"+endpoint+"/run", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
		req.Header.Set("Content-Type", "application/json")
		resp, err := r.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			slog.Warn("runpod submit retryable", slog.Int("status", resp.StatusCode), slog.String("body", snippet(raw)))
			return fmt.Errorf("submit status %d", resp.StatusCode)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			slog.Warn("runpod submit rejected", slog.Int("status", resp.StatusCode), slog.String("body", snippet(raw)))
			return backoff.Permanent(fmt.Errorf("submit status %d", resp.StatusCode))
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode submit response: %w", err))
		}
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.boInitial
	expo.MaxInterval = r.boMax
	expo.MaxElapsedTime = r.boElapsed
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return "", fmt.Errorf("op=gpu.runpod.submit: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("op=gpu.runpod.submit: empty provider job id")
	}
	return out.ID, nil
}

type runpodStatusResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output runpodOutput `json:"output"`
	Error  string       `json:"error"`
}

type runpodOutput struct {
	ImageURL string   `json:"image_url"`
	VideoURL string   `json:"video_url"`
	Images   []string `json:"images"`
}

func (o runpodOutput) imageURL() string {
	if o.ImageURL != "" {
		return o.ImageURL
	}
	if len(o.Images) > 0 {
		return o.Images[0]
	}
	return ""
}

func (r *Runpod) status(ctx domain.Context, statusURL string) (runpodStatusResponse, error) {
	var st runpodStatusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return st, fmt.Errorf("op=gpu.runpod.status: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	resp, err := r.hc.Do(req)
	if err != nil {
		return st, fmt.Errorf("op=gpu.runpod.status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return st, fmt.Errorf("op=gpu.runpod.status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("op=gpu.runpod.status: status %d: %s", resp.StatusCode, snippet(raw))
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("op=gpu.runpod.status: decode: %w", err)
	}
	return st, nil
}

// runpodInput maps normalized params onto the endpoint's input document.
// Zero-valued fields are omitted so endpoint defaults apply.
func runpodInput(params domain.GenerationParams) map[string]any {
	in := map[string]any{"prompt": params.Prompt}
	if params.NegativePrompt != "" {
		in["negative_prompt"] = params.NegativePrompt
	}
	if params.Model != "" {
		in["model"] = params.Model
	}
	if params.Width > 0 && params.Height > 0 {
		in["width"] = params.Width
		in["height"] = params.Height
	}
	if params.Seed != 0 {
		in["seed"] = params.Seed
	}
	if params.InitImageURL != "" {
		in["init_image_url"] = params.InitImageURL
	}
	if params.Strength > 0 {
		in["strength"] = params.Strength
	}
	if params.EditType != "" {
		in["edit_type"] = params.EditType
	}
	if params.GenerationType != "" {
		in["generation_type"] = params.GenerationType
	}
	if params.DurationSeconds > 0 {
		in["duration_seconds"] = params.DurationSeconds
	}
	if params.FPS > 0 {
		in["fps"] = params.FPS
	}
	if params.EndImageURL != "" {
		in["end_image_url"] = params.EndImageURL
	}
	return in
}

// snippet bounds provider response bodies for logs.
func snippet(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}
