// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the public generation API (image, video, training admission,
// job status, cancellation, history, credits, reports) plus the
// session-guarded ops API, and keeps HTTP concerns separate from the
// business logic in usecase.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
	"github.com/adi99/vidai/internal/usecase"
)

// ReportIntake is the slice of the moderation engine the public API uses.
type ReportIntake interface {
	SubmitReport(ctx context.Context, report domain.ContentReport) error
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Generate   usecase.GenerateService
	Jobs       usecase.JobService
	Reports    ReportIntake
	Users      domain.UserRepository
	Limiter    domain.RateLimiter
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	KafkaCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, gen usecase.GenerateService, jobs usecase.JobService, reports ReportIntake, users domain.UserRepository, limiter domain.RateLimiter, dbCheck, redisCheck, kafkaCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Generate: gen, Jobs: jobs, Reports: reports, Users: users, Limiter: limiter, DBCheck: dbCheck, RedisCheck: redisCheck, KafkaCheck: kafkaCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// requireUser extracts the gateway-injected identity or answers 401. Token
// verification happens upstream; an empty header means the request bypassed
// the gateway.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if uid == "" {
		writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "missing X-User-ID header", nil)
		return "", false
	}
	return uid, true
}

// queuedResponse acknowledges an admitted job.
type queuedResponse struct {
	Status    string    `json:"status"`
	JobID     string    `json:"jobId"`
	Queue     string    `json:"queue"`
	Cost      int64     `json:"cost"`
	Timestamp time.Time `json:"timestamp"`
}

func validationDetails(err error) map[string]string {
	verrs := map[string]string{}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			verrs[strings.ToLower(fe.Field())] = fe.Tag()
		}
	}
	return verrs
}

// writeAdmitError maps admission failures; queue outages get the
// per-queue 503 code instead of the generic ladder.
func writeAdmitError(w http.ResponseWriter, r *http.Request, kind domain.JobKind, err error) {
	if errors.Is(err, domain.ErrQueueUnavailable) {
		writeErrorCode(w, http.StatusServiceUnavailable, queueErrorCode(kind), err.Error(), nil)
		return
	}
	writeError(w, r, err, nil)
}

// GenerateImageHandler admits an image generation job.
func (s *Server) GenerateImageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept negotiation: only JSON responses supported
		if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
			writeErrorCode(w, http.StatusNotAcceptable, codeValidation, "not acceptable", map[string]interface{}{"accept": a})
			return
		}
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req struct {
			Prompt           string            `json:"prompt" validate:"required,max=1000"`
			NegativePrompt   string            `json:"negative_prompt" validate:"omitempty,max=500"`
			Model            string            `json:"model" validate:"omitempty,max=100"`
			Quality          string            `json:"quality" validate:"omitempty,oneof=basic standard high"`
			Width            int               `json:"width"`
			Height           int               `json:"height"`
			Seed             int64             `json:"seed"`
			InitImageURL     string            `json:"init_image_url" validate:"omitempty,url"`
			Strength         float64           `json:"strength"`
			CaptionInitImage bool              `json:"caption_init_image"`
			EditType         string            `json:"edit_type" validate:"omitempty,oneof=inpaint outpaint restyle background_replace"`
			Metadata         map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		params := domain.GenerationParams{
			Prompt:           req.Prompt,
			NegativePrompt:   req.NegativePrompt,
			Model:            req.Model,
			Quality:          req.Quality,
			Width:            req.Width,
			Height:           req.Height,
			Seed:             req.Seed,
			InitImageURL:     req.InitImageURL,
			Strength:         req.Strength,
			CaptionInitImage: req.CaptionInitImage,
			EditType:         req.EditType,
			Metadata:         req.Metadata,
		}
		res, err := s.Generate.AdmitImage(r.Context(), uid, params)
		if err != nil {
			writeAdmitError(w, r, domain.KindImage, err)
			return
		}
		writeJSON(w, http.StatusOK, queuedResponse{Status: "queued", JobID: res.JobID, Queue: res.Queue, Cost: res.Cost, Timestamp: time.Now().UTC()})
	}
}

// GenerateVideoHandler admits a video generation job.
func (s *Server) GenerateVideoHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept negotiation: only JSON responses supported
		if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
			writeErrorCode(w, http.StatusNotAcceptable, codeValidation, "not acceptable", map[string]interface{}{"accept": a})
			return
		}
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req struct {
			Prompt          string            `json:"prompt" validate:"omitempty,max=1000"`
			NegativePrompt  string            `json:"negative_prompt" validate:"omitempty,max=500"`
			Model           string            `json:"model" validate:"omitempty,max=100"`
			Quality         string            `json:"quality" validate:"omitempty,oneof=basic standard high"`
			GenerationType  string            `json:"generation_type" validate:"omitempty,oneof=text_to_video image_to_video keyframe"`
			DurationSeconds int               `json:"duration_seconds" validate:"required,min=1,max=30"`
			FPS             int               `json:"fps" validate:"omitempty,min=12,max=60"`
			Seed            int64             `json:"seed"`
			InitImageURL    string            `json:"init_image_url" validate:"omitempty,url"`
			EndImageURL     string            `json:"end_image_url" validate:"omitempty,url"`
			Metadata        map[string]string `json:"metadata"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		params := domain.GenerationParams{
			Prompt:          req.Prompt,
			NegativePrompt:  req.NegativePrompt,
			Model:           req.Model,
			Quality:         req.Quality,
			GenerationType:  req.GenerationType,
			DurationSeconds: req.DurationSeconds,
			FPS:             req.FPS,
			Seed:            req.Seed,
			InitImageURL:    req.InitImageURL,
			EndImageURL:     req.EndImageURL,
			Metadata:        req.Metadata,
		}
		res, err := s.Generate.AdmitVideo(r.Context(), uid, params)
		if err != nil {
			writeAdmitError(w, r, domain.KindVideo, err)
			return
		}
		writeJSON(w, http.StatusOK, queuedResponse{Status: "queued", JobID: res.JobID, Queue: res.Queue, Cost: res.Cost, Timestamp: time.Now().UTC()})
	}
}

// TrainingHandler admits a model training job.
func (s *Server) TrainingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept negotiation: only JSON responses supported
		if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
			writeErrorCode(w, http.StatusNotAcceptable, codeValidation, "not acceptable", map[string]interface{}{"accept": a})
			return
		}
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req struct {
			ModelName   string   `json:"model_name" validate:"required,min=1,max=100"`
			Steps       int      `json:"steps" validate:"required,oneof=600 1200 2000"`
			ImageURLs   []string `json:"image_urls" validate:"required,min=5,max=50,dive,url"`
			TriggerWord string   `json:"trigger_word" validate:"omitempty,max=50"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		params := domain.GenerationParams{
			ModelName:   req.ModelName,
			Steps:       req.Steps,
			ImageURLs:   req.ImageURLs,
			TriggerWord: req.TriggerWord,
		}
		res, err := s.Generate.AdmitTraining(r.Context(), uid, params)
		if err != nil {
			writeAdmitError(w, r, domain.KindTraining, err)
			return
		}
		writeJSON(w, http.StatusOK, queuedResponse{Status: "queued", JobID: res.JobID, Queue: res.Queue, Cost: res.Cost, Timestamp: time.Now().UTC()})
	}
}

// JobStatusHandler returns the owner's view of one job.
func (s *Server) JobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "jobId")
		if vr := ValidateJobID(id); !vr.Valid {
			writeErrorCode(w, http.StatusBadRequest, codeValidation, "invalid job id", vr.Errors)
			return
		}
		st, err := s.Jobs.Get(r.Context(), uid, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// CancelJobHandler cancels a waiting or running job.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "jobId")
		if vr := ValidateJobID(id); !vr.Valid {
			writeErrorCode(w, http.StatusBadRequest, codeValidation, "invalid job id", vr.Errors)
			return
		}
		if err := s.Jobs.Cancel(r.Context(), uid, id); err != nil {
			if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrNotFound) ||
				errors.Is(err, domain.ErrNotOwner) || errors.Is(err, domain.ErrNotCancellable) {
				writeError(w, r, err, nil)
				return
			}
			writeErrorCode(w, http.StatusInternalServerError, codeCancelFailed, err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "cancelled",
			"jobId":     id,
			"timestamp": time.Now().UTC(),
		})
	}
}

// stateFilter maps the public status vocabulary onto stored job states.
// Listings do not consult the queue, so delayed is not a history filter.
func stateFilter(status string) domain.JobState {
	switch status {
	case usecase.StateWaiting:
		return domain.JobPending
	case usecase.StateActive:
		return domain.JobProcessing
	default:
		return domain.JobState(status)
	}
}

// HistoryHandler lists the owner's jobs, newest first.
func (s *Server) HistoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		if vr := ValidatePagination(q.Get("page"), q.Get("limit")); !vr.Valid {
			writeErrorCode(w, http.StatusBadRequest, codeValidation, "invalid pagination", vr.Errors)
			return
		}
		if vr := ValidateStatus(q.Get("status")); !vr.Valid {
			writeErrorCode(w, http.StatusBadRequest, codeValidation, "invalid status filter", vr.Errors)
			return
		}
		if vr := ValidateContentType(q.Get("content_type")); !vr.Valid {
			writeErrorCode(w, http.StatusBadRequest, codeValidation, "invalid content type filter", vr.Errors)
			return
		}
		page, _ := strconv.Atoi(q.Get("page"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		f := domain.JobFilter{
			Kind:  domain.JobKind(q.Get("content_type")),
			State: stateFilter(q.Get("status")),
		}
		hp, err := s.Jobs.History(r.Context(), uid, f, page, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, hp)
	}
}

// CreditsHandler returns the owner's current balance.
func (s *Server) CreditsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		balance, err := s.Jobs.Balance(r.Context(), uid)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"balance":   balance,
			"timestamp": time.Now().UTC(),
		})
	}
}

// transactionView is the wire shape of one ledger row.
type transactionView struct {
	ID           string            `json:"id"`
	Delta        int64             `json:"delta"`
	BalanceAfter int64             `json:"balanceAfter"`
	Reason       string            `json:"reason"`
	JobRef       string            `json:"jobRef,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// TransactionsHandler lists the owner's ledger entries, newest first.
func (s *Server) TransactionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		q := r.URL.Query()
		if vr := ValidatePagination(q.Get("page"), q.Get("limit")); !vr.Valid {
			writeErrorCode(w, http.StatusBadRequest, codeValidation, "invalid pagination", vr.Errors)
			return
		}
		page, _ := strconv.Atoi(q.Get("page"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		txs, err := s.Jobs.Transactions(r.Context(), uid, page, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]transactionView, 0, len(txs))
		for _, tx := range txs {
			views = append(views, transactionView{
				ID:           tx.ID,
				Delta:        tx.Delta,
				BalanceAfter: tx.BalanceAfter,
				Reason:       tx.Reason,
				JobRef:       tx.JobRef,
				Metadata:     tx.Metadata,
				CreatedAt:    tx.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": views})
	}
}

// ReportHandler accepts a user report against generated content. Reports are
// rate limited per user; escalation rules live in the moderation engine.
func (s *Server) ReportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req struct {
			ContentID string `json:"content_id" validate:"required,max=100"`
			Reason    string `json:"reason" validate:"required,max=50"`
			Details   string `json:"details" validate:"omitempty,max=1000"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		if d := s.Limiter.Check(r.Context(), uid, config.ActionContentReports); !d.Allowed {
			writeError(w, r, &domain.RateLimitError{Action: config.ActionContentReports, RetryAfter: d.RetryAfter}, nil)
			return
		}
		report := domain.ContentReport{
			ContentID:  SanitizeJobID(req.ContentID),
			ReporterID: uid,
			Reason:     req.Reason,
			Details:    SanitizeString(req.Details),
		}
		if err := s.Reports.SubmitReport(r.Context(), report); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "received",
			"timestamp": time.Now().UTC(),
		})
	}
}

// NotificationPrefsHandler returns the owner's per-category notification
// switches, defaults filled in.
func (s *Server) NotificationPrefsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		prefs, err := s.Users.NotificationPrefs(r.Context(), uid)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"preferences": prefs})
	}
}

// UpdateNotificationPrefHandler flips one notification category on or off.
// System notifications cannot be disabled; the store rejects that.
func (s *Server) UpdateNotificationPrefHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req struct {
			Category string `json:"category" validate:"required,oneof=generation_complete training_complete social subscription system"`
			Enabled  *bool  `json:"enabled" validate:"required"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
			return
		}
		if err := s.Users.SetNotificationPref(r.Context(), uid, domain.NotificationCategory(req.Category), *req.Enabled); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    "updated",
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadyzHandler probes Postgres, Redis and Kafka.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		timeout := s.Cfg.HealthProbeTimeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		checks := make([]check, 0, 3)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		if s.KafkaCheck != nil {
			if err := s.KafkaCheck(ctx); err != nil {
				checks = append(checks, check{Name: "kafka", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "kafka", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]interface{}{"checks": checks})
	}
}
