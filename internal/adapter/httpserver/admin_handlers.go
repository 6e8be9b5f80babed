package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/adi99/vidai/internal/adapter/gpu"
	asynqadp "github.com/adi99/vidai/internal/adapter/queue/asynq"
	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
)

// QueueOps is the slice of the queue adapter the ops API reads.
type QueueOps interface {
	Stats() ([]asynqadp.QueueStats, error)
	DeadLetters(kind domain.JobKind, limit int) ([]domain.DeadLetter, error)
}

// ProviderOps is the slice of the GPU orchestrator the ops API reads.
type ProviderOps interface {
	CircuitSnapshot() []gpu.BreakerStats
	HealthAll(ctx context.Context) map[string]domain.ProviderHealth
}

// ReviewOps is the slice of the moderation engine the ops API drives.
type ReviewOps interface {
	PendingReviews(ctx context.Context, p domain.Page) ([]domain.ReviewItem, error)
	ResolveReview(ctx context.Context, reviewID, decision string) (domain.ReviewItem, error)
}

// AdminServer serves the session-guarded ops API: queue depths, circuit
// state, dead letters, the review queue, and credit grants.
type AdminServer struct {
	cfg            config.Config
	sessionManager *SessionManager
	queue          QueueOps
	providers      ProviderOps
	reviews        ReviewOps
	credits        domain.CreditLedger
}

// NewAdminServer creates a new admin server
func NewAdminServer(cfg config.Config, queue QueueOps, providers ProviderOps, reviews ReviewOps, credits domain.CreditLedger) *AdminServer {
	return &AdminServer{
		cfg:            cfg,
		sessionManager: NewSessionManager(cfg),
		queue:          queue,
		providers:      providers,
		reviews:        reviews,
		credits:        credits,
	}
}

// MountRoutes mounts admin routes on the router
func (a *AdminServer) MountRoutes(r chi.Router) {
	r.Route("/admin", func(adminRouter chi.Router) {
		adminRouter.Post("/login", a.LoginHandler)
		adminRouter.Post("/logout", a.LogoutHandler)

		adminRouter.Route("/api", func(protected chi.Router) {
			protected.Use(a.sessionManager.AuthRequired)

			protected.Get("/overview", a.OverviewHandler)
			protected.Get("/dlq/{queue}", a.DLQHandler)
			protected.Get("/reviews", a.ReviewsHandler)
			protected.Post("/reviews/{id}/resolve", a.ResolveReviewHandler)
			protected.Post("/credits/grant", a.GrantCreditsHandler)
		})
	})
}

// LoginHandler verifies the operator credentials and issues a session
// cookie. ADMIN_PASSWORD holds an Argon2id hash, never the plaintext.
func (a *AdminServer) LoginHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
	var req struct {
		Username string `json:"username" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
		return
	}
	if err := getValidator().Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(a.cfg.AdminUsername)) == 1
	passOK := VerifyPassword(req.Password, a.cfg.AdminPassword)
	if !userOK || !passOK {
		writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "invalid credentials", nil)
		return
	}

	sessionValue, err := a.sessionManager.CreateSession(req.Username)
	if err != nil {
		writeErrorCode(w, http.StatusInternalServerError, codeInternal, "failed to create session", nil)
		return
	}
	a.sessionManager.SetSessionCookie(w, sessionValue)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// LogoutHandler handles logout
func (a *AdminServer) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	a.sessionManager.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

// OverviewHandler snapshots queue depths, circuit breakers and provider
// health in one call.
func (a *AdminServer) OverviewHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.queue.Stats()
	if err != nil {
		writeErrorCode(w, http.StatusInternalServerError, codeInternal, err.Error(), nil)
		return
	}
	timeout := a.cfg.HealthProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queues":    stats,
		"circuits":  a.providers.CircuitSnapshot(),
		"providers": a.providers.HealthAll(ctx),
		"timestamp": time.Now().UTC(),
	})
}

// DLQHandler peeks a dead letter queue without consuming it.
func (a *AdminServer) DLQHandler(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	if vr := ValidateQueueName(queue); !vr.Valid {
		writeErrorCode(w, http.StatusBadRequest, codeValidation, "invalid queue", vr.Errors)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			writeErrorCode(w, http.StatusBadRequest, codeValidation, "limit must be between 1 and 200", nil)
			return
		}
		limit = n
	}
	entries, err := a.queue.DeadLetters(domain.JobKind(queue), limit)
	if err != nil {
		writeErrorCode(w, http.StatusInternalServerError, codeInternal, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue":     queue,
		"count":     len(entries),
		"entries":   entries,
		"timestamp": time.Now().UTC(),
	})
}

// reviewView is the wire shape of one review queue item.
type reviewView struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	OwnerID   string    `json:"owner_id"`
	Priority  int       `json:"priority"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func toReviewView(item domain.ReviewItem) reviewView {
	return reviewView{
		ID:        item.ID,
		JobID:     item.JobID,
		OwnerID:   item.OwnerID,
		Priority:  item.Priority,
		Reason:    item.Reason,
		Status:    item.Status,
		CreatedAt: item.CreatedAt,
	}
}

// ReviewsHandler lists pending review items, highest priority first.
func (a *AdminServer) ReviewsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if vr := ValidatePagination(q.Get("page"), q.Get("limit")); !vr.Valid {
		writeErrorCode(w, http.StatusBadRequest, codeValidation, "invalid pagination", vr.Errors)
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 {
		limit = 20
	}
	items, err := a.reviews.PendingReviews(r.Context(), domain.Page{Offset: (page - 1) * limit, Limit: limit})
	if err != nil {
		writeErrorCode(w, http.StatusInternalServerError, codeInternal, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reviews":   lo.Map(items, func(item domain.ReviewItem, _ int) reviewView { return toReviewView(item) }),
		"page":      page,
		"limit":     limit,
		"timestamp": time.Now().UTC(),
	})
}

// ResolveReviewHandler applies a moderator decision to a parked item.
func (a *AdminServer) ResolveReviewHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
	var req struct {
		Decision string `json:"decision" validate:"required,oneof=approved blocked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
		return
	}
	if err := getValidator().Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
		return
	}
	item, err := a.reviews.ResolveReview(r.Context(), id, req.Decision)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrConflict) {
			writeError(w, r, err, nil)
			return
		}
		writeErrorCode(w, http.StatusInternalServerError, codeInternal, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"review":    toReviewView(item),
		"timestamp": time.Now().UTC(),
	})
}

// GrantCreditsHandler deposits credits onto a user's balance. The grant is
// an ordinary ledger row, so it shows up in the user's transaction history.
func (a *AdminServer) GrantCreditsHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
	var req struct {
		UserID string `json:"user_id" validate:"required,max=100"`
		Amount int64  `json:"amount" validate:"required,min=1,max=1000000"`
		Note   string `json:"note" validate:"omitempty,max=500"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
		return
	}
	if err := getValidator().Struct(req); err != nil {
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), validationDetails(err))
		return
	}
	meta := map[string]string{}
	if session, ok := SessionFrom(r.Context()); ok {
		meta["granted_by"] = session.Username
	}
	if req.Note != "" {
		meta["note"] = SanitizeString(req.Note)
	}
	txID, err := a.credits.Deposit(r.Context(), req.UserID, req.Amount, domain.CreditReasonAdminGrant, meta)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": txID,
		"user_id":        req.UserID,
		"amount":         req.Amount,
		"timestamp":      time.Now().UTC(),
	})
}
