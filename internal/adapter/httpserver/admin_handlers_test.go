package httpserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/adi99/vidai/internal/adapter/gpu"
	"github.com/adi99/vidai/internal/adapter/httpserver"
	asynqadp "github.com/adi99/vidai/internal/adapter/queue/asynq"
	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
	"github.com/adi99/vidai/internal/domain/mocks"
)

type queueOpsStub struct {
	stats        []asynqadp.QueueStats
	statsErr     error
	letters      []domain.DeadLetter
	lettersKind  domain.JobKind
	lettersLimit int
}

func (s *queueOpsStub) Stats() ([]asynqadp.QueueStats, error) { return s.stats, s.statsErr }

func (s *queueOpsStub) DeadLetters(kind domain.JobKind, limit int) ([]domain.DeadLetter, error) {
	s.lettersKind = kind
	s.lettersLimit = limit
	return s.letters, nil
}

type providerOpsStub struct {
	circuits []gpu.BreakerStats
	health   map[string]domain.ProviderHealth
}

func (s *providerOpsStub) CircuitSnapshot() []gpu.BreakerStats { return s.circuits }

func (s *providerOpsStub) HealthAll(context.Context) map[string]domain.ProviderHealth {
	return s.health
}

type reviewOpsStub struct {
	pending     []domain.ReviewItem
	gotPage     domain.Page
	resolved    domain.ReviewItem
	resolveErr  error
	gotID       string
	gotDecision string
}

func (s *reviewOpsStub) PendingReviews(_ context.Context, p domain.Page) ([]domain.ReviewItem, error) {
	s.gotPage = p
	return s.pending, nil
}

func (s *reviewOpsStub) ResolveReview(_ context.Context, reviewID, decision string) (domain.ReviewItem, error) {
	s.gotID = reviewID
	s.gotDecision = decision
	return s.resolved, s.resolveErr
}

type adminFixture struct {
	router    http.Handler
	queue     *queueOpsStub
	providers *providerOpsStub
	reviews   *reviewOpsStub
	credits   *mocks.MockCreditLedger
}

const adminPassword = "op3rator-pass"

func adminTestConfig(t *testing.T) config.Config {
	t.Helper()
	hash, err := httpserver.HashPassword(adminPassword, httpserver.Argon2Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32,
	})
	require.NoError(t, err)
	return config.Config{
		AppEnv:               "test",
		AdminUsername:        "ops",
		AdminPassword:        hash,
		AdminSessionSecret:   "0123456789abcdef0123456789abcdef",
		AdminSessionSameSite: "Strict",
	}
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	f := &adminFixture{
		queue:     &queueOpsStub{},
		providers: &providerOpsStub{},
		reviews:   &reviewOpsStub{},
		credits:   &mocks.MockCreditLedger{},
	}
	admin := httpserver.NewAdminServer(adminTestConfig(t), f.queue, f.providers, f.reviews, f.credits)
	r := chi.NewRouter()
	admin.MountRoutes(r)
	f.router = r
	return f
}

// login returns a valid session cookie for the ops user.
func (f *adminFixture) login(t *testing.T) *http.Cookie {
	t.Helper()
	rec := doRequest(t, f.router, http.MethodPost, "/admin/login", "", map[string]interface{}{
		"username": "ops",
		"password": adminPassword,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	for _, c := range rec.Result().Cookies() {
		if c.Name == "session" && c.Value != "" {
			return c
		}
	}
	t.Fatal("no session cookie issued")
	return nil
}

func (f *adminFixture) doAuthed(t *testing.T, cookie *http.Cookie, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := buildRequest(t, method, path, body)
	req.AddCookie(cookie)
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestAdminLogin_WrongPassword(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t)

	rec := doRequest(t, f.router, http.MethodPost, "/admin/login", "", map[string]interface{}{
		"username": "ops",
		"password": "guess",
	})

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestAdminAPI_RequiresSession(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t)

	rec := doRequest(t, f.router, http.MethodGet, "/admin/api/overview", "", nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeBody(t, rec)["code"])
}

func TestAdminAPI_RejectsTamperedSession(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t)
	cookie := f.login(t)
	cookie.Value = "ops:1:9999999999.Zm9yZ2Vk"

	rec := f.doAuthed(t, cookie, http.MethodGet, "/admin/api/overview", nil)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminOverview(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t)
	f.queue.stats = []asynqadp.QueueStats{{Queue: "image", Priority: 6, Pending: 3, DLQ: 1}}
	f.providers.circuits = []gpu.BreakerStats{{Provider: "runpod", State: "closed"}}
	f.providers.health = map[string]domain.ProviderHealth{
		"runpod": {OK: true, LatencyMs: 12, CheckedAt: time.Now().UTC()},
	}
	cookie := f.login(t)

	rec := f.doAuthed(t, cookie, http.MethodGet, "/admin/api/overview", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	queues, ok := body["queues"].([]interface{})
	require.True(t, ok)
	assert.Len(t, queues, 1)
	assert.NotNil(t, body["circuits"])
	assert.NotNil(t, body["providers"])
}

func TestAdminDLQ_PeeksQueue(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t)
	f.queue.letters = []domain.DeadLetter{{JobID: "j1", Kind: domain.KindVideo, ErrorCode: "ALL_PROVIDERS_FAILED"}}
	cookie := f.login(t)

	rec := f.doAuthed(t, cookie, http.MethodGet, "/admin/api/dlq/video?limit=5", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.KindVideo, f.queue.lettersKind)
	assert.Equal(t, 5, f.queue.lettersLimit)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
}

func TestAdminDLQ_BadQueue(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t)
	cookie := f.login(t)

	rec := f.doAuthed(t, cookie, http.MethodGet, "/admin/api/dlq/audio", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminReviews_Paginates(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t)
	f.reviews.pending = []domain.ReviewItem{
		{ID: "r1", JobID: "j1", OwnerID: "u1", Priority: 80, Reason: "nsfw 0.93", Status: domain.ReviewPending, CreatedAt: time.Now().UTC()},
	}
	cookie := f.login(t)

	rec := f.doAuthed(t, cookie, http.MethodGet, "/admin/api/reviews?page=2&limit=10", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.Page{Offset: 10, Limit: 10}, f.reviews.gotPage)
	reviews, ok := decodeBody(t, rec)["reviews"].([]interface{})
	require.True(t, ok)
	require.Len(t, reviews, 1)
	first, ok := reviews[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "r1", first["id"])
	assert.Equal(t, float64(80), first["priority"])
}

func TestAdminResolveReview(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t)
	f.reviews.resolved = domain.ReviewItem{ID: "r1", JobID: "j1", Status: domain.ReviewApproved}
	cookie := f.login(t)

	rec := f.doAuthed(t, cookie, http.MethodPost, "/admin/api/reviews/r1/resolve", map[string]interface{}{
		"decision": "approved",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "r1", f.reviews.gotID)
	assert.Equal(t, "approved", f.reviews.gotDecision)
}

func TestAdminResolveReview_BadDecision(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t)
	cookie := f.login(t)

	rec := f.doAuthed(t, cookie, http.MethodPost, "/admin/api/reviews/r1/resolve", map[string]interface{}{
		"decision": "shrug",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.reviews.gotID)
}

func TestAdminGrantCredits(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t)
	f.credits.On("Deposit", mock.Anything, "u9", int64(500), domain.CreditReasonAdminGrant,
		mock.MatchedBy(func(meta map[string]string) bool {
			return meta["granted_by"] == "ops" && meta["note"] == "goodwill"
		})).Return("t-grant", nil)
	cookie := f.login(t)

	rec := f.doAuthed(t, cookie, http.MethodPost, "/admin/api/credits/grant", map[string]interface{}{
		"user_id": "u9",
		"amount":  500,
		"note":    "goodwill",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "t-grant", body["transaction_id"])
	assert.Equal(t, float64(500), body["amount"])
	f.credits.AssertExpectations(t)
}

func TestAdminGrantCredits_RejectsNonPositive(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t)
	cookie := f.login(t)

	rec := f.doAuthed(t, cookie, http.MethodPost, "/admin/api/credits/grant", map[string]interface{}{
		"user_id": "u9",
		"amount":  -5,
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
	f.credits.AssertNotCalled(t, "Deposit", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAdminLogout_ClearsCookie(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t)
	cookie := f.login(t)

	rec := f.doAuthed(t, cookie, http.MethodPost, "/admin/logout", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var cleared bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "session" && c.MaxAge < 0 {
			cleared = true
		}
	}
	assert.True(t, cleared)
}
