package app

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"github.com/adi99/vidai/internal/adapter/httpserver"
	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/usecase"
)

func TestParseOrigins(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{"https://a.example", []string{"https://a.example"}},
		{"https://a.example, https://b.example", []string{"https://a.example", "https://b.example"}},
		{" , ,", []string{"*"}},
	}
	for _, tc := range cases {
		if got := ParseOrigins(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ParseOrigins(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func testServer(cfg config.Config) *httpserver.Server {
	return httpserver.NewServer(cfg, usecase.GenerateService{}, usecase.JobService{}, nil, nil, nil, nil, nil, nil)
}

func TestBuildRouter_HealthAndMetrics(t *testing.T) {
	cfg := config.Config{AppEnv: "test"}
	h := BuildRouter(cfg, testServer(cfg), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/healthz = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("request id header missing")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatal("expected prometheus exposition output")
	}
}

func TestBuildRouter_UnknownRoute(t *testing.T) {
	cfg := config.Config{AppEnv: "test"}
	h := BuildRouter(cfg, testServer(cfg), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown route = %d, want 404", rec.Code)
	}
}

func TestBuildRouter_APIRequiresIdentity(t *testing.T) {
	cfg := config.Config{AppEnv: "test", RateLimitPerMin: 60}
	h := BuildRouter(cfg, testServer(cfg), nil)

	// No X-User-ID: the route exists and answers 401 before touching services.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/credits", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("/api/credits without identity = %d, want 401", rec.Code)
	}
}

func TestBuildRouter_AdminMountedWhenConfigured(t *testing.T) {
	cfg := config.Config{
		AppEnv:             "test",
		AdminUsername:      "ops",
		AdminPassword:      "argon2id$1$8192$1$c2FsdHNhbHRzYWx0c2FsdA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		AdminSessionSecret: "0123456789abcdef0123456789abcdef",
	}
	admin := httpserver.NewAdminServer(cfg, nil, nil, nil, nil)
	h := BuildRouter(cfg, testServer(cfg), admin)

	// Bad credentials still prove the route is mounted.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(`{"username":"x","password":"y"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("/admin/login = %d, want 401", rec.Code)
	}

	// Ops API guarded.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/api/overview", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("/admin/api/overview = %d, want 401", rec.Code)
	}
}

func TestBuildRouter_AdminAbsentWhenUnconfigured(t *testing.T) {
	cfg := config.Config{AppEnv: "test"}
	h := BuildRouter(cfg, testServer(cfg), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/login", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("/admin/login = %d, want 404 when admin disabled", rec.Code)
	}
}
