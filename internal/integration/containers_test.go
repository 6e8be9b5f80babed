//go:build integration
// +build integration

// Package integration runs the storage and rate-limit layers against real
// backing services in containers. Gated behind the integration tag:
//
//	go test -tags=integration ./internal/integration/
package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/adi99/vidai/internal/adapter/repo/postgres"
	"github.com/adi99/vidai/internal/config"
	"github.com/adi99/vidai/internal/domain"
	"github.com/adi99/vidai/internal/service/ratelimiter"
)

// startPostgres runs a disposable PostgreSQL container, applies the schema
// from migrations/, and returns a connected pool.
func startPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "vidai",
			"POSTGRES_PASSWORD": "vidai",
			"POSTGRES_DB":       "vidai_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, nat.Port("5432/tcp"))
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://vidai:vidai@%s:%s/vidai_test?sslmode=disable", host, port.Port())
	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "0001_init.sql"))
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)
	return pool
}

// startRedis runs a disposable Redis container and returns a connected client.
func startRedis(t *testing.T, ctx context.Context) *redis.Client {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort(nat.Port("6379/tcp")).WithStartupTimeout(30 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, nat.Port("6379/tcp"))
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	require.NoError(t, rdb.Ping(ctx).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestIntegration_CreditLedger(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	credits := postgres.NewCreditRepo(pool)
	users := postgres.NewUserRepo(pool)

	const userID = "it-ledger-user"
	require.NoError(t, users.EnsureUser(ctx, userID))

	txID, err := credits.Deposit(ctx, userID, 100, domain.CreditReasonAdminGrant, map[string]string{"note": "seed"})
	require.NoError(t, err)
	require.NotEmpty(t, txID)

	bal, err := credits.Balance(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 100, bal)

	// Reserve charges once; replays with the same job ref are no-ops.
	first, err := credits.Reserve(ctx, userID, 40, "it-job-1", nil)
	require.NoError(t, err)
	replay, err := credits.Reserve(ctx, userID, 40, "it-job-1", nil)
	require.NoError(t, err)
	require.Equal(t, first, replay)

	bal, err = credits.Balance(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 60, bal)

	// Overdraw is rejected without touching the balance.
	_, err = credits.Reserve(ctx, userID, 1000, "it-job-2", nil)
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	bal, err = credits.Balance(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 60, bal)

	// Refund restores the reservation; a replay keeps the balance fixed.
	require.NoError(t, credits.Refund(ctx, userID, 40, "it-job-1", nil))
	require.NoError(t, credits.Refund(ctx, userID, 40, "it-job-1", nil))
	bal, err = credits.Balance(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 100, bal)

	rows, err := credits.Transactions(ctx, userID, domain.Page{Offset: 0, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 3, "deposit, charge, refund")
}

func TestIntegration_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	jobs := postgres.NewJobRepo(pool)
	users := postgres.NewUserRepo(pool)

	const userID = "it-job-user"
	require.NoError(t, users.EnsureUser(ctx, userID))

	job := domain.Job{
		ID:      "it-job-0001",
		OwnerID: userID,
		Kind:    domain.KindImage,
		Params:  domain.GenerationParams{Prompt: "integration probe"},
		Cost:    5,
		State:   domain.JobPending,
	}
	require.NoError(t, jobs.Create(ctx, job))

	processing := domain.JobProcessing
	p40 := 40
	require.NoError(t, jobs.UpdateStatus(ctx, job.ID, domain.StatusPatch{State: &processing, Progress: &p40}))

	// Progress never moves backwards.
	p10 := 10
	err := jobs.UpdateStatus(ctx, job.ID, domain.StatusPatch{Progress: &p10})
	require.ErrorIs(t, err, domain.ErrProgressRegression)

	completed := domain.JobCompleted
	p100 := 100
	res := domain.JobResult{ImageURL: "https://cdn.example.com/out/1.png", Provider: "runpod"}
	require.NoError(t, jobs.UpdateStatus(ctx, job.ID, domain.StatusPatch{State: &completed, Progress: &p100, Result: &res}))

	// Terminal states are sticky.
	err = jobs.UpdateStatus(ctx, job.ID, domain.StatusPatch{State: &processing})
	require.ErrorIs(t, err, domain.ErrTerminalState)

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, got.State)
	require.NotNil(t, got.Result)
	require.Equal(t, "https://cdn.example.com/out/1.png", got.Result.ImageURL)
	require.NotNil(t, got.CompletedAt)

	stuck, err := jobs.ListStuckProcessing(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Empty(t, stuck)

	page, total, err := jobs.ListByOwner(ctx, userID, domain.JobFilter{}, domain.Page{Offset: 0, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, 1, total)
}

func TestIntegration_RateLimiterWindow(t *testing.T) {
	ctx := context.Background()
	rdb := startRedis(t, ctx)
	pool := startPostgres(t, ctx)
	violations := postgres.NewViolationRepo(pool)

	limits := config.RateLimits{
		config.ActionImageGeneration: {
			Trusted:    config.RateLimitRule{Requests: 3, Window: time.Minute, Block: 0},
			Base:       config.RateLimitRule{Requests: 2, Window: time.Minute, Block: time.Minute},
			Restricted: config.RateLimitRule{Requests: 1, Window: time.Minute, Block: time.Minute},
		},
	}
	limiter := ratelimiter.NewRedisLuaLimiter(rdb, violations, limits)

	const userID = "it-limit-user"
	for i := 0; i < 3; i++ {
		d := limiter.Check(ctx, userID, config.ActionImageGeneration)
		require.Truef(t, d.Allowed, "request %d should pass the trusted tier", i+1)
	}
	denied := limiter.Check(ctx, userID, config.ActionImageGeneration)
	require.False(t, denied.Allowed)
	require.Greater(t, denied.RetryAfter, time.Duration(0))

	// The breach lands in the durable mirror for tier selection after a
	// restart.
	require.Eventually(t, func() bool {
		n, err := violations.CountViolationsSince(ctx, userID, time.Now().Add(-time.Hour))
		return err == nil && n >= 1
	}, 5*time.Second, 100*time.Millisecond)

	// A different user is unaffected.
	other := limiter.Check(ctx, "it-other-user", config.ActionImageGeneration)
	require.True(t, other.Allowed)
}
