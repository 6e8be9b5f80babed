// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adi99/vidai/internal/domain"
)

//go:generate mockery --config=.mockery.yml
//go:generate mockery --config=.mockery-pgx.yml

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// JobRepo persists and loads generation jobs from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, owner_id, kind, params, COALESCE(enriched_prompt,''), cost, state, progress, attempts, COALESCE(provider,''), result, error_code, error_message, moderation, is_public, created_at, updated_at, completed_at`

// Create inserts a new job row. The caller mints the id; it doubles as the
// queue task id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)
	if j.ID == "" {
		return fmt.Errorf("op=job.create: missing id: %w", domain.ErrInvalidArgument)
	}
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("op=job.create: marshal params: %w", err)
	}
	state := j.State
	if state == "" {
		state = domain.JobPending
	}
	moderation := j.Moderation
	if moderation == "" {
		moderation = domain.ModerationUnknown
	}
	now := time.Now().UTC()
	q := `INSERT INTO jobs (id, owner_id, kind, params, enriched_prompt, cost, state, progress, attempts, provider, result, error_code, error_message, moderation, is_public, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NULL,NULL,NULL,$11,$12,$13,$13)`
	_, err = r.Pool.Exec(ctx, q, j.ID, j.OwnerID, j.Kind, params, j.Params.Prompt, j.Cost, state, j.Progress, j.Attempts, j.Provider, moderation, j.IsPublic, now)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// UpdateStatus applies a patch inside a transaction under a row lock so the
// lifecycle invariants hold under concurrent writers: terminal states are
// sticky, progress never decreases, and illegal transitions are rejected.
// Moderation and visibility patches remain writable after a job finishes.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, patch domain.StatusPatch) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.update_status: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		curState    domain.JobState
		curProgress int
	)
	row := tx.QueryRow(ctx, `SELECT state, progress FROM jobs WHERE id=$1 FOR UPDATE`, id)
	if err := row.Scan(&curState, &curProgress); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=job.update_status: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=job.update_status: %w", err)
	}

	lifecycle := patch.State != nil || patch.Progress != nil || patch.Result != nil ||
		patch.Error != nil || patch.Provider != nil || patch.EnrichedPrompt != nil || patch.IncrementAttempts
	if curState.Terminal() && lifecycle {
		return fmt.Errorf("op=job.update_status: job %s is %s: %w", id, curState, domain.ErrTerminalState)
	}
	if patch.State != nil && !domain.ValidTransition(curState, *patch.State) {
		return fmt.Errorf("op=job.update_status: %s -> %s: %w", curState, *patch.State, domain.ErrConflict)
	}
	if patch.Progress != nil && *patch.Progress < curProgress {
		return fmt.Errorf("op=job.update_status: progress %d -> %d: %w", curProgress, *patch.Progress, domain.ErrProgressRegression)
	}

	set := []string{"updated_at=$2"}
	args := []any{id, time.Now().UTC()}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.State != nil {
		set = append(set, "state="+next(*patch.State))
		switch *patch.State {
		case domain.JobCompleted:
			if patch.Result == nil {
				return fmt.Errorf("op=job.update_status: completed without result: %w", domain.ErrInvalidArgument)
			}
			set = append(set, "progress=100", "completed_at="+next(time.Now().UTC()))
			patch.Progress = nil
		case domain.JobFailed, domain.JobCancelled:
			if patch.Error == nil {
				return fmt.Errorf("op=job.update_status: %s without error: %w", *patch.State, domain.ErrInvalidArgument)
			}
			set = append(set, "completed_at="+next(time.Now().UTC()))
		}
	}
	if patch.Progress != nil {
		set = append(set, "progress="+next(*patch.Progress))
	}
	if patch.Result != nil {
		b, err := json.Marshal(patch.Result)
		if err != nil {
			return fmt.Errorf("op=job.update_status: marshal result: %w", err)
		}
		set = append(set, "result="+next(b))
	}
	if patch.Error != nil {
		set = append(set, "error_code="+next(patch.Error.Code), "error_message="+next(patch.Error.Message))
	}
	if patch.Provider != nil {
		set = append(set, "provider="+next(*patch.Provider))
	}
	if patch.EnrichedPrompt != nil {
		set = append(set, "enriched_prompt="+next(*patch.EnrichedPrompt))
	}
	if patch.Moderation != nil {
		set = append(set, "moderation="+next(*patch.Moderation))
		// A block verdict always forces the job private.
		if *patch.Moderation == domain.ModerationBlock {
			f := false
			patch.IsPublic = &f
		}
	}
	if patch.IsPublic != nil {
		set = append(set, "is_public="+next(*patch.IsPublic))
	}
	if patch.IncrementAttempts {
		set = append(set, "attempts=attempts+1")
	}

	q := "UPDATE jobs SET " + joinSet(set) + " WHERE id=$1"
	if _, err := tx.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.update_status: commit: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// ListByOwner returns one page of the owner's jobs, newest first, plus the
// total row count for the filter.
func (r *JobRepo) ListByOwner(ctx domain.Context, owner string, f domain.JobFilter, p domain.Page) ([]domain.Job, int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByOwner")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)

	where := "owner_id=$1"
	args := []any{owner}
	if f.Kind != "" {
		args = append(args, f.Kind)
		where += fmt.Sprintf(" AND kind=$%d", len(args))
	}
	if f.State != "" {
		args = append(args, f.State)
		where += fmt.Sprintf(" AND state=$%d", len(args))
	}

	var total int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=job.list: count: %w", err)
	}

	limit := p.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	args = append(args, limit, p.Offset)
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, jobColumns, where, len(args)-1, len(args))
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=job.list: scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=job.list: rows: %w", err)
	}
	return out, total, nil
}

// GetByOwnerAndName finds the owner's most recent live job of a kind whose
// model_name matches. Used to reject duplicate training runs for the same
// model while one is pending or already finished successfully.
func (r *JobRepo) GetByOwnerAndName(ctx domain.Context, owner string, kind domain.JobKind, name string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetByOwnerAndName")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs
	WHERE owner_id=$1 AND kind=$2 AND params->>'model_name'=$3 AND state NOT IN ('failed','cancelled')
	ORDER BY created_at DESC LIMIT 1`
	row := r.Pool.QueryRow(ctx, q, owner, kind, name)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get_by_name: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get_by_name: %w", err)
	}
	return j, nil
}

// ListStuckProcessing returns processing jobs whose last update is older than
// the cutoff, oldest first. The sweeper fails them out.
func (r *JobRepo) ListStuckProcessing(ctx domain.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStuckProcessing")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE state='processing' AND updated_at < $1 ORDER BY updated_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stuck: scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: rows: %w", err)
	}
	return out, nil
}

// scanJob reads one row in jobColumns order.
func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j          domain.Job
		paramsJSON []byte
		resultJSON []byte
		errCode    *string
		errMsg     *string
	)
	if err := row.Scan(&j.ID, &j.OwnerID, &j.Kind, &paramsJSON, &j.EnrichedPrompt, &j.Cost, &j.State, &j.Progress, &j.Attempts, &j.Provider, &resultJSON, &errCode, &errMsg, &j.Moderation, &j.IsPublic, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
		return domain.Job{}, err
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &j.Params); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		var res domain.JobResult
		if err := json.Unmarshal(resultJSON, &res); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
		j.Result = &res
	}
	if errCode != nil {
		j.Error = &domain.JobError{Code: *errCode}
		if errMsg != nil {
			j.Error.Message = *errMsg
		}
	}
	return j, nil
}

func joinSet(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}
