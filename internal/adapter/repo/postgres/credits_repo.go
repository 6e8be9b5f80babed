package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adi99/vidai/internal/domain"
)

// CreditRepo implements the credit ledger on PostgreSQL. Both the materialized
// balance and every delta are written in one transaction under a per-user row
// lock, so concurrent reserves on the same user serialize and the balance can
// never go below zero.
type CreditRepo struct{ Pool PgxPool }

// NewCreditRepo constructs a CreditRepo with the given pool.
func NewCreditRepo(p PgxPool) *CreditRepo { return &CreditRepo{Pool: p} }

// Reserve debits amount from the user for jobRef. Re-reserving the same
// jobRef returns the original transaction id without charging twice.
func (r *CreditRepo) Reserve(ctx domain.Context, userID string, amount int64, jobRef string, meta map[string]string) (string, error) {
	tracer := otel.Tracer("repo.credits")
	ctx, span := tracer.Start(ctx, "credits.Reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "user_credits"),
	)
	if amount <= 0 {
		return "", fmt.Errorf("op=credits.reserve: amount %d: %w", amount, domain.ErrInvalidArgument)
	}
	if jobRef == "" {
		return "", fmt.Errorf("op=credits.reserve: missing job ref: %w", domain.ErrInvalidArgument)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=credits.reserve: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing string
	err = tx.QueryRow(ctx, `SELECT id FROM credit_transactions WHERE job_ref=$1 AND reason=$2`, jobRef, domain.CreditReasonCharge).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("op=credits.reserve: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx, `SELECT balance FROM user_credits WHERE user_id=$1 FOR UPDATE`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("op=credits.reserve: balance 0 < %d: %w", amount, domain.ErrInsufficientCredits)
	}
	if err != nil {
		return "", fmt.Errorf("op=credits.reserve: %w", err)
	}
	if balance < amount {
		return "", fmt.Errorf("op=credits.reserve: balance %d < %d: %w", balance, amount, domain.ErrInsufficientCredits)
	}

	now := time.Now().UTC()
	newBalance := balance - amount
	if _, err := tx.Exec(ctx, `UPDATE user_credits SET balance=$2, updated_at=$3 WHERE user_id=$1`, userID, newBalance, now); err != nil {
		return "", fmt.Errorf("op=credits.reserve: %w", err)
	}
	id := uuid.New().String()
	if err := insertTransaction(ctx, tx, id, userID, -amount, newBalance, domain.CreditReasonCharge, jobRef, meta, now); err != nil {
		return "", fmt.Errorf("op=credits.reserve: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=credits.reserve: commit: %w", err)
	}
	return id, nil
}

// Refund credits amount back to the user for jobRef. Exactly-once: a second
// refund for the same jobRef is a no-op.
func (r *CreditRepo) Refund(ctx domain.Context, userID string, amount int64, jobRef string, meta map[string]string) error {
	tracer := otel.Tracer("repo.credits")
	ctx, span := tracer.Start(ctx, "credits.Refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "user_credits"),
	)
	if amount <= 0 {
		return fmt.Errorf("op=credits.refund: amount %d: %w", amount, domain.ErrInvalidArgument)
	}
	if jobRef == "" {
		return fmt.Errorf("op=credits.refund: missing job ref: %w", domain.ErrInvalidArgument)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=credits.refund: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing string
	err = tx.QueryRow(ctx, `SELECT id FROM credit_transactions WHERE job_ref=$1 AND reason=$2`, jobRef, domain.CreditReasonRefund).Scan(&existing)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=credits.refund: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO user_credits (user_id, balance, updated_at) VALUES ($1, 0, $2) ON CONFLICT (user_id) DO NOTHING`, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=credits.refund: %w", err)
	}
	var balance int64
	if err := tx.QueryRow(ctx, `SELECT balance FROM user_credits WHERE user_id=$1 FOR UPDATE`, userID).Scan(&balance); err != nil {
		return fmt.Errorf("op=credits.refund: %w", err)
	}

	now := time.Now().UTC()
	newBalance := balance + amount
	if _, err := tx.Exec(ctx, `UPDATE user_credits SET balance=$2, updated_at=$3 WHERE user_id=$1`, userID, newBalance, now); err != nil {
		return fmt.Errorf("op=credits.refund: %w", err)
	}
	id := uuid.New().String()
	if err := insertTransaction(ctx, tx, id, userID, amount, newBalance, domain.CreditReasonRefund, jobRef, meta, now); err != nil {
		return fmt.Errorf("op=credits.refund: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=credits.refund: commit: %w", err)
	}
	return nil
}

// Deposit adds credits unconditionally (purchases, admin grants).
func (r *CreditRepo) Deposit(ctx domain.Context, userID string, amount int64, reason string, meta map[string]string) (string, error) {
	tracer := otel.Tracer("repo.credits")
	ctx, span := tracer.Start(ctx, "credits.Deposit")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "user_credits"),
	)
	if amount <= 0 {
		return "", fmt.Errorf("op=credits.deposit: amount %d: %w", amount, domain.ErrInvalidArgument)
	}
	if reason == "" {
		reason = domain.CreditReasonAdminGrant
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("op=credits.deposit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO user_credits (user_id, balance, updated_at) VALUES ($1, 0, $2) ON CONFLICT (user_id) DO NOTHING`, userID, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("op=credits.deposit: %w", err)
	}
	var balance int64
	if err := tx.QueryRow(ctx, `SELECT balance FROM user_credits WHERE user_id=$1 FOR UPDATE`, userID).Scan(&balance); err != nil {
		return "", fmt.Errorf("op=credits.deposit: %w", err)
	}

	now := time.Now().UTC()
	newBalance := balance + amount
	if _, err := tx.Exec(ctx, `UPDATE user_credits SET balance=$2, updated_at=$3 WHERE user_id=$1`, userID, newBalance, now); err != nil {
		return "", fmt.Errorf("op=credits.deposit: %w", err)
	}
	id := uuid.New().String()
	if err := insertTransaction(ctx, tx, id, userID, amount, newBalance, reason, "", meta, now); err != nil {
		return "", fmt.Errorf("op=credits.deposit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=credits.deposit: commit: %w", err)
	}
	return id, nil
}

// Balance returns the user's current balance; users without a row have 0.
func (r *CreditRepo) Balance(ctx domain.Context, userID string) (int64, error) {
	tracer := otel.Tracer("repo.credits")
	ctx, span := tracer.Start(ctx, "credits.Balance")
	defer span.End()
	var balance int64
	err := r.Pool.QueryRow(ctx, `SELECT balance FROM user_credits WHERE user_id=$1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=credits.balance: %w", err)
	}
	return balance, nil
}

// Transactions returns one page of the user's ledger, newest first.
func (r *CreditRepo) Transactions(ctx domain.Context, userID string, p domain.Page) ([]domain.CreditTransaction, error) {
	tracer := otel.Tracer("repo.credits")
	ctx, span := tracer.Start(ctx, "credits.Transactions")
	defer span.End()
	limit := p.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := `SELECT id, user_id, amount, balance_after, reason, COALESCE(job_ref,''), metadata, created_at
	FROM credit_transactions WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, userID, limit, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("op=credits.transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var (
			t        domain.CreditTransaction
			metaJSON []byte
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Delta, &t.BalanceAfter, &t.Reason, &t.JobRef, &metaJSON, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=credits.transactions: scan: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
				return nil, fmt.Errorf("op=credits.transactions: unmarshal metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=credits.transactions: rows: %w", err)
	}
	return out, nil
}

func insertTransaction(ctx domain.Context, tx pgx.Tx, id, userID string, amount, balanceAfter int64, reason, jobRef string, meta map[string]string, at time.Time) error {
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	var ref any
	if jobRef != "" {
		ref = jobRef
	}
	_, err = tx.Exec(ctx, `INSERT INTO credit_transactions (id, user_id, amount, balance_after, reason, job_ref, metadata, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, id, userID, amount, balanceAfter, reason, ref, metaJSON, at)
	return err
}
