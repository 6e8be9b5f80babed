package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adi99/vidai/internal/adapter/repo/postgres"
	"github.com/adi99/vidai/internal/domain"
)

func TestUserRepo_EnsureUser(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectExec("INSERT INTO users").
		WithArgs("u1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := postgres.NewUserRepo(m)
	require.NoError(t, repo.EnsureUser(context.Background(), "u1"))
	require.ErrorIs(t, repo.EnsureUser(context.Background(), ""), domain.ErrInvalidArgument)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestUserRepo_AccountCreatedAt(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	created := time.Now().Add(-48 * time.Hour).UTC()
	m.ExpectQuery("SELECT created_at FROM users").
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(created))
	m.ExpectQuery("SELECT created_at FROM users").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	repo := postgres.NewUserRepo(m)
	got, err := repo.AccountCreatedAt(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = repo.AccountCreatedAt(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestUserRepo_NotificationPrefs(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	rows := pgxmock.NewRows([]string{"category", "enabled"}).
		AddRow(domain.NotifySocial, false).
		AddRow(domain.NotifySystem, false)
	m.ExpectQuery("SELECT category, enabled FROM notification_prefs").
		WithArgs("u1").
		WillReturnRows(rows)

	repo := postgres.NewUserRepo(m)
	prefs, err := repo.NotificationPrefs(context.Background(), "u1")
	require.NoError(t, err)
	// Unset categories default to enabled; social is opted out; system stays
	// on even when a stray opt-out row exists.
	assert.True(t, prefs[domain.NotifyGenerationComplete])
	assert.True(t, prefs[domain.NotifyTrainingComplete])
	assert.False(t, prefs[domain.NotifySocial])
	assert.True(t, prefs[domain.NotifySystem])
	require.NoError(t, m.ExpectationsWereMet())
}

func TestUserRepo_SetNotificationPref(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()

	m.ExpectExec("INSERT INTO notification_prefs").
		WithArgs("u1", domain.NotifySocial, false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := postgres.NewUserRepo(m)
	require.NoError(t, repo.SetNotificationPref(context.Background(), "u1", domain.NotifySocial, false))

	err = repo.SetNotificationPref(context.Background(), "u1", domain.NotifySystem, false)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	require.NoError(t, m.ExpectationsWereMet())
}
