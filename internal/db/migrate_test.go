package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portgate/internal/errors"
	"github.com/anstrom/portgate/internal/logging"
)

var migrationColumns = []string{"id", "name", "applied_at", "checksum"}

func newTestMigrator(t *testing.T) (*Migrator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	m := NewMigrator(db.DB)
	m.logger = logging.Discard()
	return m, mock
}

func TestMigrator_AppliesPending(t *testing.T) {
	m, mock := newTestMigrator(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, name, applied_at, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows(migrationColumns))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scans").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("001_scans", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ran, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"001_scans"}, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_SkipsApplied(t *testing.T) {
	m, mock := newTestMigrator(t)

	content, err := migrationFiles.ReadFile("migrations/001_scans.sql")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, name, applied_at, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows(migrationColumns).AddRow(1, "001_scans", time.Now(), checksum(content)))

	ran, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_DetectsModifiedMigration(t *testing.T) {
	m, mock := newTestMigrator(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, name, applied_at, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows(migrationColumns).AddRow(1, "001_scans", time.Now(), "stale"))

	_, err := m.Up(context.Background())
	assert.True(t, errors.IsCode(err, errors.CodeDatabaseMigration))
}

func TestMigrator_FailedMigrationRollsBack(t *testing.T) {
	m, mock := newTestMigrator(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, name, applied_at, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows(migrationColumns))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scans").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	ran, err := m.Up(context.Background())
	assert.Empty(t, ran)
	assert.True(t, errors.IsCode(err, errors.CodeDatabaseMigration))
	assert.NoError(t, mock.ExpectationsWereMet())
}
