package db

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewRejectsUnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Driver: "mysql", DSN: "dsn", Logger: zap.NewNop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")

	_, err = New(Config{Driver: "sqlite", DSN: ":memory:"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger is required")
}

func TestRunMigrationsRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = runMigrations(sqlDB, "mysql", zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no migration driver")
}

func TestNewAppliesMigrations(t *testing.T) {
	t.Parallel()

	gdb, err := New(Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	assert.True(t, gdb.Migrator().HasTable("auth_vault"))
}
