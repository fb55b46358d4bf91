package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veydha/internal/config"
)

func TestOpenAndMigrateSqlite(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := Open("sqlite3", cfg)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, "sqlite3"))
	require.NoError(t, Migrate(db, "sqlite3"), "migrations are idempotent")

	for _, table := range []string{"patients", "patient_tokens", "consultations", "intake_sessions", "intake_messages", "intake_summaries"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"postgres": {}}}
	_, err := Open("postgres", cfg)
	assert.ErrorContains(t, err, "unsupported driver")

	_, err = Open("mysql", cfg)
	assert.ErrorContains(t, err, "not found")
}

func TestMigrateUnknownDriver(t *testing.T) {
	assert.Error(t, Migrate(nil, "oracle"))
}

func TestIsUniqueViolation(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}}}
	db, err := Open("sqlite3", cfg)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db, "sqlite3"))

	insert := `INSERT INTO patients (patient_id, name, password_hash, created_at) VALUES ('P-1', 'A', 'h', CURRENT_TIMESTAMP)`
	_, err = db.Exec(insert)
	require.NoError(t, err)
	_, err = db.Exec(insert)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(fmt.Errorf("create patient: %w", err)))

	assert.False(t, IsUniqueViolation(nil))
	assert.False(t, IsUniqueViolation(errors.New("boom")))
	assert.True(t, IsUniqueViolation(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.False(t, IsUniqueViolation(&mysql.MySQLError{Number: 1045}))
}
