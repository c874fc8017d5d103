package database

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMigratedIsIdempotent(t *testing.T) {
	cfg := Config{Path: filepath.Join(t.TempDir(), "nested", "data.db")}

	db, err := OpenMigrated(cfg)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM saved_chapters`).Scan(&n))
	require.Zero(t, n)
	require.NoError(t, db.Close())
}

func TestOpenAppliesPragmas(t *testing.T) {
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "data.db")})
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", strings.ToLower(mode))

	var fk, busy int
	require.NoError(t, db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
	require.NoError(t, db.QueryRow(`PRAGMA busy_timeout`).Scan(&busy))
	assert.Equal(t, 5000, busy)
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("MANGAVAULT_DB_PATH", "/data/vault.db")
	assert.Equal(t, "/data/vault.db", DefaultConfig().Path)

	t.Setenv("MANGAVAULT_DB_PATH", "")
	assert.Equal(t, "data.db", filepath.Base(DefaultConfig().Path))

	_, err := Open(Config{})
	assert.Error(t, err)
}
