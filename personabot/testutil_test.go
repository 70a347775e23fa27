package personabot

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// newTestDB opens a migrated sqlite database in a per-test temp dir.
func newTestDB(t testing.TB) (*gorm.DB, DBI) {
	t.Helper()

	config := DefaultConfig()
	config.Database = filepath.Join(t.TempDir(), "personabot_test.sqlite3")

	handler := slog.NewTextHandler(io.Discard, nil)
	db, err := openDatabase(config, handler)
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, dbErr := db.DB()
			if dbErr == nil {
				_ = sqlDB.Close()
			}
		},
	)

	return db, NewDatabase(db, slog.New(handler), false)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
