// Package databasetest opens throwaway SQLite stores for tests.
package databasetest

import (
	"path/filepath"
	"testing"

	"council-trade-bot/internal/config"
	"council-trade-bot/internal/database"
	"github.com/stretchr/testify/require"
)

// Ladder is the ladder configuration test stores are seeded with.
var Ladder = config.Ladder{
	Mode:           "SAFER",
	InitialBalance: 20,
	GrowthFactor:   1.2,
	DrawdownGuard:  1 - 1/1.2,
}

// Open returns a migrated store backed by a file in t.TempDir().
func Open(t *testing.T) *database.Store {
	t.Helper()
	cfg := &config.Config{
		Database: config.Database{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "council.db")},
		Ladder:   Ladder,
	}
	db, err := database.NewDatabase(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return database.NewStore(db)
}
