package testfixtures

import (
	"io"
	"path/filepath"
	"testing"

	"valet/internal/database"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// NewDB opens a throwaway SQLite store driven by clock.
func NewDB(t *testing.T, clock *Clock) *database.DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(filepath.Join(t.TempDir(), "valet.db"), &logger)
	require.NoError(t, err)
	db.SetClock(clock.NowFunc())
	t.Cleanup(func() { _ = db.Close() })
	return db
}
