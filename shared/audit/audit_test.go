package audit

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"valet/internal/models"
	"valet/internal/testfixtures"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestExport(t *testing.T) {
	db := testfixtures.NewDB(t, testfixtures.NewClock(time.Time{}))
	ctx := context.Background()
	require.NoError(t, db.EnsureSlots(ctx, 2))
	_, err := db.CreateDriver(ctx, "Dave", "+15550001")
	require.NoError(t, err)

	var buf bytes.Buffer
	excel := NewExcelizeWriter()
	defer excel.Close()
	require.NoError(t, Export(ctx, db, excel, &buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"slots", "drivers", "cars", "logs"}, f.GetSheetList())

	rows, err := f.GetRows("drivers")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "id", rows[0][0])
	assert.Contains(t, rows[1], "Dave")

	slots, err := f.GetRows("slots")
	require.NoError(t, err)
	assert.Len(t, slots, 3)
}

func TestService_RunOnce(t *testing.T) {
	clock := testfixtures.NewClock(time.Time{})
	db := testfixtures.NewDB(t, clock)
	ctx := context.Background()
	require.NoError(t, db.AppendLog(ctx, &models.LogEntry{Action: models.ActionDriverStatus}))

	clock.Advance(100 * 24 * time.Hour)
	logger := zerolog.New(io.Discard)
	dir := t.TempDir()
	svc := NewService(Config{Dir: dir}, db, NewExcelizeWriter, db, &logger)
	svc.now = clock.Now

	path, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, GenerateFilename(clock.Now().AddDate(0, -1, 0))), path)
	assert.FileExists(t, path)

	logs, err := db.RecentLogs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, logs, "logs past retention are purged")
}

func TestGenerateFilename(t *testing.T) {
	assert.Equal(t, "valet_audit_2026-01.xlsx", GenerateFilename(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2026, 2, 1, 0, 1, 0, 0, time.UTC), nextFirstOfMonth(time.Date(2026, 1, 31, 23, 0, 0, 0, time.UTC)))
}
