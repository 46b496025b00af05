package repository

import (
	"context"
	"testing"
	"time"

	"valet/internal/models"
	"valet/internal/testfixtures"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStateRepository(t *testing.T) {
	clock := testfixtures.NewClock(time.Time{})
	db := testfixtures.NewDB(t, clock)
	repo := NewSQLiteStateRepository(db, time.Hour)
	ctx := context.Background()

	got, err := repo.GetState(ctx, "+1")
	require.NoError(t, err)
	assert.Nil(t, got)

	s := &models.Session{Phone: "+1", State: "awaiting_plate", UpdatedAt: clock.Now()}
	require.NoError(t, repo.SetState(ctx, s))
	got, err = repo.GetState(ctx, "+1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "awaiting_plate", got.State)

	clock.Advance(2 * time.Hour)
	got, err = repo.GetState(ctx, "+1")
	require.NoError(t, err)
	assert.Nil(t, got, "stale sessions are ignored")

	require.NoError(t, repo.ClearState(ctx, "+1"))

	first, err := repo.MarkProcessed(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, first)
	again, err := repo.MarkProcessed(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, repo.ForgetProcessed(ctx, "m-1"))
	retry, err := repo.MarkProcessed(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, retry)
}

func TestMemoryRateLimiter(t *testing.T) {
	l := NewMemoryRateLimiter()

	assert.True(t, l.Allow("+1", 2, time.Hour))
	assert.True(t, l.Allow("+1", 2, time.Hour))
	assert.False(t, l.Allow("+1", 2, time.Hour))
	assert.True(t, l.Allow("+2", 2, time.Hour), "limits are per key")
	assert.True(t, l.Allow("+1", 0, time.Hour))
}
