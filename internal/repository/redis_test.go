package repository

import (
	"context"
	"testing"
	"time"

	"valet/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisRepo(t *testing.T) (*RedisStateRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStateRepository(client, time.Hour), mr
}

func TestRedisStateRepository_Sessions(t *testing.T) {
	repo, mr := newRedisRepo(t)
	ctx := context.Background()

	got, err := repo.GetState(ctx, "+15551230001")
	require.NoError(t, err)
	assert.Nil(t, got)

	s := &models.Session{Phone: "+15551230001", State: "awaiting_owner"}
	s.Set("plate", "ABC123")
	require.NoError(t, repo.SetState(ctx, s))

	got, err = repo.GetState(ctx, "+15551230001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "awaiting_owner", got.State)
	assert.Equal(t, "ABC123", got.GetString("plate"))

	mr.FastForward(2 * time.Hour)
	got, err = repo.GetState(ctx, "+15551230001")
	require.NoError(t, err)
	assert.Nil(t, got, "session expires after its TTL")

	require.NoError(t, repo.SetState(ctx, s))
	require.NoError(t, repo.ClearState(ctx, s.Phone))
	got, err = repo.GetState(ctx, s.Phone)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisStateRepository_RateLimit(t *testing.T) {
	repo, mr := newRedisRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := repo.CheckRateLimit(ctx, "+1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := repo.CheckRateLimit(ctx, "+1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(time.Minute + time.Second)
	ok, err = repo.CheckRateLimit(ctx, "+1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CheckRateLimit(ctx, "+2", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "zero limit disables limiting")
}

func TestRedisStateRepository_MarkProcessed(t *testing.T) {
	repo, mr := newRedisRepo(t)
	ctx := context.Background()

	first, err := repo.MarkProcessed(ctx, "wamid.A")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := repo.MarkProcessed(ctx, "wamid.A")
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, repo.ForgetProcessed(ctx, "wamid.A"))
	assert.False(t, mr.Exists(processedKeyPrefix+"wamid.A"))
	retry, err := repo.MarkProcessed(ctx, "wamid.A")
	require.NoError(t, err)
	assert.True(t, retry, "a forgotten id is processed again")

	require.NoError(t, repo.Ping(ctx))
	mr.Close()
	_, err = repo.MarkProcessed(ctx, "wamid.B")
	assert.Error(t, err)
}
