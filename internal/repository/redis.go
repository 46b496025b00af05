package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"valet/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix   = "valet:session:"
	rateLimitKeyPrefix = "valet:ratelimit:"
	processedKeyPrefix = "valet:processed:"
)

// RedisStateRepository keeps sessions in Redis with a sliding TTL.
type RedisStateRepository struct {
	client       *redis.Client
	sessionTTL   time.Duration
	processedTTL time.Duration
}

func NewRedisStateRepository(client *redis.Client, sessionTTL time.Duration) *RedisStateRepository {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &RedisStateRepository{
		client:       client,
		sessionTTL:   sessionTTL,
		processedTTL: 24 * time.Hour,
	}
}

func (r *RedisStateRepository) GetState(ctx context.Context, phone string) (*models.Session, error) {
	data, err := r.client.Get(ctx, sessionKeyPrefix+phone).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *RedisStateRepository) SetState(ctx context.Context, state *models.Session) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, sessionKeyPrefix+state.Phone, data, r.sessionTTL).Err()
}

func (r *RedisStateRepository) ClearState(ctx context.Context, phone string) error {
	return r.client.Del(ctx, sessionKeyPrefix+phone).Err()
}

// CheckRateLimit counts messages in fixed windows. It reports false once the
// phone exceeds limit within window.
func (r *RedisStateRepository) CheckRateLimit(ctx context.Context, phone string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := rateLimitKeyPrefix + phone

	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return false, err
		}
	}
	return n <= int64(limit), nil
}

// MarkProcessed records a channel message id. It returns false when the id
// was seen before.
func (r *RedisStateRepository) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	return r.client.SetNX(ctx, processedKeyPrefix+messageID, 1, r.processedTTL).Result()
}

func (r *RedisStateRepository) ForgetProcessed(ctx context.Context, messageID string) error {
	return r.client.Del(ctx, processedKeyPrefix+messageID).Err()
}

// Ping checks the connection.
func (r *RedisStateRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
