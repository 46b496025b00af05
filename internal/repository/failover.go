package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"valet/internal/models"

	"github.com/rs/zerolog"
)

const primaryRetryInterval = time.Minute

// FailoverStateRepository serves from primary and switches to fallback while
// primary errors. Primary is retried once a minute.
type FailoverStateRepository struct {
	primary  StateRepository
	fallback StateRepository
	logger   *zerolog.Logger

	isDown    atomic.Bool
	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverStateRepository(primary, fallback StateRepository, logger *zerolog.Logger) *FailoverStateRepository {
	return &FailoverStateRepository{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverStateRepository) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastCheck) > primaryRetryInterval
}

func (r *FailoverStateRepository) markDown(op string, err error) {
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
	if !r.isDown.Swap(true) {
		r.logger.Warn().Err(err).Str("op", op).Msg("State repository primary failed, switching to fallback")
	}
}

func (r *FailoverStateRepository) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("State repository primary recovered")
	}
}

func call[T any](r *FailoverStateRepository, op string, fn func(StateRepository) (T, error)) (T, error) {
	if r.usePrimary() {
		v, err := fn(r.primary)
		if err == nil {
			r.markUp()
			return v, nil
		}
		r.markDown(op, err)
	}
	return fn(r.fallback)
}

func (r *FailoverStateRepository) GetState(ctx context.Context, phone string) (*models.Session, error) {
	return call(r, "get", func(s StateRepository) (*models.Session, error) {
		return s.GetState(ctx, phone)
	})
}

func (r *FailoverStateRepository) SetState(ctx context.Context, state *models.Session) error {
	_, err := call(r, "set", func(s StateRepository) (struct{}, error) {
		return struct{}{}, s.SetState(ctx, state)
	})
	return err
}

func (r *FailoverStateRepository) ClearState(ctx context.Context, phone string) error {
	_, err := call(r, "clear", func(s StateRepository) (struct{}, error) {
		return struct{}{}, s.ClearState(ctx, phone)
	})
	return err
}

func (r *FailoverStateRepository) ForgetProcessed(ctx context.Context, messageID string) error {
	_, err := call(r, "forget_processed", func(s StateRepository) (struct{}, error) {
		return struct{}{}, s.ForgetProcessed(ctx, messageID)
	})
	return err
}

func (r *FailoverStateRepository) CheckRateLimit(ctx context.Context, phone string, limit int, window time.Duration) (bool, error) {
	return call(r, "rate_limit", func(s StateRepository) (bool, error) {
		return s.CheckRateLimit(ctx, phone, limit, window)
	})
}

func (r *FailoverStateRepository) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	return call(r, "mark_processed", func(s StateRepository) (bool, error) {
		return s.MarkProcessed(ctx, messageID)
	})
}
