package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"valet/internal/database"
	"valet/internal/models"

	"golang.org/x/time/rate"
)

// SQLiteStateRepository keeps sessions in the resource store. Rate limits
// are tracked in memory.
type SQLiteStateRepository struct {
	db         *database.DB
	sessionTTL time.Duration
	limiter    *MemoryRateLimiter
}

func NewSQLiteStateRepository(db *database.DB, sessionTTL time.Duration) *SQLiteStateRepository {
	return &SQLiteStateRepository{
		db:         db,
		sessionTTL: sessionTTL,
		limiter:    NewMemoryRateLimiter(),
	}
}

func (r *SQLiteStateRepository) GetState(ctx context.Context, phone string) (*models.Session, error) {
	s, err := r.db.GetSession(ctx, phone)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if r.sessionTTL > 0 && r.db.Now().Sub(s.UpdatedAt) > r.sessionTTL {
		return nil, nil
	}
	return s, nil
}

func (r *SQLiteStateRepository) SetState(ctx context.Context, state *models.Session) error {
	return r.db.SaveSession(ctx, state)
}

func (r *SQLiteStateRepository) ClearState(ctx context.Context, phone string) error {
	return r.db.DeleteSession(ctx, phone)
}

func (r *SQLiteStateRepository) CheckRateLimit(_ context.Context, phone string, limit int, window time.Duration) (bool, error) {
	return r.limiter.Allow(phone, limit, window), nil
}

func (r *SQLiteStateRepository) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	return r.db.MarkMessageProcessed(ctx, messageID)
}

func (r *SQLiteStateRepository) ForgetProcessed(ctx context.Context, messageID string) error {
	return r.db.ForgetProcessedMessage(ctx, messageID)
}

// MemoryRateLimiter holds one token bucket per phone.
type MemoryRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Allow spends one token for key; the bucket refills limit tokens per window.
func (m *MemoryRateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 || window <= 0 {
		return true
	}
	m.mu.Lock()
	l, ok := m.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		m.limiters[key] = l
	}
	m.mu.Unlock()
	return l.Allow()
}
