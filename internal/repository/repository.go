// Package repository stores conversation sessions, processed message ids and
// inbound rate-limit counters.
package repository

import (
	"context"
	"time"

	"valet/internal/models"
)

// StateRepository persists per-phone conversation state.
// GetState returns nil, nil when no session exists.
type StateRepository interface {
	GetState(ctx context.Context, phone string) (*models.Session, error)
	SetState(ctx context.Context, state *models.Session) error
	ClearState(ctx context.Context, phone string) error
	CheckRateLimit(ctx context.Context, phone string, limit int, window time.Duration) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) (bool, error)
	// ForgetProcessed undoes MarkProcessed so a redelivery is handled again.
	ForgetProcessed(ctx context.Context, messageID string) error
}
