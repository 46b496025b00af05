package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"valet/internal/models"
)

// GetSession returns the stored conversation session or ErrNotFound.
func (db *DB) GetSession(ctx context.Context, phone string) (*models.Session, error) {
	var (
		s    models.Session
		data sql.NullString
	)
	err := db.QueryRowContext(ctx,
		`SELECT phone, state, data, updated_at FROM sessions WHERE phone = ?`, phone,
	).Scan(&s.Phone, &s.State, &data, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &s.Data); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", phone, err)
		}
	}
	return &s, nil
}

// SaveSession upserts a conversation session.
func (db *DB) SaveSession(ctx context.Context, s *models.Session) error {
	var data []byte
	if len(s.Data) > 0 {
		var err error
		if data, err = json.Marshal(s.Data); err != nil {
			return fmt.Errorf("encode session %s: %w", s.Phone, err)
		}
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = db.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (phone, state, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET
			state = excluded.state,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		s.Phone, s.State, string(data), s.UpdatedAt,
	)
	return err
}

// DeleteSession drops a conversation session.
func (db *DB) DeleteSession(ctx context.Context, phone string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE phone = ?`, phone)
	return err
}

// MarkMessageProcessed records an inbound message id. It returns false when the
// id was already recorded.
func (db *DB) MarkMessageProcessed(ctx context.Context, messageID string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (message_id, processed_at) VALUES (?, ?)`,
		messageID, db.Now(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ForgetProcessedMessage removes the de-duplication record of one message.
func (db *DB) ForgetProcessedMessage(ctx context.Context, messageID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM processed_messages WHERE message_id = ?`, messageID)
	return err
}

// PruneProcessedMessages deletes de-duplication records older than maxAge.
func (db *DB) PruneProcessedMessages(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM processed_messages WHERE processed_at < ?`, db.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
