package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"valet/internal/models"
)

const tokenColumns = `token, car_id, kind, owner_phone, expires_at, used, used_at, created_at`

func scanToken(row rowScanner) (*models.QRToken, error) {
	var (
		t         models.QRToken
		expiresMs int64
	)
	if err := row.Scan(&t.Token, &t.CarID, &t.Kind, &t.OwnerPhone, &expiresMs, &t.Used, &t.UsedAt, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	return &t, nil
}

// GetToken loads a token without locking it.
func (db *DB) GetToken(ctx context.Context, token string) (*models.QRToken, error) {
	return scanToken(db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM qr_tokens WHERE token = ?`, token))
}

// InsertToken persists a freshly issued token.
func (tx *Tx) InsertToken(ctx context.Context, t *models.QRToken) error {
	_, err := tx.tx.ExecContext(ctx,
		`INSERT INTO qr_tokens (token, car_id, kind, owner_phone, expires_at, used, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?)`,
		t.Token, t.CarID, t.Kind, t.OwnerPhone, t.ExpiresAt.UnixMilli(), t.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("token: %w", ErrDuplicate)
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// GetToken loads a token inside the transaction.
func (tx *Tx) GetToken(ctx context.Context, token string) (*models.QRToken, error) {
	return scanToken(tx.tx.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM qr_tokens WHERE token = ?`, token))
}

// MarkTokenUsedIf flips used to true only while the token is unused and unexpired.
// It reports whether this call performed the flip.
func (tx *Tx) MarkTokenUsedIf(ctx context.Context, token string) (bool, error) {
	res, err := tx.tx.ExecContext(ctx,
		`UPDATE qr_tokens SET used = 1, used_at = ? WHERE token = ? AND used = 0 AND expires_at > ?`,
		tx.now, token, tx.now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("mark token used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// HasLiveToken reports whether the car still has an unused, unexpired token of kind.
func (tx *Tx) HasLiveToken(ctx context.Context, carID int64, kind models.TokenKind) (bool, error) {
	var n int
	err := tx.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM qr_tokens WHERE car_id = ? AND kind = ? AND used = 0 AND expires_at > ?`,
		carID, kind, tx.now.UnixMilli(),
	).Scan(&n)
	return n > 0, err
}

// RevokeTokens marks every unused token of kind for the car as used, so none
// of them can authorize anything later.
func (tx *Tx) RevokeTokens(ctx context.Context, carID int64, kind models.TokenKind) (int64, error) {
	res, err := tx.tx.ExecContext(ctx,
		`UPDATE qr_tokens SET used = 1, used_at = ? WHERE car_id = ? AND kind = ? AND used = 0`,
		tx.now, carID, kind,
	)
	if err != nil {
		return 0, fmt.Errorf("revoke tokens of car %d: %w", carID, err)
	}
	return res.RowsAffected()
}
