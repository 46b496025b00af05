package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"valet/internal/models"
)

// EnsureSlots creates slots 1..n. Existing slots are left untouched.
func (db *DB) EnsureSlots(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("slot count must be positive, got %d", n)
	}
	for i := 1; i <= n; i++ {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO slots (slot_number, occupied, updated_at) VALUES (?, 0, ?)
			 ON CONFLICT(slot_number) DO NOTHING`,
			i, db.Now(),
		); err != nil {
			return fmt.Errorf("ensure slot %d: %w", i, err)
		}
	}
	return nil
}

const slotColumns = `id, slot_number, occupied, car_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSlot(row rowScanner) (*models.Slot, error) {
	var s models.Slot
	if err := row.Scan(&s.ID, &s.SlotNumber, &s.Occupied, &s.CarID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListSlots returns every slot ordered by number.
func (db *DB) ListSlots(ctx context.Context) ([]models.Slot, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+slotColumns+` FROM slots ORDER BY slot_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// GetSlot loads a slot inside the transaction.
func (tx *Tx) GetSlot(ctx context.Context, id int64) (*models.Slot, error) {
	return scanSlot(tx.tx.QueryRowContext(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = ?`, id))
}

// LowestFreeSlot returns the free slot with the smallest number.
func (tx *Tx) LowestFreeSlot(ctx context.Context) (*models.Slot, error) {
	return scanSlot(tx.tx.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM slots WHERE occupied = 0 ORDER BY slot_number LIMIT 1`))
}

// OccupySlot marks a free slot as holding carID. It fails if the slot was taken.
func (tx *Tx) OccupySlot(ctx context.Context, slotID, carID int64) error {
	res, err := tx.tx.ExecContext(ctx,
		`UPDATE slots SET occupied = 1, car_id = ?, updated_at = ? WHERE id = ? AND occupied = 0`,
		carID, tx.now, slotID,
	)
	if err != nil {
		return fmt.Errorf("occupy slot %d: %w", slotID, err)
	}
	return expectOneRow(res)
}

// ReleaseSlot frees a slot only if it still holds carID.
func (tx *Tx) ReleaseSlot(ctx context.Context, slotID, carID int64) error {
	res, err := tx.tx.ExecContext(ctx,
		`UPDATE slots SET occupied = 0, car_id = NULL, updated_at = ? WHERE id = ? AND car_id = ?`,
		tx.now, slotID, carID,
	)
	if err != nil {
		return fmt.Errorf("release slot %d: %w", slotID, err)
	}
	return expectOneRow(res)
}
