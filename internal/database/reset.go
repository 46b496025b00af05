package database

import (
	"context"
	"fmt"
)

// Reset clears cars, tokens, sessions and logs, frees every slot and driver.
// Drivers and slots themselves are kept.
func (db *DB) Reset(ctx context.Context) error {
	return db.InTx(ctx, func(tx *Tx) error {
		stmts := []string{
			`UPDATE slots SET occupied = 0, car_id = NULL`,
			`DELETE FROM qr_tokens`,
			`DELETE FROM cars`,
			`DELETE FROM sessions`,
			`DELETE FROM processed_messages`,
			`DELETE FROM logs`,
			`UPDATE drivers SET status = 'free'`,
		}
		for _, q := range stmts {
			if _, err := tx.tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("reset %q: %w", q, err)
			}
		}
		return nil
	})
}
