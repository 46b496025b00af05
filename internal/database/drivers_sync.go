package database

import (
	"context"
	"fmt"

	"valet/internal/config"
)

// SyncDriversFromConfig applies drivers.yaml to the database.
// It upserts roster entries by phone and deactivates drivers missing from the roster.
// Driver status is never touched, so a busy driver stays busy until its car is done.
func (db *DB) SyncDriversFromConfig(ctx context.Context, cfg *config.DriversConfig) error {
	if cfg == nil {
		return fmt.Errorf("drivers config is nil")
	}

	return db.InTx(ctx, func(tx *Tx) error {
		now := tx.Now()
		seen := make(map[string]struct{}, len(cfg.Drivers))

		for _, d := range cfg.Drivers {
			_, err := tx.tx.ExecContext(ctx, `
				INSERT INTO drivers (name, phone, status, is_active, created_at, updated_at)
				VALUES (?, ?, 'free', ?, ?, ?)
				ON CONFLICT(phone) DO UPDATE SET
					name = excluded.name,
					is_active = excluded.is_active,
					updated_at = excluded.updated_at`,
				d.Name, d.Phone, boolToInt(d.Active()), now, now,
			)
			if err != nil {
				return fmt.Errorf("sync driver %s: %w", d.Phone, err)
			}
			seen[d.Phone] = struct{}{}
		}

		rows, err := tx.tx.QueryContext(ctx, `SELECT phone FROM drivers WHERE is_active = 1`)
		if err != nil {
			return err
		}
		var missing []string
		for rows.Next() {
			var phone string
			if err := rows.Scan(&phone); err != nil {
				rows.Close()
				return err
			}
			if _, ok := seen[phone]; !ok {
				missing = append(missing, phone)
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}

		for _, phone := range missing {
			if _, err := tx.tx.ExecContext(ctx,
				`UPDATE drivers SET is_active = 0, updated_at = ? WHERE phone = ?`, now, phone); err != nil {
				return fmt.Errorf("deactivate driver %s: %w", phone, err)
			}
		}
		return nil
	})
}
