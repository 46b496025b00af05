package database

import (
	"context"

	"valet/internal/models"
)

// AppendLog writes one event log row as part of the transaction.
func (tx *Tx) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	res, err := tx.tx.ExecContext(ctx,
		`INSERT INTO logs (action, car_id, driver_id, detail, timestamp) VALUES (?, ?, ?, ?, ?)`,
		entry.Action, entry.CarID, entry.DriverID, entry.Detail, tx.now,
	)
	if err != nil {
		return err
	}
	entry.Timestamp = tx.now
	entry.ID, err = res.LastInsertId()
	return err
}

// AppendLog writes a log row outside any allocation transaction.
func (db *DB) AppendLog(ctx context.Context, entry *models.LogEntry) error {
	return db.InTx(ctx, func(tx *Tx) error {
		return tx.AppendLog(ctx, entry)
	})
}

// RecentLogs returns up to limit entries, newest first.
func (db *DB) RecentLogs(ctx context.Context, limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, action, car_id, driver_id, COALESCE(detail, ''), timestamp FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.CarID, &e.DriverID, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
