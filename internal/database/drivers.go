package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"valet/internal/models"

	"github.com/mattn/go-sqlite3"
)

const driverColumns = `id, name, phone, status, is_active, created_at, updated_at`

func scanDriver(row rowScanner) (*models.Driver, error) {
	var d models.Driver
	if err := row.Scan(&d.ID, &d.Name, &d.Phone, &d.Status, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreateDriver registers a new free driver.
func (db *DB) CreateDriver(ctx context.Context, name, phone string) (*models.Driver, error) {
	now := db.Now()
	res, err := db.ExecContext(ctx,
		`INSERT INTO drivers (name, phone, status, is_active, created_at, updated_at) VALUES (?, ?, 'free', 1, ?, ?)`,
		name, phone, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("driver %s: %w", phone, ErrDuplicate)
		}
		return nil, fmt.Errorf("insert driver: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return db.GetDriver(ctx, id)
}

// GetDriver loads a driver by id.
func (db *DB) GetDriver(ctx context.Context, id int64) (*models.Driver, error) {
	return scanDriver(db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ?`, id))
}

// GetDriverByPhone loads a driver by phone number.
func (db *DB) GetDriverByPhone(ctx context.Context, phone string) (*models.Driver, error) {
	return scanDriver(db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE phone = ?`, phone))
}

// ListDrivers returns all drivers in registration order.
func (db *DB) ListDrivers(ctx context.Context) ([]models.Driver, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// GetDriver loads a driver inside the transaction.
func (tx *Tx) GetDriver(ctx context.Context, id int64) (*models.Driver, error) {
	return scanDriver(tx.tx.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ?`, id))
}

// GetDriverByPhone loads a driver by phone inside the transaction.
func (tx *Tx) GetDriverByPhone(ctx context.Context, phone string) (*models.Driver, error) {
	return scanDriver(tx.tx.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE phone = ?`, phone))
}

// PickFreeDriver returns preferID when that driver is active and free,
// otherwise the earliest-registered active free driver.
func (tx *Tx) PickFreeDriver(ctx context.Context, preferID int64) (*models.Driver, error) {
	if preferID > 0 {
		d, err := scanDriver(tx.tx.QueryRowContext(ctx,
			`SELECT `+driverColumns+` FROM drivers WHERE id = ? AND status = 'free' AND is_active = 1`, preferID))
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return scanDriver(tx.tx.QueryRowContext(ctx,
		`SELECT `+driverColumns+` FROM drivers WHERE status = 'free' AND is_active = 1 ORDER BY id LIMIT 1`))
}

// SetDriverStatus moves a driver from one status to another.
// It fails with ErrConcurrentModification if the driver is not in from.
func (tx *Tx) SetDriverStatus(ctx context.Context, id int64, from, to models.DriverStatus) error {
	res, err := tx.tx.ExecContext(ctx,
		`UPDATE drivers SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, tx.now, id, from,
	)
	if err != nil {
		return fmt.Errorf("set driver %d status: %w", id, err)
	}
	return expectOneRow(res)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
