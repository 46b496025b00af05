package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"valet/internal/models"

	"gopkg.in/guregu/null.v4"
)

// Status lists used in queries, derived from the lifecycle rules.
var (
	slotHoldingStatuses   = statusList(models.CarStatus.OccupiesSlot)
	driverHoldingStatuses = statusList(models.CarStatus.HoldsDriver)
)

func statusList(keep func(models.CarStatus) bool) string {
	var quoted []string
	for _, s := range models.CarStatuses {
		if keep(s) {
			quoted = append(quoted, "'"+string(s)+"'")
		}
	}
	return strings.Join(quoted, ", ")
}

const carColumns = `id, number_plate, model, owner_name, owner_phone, contact_phone, slot_id, driver_id, status,
	photo_url, check_in_time, retrieval_time, created_at, updated_at`

func scanCar(row rowScanner) (*models.Car, error) {
	var c models.Car
	err := row.Scan(
		&c.ID, &c.NumberPlate, &c.Model, &c.OwnerName, &c.OwnerPhone, &c.ContactPhone, &c.SlotID, &c.DriverID, &c.Status,
		&c.PhotoURL, &c.CheckInTime, &c.RetrievalTime, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanCars(rows *sql.Rows) ([]models.Car, error) {
	defer rows.Close()
	var out []models.Car
	for rows.Next() {
		c, err := scanCar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetCar loads a car by id.
func (db *DB) GetCar(ctx context.Context, id int64) (*models.Car, error) {
	return scanCar(db.QueryRowContext(ctx, `SELECT `+carColumns+` FROM cars WHERE id = ?`, id))
}

// ListCars returns all cars, newest first.
func (db *DB) ListCars(ctx context.Context) ([]models.Car, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+carColumns+` FROM cars ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	return scanCars(rows)
}

// InsertCar stores a new pending car.
func (tx *Tx) InsertCar(ctx context.Context, in models.Intake) (*models.Car, error) {
	res, err := tx.tx.ExecContext(ctx,
		`INSERT INTO cars (number_plate, model, owner_name, owner_phone, contact_phone, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)`,
		in.NumberPlate, in.Model, in.OwnerName, in.OwnerPhone, in.ContactPhone, tx.now, tx.now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("plate %s: %w", in.NumberPlate, ErrDuplicate)
		}
		return nil, fmt.Errorf("insert car: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return tx.GetCar(ctx, id)
}

// GetCar loads a car inside the transaction.
func (tx *Tx) GetCar(ctx context.Context, id int64) (*models.Car, error) {
	return scanCar(tx.tx.QueryRowContext(ctx, `SELECT `+carColumns+` FROM cars WHERE id = ?`, id))
}

// CarForParking returns the newest checked-in car assigned to the driver.
func (tx *Tx) CarForParking(ctx context.Context, driverID int64) (*models.Car, error) {
	return scanCar(tx.tx.QueryRowContext(ctx,
		`SELECT `+carColumns+` FROM cars WHERE driver_id = ? AND status = 'checked_in'
		 ORDER BY check_in_time DESC, id DESC LIMIT 1`, driverID))
}

// ParkedCarByOwner returns the owner's most recent parked car.
func (tx *Tx) ParkedCarByOwner(ctx context.Context, ownerPhone string) (*models.Car, error) {
	return scanCar(tx.tx.QueryRowContext(ctx,
		`SELECT `+carColumns+` FROM cars WHERE owner_phone = ? AND status = 'parked'
		 ORDER BY id DESC LIMIT 1`, ownerPhone))
}

// AwaitingCarByOwner returns the owner's most recent car waiting for retrieval.
func (tx *Tx) AwaitingCarByOwner(ctx context.Context, ownerPhone string) (*models.Car, error) {
	return scanCar(tx.tx.QueryRowContext(ctx,
		`SELECT `+carColumns+` FROM cars WHERE owner_phone = ? AND status = 'awaiting_retrieval'
		 ORDER BY id DESC LIMIT 1`, ownerPhone))
}

// HasActiveAssignment reports whether a car keeps the driver busy.
func (tx *Tx) HasActiveAssignment(ctx context.Context, driverID int64) (bool, error) {
	var n int
	err := tx.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cars WHERE driver_id = ? AND status IN (`+driverHoldingStatuses+`)`,
		driverID,
	).Scan(&n)
	return n > 0, err
}

// CarChange lists the columns written together with a status change.
// Only Valid fields are written.
type CarChange struct {
	SlotID        null.Int
	DriverID      null.Int
	PhotoURL      null.String
	CheckInTime   null.Time
	RetrievalTime null.Time
}

// AdvanceCar moves a car one step along its lifecycle. The update only
// applies while the car is still in from.
func (tx *Tx) AdvanceCar(ctx context.Context, carID int64, from, to models.CarStatus, change CarChange) error {
	if !from.CanAdvanceTo(to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{to, tx.now}
	if change.SlotID.Valid {
		sets = append(sets, "slot_id = ?")
		args = append(args, change.SlotID)
	}
	if change.DriverID.Valid {
		sets = append(sets, "driver_id = ?")
		args = append(args, change.DriverID)
	}
	if change.PhotoURL.Valid {
		sets = append(sets, "photo_url = ?")
		args = append(args, change.PhotoURL)
	}
	if change.CheckInTime.Valid {
		sets = append(sets, "check_in_time = ?")
		args = append(args, change.CheckInTime)
	}
	if change.RetrievalTime.Valid {
		sets = append(sets, "retrieval_time = ?")
		args = append(args, change.RetrievalTime)
	}
	args = append(args, carID, from)

	res, err := tx.tx.ExecContext(ctx,
		`UPDATE cars SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("advance car %d: %w", carID, err)
	}
	return expectOneRow(res)
}

// AbandonedIntakes lists pending cars with no unused, unexpired check-in token.
func (tx *Tx) AbandonedIntakes(ctx context.Context) ([]int64, error) {
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT c.id FROM cars c
		WHERE c.status = 'pending' AND NOT EXISTS (
			SELECT 1 FROM qr_tokens t
			WHERE t.car_id = c.id AND t.kind = 'checkin' AND t.used = 0 AND t.expires_at > ?
		)`, tx.now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeletePendingCar removes a car that never checked in, with its tokens.
func (tx *Tx) DeletePendingCar(ctx context.Context, carID int64) error {
	res, err := tx.tx.ExecContext(ctx, `DELETE FROM cars WHERE id = ? AND status = 'pending'`, carID)
	if err != nil {
		return fmt.Errorf("delete pending car %d: %w", carID, err)
	}
	return expectOneRow(res)
}
