package database

import (
	"context"
	"errors"
	"fmt"
)

// CheckInvariants verifies slot and driver exclusivity across the whole store.
// It returns every violation found, joined.
func (db *DB) CheckInvariants(ctx context.Context) error {
	checks := []struct {
		name  string
		query string
	}{
		{
			"occupied slot without an active car",
			`SELECT s.slot_number FROM slots s LEFT JOIN cars c ON c.id = s.car_id
			 WHERE s.occupied = 1 AND (c.id IS NULL OR c.status NOT IN (` + slotHoldingStatuses + `))`,
		},
		{
			"active car without a slot",
			`SELECT c.id FROM cars c
			 WHERE c.status IN (` + slotHoldingStatuses + `)
			   AND NOT EXISTS (SELECT 1 FROM slots s WHERE s.car_id = c.id AND s.id = c.slot_id)`,
		},
		{
			"working car with a free driver",
			`SELECT c.id FROM cars c JOIN drivers d ON d.id = c.driver_id
			 WHERE c.status IN (` + driverHoldingStatuses + `) AND d.status != 'busy'`,
		},
		{
			"driver assigned to more than one car",
			`SELECT driver_id FROM cars WHERE status IN (` + driverHoldingStatuses + `)
			 GROUP BY driver_id HAVING COUNT(*) > 1`,
		},
	}

	var errs []error
	for _, c := range checks {
		rows, err := db.QueryContext(ctx, c.query)
		if err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			errs = append(errs, fmt.Errorf("%s: %d", c.name, id))
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}
