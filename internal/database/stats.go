package database

import "context"

// Counts aggregates the numbers shown on the dashboard header.
type Counts struct {
	TotalSlots        int `json:"totalSlots"`
	AvailableSlots    int `json:"availableSlots"`
	BusyDrivers       int `json:"busyDrivers"`
	FreeDrivers       int `json:"freeDrivers"`
	PendingCheckins   int `json:"pendingCheckins"`
	AwaitingRetrieval int `json:"awaitingRetrieval"`
}

// Counts computes dashboard counters in one read.
func (db *DB) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM slots),
			(SELECT COUNT(*) FROM slots WHERE occupied = 0),
			(SELECT COUNT(*) FROM drivers WHERE status = 'busy'),
			(SELECT COUNT(*) FROM drivers WHERE status = 'free' AND is_active = 1),
			(SELECT COUNT(*) FROM cars WHERE status = 'pending'),
			(SELECT COUNT(*) FROM cars WHERE status = 'awaiting_retrieval')`,
	).Scan(&c.TotalSlots, &c.AvailableSlots, &c.BusyDrivers, &c.FreeDrivers, &c.PendingCheckins, &c.AwaitingRetrieval)
	return c, err
}
