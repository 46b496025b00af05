// Package dashboard builds the operator view and pushes it to browsers.
package dashboard

import (
	"context"
	"fmt"

	"valet/internal/database"
	"valet/internal/models"
)

// RecentLogLimit is how many log rows a snapshot carries.
const RecentLogLimit = 20

// Snapshot is the payload of GET /api/dashboard and of every WebSocket push.
type Snapshot struct {
	Stats   database.Counts   `json:"stats"`
	Slots   []models.Slot     `json:"slots"`
	Cars    []models.Car      `json:"cars"`
	Drivers []models.Driver   `json:"drivers"`
	Logs    []models.LogEntry `json:"logs"`
}

// Build reads the current state of the store.
func Build(ctx context.Context, db *database.DB) (*Snapshot, error) {
	stats, err := db.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("counts: %w", err)
	}
	slots, err := db.ListSlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("slots: %w", err)
	}
	cars, err := db.ListCars(ctx)
	if err != nil {
		return nil, fmt.Errorf("cars: %w", err)
	}
	drivers, err := db.ListDrivers(ctx)
	if err != nil {
		return nil, fmt.Errorf("drivers: %w", err)
	}
	logs, err := db.RecentLogs(ctx, RecentLogLimit)
	if err != nil {
		return nil, fmt.Errorf("logs: %w", err)
	}

	s := &Snapshot{
		Stats:   stats,
		Slots:   slots,
		Cars:    cars,
		Drivers: drivers,
		Logs:    logs,
	}
	// Empty arrays, not null, for the browser.
	if s.Slots == nil {
		s.Slots = []models.Slot{}
	}
	if s.Cars == nil {
		s.Cars = []models.Car{}
	}
	if s.Drivers == nil {
		s.Drivers = []models.Driver{}
	}
	if s.Logs == nil {
		s.Logs = []models.LogEntry{}
	}
	return s, nil
}
