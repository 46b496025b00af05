package models

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

// Log actions written by the allocator.
const (
	ActionCheckInStarted     = "Owner initiated check-in"
	ActionCheckedIn          = "Car checked in"
	ActionManuallyAssigned   = "Manually assigned"
	ActionParked             = "Car parked and photo uploaded"
	ActionRetrievalRequested = "Car retrieval requested"
	ActionRetrievalReissued  = "Retrieval QR reissued"
	ActionRetrieved          = "Car retrieved"
	ActionDriverStatus       = "Driver status changed"
	ActionIntakeAbandoned    = "Check-in abandoned"
	ActionAuthRejected       = "Authorization rejected"
)

// LogEntry is one row of the append-only event log.
type LogEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	CarID     null.Int  `json:"car_id"`
	DriverID  null.Int  `json:"driver_id"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
