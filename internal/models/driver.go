package models

import "time"

// DriverStatus tells whether a driver can take a new assignment.
type DriverStatus string

const (
	DriverFree DriverStatus = "free"
	DriverBusy DriverStatus = "busy"
)

// ParseDriverStatus accepts the words drivers type in chat.
func ParseDriverStatus(s string) (DriverStatus, bool) {
	switch DriverStatus(s) {
	case DriverFree, DriverBusy:
		return DriverStatus(s), true
	}
	return "", false
}

// Driver is a valet employee.
type Driver struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	Phone     string       `json:"phone"`
	Status    DriverStatus `json:"status"`
	IsActive  bool         `json:"is_active"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
