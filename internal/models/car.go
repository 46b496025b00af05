package models

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

// CarStatus is the lifecycle position of a car in the lot.
type CarStatus string

const (
	CarPending           CarStatus = "pending"
	CarCheckedIn         CarStatus = "checked_in"
	CarParked            CarStatus = "parked"
	CarAwaitingRetrieval CarStatus = "awaiting_retrieval"
	CarRetrieved         CarStatus = "retrieved"
)

// CarStatuses lists every status in lifecycle order.
var CarStatuses = []CarStatus{CarPending, CarCheckedIn, CarParked, CarAwaitingRetrieval, CarRetrieved}

var carLifecycle = map[CarStatus]CarStatus{
	CarPending:           CarCheckedIn,
	CarCheckedIn:         CarParked,
	CarParked:            CarAwaitingRetrieval,
	CarAwaitingRetrieval: CarRetrieved,
}

// Next returns the only status a car may move to from s.
func (s CarStatus) Next() (CarStatus, bool) {
	next, ok := carLifecycle[s]
	return next, ok
}

// CanAdvanceTo reports whether to is the immediate successor of s.
func (s CarStatus) CanAdvanceTo(to CarStatus) bool {
	next, ok := s.Next()
	return ok && next == to
}

// OccupiesSlot reports whether a car in this status holds a slot.
func (s CarStatus) OccupiesSlot() bool {
	switch s {
	case CarCheckedIn, CarParked, CarAwaitingRetrieval:
		return true
	}
	return false
}

// HoldsDriver reports whether a car in this status keeps its driver busy.
func (s CarStatus) HoldsDriver() bool {
	return s == CarCheckedIn || s == CarAwaitingRetrieval
}

// Car is a vehicle handed over to the valet service.
type Car struct {
	ID            int64       `json:"id"`
	NumberPlate   string      `json:"number_plate"`
	Model         string      `json:"model"`
	OwnerName     string      `json:"owner_name"`
	OwnerPhone    string      `json:"owner_phone"`
	ContactPhone  string      `json:"contact_phone"`
	SlotID        null.Int    `json:"slot_id"`
	DriverID      null.Int    `json:"driver_id"`
	Status        CarStatus   `json:"status"`
	PhotoURL      null.String `json:"photo_url"`
	CheckInTime   null.Time   `json:"check_in_time"`
	RetrievalTime null.Time   `json:"retrieval_time"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Intake is the data collected from the owner before a car exists.
// OwnerPhone is the chat address the owner wrote from; ContactPhone is the
// number they typed.
type Intake struct {
	NumberPlate  string `json:"number_plate"`
	OwnerName    string `json:"owner_name"`
	Model        string `json:"model"`
	OwnerPhone   string `json:"owner_phone"`
	ContactPhone string `json:"contact_phone"`
}
