package models

import "gopkg.in/guregu/null.v4"

// Slot is a numbered parking bay.
type Slot struct {
	ID         int64    `json:"id"`
	SlotNumber int      `json:"slot_number"`
	Occupied   bool     `json:"occupied"`
	CarID      null.Int `json:"car_id"`
}
