package allocator

import "errors"

var (
	ErrNoFreeSlot          = errors.New("no free slots available")
	ErrNoFreeDriver        = errors.New("no free driver available")
	ErrTokenInvalid        = errors.New("token rejected")
	ErrNoAssignedCar       = errors.New("no car assigned to driver for parking")
	ErrNoParkedCar         = errors.New("no parked car for owner")
	ErrDriverMismatch      = errors.New("driver is not assigned to this car")
	ErrWrongState          = errors.New("car is not in the expected state")
	ErrUnknownDriver       = errors.New("unknown or inactive driver")
	ErrPlateInUse          = errors.New("number plate already in the lot")
	ErrDriverHasAssignment = errors.New("driver has an active assignment")
	ErrUnknownCar          = errors.New("unknown car")
	ErrInvalidDriver       = errors.New("driver name and phone are required")
	ErrRetrievalPending    = errors.New("retrieval already requested and its token is still valid")
	ErrDriverBusy          = errors.New("driver is not free")
)

// reason maps an allocator error to a metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrNoFreeSlot):
		return "no_free_slot"
	case errors.Is(err, ErrNoFreeDriver):
		return "no_free_driver"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrNoAssignedCar):
		return "no_assigned_car"
	case errors.Is(err, ErrNoParkedCar):
		return "no_parked_car"
	case errors.Is(err, ErrDriverMismatch):
		return "driver_mismatch"
	case errors.Is(err, ErrWrongState):
		return "wrong_state"
	case errors.Is(err, ErrUnknownDriver):
		return "unknown_driver"
	case errors.Is(err, ErrPlateInUse):
		return "plate_in_use"
	case errors.Is(err, ErrDriverHasAssignment):
		return "driver_has_assignment"
	case errors.Is(err, ErrUnknownCar):
		return "unknown_car"
	case errors.Is(err, ErrInvalidDriver):
		return "invalid_driver"
	case errors.Is(err, ErrRetrievalPending):
		return "retrieval_pending"
	case errors.Is(err, ErrDriverBusy):
		return "driver_busy"
	}
	return "internal"
}
