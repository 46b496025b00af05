// Package allocator owns every state change of cars, slots and drivers.
// Each operation runs in one write transaction and either applies all of its
// mutations or none.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"valet/internal/database"
	"valet/internal/events"
	"valet/internal/ledger"
	"valet/internal/metrics"
	"valet/internal/models"

	"github.com/rs/zerolog"
	"gopkg.in/guregu/null.v4"
)

// EventPublisher receives transitions after they commit.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// Allocator assigns slots and drivers to cars.
type Allocator struct {
	db           *database.DB
	ledger       *ledger.Ledger
	bus          EventPublisher
	checkInTTL   time.Duration
	retrievalTTL time.Duration
	logger       zerolog.Logger
}

// New creates an allocator. bus may be nil.
func New(
	db *database.DB,
	l *ledger.Ledger,
	bus EventPublisher,
	checkInTTL, retrievalTTL time.Duration,
	logger *zerolog.Logger,
) *Allocator {
	return &Allocator{
		db:           db,
		ledger:       l,
		bus:          bus,
		checkInTTL:   checkInTTL,
		retrievalTTL: retrievalTTL,
		logger:       logger.With().Str("component", "allocator").Logger(),
	}
}

// CheckIn is the result of a successful check-in scan.
type CheckIn struct {
	Car        *models.Car
	SlotNumber int
	Driver     *models.Driver
}

// Retrieval is the result of a retrieval request. Reissued is set when only
// a new token was issued for a car already waiting for its driver.
type Retrieval struct {
	Car        *models.Car
	Driver     *models.Driver
	SlotNumber int
	Token      *ledger.Issued
	Reissued   bool
}

type pendingEvent struct {
	eventType string
	payload   events.Transition
}

// run executes fn in one transaction and publishes its events once committed.
func (a *Allocator) run(ctx context.Context, op string, fn func(tx *database.Tx) ([]pendingEvent, error)) error {
	var out []pendingEvent
	err := a.db.InTx(ctx, func(tx *database.Tx) error {
		var err error
		out, err = fn(tx)
		return err
	})
	if err != nil {
		metrics.IncAllocationFailure(reason(err))
		a.logger.Debug().Err(err).Str("op", op).Msg("Operation rejected")
		return err
	}

	for _, ev := range out {
		metrics.IncTransition(ev.payload.Action)
		if a.bus == nil {
			continue
		}
		if err := a.bus.PublishJSON(ev.eventType, ev.payload); err != nil {
			a.logger.Warn().Err(err).Str("event", ev.eventType).Msg("Failed to publish event")
		}
	}
	return nil
}

func appendLog(ctx context.Context, tx *database.Tx, action string, carID, driverID int64, detail string) error {
	entry := &models.LogEntry{Action: action, Detail: detail}
	if carID > 0 {
		entry.CarID = null.IntFrom(carID)
	}
	if driverID > 0 {
		entry.DriverID = null.IntFrom(driverID)
	}
	if err := tx.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func tokenErr(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInvalid),
		errors.Is(err, ledger.ErrExpired),
		errors.Is(err, ledger.ErrMismatch),
		errors.Is(err, ledger.ErrAlreadyUsed):
		return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	return err
}

func tokenResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrExpired):
		return "expired"
	case errors.Is(err, ledger.ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ledger.ErrMismatch):
		return "mismatch"
	}
	return "invalid"
}

// DriverByPhone resolves an active driver.
func (a *Allocator) DriverByPhone(ctx context.Context, phone string) (*models.Driver, error) {
	d, err := a.db.GetDriverByPhone(ctx, phone)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrUnknownDriver
		}
		return nil, err
	}
	if !d.IsActive {
		return nil, ErrUnknownDriver
	}
	return d, nil
}

// RegisterDriver adds a free driver to the roster.
func (a *Allocator) RegisterDriver(ctx context.Context, name, phone string) (*models.Driver, error) {
	name, phone = strings.TrimSpace(name), strings.TrimSpace(phone)
	if name == "" || phone == "" {
		return nil, ErrInvalidDriver
	}
	d, err := a.db.CreateDriver(ctx, name, phone)
	if err != nil {
		return nil, err
	}
	if a.bus != nil {
		_ = a.bus.PublishJSON(events.DriverChanged, events.Transition{
			Action: "Driver registered", DriverID: d.ID, Status: string(d.Status),
		})
	}
	return d, nil
}

// StartCheckIn records a pending car and issues its check-in token.
func (a *Allocator) StartCheckIn(ctx context.Context, in models.Intake) (*models.Car, *ledger.Issued, error) {
	var (
		car    *models.Car
		issued *ledger.Issued
	)
	err := a.run(ctx, "start_checkin", func(tx *database.Tx) ([]pendingEvent, error) {
		var err error
		car, err = tx.InsertCar(ctx, in)
		if err != nil {
			if errors.Is(err, database.ErrDuplicate) {
				return nil, ErrPlateInUse
			}
			return nil, err
		}
		issued, err = a.ledger.IssueTx(ctx, tx, car.ID, models.TokenCheckIn, a.checkInTTL, in.OwnerPhone)
		if err != nil {
			return nil, err
		}
		if err := appendLog(ctx, tx, models.ActionCheckInStarted, car.ID, 0, in.NumberPlate); err != nil {
			return nil, err
		}
		return []pendingEvent{{events.CheckInStarted, events.Transition{
			Action: models.ActionCheckInStarted, CarID: car.ID, Status: string(car.Status),
		}}}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return car, issued, nil
}

// TryCheckIn consumes a check-in token and assigns the lowest free slot and a
// driver: the scanning driver when free, otherwise the earliest-registered
// free driver. scannedBy may be zero.
func (a *Allocator) TryCheckIn(ctx context.Context, carID int64, token, ownerID string, scannedBy int64) (*CheckIn, error) {
	var res CheckIn
	err := a.run(ctx, "checkin", func(tx *database.Tx) ([]pendingEvent, error) {
		_, err := a.ledger.ConsumeTx(ctx, tx, token, carID, ownerID, models.TokenCheckIn)
		metrics.IncTokenConsumption(string(models.TokenCheckIn), tokenResult(err))
		if err != nil {
			return nil, tokenErr(err)
		}

		car, err := tx.GetCar(ctx, carID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, ErrUnknownCar
			}
			return nil, err
		}
		if car.Status != models.CarPending {
			return nil, ErrWrongState
		}

		slot, err := tx.LowestFreeSlot(ctx)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, ErrNoFreeSlot
			}
			return nil, err
		}
		driver, err := tx.PickFreeDriver(ctx, scannedBy)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, ErrNoFreeDriver
			}
			return nil, err
		}

		if err := tx.OccupySlot(ctx, slot.ID, car.ID); err != nil {
			return nil, err
		}
		if err := tx.SetDriverStatus(ctx, driver.ID, models.DriverFree, models.DriverBusy); err != nil {
			return nil, err
		}
		err = tx.AdvanceCar(ctx, car.ID, models.CarPending, models.CarCheckedIn, database.CarChange{
			SlotID:      null.IntFrom(slot.ID),
			DriverID:    null.IntFrom(driver.ID),
			CheckInTime: null.TimeFrom(tx.Now()),
		})
		if err != nil {
			return nil, err
		}
		detail := fmt.Sprintf("slot %d, driver %s", slot.SlotNumber, driver.Name)
		if err := appendLog(ctx, tx, models.ActionCheckedIn, car.ID, driver.ID, detail); err != nil {
			return nil, err
		}

		if res.Car, err = tx.GetCar(ctx, car.ID); err != nil {
			return nil, err
		}
		driver.Status = models.DriverBusy
		res.Driver = driver
		res.SlotNumber = slot.SlotNumber
		return []pendingEvent{{events.CarCheckedIn, events.Transition{
			Action:     models.ActionCheckedIn,
			CarID:      car.ID,
			DriverID:   driver.ID,
			SlotNumber: slot.SlotNumber,
			Status:     string(models.CarCheckedIn),
		}}}, nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// AssignManually checks in a pending car without a token scan: it takes the
// lowest free slot and the given driver, and revokes the car's outstanding
// check-in tokens in the same transaction.
func (a *Allocator) AssignManually(ctx context.Context, carID, driverID int64) (*CheckIn, error) {
	var res CheckIn
	err := a.run(ctx, "manual_assign", func(tx *database.Tx) ([]pendingEvent, error) {
		car, err := tx.GetCar(ctx, carID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, ErrUnknownCar
			}
			return nil, err
		}
		if car.Status != models.CarPending {
			return nil, ErrWrongState
		}
		driver, err := tx.GetDriver(ctx, driverID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, ErrUnknownDriver
			}
			return nil, err
		}
		if !driver.IsActive {
			return nil, ErrUnknownDriver
		}
		if driver.Status != models.DriverFree {
			return nil, ErrDriverBusy
		}
		slot, err := tx.LowestFreeSlot(ctx)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, ErrNoFreeSlot
			}
			return nil, err
		}

		if _, err := tx.RevokeTokens(ctx, car.ID, models.TokenCheckIn); err != nil {
			return nil, err
		}
		if err := tx.OccupySlot(ctx, slot.ID, car.ID); err != nil {
			return nil, err
		}
		if err := tx.SetDriverStatus(ctx, driver.ID, models.DriverFree, models.DriverBusy); err != nil {
			return nil, err
		}
		err = tx.AdvanceCar(ctx, car.ID, models.CarPending, models.CarCheckedIn, database.CarChange{
			SlotID:      null.IntFrom(slot.ID),
			DriverID:    null.IntFrom(driver.ID),
			CheckInTime: null.TimeFrom(tx.Now()),
		})
		if err != nil {
			return nil, err
		}
		detail := fmt.Sprintf("slot %d, driver %s", slot.SlotNumber, driver.Name)
		if err := appendLog(ctx, tx, models.ActionManuallyAssigned, car.ID, driver.ID, detail); err != nil {
			return nil, err
		}

		if res.Car, err = tx.GetCar(ctx, car.ID); err != nil {
			return nil, err
		}
		driver.Status = models.DriverBusy
		res.Driver = driver
		res.SlotNumber = slot.SlotNumber
		return []pendingEvent{{events.CarCheckedIn, events.Transition{
			Action:     models.ActionManuallyAssigned,
			CarID:      car.ID,
			DriverID:   driver.ID,
			SlotNumber: slot.SlotNumber,
			Status:     string(models.CarCheckedIn),
		}}}, nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// TryPark marks the driver's newest checked-in car as parked and frees the driver.
func (a *Allocator) TryPark(ctx context.Context, driverID int64, photoURL string) (*models.Car, error) {
	var parked *models.Car
	err := a.run(ctx, "park", func(tx *database.Tx) ([]pendingEvent, error) {
		car, err := tx.CarForParking(ctx, driverID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, ErrNoAssignedCar
			}
			return nil, err
		}

		err = tx.AdvanceCar(ctx, car.ID, models.CarCheckedIn, models.CarParked, database.CarChange{
			PhotoURL: null.NewString(photoURL, photoURL != ""),
		})
		if err != nil {
			return nil, err
		}
		if err := tx.SetDriverStatus(ctx, driverID, models.DriverBusy, models.DriverFree); err != nil {
			return nil, err
		}
		if err := appendLog(ctx, tx, models.ActionParked, car.ID, driverID, photoURL); err != nil {
			return nil, err
		}

		if parked, err = tx.GetCar(ctx, car.ID); err != nil {
			return nil, err
		}
		return []pendingEvent{{events.CarParked, events.Transition{
			Action:   models.ActionParked,
			CarID:    car.ID,
			DriverID: driverID,
			Status:   string(models.CarParked),
		}}}, nil
	})
	if err != nil {
		return nil, err
	}
	return parked, nil
}

// RequestRetrieval assigns a free driver to the owner's parked car and issues
// the retrieval token. When the owner's car already waits for retrieval but
// every token issued for it has expired, a fresh token is issued and the
// assigned driver is kept.
func (a *Allocator) RequestRetrieval(ctx context.Context, ownerPhone string) (*Retrieval, error) {
	var res Retrieval
	err := a.run(ctx, "request_retrieval", func(tx *database.Tx) ([]pendingEvent, error) {
		car, err := tx.ParkedCarByOwner(ctx, ownerPhone)
		if errors.Is(err, database.ErrNotFound) {
			return a.reissueRetrieval(ctx, tx, ownerPhone, &res)
		}
		if err != nil {
			return nil, err
		}
		driver, err := tx.PickFreeDriver(ctx, 0)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, ErrNoFreeDriver
			}
			return nil, err
		}

		if err := tx.SetDriverStatus(ctx, driver.ID, models.DriverFree, models.DriverBusy); err != nil {
			return nil, err
		}
		err = tx.AdvanceCar(ctx, car.ID, models.CarParked, models.CarAwaitingRetrieval, database.CarChange{
			DriverID: null.IntFrom(driver.ID),
		})
		if err != nil {
			return nil, err
		}
		driver.Status = models.DriverBusy
		return a.issueRetrieval(ctx, tx, car.ID, driver, ownerPhone, models.ActionRetrievalRequested, &res)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (a *Allocator) reissueRetrieval(ctx context.Context, tx *database.Tx, ownerPhone string, res *Retrieval) ([]pendingEvent, error) {
	car, err := tx.AwaitingCarByOwner(ctx, ownerPhone)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNoParkedCar
		}
		return nil, err
	}
	live, err := tx.HasLiveToken(ctx, car.ID, models.TokenRetrieval)
	if err != nil {
		return nil, err
	}
	if live {
		return nil, ErrRetrievalPending
	}
	driver, err := tx.GetDriver(ctx, car.DriverID.Int64)
	if err != nil {
		return nil, fmt.Errorf("driver of car %d: %w", car.ID, err)
	}
	res.Reissued = true
	return a.issueRetrieval(ctx, tx, car.ID, driver, ownerPhone, models.ActionRetrievalReissued, res)
}

// issueRetrieval issues the token for a car already in awaiting_retrieval and
// fills res.
func (a *Allocator) issueRetrieval(
	ctx context.Context,
	tx *database.Tx,
	carID int64,
	driver *models.Driver,
	ownerPhone, action string,
	res *Retrieval,
) ([]pendingEvent, error) {
	var err error
	res.Token, err = a.ledger.IssueTx(ctx, tx, carID, models.TokenRetrieval, a.retrievalTTL, ownerPhone)
	if err != nil {
		return nil, err
	}
	if res.Car, err = tx.GetCar(ctx, carID); err != nil {
		return nil, err
	}
	slot, err := tx.GetSlot(ctx, res.Car.SlotID.Int64)
	if err != nil {
		return nil, fmt.Errorf("slot of car %d: %w", carID, err)
	}
	detail := fmt.Sprintf("slot %d, driver %s", slot.SlotNumber, driver.Name)
	if err := appendLog(ctx, tx, action, carID, driver.ID, detail); err != nil {
		return nil, err
	}

	res.Driver = driver
	res.SlotNumber = slot.SlotNumber
	return []pendingEvent{{events.RetrievalRequested, events.Transition{
		Action:     action,
		CarID:      carID,
		DriverID:   driver.ID,
		SlotNumber: slot.SlotNumber,
		Status:     string(models.CarAwaitingRetrieval),
	}}}, nil
}

// TryRetrieve consumes a retrieval token scanned by driverID, releases the
// slot and frees the driver. Token problems are reported before state or
// driver problems.
func (a *Allocator) TryRetrieve(ctx context.Context, token string, carID int64, ownerID string, driverID int64) (*models.Car, error) {
	var retrieved *models.Car
	err := a.run(ctx, "retrieve", func(tx *database.Tx) ([]pendingEvent, error) {
		_, err := a.ledger.ConsumeTx(ctx, tx, token, carID, ownerID, models.TokenRetrieval)
		metrics.IncTokenConsumption(string(models.TokenRetrieval), tokenResult(err))
		if err != nil {
			return nil, tokenErr(err)
		}

		car, err := tx.GetCar(ctx, carID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, ErrUnknownCar
			}
			return nil, err
		}
		if car.Status != models.CarAwaitingRetrieval {
			return nil, ErrWrongState
		}
		if !car.DriverID.Valid || car.DriverID.Int64 != driverID {
			return nil, ErrDriverMismatch
		}

		if err := tx.ReleaseSlot(ctx, car.SlotID.Int64, car.ID); err != nil {
			return nil, err
		}
		if err := tx.SetDriverStatus(ctx, driverID, models.DriverBusy, models.DriverFree); err != nil {
			return nil, err
		}
		err = tx.AdvanceCar(ctx, car.ID, models.CarAwaitingRetrieval, models.CarRetrieved, database.CarChange{
			RetrievalTime: null.TimeFrom(tx.Now()),
		})
		if err != nil {
			return nil, err
		}
		if err := appendLog(ctx, tx, models.ActionRetrieved, car.ID, driverID, car.NumberPlate); err != nil {
			return nil, err
		}

		if retrieved, err = tx.GetCar(ctx, car.ID); err != nil {
			return nil, err
		}
		return []pendingEvent{{events.CarRetrieved, events.Transition{
			Action:   models.ActionRetrieved,
			CarID:    car.ID,
			DriverID: driverID,
			Status:   string(models.CarRetrieved),
		}}}, nil
	})
	if err != nil {
		if errors.Is(err, ErrDriverMismatch) {
			a.RecordRejection(ctx, carID, driverID, "retrieval scanned by unassigned driver")
		}
		return nil, err
	}
	return retrieved, nil
}

// SetDriverStatus changes a driver's availability. A driver working on a car
// cannot become free; setting the current status again is a no-op.
func (a *Allocator) SetDriverStatus(ctx context.Context, phone string, status models.DriverStatus) (*models.Driver, error) {
	var updated *models.Driver
	err := a.run(ctx, "driver_status", func(tx *database.Tx) ([]pendingEvent, error) {
		d, err := tx.GetDriverByPhone(ctx, phone)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return nil, ErrUnknownDriver
			}
			return nil, err
		}
		if !d.IsActive {
			return nil, ErrUnknownDriver
		}
		updated = d
		if d.Status == status {
			return nil, nil
		}
		if status == models.DriverFree {
			busy, err := tx.HasActiveAssignment(ctx, d.ID)
			if err != nil {
				return nil, err
			}
			if busy {
				return nil, ErrDriverHasAssignment
			}
		}

		if err := tx.SetDriverStatus(ctx, d.ID, d.Status, status); err != nil {
			return nil, err
		}
		if err := appendLog(ctx, tx, models.ActionDriverStatus, 0, d.ID, string(status)); err != nil {
			return nil, err
		}
		d.Status = status
		return []pendingEvent{{events.DriverChanged, events.Transition{
			Action:   models.ActionDriverStatus,
			DriverID: d.ID,
			Status:   string(status),
		}}}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AbandonExpiredIntakes deletes pending cars whose check-in tokens all
// expired unused. It returns how many were removed.
func (a *Allocator) AbandonExpiredIntakes(ctx context.Context) (int, error) {
	var removed int
	err := a.run(ctx, "abandon_intakes", func(tx *database.Tx) ([]pendingEvent, error) {
		ids, err := tx.AbandonedIntakes(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]pendingEvent, 0, len(ids))
		for _, id := range ids {
			if err := tx.DeletePendingCar(ctx, id); err != nil {
				return nil, err
			}
			if err := appendLog(ctx, tx, models.ActionIntakeAbandoned, id, 0, "check-in token expired"); err != nil {
				return nil, err
			}
			out = append(out, pendingEvent{events.IntakeAbandoned, events.Transition{
				Action: models.ActionIntakeAbandoned, CarID: id,
			}})
		}
		removed = len(ids)
		return out, nil
	})
	return removed, err
}

// RecordRejection logs a refused authorization attempt. Nothing else changes.
func (a *Allocator) RecordRejection(ctx context.Context, carID, driverID int64, detail string) {
	entry := &models.LogEntry{Action: models.ActionAuthRejected, Detail: detail}
	if carID > 0 {
		entry.CarID = null.IntFrom(carID)
	}
	if driverID > 0 {
		entry.DriverID = null.IntFrom(driverID)
	}
	if err := a.db.AppendLog(ctx, entry); err != nil {
		a.logger.Error().Err(err).Msg("Failed to log authorization rejection")
		return
	}
	metrics.IncAllocationFailure("authorization_rejected")
}
