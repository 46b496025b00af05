package valet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"valet/internal/allocator"
	"valet/internal/conversation"
	"valet/internal/database"
	"valet/internal/imagehost"
	"valet/internal/ledger"
	"valet/internal/models"
	"valet/internal/notify"
	"valet/internal/repository"
	"valet/internal/testfixtures"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerPhone  = "15559990001"
	driverPhone = "15550000001"
	plate       = "KA01AB1234"
)

type captureOutbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (c *captureOutbox) Enqueue(m notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *captureOutbox) texts(to string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.msgs {
		if m.To == to && m.Text != "" {
			out = append(out, m.Text)
		}
	}
	return out
}

func (c *captureOutbox) images(to string) []notify.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Message
	for _, m := range c.msgs {
		if m.To == to && m.Kind() == "image" {
			out = append(out, m)
		}
	}
	return out
}

func (c *captureOutbox) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

type fakeMedia struct {
	data []byte
	err  error
}

func (f *fakeMedia) FetchMedia(context.Context, string) ([]byte, error) {
	return f.data, f.err
}

type harness struct {
	db    *database.DB
	clock *testfixtures.Clock
	alloc *allocator.Allocator
	svc   *Service
	out   *captureOutbox
	media *fakeMedia
	seq   int
}

func newHarness(t *testing.T, slots int, drivers ...string) *harness {
	t.Helper()
	clock := testfixtures.NewClock(time.Time{})
	db := testfixtures.NewDB(t, clock)
	ctx := context.Background()
	require.NoError(t, db.EnsureSlots(ctx, slots))
	for i, name := range drivers {
		_, err := db.CreateDriver(ctx, name, fmt.Sprintf("1555000%04d", i+1))
		require.NoError(t, err)
	}

	logger := zerolog.New(io.Discard)
	l := ledger.New(db, "")
	alloc := allocator.New(db, l, nil, 15*time.Minute, 30*time.Minute, &logger)
	engine := conversation.NewEngine(repository.NewSQLiteStateRepository(db, time.Hour), alloc, 0, &logger)
	engine.SetClock(clock.NowFunc())
	images, err := imagehost.NewLocal(t.TempDir(), "http://valet.test")
	require.NoError(t, err)

	h := &harness{db: db, clock: clock, alloc: alloc, out: &captureOutbox{}, media: &fakeMedia{data: []byte("jpeg")}}
	h.svc = NewService(engine, alloc, l, images, h.media, h.out, &logger)
	return h
}

func (h *harness) say(from, text string) {
	h.seq++
	h.svc.Dispatch(context.Background(), conversation.Message{ID: fmt.Sprintf("m%d", h.seq), From: from, Text: text})
}

func (h *harness) photo(from, ref string) {
	h.seq++
	h.svc.Dispatch(context.Background(), conversation.Message{ID: fmt.Sprintf("m%d", h.seq), From: from, ImageRef: ref})
}

// intake runs the check-in dialog and returns the scan payload the owner received.
func (h *harness) intake(t *testing.T, owner, plate string) string {
	t.Helper()
	for _, text := range []string{"hi", "check-in", plate, "Alice Smith", "Civic", "+1 555 123 4567"} {
		h.say(owner, text)
	}
	prefix := conversation.MsgCheckInLink("")
	for _, text := range h.out.texts(owner) {
		if strings.HasPrefix(text, prefix) {
			return strings.TrimPrefix(text, prefix)
		}
	}
	t.Fatalf("no check-in link sent to %s", owner)
	return ""
}

func (h *harness) car(t *testing.T, plate string) models.Car {
	t.Helper()
	cars, err := h.db.ListCars(context.Background())
	require.NoError(t, err)
	for _, c := range cars {
		if c.NumberPlate == plate {
			return c
		}
	}
	t.Fatalf("car %s not found", plate)
	return models.Car{}
}

func (h *harness) retrievalScan(t *testing.T, carID int64, owner string) string {
	t.Helper()
	var token string
	err := h.db.QueryRowContext(context.Background(),
		`SELECT token FROM qr_tokens WHERE car_id = ? AND kind = 'retrieval' ORDER BY rowid DESC LIMIT 1`, carID).Scan(&token)
	require.NoError(t, err)
	return ledger.Scan{Token: token, CarID: carID, OwnerID: owner}.Text()
}

func TestDispatch_FullLifecycle(t *testing.T) {
	h := newHarness(t, 15, "Dave")
	ctx := context.Background()

	payload := h.intake(t, ownerPhone, plate)
	assert.True(t, ledger.IsScan(payload), payload)
	qr := h.out.images(ownerPhone)
	require.Len(t, qr, 1)
	assert.Equal(t, conversation.MsgCheckInQRCaption, qr[0].Caption)
	assert.True(t, strings.HasPrefix(qr[0].ImageURL, "http://valet.test/media/qr/"), qr[0].ImageURL)
	assert.NotEmpty(t, qr[0].ImageData)

	car := h.car(t, plate)
	assert.Equal(t, models.CarPending, car.Status)
	assert.Equal(t, ownerPhone, car.OwnerPhone)
	assert.Equal(t, "+15551234567", car.ContactPhone)

	h.out.reset()
	h.say(driverPhone, payload)
	assert.Contains(t, h.out.texts(ownerPhone), conversation.MsgOwnerCheckedIn(1, "Dave"))
	assert.Contains(t, h.out.texts(driverPhone), conversation.MsgDriverAssigned(plate, 1))
	assert.Equal(t, models.CarCheckedIn, h.car(t, plate).Status)

	h.out.reset()
	h.photo(driverPhone, "media-1")
	assert.Contains(t, h.out.texts(driverPhone), conversation.MsgDriverParked(plate))
	ownerTexts := h.out.texts(ownerPhone)
	require.Len(t, ownerTexts, 1)
	assert.True(t, strings.HasPrefix(ownerTexts[0], conversation.MsgOwnerPhoto("http://valet.test/media/parked/")), ownerTexts[0])
	parked := h.car(t, plate)
	assert.Equal(t, models.CarParked, parked.Status)
	assert.True(t, parked.PhotoURL.Valid)

	h.out.reset()
	h.say(ownerPhone, "retrieval")
	require.Len(t, h.out.images(ownerPhone), 1)
	assert.Equal(t, conversation.MsgRetrievalQRCaption, h.out.images(ownerPhone)[0].Caption)
	assert.Contains(t, h.out.texts(ownerPhone), conversation.MsgRetrievalOwner(plate, "Dave", driverPhone))
	assert.Contains(t, h.out.texts(driverPhone), conversation.MsgRetrievalDriver(plate, "Alice Smith", "+15551234567", 1))

	h.out.reset()
	h.say(driverPhone, h.retrievalScan(t, car.ID, ownerPhone))
	assert.Contains(t, h.out.texts(ownerPhone), conversation.MsgRetrievedOwner(plate))
	assert.Contains(t, h.out.texts(driverPhone), conversation.MsgRetrievedDriver(plate))

	assert.Equal(t, models.CarRetrieved, h.car(t, plate).Status)
	counts, err := h.db.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 15, counts.AvailableSlots)
	assert.Equal(t, 1, counts.FreeDrivers)
	assert.NoError(t, h.db.CheckInvariants(ctx))
}

func TestDispatch_ScanByNonDriver(t *testing.T) {
	h := newHarness(t, 15, "Dave")
	payload := h.intake(t, ownerPhone, plate)

	h.out.reset()
	h.say(ownerPhone, payload)
	assert.Equal(t, []string{conversation.MsgNotDriver}, h.out.texts(ownerPhone))
	assert.Equal(t, models.CarPending, h.car(t, plate).Status)

	logs, err := h.db.RecentLogs(context.Background(), 5)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.ActionAuthRejected, logs[0].Action)

	// The token survived and still works for a driver.
	h.say(driverPhone, payload)
	assert.Equal(t, models.CarCheckedIn, h.car(t, plate).Status)
}

func TestDispatch_NoFreeDriverKeepsToken(t *testing.T) {
	h := newHarness(t, 15, "Dave")
	payload := h.intake(t, ownerPhone, plate)
	_, err := h.alloc.SetDriverStatus(context.Background(), driverPhone, models.DriverBusy)
	require.NoError(t, err)

	h.out.reset()
	h.say(driverPhone, payload)
	assert.Equal(t, []string{conversation.MsgNoFreeDrivers}, h.out.texts(driverPhone))
	assert.Equal(t, models.CarPending, h.car(t, plate).Status)

	_, err = h.alloc.SetDriverStatus(context.Background(), driverPhone, models.DriverFree)
	require.NoError(t, err)
	h.say(driverPhone, payload)
	assert.Equal(t, models.CarCheckedIn, h.car(t, plate).Status)

	h.out.reset()
	h.say(driverPhone, payload)
	assert.Equal(t, []string{conversation.MsgQRUsed}, h.out.texts(driverPhone))
}

func TestDispatch_RetrievalByOtherDriver(t *testing.T) {
	h := newHarness(t, 15, "Dave", "Erin")
	erin := "15550000002"
	payload := h.intake(t, ownerPhone, plate)
	h.say(driverPhone, payload)
	h.photo(driverPhone, "media-1")
	h.say(ownerPhone, "retrieval")

	car := h.car(t, plate)
	require.Equal(t, models.CarAwaitingRetrieval, car.Status)
	assigned, err := h.db.GetDriver(context.Background(), car.DriverID.Int64)
	require.NoError(t, err)
	other := erin
	if assigned.Phone == erin {
		other = driverPhone
	}

	h.out.reset()
	h.say(other, h.retrievalScan(t, car.ID, ownerPhone))
	assert.Equal(t, []string{conversation.MsgNotAssignedDriver}, h.out.texts(other))
	assert.Equal(t, models.CarAwaitingRetrieval, h.car(t, plate).Status)
	assert.NoError(t, h.db.CheckInvariants(context.Background()))
}

func TestDispatch_PhotoFailures(t *testing.T) {
	h := newHarness(t, 15, "Dave")

	h.photo(ownerPhone, "media-1")
	assert.Equal(t, []string{conversation.PromptPhotoNotDriver}, h.out.texts(ownerPhone))

	h.out.reset()
	h.photo(driverPhone, "media-1")
	assert.Equal(t, []string{conversation.PromptNoCarToPark}, h.out.texts(driverPhone))

	payload := h.intake(t, ownerPhone, plate)
	h.say(driverPhone, payload)

	h.out.reset()
	h.media.err = errors.New("media gone")
	h.photo(driverPhone, "media-1")
	assert.Equal(t, []string{conversation.MsgPhotoFailed}, h.out.texts(driverPhone))
	assert.Equal(t, models.CarCheckedIn, h.car(t, plate).Status)
}

func TestDispatch_DriverStatus(t *testing.T) {
	h := newHarness(t, 15, "Dave")

	h.say(driverPhone, "status")
	h.say(driverPhone, "busy")
	assert.Equal(t, []string{conversation.PromptStatusChoice, conversation.MsgStatusUpdated("busy")}, h.out.texts(driverPhone))

	h.say(ownerPhone, "status")
	h.say(ownerPhone, "free")
	assert.Contains(t, h.out.texts(ownerPhone), conversation.MsgStatusNotDriver)
}

func TestDispatch_DuplicateDelivery(t *testing.T) {
	h := newHarness(t, 15, "Dave")
	msg := conversation.Message{ID: "wamid.1", From: ownerPhone, Text: "hi"}

	h.svc.Dispatch(context.Background(), msg)
	first := len(h.out.texts(ownerPhone))
	require.Positive(t, first)

	h.svc.Dispatch(context.Background(), msg)
	assert.Len(t, h.out.texts(ownerPhone), first)
}

func TestDispatch_RetrievalWithoutParkedCar(t *testing.T) {
	h := newHarness(t, 15, "Dave")
	h.say(ownerPhone, "retrieval")
	assert.Equal(t, []string{conversation.MsgNoParkedCar}, h.out.texts(ownerPhone))
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: %w", allocator.ErrTokenInvalid, ledger.ErrExpired), conversation.MsgQRExpired},
		{fmt.Errorf("%w: %w", allocator.ErrTokenInvalid, ledger.ErrAlreadyUsed), conversation.MsgQRUsed},
		{fmt.Errorf("%w: %w", allocator.ErrTokenInvalid, ledger.ErrMismatch), conversation.MsgQRMismatch},
		{ledger.ErrInvalid, conversation.MsgQRInvalid},
		{allocator.ErrNoFreeSlot, conversation.MsgNoFreeSlots},
		{allocator.ErrNoFreeDriver, conversation.MsgNoFreeDrivers},
		{allocator.ErrDriverMismatch, conversation.MsgNotAssignedDriver},
		{allocator.ErrWrongState, conversation.MsgWrongState},
		{allocator.ErrPlateInUse, conversation.MsgPlateInUse},
		{allocator.ErrDriverHasAssignment, conversation.MsgStatusHasAssignment},
		{errors.New("disk full"), conversation.MsgTryAgain},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, userMessage(tt.err), tt.err.Error())
	}
}

func TestDispatch_RetrievalReissuedAfterExpiry(t *testing.T) {
	h := newHarness(t, 15, "Dave")
	ctx := context.Background()
	h.say(driverPhone, h.intake(t, ownerPhone, plate))
	h.photo(driverPhone, "media-1")
	car := h.car(t, plate)

	h.say(ownerPhone, "retrieval")
	expired := h.retrievalScan(t, car.ID, ownerPhone)

	h.out.reset()
	h.say(ownerPhone, "retrieval")
	assert.Equal(t, []string{conversation.MsgRetrievalPending}, h.out.texts(ownerPhone))

	h.clock.Advance(31 * time.Minute)
	h.out.reset()
	h.say(driverPhone, expired)
	assert.Equal(t, []string{conversation.MsgQRExpired}, h.out.texts(driverPhone))
	assert.Equal(t, models.CarAwaitingRetrieval, h.car(t, plate).Status)

	h.out.reset()
	h.say(ownerPhone, "retrieval")
	qr := h.out.images(ownerPhone)
	require.Len(t, qr, 1)
	assert.Equal(t, conversation.MsgRetrievalReissued, qr[0].Caption)
	assert.Contains(t, h.out.texts(ownerPhone), conversation.MsgRetrievalOwner(plate, "Dave", driverPhone))
	assert.Empty(t, h.out.texts(driverPhone), "the assigned driver already has the job")

	fresh := h.retrievalScan(t, car.ID, ownerPhone)
	require.NotEqual(t, expired, fresh)
	h.out.reset()
	h.say(driverPhone, fresh)
	assert.Contains(t, h.out.texts(ownerPhone), conversation.MsgRetrievedOwner(plate))
	assert.Equal(t, models.CarRetrieved, h.car(t, plate).Status)
	assert.NoError(t, h.db.CheckInvariants(ctx))
}
