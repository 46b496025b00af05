package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"valet/internal/allocator"
	"valet/internal/conversation"
	"valet/internal/database"
	"valet/internal/events"
	"valet/internal/ledger"
	"valet/internal/models"
	"valet/internal/testfixtures"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "secret"

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []conversation.Message
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg conversation.Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
}

func (d *recordingDispatcher) received() []conversation.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]conversation.Message(nil), d.msgs...)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type fixture struct {
	db         *database.DB
	alloc      *allocator.Allocator
	srv        *Server
	handler    http.Handler
	dispatcher *recordingDispatcher
	bus        *events.EventBus
}

func newFixture(t *testing.T, opts Options, redis Pinger) *fixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db := testfixtures.NewDB(t, testfixtures.NewClock(time.Time{}))
	require.NoError(t, db.EnsureSlots(context.Background(), 3))

	bus := events.NewEventBus()
	alloc := allocator.New(db, ledger.New(db, ""), bus, 15*time.Minute, 30*time.Minute, &logger)
	d := &recordingDispatcher{}

	if opts.VerifyToken == "" {
		opts.VerifyToken = "verify-me"
	}
	srv := NewServer(context.Background(), db, alloc, d, nil, redis, bus, opts, &logger)
	return &fixture{db: db, alloc: alloc, srv: srv, handler: srv.Router(), dispatcher: d, bus: bus}
}

func (f *fixture) do(method, target, body string, key string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	rec := f.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = f.do(http.MethodGet, "/readyz?deep=1", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newFixture(t, Options{}, stubPinger{err: errors.New("connection refused")})
	rec = down.do(http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookVerify(t *testing.T) {
	f := newFixture(t, Options{VerifyToken: "tok"}, nil)

	rec := f.do(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=tok&hub.challenge=1158201444", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1158201444", rec.Body.String())

	rec = f.do(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

const webhookBody = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "changes": [{
      "field": "messages",
      "value": {
        "messages": [
          {"id": "wamid.A", "from": "15559990001", "type": "text", "text": {"body": "hi"}},
          {"id": "wamid.B", "from": "15550000001", "type": "image", "image": {"id": "media-1"}}
        ]
      }
    }]
  }]
}`

func TestWebhookDispatchesMessages(t *testing.T) {
	f := newFixture(t, Options{WebhookWorkers: 2}, nil)

	rec := f.do(http.MethodPost, "/webhook", webhookBody, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "EVENT_RECEIVED", rec.Body.String())

	f.srv.Wait()
	got := f.dispatcher.received()
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []conversation.Message{
		{ID: "wamid.A", From: "15559990001", Text: "hi"},
		{ID: "wamid.B", From: "15550000001", ImageRef: "media-1"},
	}, got)
}

func TestWebhookRejectsBadPayloads(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	rec := f.do(http.MethodPost, "/webhook", `{"object":"page"}`, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/webhook", `{broken`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.srv.Wait()
	assert.Empty(t, f.dispatcher.received())
}

func TestCreateDriver(t *testing.T) {
	f := newFixture(t, Options{APIKey: apiKey}, nil)

	rec := f.do(http.MethodPost, "/api/drivers", `{"name":"Ravi","phone":"+1 555 000 0001"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/drivers", `{"name":"Ravi","phone":"+1 555 000 0001"}`, apiKey)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"phone":"15550000001"`)

	rec = f.do(http.MethodPost, "/api/drivers", `{"name":"Other","phone":"15550000001"}`, apiKey)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/drivers", `{"name":"","phone":"15550000002"}`, apiKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/drivers", `not json`, apiKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/drivers", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Ravi")
	assert.NotContains(t, rec.Body.String(), "Other")
}

func TestDashboardAndLists(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	rec := f.do(http.MethodGet, "/api/dashboard", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"slots"`)

	rec = f.do(http.MethodGet, "/api/cars", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/logs?limit=5", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/logs?limit=0", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReset(t *testing.T) {
	disabled := newFixture(t, Options{APIKey: apiKey}, nil)
	rec := disabled.do(http.MethodPost, "/api/reset", "", apiKey)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	f := newFixture(t, Options{APIKey: apiKey, AllowReset: true}, nil)
	var published int
	f.bus.Subscribe(events.StoreReset, func(events.Event) error {
		published++
		return nil
	})

	ctx := context.Background()
	_, err := f.db.CreateDriver(ctx, "Ravi", "15550000001")
	require.NoError(t, err)
	_, err = f.db.MarkMessageProcessed(ctx, "wamid.old")
	require.NoError(t, err)

	rec = f.do(http.MethodPost, "/api/reset", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/reset", "", apiKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, published)

	first, err := f.db.MarkMessageProcessed(ctx, "wamid.old")
	require.NoError(t, err)
	assert.True(t, first)

	drivers, err := f.db.ListDrivers(ctx)
	require.NoError(t, err)
	require.Len(t, drivers, 1)
	assert.Equal(t, models.DriverFree, drivers[0].Status)
}

func TestExport(t *testing.T) {
	f := newFixture(t, Options{APIKey: apiKey}, nil)

	rec := f.do(http.MethodGet, "/api/export.xlsx", "", apiKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "valet_audit_")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))
}

// gateDispatcher holds every message until release is closed.
type gateDispatcher struct {
	recordingDispatcher
	started chan string
	release chan struct{}
}

func (d *gateDispatcher) Dispatch(ctx context.Context, msg conversation.Message) {
	d.started <- msg.ID
	<-d.release
	d.recordingDispatcher.Dispatch(ctx, msg)
}

func textWebhook(id string) string {
	return `{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{"messages":[` +
		`{"id":"` + id + `","from":"15559990001","type":"text","text":{"body":"hi"}}]}}]}]}`
}

func TestWebhookQueueFullAnswers503(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	logger := zerolog.New(io.Discard)
	d := &gateDispatcher{started: make(chan string, 4), release: make(chan struct{})}
	srv := NewServer(context.Background(), f.db, f.alloc, d, nil, nil, nil, Options{
		WebhookWorkers: 1,
		WebhookQueue:   1,
		VerifyToken:    "verify-me",
	}, &logger)
	handler := srv.Router()
	post := func(body string) int {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body)))
		return rec.Code
	}

	require.Equal(t, http.StatusOK, post(textWebhook("wamid.1")))
	select {
	case id := <-d.started:
		require.Equal(t, "wamid.1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not pick up the first message")
	}

	assert.Equal(t, http.StatusOK, post(textWebhook("wamid.2")), "one message fits in the queue")
	assert.Equal(t, http.StatusServiceUnavailable, post(textWebhook("wamid.3")), "a full queue rejects")

	close(d.release)
	srv.Wait()
	var ids []string
	for _, m := range d.received() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"wamid.1", "wamid.2"}, ids)

	// Capacity frees up once the backlog is processed.
	assert.Equal(t, http.StatusOK, post(textWebhook("wamid.3")))
	srv.Wait()
	assert.Len(t, d.received(), 3)
}

func TestWebhookStopsAcceptingAfterShutdown(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	logger := zerolog.New(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	d := &recordingDispatcher{}
	srv := NewServer(ctx, f.db, f.alloc, d, nil, nil, nil, Options{WebhookWorkers: 2, VerifyToken: "v"}, &logger)
	cancel()

	assert.Eventually(t, func() bool {
		return !srv.enqueue(conversation.Message{ID: "wamid.late"})
	}, 5*time.Second, 10*time.Millisecond)
	srv.Wait()
}

func TestAssign(t *testing.T) {
	f := newFixture(t, Options{APIKey: apiKey}, nil)
	ctx := context.Background()

	driver, err := f.db.CreateDriver(ctx, "Ravi", "15550000001")
	require.NoError(t, err)
	car, _, err := f.alloc.StartCheckIn(ctx, models.Intake{
		NumberPlate: "ASN001", OwnerName: "Owner", Model: "Sedan", OwnerPhone: "+15551230001",
	})
	require.NoError(t, err)
	body := func(carID, driverID int64) string {
		return `{"car_id":` + strconv.FormatInt(carID, 10) + `,"driver_id":` + strconv.FormatInt(driverID, 10) + `}`
	}

	rec := f.do(http.MethodPost, "/api/assign", body(car.ID, driver.ID), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/assign", `{broken`, apiKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodPost, "/api/assign", `{"car_id":1}`, apiKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/assign", body(999, driver.ID), apiKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(http.MethodPost, "/api/assign", body(car.ID, 999), apiKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodPost, "/api/assign", body(car.ID, driver.ID), apiKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"slot_number":1`)

	got, err := f.db.GetCar(ctx, car.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CarCheckedIn, got.Status)
	assert.Equal(t, driver.ID, got.DriverID.Int64)

	logs, err := f.db.RecentLogs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.ActionManuallyAssigned, logs[0].Action)

	rec = f.do(http.MethodPost, "/api/assign", body(car.ID, driver.ID), apiKey)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NoError(t, f.db.CheckInvariants(ctx))
}
