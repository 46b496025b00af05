package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"valet/internal/allocator"
	"valet/internal/conversation"
	"valet/internal/dashboard"
	"valet/internal/database"
	"valet/internal/events"
	"valet/internal/metrics"
	"valet/internal/whatsapp"
	"valet/shared/audit"
)

const maxWebhookBody = 1 << 20

func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := whatsapp.Verify(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), s.opts.VerifyToken)
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleWebhook acknowledges at once and processes messages in the background.
// POST /webhook
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("webhook")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	msgs, err := whatsapp.ParseWebhook(body)
	if err != nil {
		if errors.Is(err, whatsapp.ErrNotWhatsApp) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if s.dispatcher != nil {
		for _, m := range msgs {
			if !s.enqueue(conversation.Message{ID: m.ID, From: m.From, Text: m.Text, ImageRef: m.MediaID}) {
				// Messages queued before this one are deduplicated on redelivery.
				metrics.IncInbound("overloaded")
				s.logger.Warn().Str("message_id", m.ID).Msg("Webhook queue full")
				writeError(w, http.StatusServiceUnavailable, "overloaded")
				return
			}
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("EVENT_RECEIVED"))
}

// enqueue reports false when the queue is full or the server is stopping.
func (s *Server) enqueue(msg conversation.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	select {
	case s.queue <- msg:
		return true
	default:
		s.wg.Done()
		return false
	}
}

func (s *Server) worker() {
	for {
		select {
		case msg := <-s.queue:
			s.dispatcher.Dispatch(s.baseCtx, msg)
			s.wg.Done()
		case <-s.baseCtx.Done():
			s.drain()
			return
		}
	}
}

// drain closes the queue to new messages and drops what is still waiting.
func (s *Server) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for {
		select {
		case msg := <-s.queue:
			s.logger.Warn().Str("message_id", msg.ID).Msg("Dropping queued message on shutdown")
			s.wg.Done()
		default:
			return
		}
	}
}

// GET /api/dashboard
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("dashboard")
	snap, err := dashboard.Build(r.Context(), s.db)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to build dashboard")
		writeError(w, http.StatusInternalServerError, "failed to build dashboard")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("drivers")
	drivers, err := s.db.ListDrivers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list drivers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"drivers": drivers})
}

// CreateDriverRequest is the body of POST /api/drivers.
type CreateDriverRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (s *Server) handleCreateDriver(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("drivers_create")
	var req CreateDriverRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	phone := strings.TrimSpace(req.Phone)
	if normalized, ok := conversation.NormalizePhone(phone); ok {
		phone = strings.TrimPrefix(normalized, "+")
	}

	d, err := s.alloc.RegisterDriver(r.Context(), req.Name, phone)
	switch {
	case err == nil:
		s.logger.Info().Int64("driver_id", d.ID).Str("name", d.Name).Msg("Driver registered")
		writeJSON(w, http.StatusCreated, d)
	case errors.Is(err, allocator.ErrInvalidDriver):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrDuplicate):
		writeError(w, http.StatusConflict, "driver with this phone already exists")
	default:
		s.logger.Error().Err(err).Msg("Failed to register driver")
		writeError(w, http.StatusInternalServerError, "failed to register driver")
	}
}

// AssignRequest is the body of POST /api/assign.
type AssignRequest struct {
	CarID    int64 `json:"car_id"`
	DriverID int64 `json:"driver_id"`
}

// handleAssign checks a pending car in with a chosen driver, bypassing the
// gate scan.
// POST /api/assign
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("assign")
	var req AssignRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.CarID <= 0 || req.DriverID <= 0 {
		writeError(w, http.StatusBadRequest, "car_id and driver_id are required")
		return
	}

	res, err := s.alloc.AssignManually(r.Context(), req.CarID, req.DriverID)
	switch {
	case err == nil:
		s.logger.Info().
			Int64("car_id", req.CarID).
			Int64("driver_id", req.DriverID).
			Int("slot", res.SlotNumber).
			Msg("Car manually assigned")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"car":         res.Car,
			"driver":      res.Driver,
			"slot_number": res.SlotNumber,
		})
	case errors.Is(err, allocator.ErrUnknownCar):
		writeError(w, http.StatusNotFound, "car not found")
	case errors.Is(err, allocator.ErrUnknownDriver):
		writeError(w, http.StatusNotFound, "driver not found")
	case errors.Is(err, allocator.ErrWrongState),
		errors.Is(err, allocator.ErrDriverBusy),
		errors.Is(err, allocator.ErrNoFreeSlot):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error().Err(err).Msg("Failed to assign car")
		writeError(w, http.StatusInternalServerError, "failed to assign car")
	}
}

func (s *Server) handleListCars(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("cars")
	cars, err := s.db.ListCars(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list cars")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cars": cars})
}

// GET /api/logs?limit=N
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("logs")
	limit := dashboard.RecentLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	logs, err := s.db.RecentLogs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("export")
	excel := audit.NewExcelizeWriter()
	defer excel.Close()

	var buf bytes.Buffer
	if err := audit.Export(r.Context(), s.db, excel, &buf); err != nil {
		s.logger.Error().Err(err).Msg("Export failed")
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+audit.GenerateFilename(s.db.Now())+`"`)
	_, _ = w.Write(buf.Bytes())
}

// handleReset wipes operational data for development.
// POST /api/reset
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("reset")
	if !s.opts.AllowReset {
		writeError(w, http.StatusForbidden, "reset is disabled")
		return
	}
	if err := s.db.Reset(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Reset failed")
		writeError(w, http.StatusInternalServerError, "failed to reset data")
		return
	}
	if s.bus != nil {
		_ = s.bus.PublishJSON(events.StoreReset, events.Transition{Action: "reset"})
	}
	s.logger.Warn().Msg("All operational data reset and drivers set to free")
	writeJSON(w, http.StatusOK, map[string]string{"message": "All relevant data reset and drivers set to free."})
}
