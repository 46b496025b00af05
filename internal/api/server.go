// Package api serves the webhook, the dashboard and the admin endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"

	"valet/internal/allocator"
	"valet/internal/conversation"
	"valet/internal/database"
	"valet/internal/metrics"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Dispatcher processes one inbound chat message.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg conversation.Message)
}

// Pinger reports whether an optional dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EventPublisher announces admin actions.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// Options configure the HTTP surface.
type Options struct {
	APIKey         string
	AllowReset     bool
	VerifyToken    string
	WebhookWorkers int
	WebhookQueue   int
	MediaDir       string
}

// Server holds the HTTP handlers. Webhook messages wait in a queue of
// Options.WebhookQueue entries and are processed by Options.WebhookWorkers
// goroutines; a full queue answers 503 so the sender retries later.
type Server struct {
	db         *database.DB
	alloc      *allocator.Allocator
	dispatcher Dispatcher
	dashboard  http.Handler
	redis      Pinger
	bus        EventPublisher
	opts       Options
	logger     *zerolog.Logger

	baseCtx context.Context
	queue   chan conversation.Message
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

// NewServer builds the server. dispatcher, dashboard, redis and bus may be nil.
func NewServer(
	ctx context.Context,
	db *database.DB,
	alloc *allocator.Allocator,
	dispatcher Dispatcher,
	dashboard http.Handler,
	redis Pinger,
	bus EventPublisher,
	opts Options,
	logger *zerolog.Logger,
) *Server {
	if opts.WebhookWorkers <= 0 {
		opts.WebhookWorkers = 8
	}
	if opts.WebhookQueue <= 0 {
		opts.WebhookQueue = 256
	}
	s := &Server{
		db:         db,
		alloc:      alloc,
		dispatcher: dispatcher,
		dashboard:  dashboard,
		redis:      redis,
		bus:        bus,
		opts:       opts,
		logger:     logger,
		baseCtx:    ctx,
		queue:      make(chan conversation.Message, opts.WebhookQueue),
	}
	if dispatcher != nil {
		for i := 0; i < opts.WebhookWorkers; i++ {
			go s.worker()
		}
	}
	return s
}

// Router wires every route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)

	r.HandleFunc("/webhook", s.handleWebhookVerify).Methods(http.MethodGet)
	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/dashboard", s.handleDashboard).Methods(http.MethodGet)
	if s.dashboard != nil {
		api.Handle("/ws", s.dashboard).Methods(http.MethodGet)
	}
	api.HandleFunc("/drivers", s.handleListDrivers).Methods(http.MethodGet)
	api.Handle("/drivers", s.requireAPIKey(http.HandlerFunc(s.handleCreateDriver))).Methods(http.MethodPost)
	api.HandleFunc("/cars", s.handleListCars).Methods(http.MethodGet)
	api.Handle("/assign", s.requireAPIKey(http.HandlerFunc(s.handleAssign))).Methods(http.MethodPost)
	api.HandleFunc("/logs", s.handleListLogs).Methods(http.MethodGet)
	api.Handle("/export.xlsx", s.requireAPIKey(http.HandlerFunc(s.handleExport))).Methods(http.MethodGet)
	api.Handle("/reset", s.requireAPIKey(http.HandlerFunc(s.handleReset))).Methods(http.MethodPost)

	if s.opts.MediaDir != "" {
		r.PathPrefix("/media/").Handler(http.StripPrefix("/media/", http.FileServer(http.Dir(s.opts.MediaDir))))
	}
	return r
}

// Wait blocks until every accepted webhook message is processed or, after the
// base context is done, dropped.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey != "" {
			got := r.Header.Get("x-api-key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.APIKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	metrics.IncHTTP("readyz")
	ctx := r.Context()
	if err := s.db.PingContext(ctx); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
	}
	if r.URL.Query().Get("deep") == "1" {
		if err := s.db.CheckInvariants(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Invariant check failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
