package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lucafoss/smarther-mqtt-bridge/internal/infrastructure/config"
	"github.com/lucafoss/smarther-mqtt-bridge/internal/smarther"
)

// Server constants.
const (
	// pathPrefix is the route prefix registered with the cloud; the
	// plant ID is appended per subscription.
	pathPrefix = "/smarther-bridge"

	// pushChanSize buffers notifications between the HTTP handler and
	// the orchestrator. Beyond this, notifications are dropped; the
	// next poll re-converges state.
	pushChanSize = 64

	// maxNotificationSize caps the accepted request body.
	maxNotificationSize = 256 * 1024

	// readTimeout, writeTimeout and idleTimeout protect the listener
	// from slow clients.
	readTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	idleTimeout  = 60 * time.Second

	// shutdownTimeout is the maximum time to wait for in-flight
	// notifications on Close.
	shutdownTimeout = 5 * time.Second
)

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Server receives status notifications from the cloud and forwards them
// on the Push channel.
//
// Thread Safety: all methods are safe for concurrent use.
type Server struct {
	cfg    config.WebhookConfig
	logger Logger

	push chan smarther.ModuleStatus

	activePlants map[string]bool
	plantsMu     sync.RWMutex

	server   *http.Server
	stopOnce sync.Once
}

// NewServer creates the webhook server. Call Start to begin listening.
func NewServer(cfg config.WebhookConfig, logger Logger) *Server {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Server{
		cfg:          cfg,
		logger:       logger,
		push:         make(chan smarther.ModuleStatus, pushChanSize),
		activePlants: make(map[string]bool),
	}
}

// Push returns the channel carrying accepted notifications.
func (s *Server) Push() <-chan smarther.ModuleStatus {
	return s.push
}

// SetActivePlants replaces the set of plant IDs the server accepts
// notifications for. Called at bootstrap and after topology changes.
func (s *Server) SetActivePlants(plantIDs []string) {
	active := make(map[string]bool, len(plantIDs))
	for _, id := range plantIDs {
		active[id] = true
	}

	s.plantsMu.Lock()
	s.activePlants = active
	s.plantsMu.Unlock()
}

// routes builds the HTTP router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Post(pathPrefix+"/{plantID}", s.handleNotification)
	return r
}

// handleNotification validates and forwards one cloud notification.
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	plantID := chi.URLParam(r, "plantID")

	s.plantsMu.RLock()
	active := s.activePlants[plantID]
	s.plantsMu.RUnlock()

	if !active {
		s.logger.Warn("notification for inactive plant", "plant_id", plantID)
		http.Error(w, "plant not active", http.StatusNotFound)
		return
	}

	var status smarther.ModuleStatus
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotificationSize))
	if err := decoder.Decode(&status); err != nil {
		s.logger.Debug("unparseable notification", "plant_id", plantID, "error", err)
		http.Error(w, "invalid notification", http.StatusBadRequest)
		return
	}

	s.logger.Info("received status notification",
		"plant_id", plantID,
		"entries", len(status.Chronothermostats),
	)

	select {
	case s.push <- status:
	default:
		s.logger.Warn("push channel full, dropping notification", "plant_id", plantID)
	}

	w.WriteHeader(http.StatusOK)
}

// Start begins listening. Returns immediately; listener errors are
// logged.
func (s *Server) Start() error {
	if s.cfg.Endpoint == "" {
		return fmt.Errorf("webhook endpoint is not configured")
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.ListenHost, s.cfg.ListenPort),
		Handler:           s.routes(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	s.logger.Info("webhook server starting", "address", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webhook server error", "error", err)
		}
	}()
	return nil
}

// Close shuts the listener down, waiting briefly for in-flight requests.
func (s *Server) Close() error {
	var err error
	s.stopOnce.Do(func() {
		if s.server == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = s.server.Shutdown(ctx)
	})
	return err
}
