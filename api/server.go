package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tutuCH/opcua-backend-sub000/config"
	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/machines"
	"github.com/tutuCH/opcua-backend-sub000/queue"
	"github.com/tutuCH/opcua-backend-sub000/spc"
	"github.com/tutuCH/opcua-backend-sub000/status"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
	"github.com/tutuCH/opcua-backend-sub000/timeseries"
)

// HistoryStore is the time-series read surface the API serves from.
// *timeseries.Store satisfies it.
type HistoryStore interface {
	QueryPaginated(ctx context.Context, deviceID string, category telemetry.Category,
		from, to time.Time, pageSize, offset int) ([]timeseries.Point, int64, error)
	QueryWindowed(ctx context.Context, deviceID string, category telemetry.Category,
		from, to time.Time, window timeseries.Resolution) ([]timeseries.Point, error)
}

// LimitsEngine is the SPC surface. *spc.Engine satisfies it.
type LimitsEngine interface {
	GetLimits(ctx context.Context, deviceID string, fields []string,
		lookback time.Duration, sigma float64, forceRecalc bool) (*spc.Limits, error)
	GetSeries(ctx context.Context, req spc.SeriesRequest) (*spc.Series, error)
}

// QueueInspector reports queue depth for the operations endpoint.
// *queue.Queue satisfies it.
type QueueInspector interface {
	Stats(ctx context.Context, name string) (queue.Stats, error)
}

// StatusReader serves the cached latest state. *status.Store satisfies it.
type StatusReader interface {
	HotStatus(deviceID string) (status.HotStatus, bool)
	TechConfig(deviceID string) (status.TechConfig, bool)
	Alerts(deviceID string) []telemetry.Alert
}

// Server is the HTTP read API.
type Server struct {
	cfg       config.APIConfig
	directory machines.Directory
	history   HistoryStore
	limits    LimitsEngine
	queues    QueueInspector
	statuses  StatusReader
	catalog   Catalog
	logger    *slog.Logger
	metrics   http.Handler

	router *mux.Router
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetricsHandler mounts a /metrics endpoint.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithCatalog overrides the stock field catalog.
func WithCatalog(c Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// NewServer builds the read API over the given collaborators.
func NewServer(
	cfg config.APIConfig,
	directory machines.Directory,
	history HistoryStore,
	limits LimitsEngine,
	queues QueueInspector,
	statuses StatusReader,
	opts ...Option,
) *Server {
	s := &Server{
		cfg:       cfg,
		directory: directory,
		history:   history,
		limits:    limits,
		queues:    queues,
		statuses:  statuses,
		catalog:   DefaultCatalog(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/machines/{machineID}/history", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/machines/{machineID}/history/window", s.handleHistoryWindow).Methods(http.MethodGet)
	v1.HandleFunc("/machines/{machineID}/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/machines/{machineID}/spc/limits", s.handleLimits).Methods(http.MethodGet)
	v1.HandleFunc("/machines/{machineID}/spc/series", s.handleSeries).Methods(http.MethodGet)
	v1.HandleFunc("/fields", s.handleFields).Methods(http.MethodGet)
	v1.HandleFunc("/queues/stats", s.handleQueueStats).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// Handler exposes the router for tests and composed servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API on the configured port.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: s.router,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err)
		}
	}()
	s.logger.Info("api server started", "port", s.cfg.Port)
	return nil
}

// Stop shuts the server down, letting in-flight requests finish.
func (s *Server) Stop(timeout time.Duration) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// errorBody is the structured error response every endpoint returns.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Machine-readable reason codes.
const (
	codeUnknownMachine   = "unknown_machine"
	codeInvalidRequest   = "invalid_request"
	codeInsufficientData = "insufficient_data"
	codeUnavailable      = "unavailable"
	codeInternal         = "internal"
)

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeErrorCode(w http.ResponseWriter, statusCode int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	s.writeJSON(w, statusCode, body)
}

// writeError maps the error taxonomy onto HTTP statuses and reason codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errors.ErrUnknownDevice):
		s.writeErrorCode(w, http.StatusNotFound, codeUnknownMachine, "machine not found")
	case errors.Is(err, errors.ErrInsufficientData):
		s.writeErrorCode(w, http.StatusUnprocessableEntity, codeInsufficientData, err.Error())
	case errors.IsInvalid(err):
		s.writeErrorCode(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
	case errors.IsTransient(err):
		s.logger.Error("backing store unavailable", "error", err)
		s.writeErrorCode(w, http.StatusServiceUnavailable, codeUnavailable, "backing store unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		s.writeErrorCode(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

// resolveMachine maps the route's machine id to its device id.
func (s *Server) resolveMachine(r *http.Request) (string, error) {
	machineID := mux.Vars(r)["machineID"]
	return s.directory.DeviceForMachine(r.Context(), machineID)
}
