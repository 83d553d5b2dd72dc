package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tutuCH/opcua-backend-sub000/errors"
	"github.com/tutuCH/opcua-backend-sub000/queue"
	"github.com/tutuCH/opcua-backend-sub000/spc"
	"github.com/tutuCH/opcua-backend-sub000/telemetry"
	"github.com/tutuCH/opcua-backend-sub000/timeseries"
)

const (
	defaultPageSize    = 50
	maxPageSize        = 500
	defaultHistorySpan = 24 * time.Hour
	defaultLookback    = 24 * time.Hour
	defaultSigma       = 3.0
)

// historyResponse is the paginated history payload.
type historyResponse struct {
	DeviceID string             `json:"deviceId"`
	Category telemetry.Category `json:"category"`
	Points   []timeseries.Point `json:"points"`
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"pageSize"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	deviceID, err := s.resolveMachine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	category, err := queryCategory(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	from, to, err := queryRange(r, defaultHistorySpan)
	if err != nil {
		s.writeError(w, err)
		return
	}

	page := queryInt(r, "page", 0)
	pageSize := queryInt(r, "pageSize", defaultPageSize)
	if page < 0 || pageSize <= 0 || pageSize > maxPageSize {
		s.writeErrorCode(w, http.StatusBadRequest, codeInvalidRequest,
			fmt.Sprintf("page must be >= 0 and pageSize in 1..%d", maxPageSize))
		return
	}

	points, total, err := s.history.QueryPaginated(r.Context(), deviceID, category, from, to, pageSize, page*pageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, historyResponse{
		DeviceID: deviceID,
		Category: category,
		Points:   points,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// windowResponse is the fixed-window aggregated history payload.
type windowResponse struct {
	DeviceID string                `json:"deviceId"`
	Category telemetry.Category    `json:"category"`
	Window   timeseries.Resolution `json:"window"`
	Points   []timeseries.Point    `json:"points"`
}

func (s *Server) handleHistoryWindow(w http.ResponseWriter, r *http.Request) {
	deviceID, err := s.resolveMachine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	category, err := queryCategory(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	from, to, err := queryRange(r, defaultHistorySpan)
	if err != nil {
		s.writeError(w, err)
		return
	}

	window, err := timeseries.ParseResolution(r.URL.Query().Get("window"))
	if err != nil {
		s.writeError(w, errors.WrapInvalid(err, "api", "handleHistoryWindow", "parse window"))
		return
	}

	points, err := s.history.QueryWindowed(r.Context(), deviceID, category, from, to, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, windowResponse{
		DeviceID: deviceID,
		Category: category,
		Window:   window,
		Points:   points,
	})
}

// statusResponse bundles the hot status, tech config and alert history.
type statusResponse struct {
	DeviceID   string            `json:"deviceId"`
	HotStatus  map[string]any    `json:"hotStatus,omitempty"`
	UpdatedAt  int64             `json:"updatedAt,omitempty"`
	TechConfig map[string]any    `json:"techConfig,omitempty"`
	Alerts     []telemetry.Alert `json:"alerts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	deviceID, err := s.resolveMachine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := statusResponse{DeviceID: deviceID, Alerts: s.statuses.Alerts(deviceID)}
	if hot, ok := s.statuses.HotStatus(deviceID); ok {
		resp.HotStatus = hot.Data
		resp.UpdatedAt = hot.LastUpdated.UnixMilli()
	}
	if cfg, ok := s.statuses.TechConfig(deviceID); ok {
		resp.TechConfig = cfg.Data
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	deviceID, err := s.resolveMachine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	rawFields := r.URL.Query().Get("fields")
	if rawFields == "" {
		s.writeErrorCode(w, http.StatusBadRequest, codeInvalidRequest, "fields parameter required")
		return
	}
	fields := strings.Split(rawFields, ",")

	lookback, err := queryDuration(r, "lookback", defaultLookback)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sigma, err := queryFloat(r, "sigma", defaultSigma)
	if err != nil {
		s.writeError(w, err)
		return
	}
	force := r.URL.Query().Get("force") == "true"

	limits, err := s.limits.GetLimits(r.Context(), deviceID, fields, lookback, sigma, force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, limits)
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	deviceID, err := s.resolveMachine(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	field := r.URL.Query().Get("field")
	if field == "" {
		s.writeErrorCode(w, http.StatusBadRequest, codeInvalidRequest, "field parameter required")
		return
	}

	req := spc.SeriesRequest{
		DeviceID: deviceID,
		Field:    field,
		Window:   r.URL.Query().Get("window"),
		Limit:    queryInt(r, "limit", 0),
		Strategy: r.URL.Query().Get("strategy"),
	}
	if req.Window == "" {
		from, to, err := queryRange(r, 0)
		if err != nil {
			s.writeError(w, err)
			return
		}
		req.From, req.To = from, to
	}

	series, err := s.limits.GetSeries(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("category")
	if raw == "" {
		s.writeJSON(w, http.StatusOK, s.catalog)
		return
	}

	category, err := telemetry.ParseCategory(raw)
	if err != nil {
		s.writeError(w, errors.WrapInvalid(err, "api", "handleFields", "parse category"))
		return
	}
	s.writeJSON(w, http.StatusOK, Catalog{category: s.catalog[category]})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]queue.Stats, len(telemetry.Categories()))
	for _, category := range telemetry.Categories() {
		stats, err := s.queues.Stats(r.Context(), category.QueueName())
		if err != nil {
			s.writeError(w, err)
			return
		}
		out[string(category)] = stats
	}
	s.writeJSON(w, http.StatusOK, out)
}

// --- query parsing -------------------------------------------------------

func queryCategory(r *http.Request) (telemetry.Category, error) {
	raw := r.URL.Query().Get("category")
	if raw == "" {
		return telemetry.CategoryRealtime, nil
	}
	category, err := telemetry.ParseCategory(raw)
	if err != nil {
		return "", errors.WrapInvalid(err, "api", "queryCategory", "parse category")
	}
	return category, nil
}

// queryRange parses from/to, accepting RFC3339 or unix milliseconds. When
// both are absent and a default span is given, the range is the span
// ending now.
func queryRange(r *http.Request, defaultSpan time.Duration) (time.Time, time.Time, error) {
	rawFrom := r.URL.Query().Get("from")
	rawTo := r.URL.Query().Get("to")

	if rawFrom == "" && rawTo == "" {
		if defaultSpan <= 0 {
			return time.Time{}, time.Time{}, errors.WrapInvalid(errors.ErrInvalidWindow,
				"api", "queryRange", "from and to required")
		}
		to := time.Now()
		return to.Add(-defaultSpan), to, nil
	}

	from, err := parseTime(rawFrom)
	if err != nil {
		return time.Time{}, time.Time{}, errors.WrapInvalid(err, "api", "queryRange", "parse from")
	}
	to, err := parseTime(rawTo)
	if err != nil {
		return time.Time{}, time.Time{}, errors.WrapInvalid(err, "api", "queryRange", "parse to")
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.WrapInvalid(errors.ErrInvalidWindow,
			"api", "queryRange", "from must precede to")
	}
	return from, to, nil
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is neither RFC3339 nor unix millis", raw)
	}
	return time.UnixMilli(millis), nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func queryFloat(r *http.Request, name string, fallback float64) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.WrapInvalid(err, "api", "queryFloat", fmt.Sprintf("parse %s", name))
	}
	return v, nil
}

func queryDuration(r *http.Request, name string, fallback time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.WrapInvalid(err, "api", "queryDuration", fmt.Sprintf("parse %s", name))
	}
	return d, nil
}
