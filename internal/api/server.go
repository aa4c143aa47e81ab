package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sensorhub/internal/config"
	"sensorhub/internal/engine"
	"sensorhub/internal/metrics"
	"sensorhub/internal/model"
	"sensorhub/internal/normalize"
	"sensorhub/internal/readings"
	"sensorhub/internal/storage"
)

// StateFunc reports a listener's connection state for /api/status.
type StateFunc func() string

type Deps struct {
	Config    *config.Manager
	Store     storage.Store
	Readings  *readings.Store
	Engine    *engine.Engine
	Metrics   *metrics.Collector
	Listeners map[string]StateFunc
	Logger    *slog.Logger
	Version   string
}

type Server struct {
	Deps
	started time.Time
}

func NewServer(d Deps) *Server {
	return &Server{Deps: d, started: time.Now().UTC()}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/sensors", s.handleSensors)
		r.Get("/sensors/{id}/stats", s.handleSensorStats)
		r.Get("/readings", s.handleReadings)
		r.Get("/readings/latest", s.handleLatest)
		r.Get("/alerts", s.handleAlerts)
		r.Post("/alerts/{id}/resolve", s.handleResolve)
	})
	return r
}

func Start(ctx context.Context, addr string, s *Server, logger *slog.Logger) *http.Server {
	if logger != nil {
		logger.Info("api enabled", "addr", addr)
	}
	httpServer := &http.Server{Addr: addr, Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

type readingView struct {
	ID        int64     `json:"id"`
	SensorID  string    `json:"sensor_id"`
	Value     *float64  `json:"value"`
	Available bool      `json:"available"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func viewReading(externalID string, d model.DecodedReading) readingView {
	return readingView{
		ID:        d.ID,
		SensorID:  externalID,
		Value:     d.Value,
		Available: d.Available,
		Unit:      d.Unit,
		Timestamp: d.Timestamp,
	}
}

type alertView struct {
	model.Alert
	ExternalID string `json:"sensor_external_id,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "database": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	listeners := make(map[string]string, len(s.Listeners))
	for name, fn := range s.Listeners {
		listeners[name] = fn()
	}
	counts := map[string]int64{}
	for _, table := range []string{"sensors", "readings", "alerts"} {
		n, err := s.Store.Conn().Count(ctx, table)
		if err != nil {
			s.serverError(w, err)
			return
		}
		counts[table] = n
	}
	resp := map[string]any{
		"status":           "ok",
		"time":             time.Now().UTC().Format(time.RFC3339Nano),
		"started_at":       s.started.Format(time.RFC3339Nano),
		"version":          s.Version,
		"listeners":        listeners,
		"rules_updated_at": s.Engine.RulesUpdatedAt().Format(time.RFC3339Nano),
		"counts":           counts,
	}
	if s.Config != nil {
		cfg := s.Config.Get()
		resp["config_path"] = s.Config.Path()
		resp["ingest"] = map[string]bool{
			"mqtt":          cfg.MQTT.Enabled,
			"kafka":         cfg.Kafka.Enabled,
			"http":          cfg.HTTPIngest.Enabled,
			"auto_register": cfg.Ingest.AutoRegister,
		}
		resp["cache"] = cfg.Cache.Enabled
		resp["storage"] = cfg.Storage.Driver
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.Conn().ListSensors(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sensors": list, "count": len(list)})
}

// sensorByExternalID looks up a sensor by external id; ok is false
// once a response has been written.
func (s *Server) sensorByExternalID(w http.ResponseWriter, r *http.Request, externalID string) (model.Sensor, bool) {
	sensor, err := s.Store.Conn().GetSensorByExternalID(r.Context(), externalID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "sensor not found"})
		return model.Sensor{}, false
	}
	if err != nil {
		s.serverError(w, err)
		return model.Sensor{}, false
	}
	return sensor, true
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.ReadingFilter{Limit: parseLimit(q.Get("limit"), 100)}
	var from, to time.Time
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = normalize.ParseTimestamp(v); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid from"})
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = normalize.ParseTimestamp(v); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid to"})
			return
		}
	}
	f.From, f.To = from, to

	names := map[int64]string{}
	if ext := strings.TrimSpace(q.Get("sensor_id")); ext != "" {
		sensor, ok := s.sensorByExternalID(w, r, ext)
		if !ok {
			return
		}
		f.SensorID = sensor.ID
		names[sensor.ID] = sensor.ExternalID
	} else if names, err = s.externalIDs(r.Context()); err != nil {
		s.serverError(w, err)
		return
	}

	list, err := s.Readings.List(r.Context(), f)
	if err != nil {
		s.serverError(w, err)
		return
	}
	out := make([]readingView, 0, len(list))
	for _, d := range list {
		out = append(out, viewReading(names[d.SensorID], d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": out, "count": len(out)})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var sensors []model.Sensor
	if ext := strings.TrimSpace(r.URL.Query().Get("sensor_id")); ext != "" {
		sensor, ok := s.sensorByExternalID(w, r, ext)
		if !ok {
			return
		}
		sensors = []model.Sensor{sensor}
	} else {
		list, err := s.Store.Conn().ListSensors(ctx)
		if err != nil {
			s.serverError(w, err)
			return
		}
		sensors = list
	}
	out := make([]readingView, 0, len(sensors))
	for _, sensor := range sensors {
		d, err := s.Readings.Latest(ctx, sensor.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			s.serverError(w, err)
			return
		}
		out = append(out, viewReading(sensor.ExternalID, d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"readings": out, "count": len(out)})
}

func (s *Server) handleSensorStats(w http.ResponseWriter, r *http.Request) {
	sensor, ok := s.sensorByExternalID(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid hours"})
			return
		}
		hours = n
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	stats, found, err := s.Readings.Stats(r.Context(), sensor.ID, since)
	if err != nil {
		s.serverError(w, err)
		return
	}
	resp := map[string]any{
		"sensor_id": sensor.ExternalID,
		"hours":     hours,
		"count":     stats.Count,
		"min":       nil,
		"max":       nil,
		"avg":       nil,
	}
	if found {
		resp["min"], resp["max"], resp["avg"] = stats.Min, stats.Max, stats.Avg
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.AlertFilter{Limit: parseLimit(q.Get("limit"), 100)}
	if v := q.Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid resolved"})
			return
		}
		f.Resolved = &b
	}
	if ext := strings.TrimSpace(q.Get("sensor_id")); ext != "" {
		sensor, ok := s.sensorByExternalID(w, r, ext)
		if !ok {
			return
		}
		f.SensorID = sensor.ID
	}
	list, err := s.Store.Conn().ListAlerts(r.Context(), f)
	if err != nil {
		s.serverError(w, err)
		return
	}
	names, err := s.externalIDs(r.Context())
	if err != nil {
		s.serverError(w, err)
		return
	}
	out := make([]alertView, 0, len(list))
	for _, a := range list {
		out = append(out, alertView{Alert: a, ExternalID: names[a.SensorID]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out, "count": len(out)})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid alert id"})
		return
	}
	alert, err := s.Engine.Resolve(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "alert not found"})
		return
	}
	if err != nil {
		s.serverError(w, err)
		return
	}
	if s.Logger != nil {
		s.Logger.Info("alert resolved", "alert_id", alert.ID, "sensor", alert.SensorID, "alert_type", alert.AlertType)
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) externalIDs(ctx context.Context) (map[int64]string, error) {
	sensors, err := s.Store.Conn().ListSensors(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(sensors))
	for _, sensor := range sensors {
		out[sensor.ID] = sensor.ExternalID
	}
	return out, nil
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	if s.Logger != nil {
		s.Logger.Error("api request failed", "err", err)
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func parseLimit(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > 1000 {
		return 1000
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
