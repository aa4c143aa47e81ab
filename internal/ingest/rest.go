package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sensorhub/internal/metrics"
)

// Processor is the synchronous side of the pipeline used by HTTP ingest, so
// callers learn per item whether it was accepted.
type Processor interface {
	Process(ctx context.Context, msg Message) (Result, error)
}

type RESTServer struct {
	proc    Processor
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewRESTServer(proc Processor, collector *metrics.Collector, logger *slog.Logger) *RESTServer {
	return &RESTServer{proc: proc, metrics: collector, logger: logger}
}

func (s *RESTServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/api/sensor-data", s.handleSensorData)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

func StartREST(ctx context.Context, addr string, s *RESTServer, logger *slog.Logger) *http.Server {
	if logger != nil {
		logger.Info("http ingest enabled", "addr", addr)
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
				logger.Error("http ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

type itemResult struct {
	SensorID string `json:"sensor_id,omitempty"`
	Status   string `json:"status"`
	Alerts   int    `json:"alerts,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *RESTServer) handleSensorData(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "empty body"})
		return
	}

	var items []json.RawMessage
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &items); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
	} else {
		items = []json.RawMessage{trim}
	}

	accepted, failed := 0, 0
	results := make([]itemResult, 0, len(items))
	for _, item := range items {
		s.metrics.MessageReceived("http")
		res, err := s.proc.Process(r.Context(), Message{
			Topic:      r.URL.Path,
			Payload:    item,
			Source:     "http",
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil && res.Reading.ID == 0 {
			failed++
			if s.logger != nil {
				s.logger.Warn("http ingest item rejected", "err", err)
			}
			results = append(results, itemResult{SensorID: res.Telemetry.SensorID, Status: "failed", Error: err.Error()})
			continue
		}
		if err != nil && s.logger != nil {
			s.logger.Warn("http ingest item stored with errors", "sensor_id", res.Sensor.ExternalID, "err", err)
		}
		accepted++
		results = append(results, itemResult{SensorID: res.Sensor.ExternalID, Status: "accepted", Alerts: len(res.Alerts)})
	}

	status := http.StatusOK
	if accepted == 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"accepted": accepted,
		"failed":   failed,
		"results":  results,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
