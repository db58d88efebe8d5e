package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zonewatch/internal/config"
	"zonewatch/internal/metrics"
	"zonewatch/internal/model"
	"zonewatch/internal/rejects"
	"zonewatch/internal/storage"
	"zonewatch/internal/zones"
)

// Store is the slice of storage the operator surface reads and writes.
type Store interface {
	UpsertZone(ctx context.Context, zone model.Zone) error
	Memberships(ctx context.Context, deviceID string) ([]model.Membership, error)
	ListEvents(ctx context.Context, f storage.EventFilter) ([]model.TransitionEvent, error)
	CountEvents(ctx context.Context) (map[model.DeliveryStatus]int, error)
}

type ZoneCache interface {
	All(ctx context.Context) ([]model.Zone, error)
	Invalidate()
}

type Requeuer interface {
	Requeue(ctx context.Context, id string) (model.TransitionEvent, error)
}

type Deps struct {
	Store    Store
	Zones    ZoneCache
	Requeuer Requeuer
	Rejects  *rejects.Store
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

type Server struct {
	cfg     *config.Manager
	deps    Deps
	logger  *slog.Logger
	version string
	now     func() time.Time
}

type statusResponse struct {
	Status     string         `json:"status"`
	Time       string         `json:"time"`
	Version    string         `json:"version"`
	ConfigPath string         `json:"config_path"`
	Events     map[string]int `json:"events"`
	Rejections map[string]int `json:"rejections"`
	Ingest     ingestStatus   `json:"ingest"`
	Notify     notifyStatus   `json:"notify"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type notifyStatus struct {
	Channel     string `json:"channel"`
	MaxAttempts int    `json:"max_attempts"`
}

func NewServer(cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *Server {
	return &Server{cfg: cfg, deps: deps, logger: logger, version: version, now: time.Now}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "/status", s.handleStatus)
	s.handle(mux, "/events", s.handleEvents)
	s.handle(mux, "/events/{id}/retry", s.handleRetry)
	s.handle(mux, "/zones", s.handleZones)
	s.handle(mux, "/memberships", s.handleMemberships)
	s.handle(mux, "/rejections", s.handleRejections)
	s.handle(mux, "/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func Start(ctx context.Context, cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, deps, logger, version)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
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

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, instrument(s.deps.Metrics, pattern, h))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	counts, err := s.deps.Store.CountEvents(r.Context())
	if err != nil {
		s.serverError(w, "count events", err)
		return
	}
	events := make(map[string]int, len(counts))
	for k, v := range counts {
		events[string(k)] = v
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       s.now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Events:     events,
		Rejections: s.deps.Rejects.Counts(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		Notify: notifyStatus{Channel: cfg.Notify.Channel, MaxAttempts: cfg.Notify.MaxAttempts},
	}
	// FAILED events wait on an operator retry
	if events[string(model.StatusFailed)] > 0 {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	filter := storage.EventFilter{
		DeviceID: q.Get("device"),
		ZoneID:   q.Get("zone"),
		Status:   model.DeliveryStatus(strings.ToUpper(q.Get("status"))),
	}
	switch filter.Status {
	case "", model.StatusPending, model.StatusDelivered, model.StatusFailed:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown status"})
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since"})
			return
		}
		filter.Since = ts
	}
	list, err := s.deps.Store.ListEvents(r.Context(), filter)
	if err != nil {
		s.serverError(w, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": list,
		"count":  len(list),
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Requeuer == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dispatcher not running"})
		return
	}
	ev, err := s.deps.Requeuer.Requeue(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event not found"})
	case errors.Is(err, storage.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "only FAILED events can be retried"})
	case err != nil:
		s.serverError(w, "requeue event", err)
	default:
		writeJSON(w, http.StatusOK, ev)
	}
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.deps.Zones.All(r.Context())
		if err != nil {
			s.serverError(w, "list zones", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"zones": list,
			"count": len(list),
		})
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var zone model.Zone
		if err := json.Unmarshal(body, &zone); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		zone.ID = strings.TrimSpace(zone.ID)
		if err := zones.Validate(zone); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		zone.UpdatedAt = s.now().UTC()
		if err := s.deps.Store.UpsertZone(r.Context(), zone); err != nil {
			s.serverError(w, "upsert zone", err)
			return
		}
		s.deps.Zones.Invalidate()
		if s.logger != nil {
			s.logger.Info("zone updated", "zone_id", zone.ID, "radius_m", zone.RadiusM, "enabled", zone.Enabled)
		}
		writeJSON(w, http.StatusOK, zone)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMemberships(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	device := strings.TrimSpace(r.URL.Query().Get("device"))
	if device == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device is required"})
		return
	}
	list, err := s.deps.Store.Memberships(r.Context(), device)
	if err != nil {
		s.serverError(w, "list memberships", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":   device,
		"memberships": list,
		"count":       len(list),
	})
}

func (s *Server) handleRejections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	sinceStr := r.URL.Query().Get("since")
	var list []model.Rejection
	if sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.deps.Rejects.Since(ts)
	} else {
		list = s.deps.Rejects.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rejections": list,
		"count":      len(list),
		"by_reason":  s.deps.Rejects.Counts(),
	})
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	if s.logger != nil {
		s.logger.Error("api request failed", "op", op, "err", err)
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
