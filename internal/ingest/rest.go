package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"zonewatch/internal/config"
)

type RESTServer struct {
	cfg     *config.Manager
	gateway *Gateway
	logger  *slog.Logger
}

func NewRESTServer(cfg *config.Manager, gateway *Gateway, logger *slog.Logger) *RESTServer {
	return &RESTServer{cfg: cfg, gateway: gateway, logger: logger}
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/fixes", s.handleFixes)
	// OwnTracks HTTP mode posts to /pub
	mux.HandleFunc("/pub", s.handleFixes)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func StartREST(ctx context.Context, cfg *config.Manager, gateway *Gateway, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := NewRESTServer(cfg, gateway, logger)
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
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *RESTServer) handleFixes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}
	results, batch, err := s.gateway.SubmitBytes(r.Context(), body, SourceREST)
	if errors.Is(err, ErrBatchTooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed json: " + err.Error()})
		return
	}

	if !batch {
		res := results[0]
		switch res.Status {
		case ResultInvalid:
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": res.Errors,
			})
		case ResultError:
			writeJSON(w, http.StatusServiceUnavailable, res)
		default:
			writeJSON(w, http.StatusOK, res)
		}
		return
	}

	accepted, failed := 0, 0
	for _, res := range results {
		switch res.Status {
		case ResultInvalid, ResultError:
			failed++
		default:
			accepted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accepted": accepted,
		"failed":   failed,
		"results":  results,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
