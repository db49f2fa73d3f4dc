// Package http exposes the ingestion boundary over HTTP: a tracker-facing
// ingest endpoint, health and metrics, and a websocket alert feed.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"greendelivery/ingestion/internal/config"
	"greendelivery/ingestion/internal/domain"
	"greendelivery/ingestion/internal/metrics"
)

// maxBodyBytes bounds a single ingest request; tracker payloads are tiny.
const maxBodyBytes = 64 * 1024

// Ingester is the pipeline boundary the server posts readings into.
type Ingester interface {
	Ingest(ctx context.Context, raw *domain.RawReading) domain.IngestOutcome
}

// HealthCheck names one dependency probe for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Server struct {
	cfg      *config.Config
	ingester Ingester
	hub      *Hub
	checks   []HealthCheck
	log      *slog.Logger
	srv      *http.Server
}

func NewServer(cfg *config.Config, ingester Ingester, authMW *AuthMiddleware, hub *Hub, log *slog.Logger, checks ...HealthCheck) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, ingester: ingester, hub: hub, checks: checks, log: log}

	mux := http.NewServeMux()
	mux.Handle("/ingest", authMW.Wrap(http.HandlerFunc(s.handleIngest)))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", metrics.HandleMetrics)
	mux.HandleFunc("/ws/alerts", hub.ServeWS)

	s.srv = &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	defer r.Body.Close()

	var raw domain.RawReading
	if err := json.Unmarshal(body, &raw); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON"})
		return
	}
	raw.Payload = body

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.IngestTimeout())
	defer cancel()

	out := s.ingester.Ingest(ctx, &raw)
	switch out.Status {
	case domain.IngestAccepted:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})

	case domain.IngestRejected:
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"status":     "rejected",
			"field":      out.Reason.Field,
			"constraint": out.Reason.Constraint,
		})

	default:
		s.log.Error("ingest failed", "parcel_id", raw.ParcelID, "err", out.Err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error"})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			deps[c.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[c.Name] = "ok"
	}

	body := map[string]any{"status": "ok", "deps": deps}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
