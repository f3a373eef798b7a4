// Package health exposes the controller's HTTP surface (spec §6): a
// readiness probe, a trivial echo/fail endpoint for external health
// checks, and a state extension surfacing the reconciler's last_*
// deployment-state fields (spec §9 "last_error field observable via the
// health endpoint").
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/stackwatch/stackwatch/internal/config"
	"github.com/stackwatch/stackwatch/internal/reconciler"
)

// envelope is the {data|error} response schema every endpoint uses
// (spec §6 "Both responses use the 'enveloped' schema {data|error}").
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type rootData struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Status     string `json:"status"`
	APIVersion string `json:"api_version"`
}

type stateData struct {
	LastSourceFP            string    `json:"last_source_fp"`
	LastImagesFP            string    `json:"last_images_fp"`
	LastDeployedStackDigest string    `json:"last_deployed_stack_digest"`
	LastOKAt                time.Time `json:"last_ok_at"`
	LastError               string    `json:"last_error"`
	ConsecutiveFailures     int       `json:"consecutive_failures"`
}

// Server serves the health HTTP surface on its own cooperative task,
// never blocking the reconciler (spec §5 "The health endpoint runs on its
// own cooperative task and never blocks the reconciler").
type Server struct {
	rest   config.REST
	recon  *reconciler.Reconciler
	logger *slog.Logger
	srv    *http.Server
}

const serviceName = "stackwatch"
const serviceVersion = "0.1.0"

func New(cfg config.Main, rest config.REST, recon *reconciler.Reconciler, logger *slog.Logger) *Server {
	s := &Server{rest: rest, recon: recon, logger: logger.With("component", "health")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v0/", s.handleRoot)
	mux.HandleFunc("POST /v0/check/echo", s.handleEcho)
	mux.HandleFunc("POST /v0/check/fail", s.handleFail)
	mux.HandleFunc("GET /v0/state", s.handleState)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}
	return s
}

// ListenAndServe blocks serving the health surface until the server is
// shut down.
func (s *Server) ListenAndServe() error {
	s.logger.Info("health surface listening", "addr", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP surface.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Data: rootData{
		Name:       serviceName,
		Version:    serviceVersion,
		Status:     "SERVICE_RUNNING",
		APIVersion: s.rest.Version,
	}})
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Data: string(body)})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusInternalServerError, envelope{Error: "induced failure"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap := s.recon.State().Snapshot()
	writeJSON(w, http.StatusOK, envelope{Data: stateData{
		LastSourceFP:            string(snap.LastSourceFP),
		LastImagesFP:            string(snap.LastImagesFP),
		LastDeployedStackDigest: snap.LastDeployedStackDigest,
		LastOKAt:                snap.LastOKAt,
		LastError:               snap.LastError,
		ConsecutiveFailures:     snap.ConsecutiveFailures,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
