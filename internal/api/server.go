// Package api serves the dispatcher's read-only status surface: job
// snapshots, the audit log, and a live event stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nbrelay/nbrelay/internal/events"
	"github.com/nbrelay/nbrelay/internal/joblog"
	"github.com/nbrelay/nbrelay/internal/log"
	"github.com/nbrelay/nbrelay/internal/tracker"
)

// JobReader exposes tracked job snapshots. *tracker.Tracker satisfies it.
type JobReader interface {
	Get(jobID string) *tracker.Snapshot
	List() []*tracker.Snapshot
}

// HistoryReader exposes the finalized-job audit log.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]joblog.Entry, error)
}

// Server is the status HTTP server.
type Server struct {
	listen    string
	jobs      JobReader
	history   HistoryReader // optional
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a Server. history may be nil when the audit log is disabled.
func New(listen string, jobs JobReader, history HistoryReader, hub *events.Hub) *Server {
	return &Server{
		listen:    listen,
		jobs:      jobs,
		history:   history,
		hub:       hub,
		logger:    log.WithComponent("api"),
		startedAt: time.Now(),
	}
}

// Routes builds the router. Split out from Start so tests can mount it on
// httptest servers.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/healthz", s.handleHealth)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/history", s.handleHistory)
	})

	// The event stream is long-lived; no request timeout.
	r.Get("/events", s.handleEvents)
	return r
}

// Start runs the HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status API listening", "addr", s.listen)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("status API: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	snaps := s.jobs.List()
	out := make([]jobView, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, viewOf(snap))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	snap := s.jobs.Get(jobID)
	if snap == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not tracked", jobID))
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(snap))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "job log disabled")
		return
	}
	entries, err := s.history.Recent(r.Context(), 50)
	if err != nil {
		s.logger.Error("failed to read job log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "job log unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// jobView is the wire shape of one tracked job. Artifact bytes are elided;
// the result travels on the bus, not through the status API.
type jobView struct {
	JobID     string      `json:"job_id"`
	Status    string      `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	Deadline  time.Time   `json:"deadline"`
	Blocks    []blockView `json:"blocks"`
}

type blockView struct {
	Index    int    `json:"index"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Resolved bool   `json:"resolved"`
	Failure  string `json:"failure,omitempty"`
}

func viewOf(snap *tracker.Snapshot) jobView {
	v := jobView{
		JobID:     snap.JobID,
		Status:    string(snap.Status),
		CreatedAt: snap.CreatedAt,
		Deadline:  snap.Deadline,
		Blocks:    make([]blockView, 0, len(snap.Blocks)),
	}
	for _, b := range snap.Blocks {
		v.Blocks = append(v.Blocks, blockView{
			Index:    b.Index,
			Kind:     string(b.Kind),
			Attempts: b.Attempts,
			Resolved: b.Resolved,
			Failure:  b.Failure,
		})
	}
	return v
}
