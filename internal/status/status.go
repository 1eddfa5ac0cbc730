// Package status exposes the governor's state over HTTP: the budget model,
// per-track intervals, queue depth and a tri-state health flag, plus a
// force-poll trigger and merged scope reads.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tado-community/tado-governor/internal/cmdq"
	"github.com/tado-community/tado-governor/internal/optimistic"
	"github.com/tado-community/tado-governor/internal/planner"
	"github.com/tado-community/tado-governor/internal/registry"
	"github.com/tado-community/tado-governor/pkg/quota"
)

// Pollers force tracks due and wake the polling loop.
type Pollers interface {
	ForceDue(id string) error
	Refresh()
}

type Server struct {
	addr     string
	budget   *quota.Tracker
	planner  *planner.Planner
	queue    *cmdq.Queue
	registry *registry.Registry
	pollers  Pollers
	metrics  http.Handler
	logger   *slog.Logger
}

func New(addr string, budget *quota.Tracker, p *planner.Planner, queue *cmdq.Queue, reg *registry.Registry, pollers Pollers, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		budget:   budget,
		planner:  p,
		queue:    queue,
		registry: reg,
		pollers:  pollers,
		metrics:  metrics,
		logger:   logger,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.getHealth)
	r.Get("/status", s.getStatus)
	r.Post("/poll/{track}", s.forcePoll)
	r.Get("/scopes/{scope}", s.getScope)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

// Run serves the status routes until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{Addr: s.addr, Handler: s.Router()}

	errCh := make(chan error)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("status server started", slog.String("addr", s.addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// QuotaReport is the budget part of the status report.
type QuotaReport struct {
	Remaining       int       `json:"remaining"`
	DailyLimit      int       `json:"dailyLimit"`
	UsedToday       int       `json:"usedToday"`
	NonPollingToday int       `json:"nonPollingToday"`
	ResetAt         time.Time `json:"resetAt"`
}

// Report is the full status document.
type Report struct {
	Health string                `json:"health"`
	Quota  QuotaReport           `json:"quota"`
	Tracks []planner.TrackStatus `json:"tracks"`
	Queue  cmdq.Stats            `json:"queue"`
}

func (s *Server) report() Report {
	day := s.budget.Snapshot()
	return Report{
		Health: s.budget.Health().String(),
		Quota: QuotaReport{
			Remaining:       day.Remaining,
			DailyLimit:      day.DailyLimit,
			UsedToday:       day.UsedToday,
			NonPollingToday: day.NonPollingToday,
			ResetAt:         day.ResetAt,
		},
		Tracks: s.planner.Tracks(),
		Queue:  s.queue.Stats(),
	}
}

// getHealth reports the tri-state health flag. Rate-limited maps to 503 so a
// liveness probe notices the budget ran dry.
func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	health := s.budget.Health()
	code := http.StatusOK
	if health == quota.RateLimited {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"health": health.String()})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.report())
}

func (s *Server) forcePoll(w http.ResponseWriter, r *http.Request) {
	track := chi.URLParam(r, "track")
	if err := s.pollers.ForceDue(track); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.pollers.Refresh()
	s.logger.Info("poll forced", slog.String("track", track))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) getScope(w http.ResponseWriter, r *http.Request) {
	scope := optimistic.Scope(chi.URLParam(r, "scope"))
	fields := s.registry.ReadScope(scope)
	if len(fields) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown scope"})
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
