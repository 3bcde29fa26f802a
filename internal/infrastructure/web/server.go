package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/baechuer/booking-confirmation/internal/infrastructure/metrics"
)

// Check tests one dependency. A nil error means it is usable.
type Check func(ctx context.Context) error

type Config struct {
	Addr    string // ":8091"
	Version string

	// Checks are run by /readyz, keyed by dependency name.
	Checks       map[string]Check
	CheckTimeout time.Duration
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"` // "healthy" or "unhealthy"
	Timestamp string                 `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Uptime    string                 `json:"uptime,omitempty"`
}

// CheckResult represents the result of a dependency health check
type CheckResult struct {
	Status       string `json:"status"` // "up" or "down"
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Server exposes liveness, readiness and metrics for the consumer process.
type Server struct {
	addr    string
	version string
	checks  map[string]Check
	timeout time.Duration
	started time.Time
	lg      zerolog.Logger
	srv     *http.Server
}

func NewServer(cfg Config, lg zerolog.Logger) *Server {
	s := &Server{
		addr:    cfg.Addr,
		version: cfg.Version,
		checks:  cfg.Checks,
		timeout: cfg.CheckTimeout,
		started: time.Now(),
		lg:      lg.With().Str("component", "ops_web").Logger(),
	}
	if s.timeout <= 0 {
		s.timeout = 2 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Stop is called or ctx ends.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	s.lg.Info().Str("addr", s.addr).Msg("ops server listening")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	s.lg.Info().Msg("ops server shutting down")
	return s.srv.Shutdown(ctx)
}

// handleHealth answers as long as the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	})
}

// handleReady runs every dependency check and reports 503 if any is down.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]CheckResult, len(names))
	overall := "healthy"
	for _, name := range names {
		res := runCheck(ctx, s.checks[name])
		if res.Status != "up" {
			overall = "unhealthy"
			s.lg.Warn().Str("check", name).Str("error", res.Error).Msg("readiness check failed")
		}
		checks[name] = res
	}

	status := http.StatusOK
	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.version,
		Checks:    checks,
	})
}

func runCheck(ctx context.Context, check Check) CheckResult {
	start := time.Now()
	err := check(ctx)
	res := CheckResult{Status: "up", ResponseTime: time.Since(start).String()}
	if err != nil {
		res.Status = "down"
		res.Error = err.Error()
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
