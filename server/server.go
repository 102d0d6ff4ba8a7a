// Package server exposes the operational HTTP endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"poweron-notifier/poll"
	"time"

	"golang.org/x/time/rate"
)

// Monitor is the schedule monitor as seen by the HTTP endpoints.
type Monitor interface {
	Refresh(ctx context.Context) (poll.Result, error)
	Status() poll.Status
}

// Server handles HTTP requests.
type Server struct {
	monitor Monitor
	logger  *slog.Logger
	limiter *rate.Limiter
}

// Config holds server configuration.
type Config struct {
	Monitor Monitor
	Logger  *slog.Logger
	// PollEvery bounds how often /pollz may start a cycle. Zero means once per 10s.
	PollEvery time.Duration
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	every := cfg.PollEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	return &Server{
		monitor: cfg.Monitor,
		logger:  cfg.Logger,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/pollz", s.handlePoll)
	return mux
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      2 * time.Minute, // /pollz waits for a full cycle
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.monitor.Status())
}

type pollResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
	Error     string `json:"error,omitempty"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Removed   int    `json:"removed"`
	Changed   bool   `json:"changed"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		s.logger.Warn("Poll endpoint rate limited", "remote_addr", r.RemoteAddr)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	res, err := s.monitor.Refresh(r.Context())
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		s.writeJSON(w, http.StatusBadGateway, pollResponse{Status: "failed", Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, pollResponse{
		Status:    "completed",
		Reference: res.Reference,
		Changed:   res.Changed,
		Sent:      res.Report.Sent,
		Failed:    res.Report.Failed,
		Removed:   res.Report.Removed,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
