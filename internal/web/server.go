// Package web serves health, metrics and scan task status over HTTP.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/user/fleetscan/internal/metrics"
	"github.com/user/fleetscan/internal/util"
)

// Server is the status server.
type Server struct {
	handlers *Handlers
	port     int
	srv      *http.Server
}

// NewServer creates a new status server.
func NewServer(tasks TaskSource, hosts metrics.HostCounter, dataDir string, port int) *Server {
	return &Server{
		handlers: NewHandlers(tasks, hosts, dataDir),
		port:     port,
	}
}

// Routes returns the server's handler.
func (s *Server) Routes() http.Handler {
	h := s.handlers
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/status", h.APIGetStatus)
	mux.HandleFunc("GET /api/tasks/{id}", h.APIGetTask)

	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		if err := s.Stop(); err != nil {
			util.Warn("Status server shutdown: %v", err)
		}
	}()

	util.Info("Status server starting on port %d", s.port)

	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}
