// Package server exposes run progress over HTTP while a build is in
// flight: /healthz for liveness and /v1/nodes for per-node statuses.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/spectreeops/spectree/internal/server/handlers"
	"github.com/spectreeops/spectree/internal/server/middleware"
)

// Server is the run status server.
type Server struct {
	host     string
	port     int
	snapshot handlers.NodesSnapshot
	httpSrv  *http.Server
}

// New creates a status server bound to host:port. Port 0 picks a free
// port at Start time.
func New(host string, port int) *Server {
	return &Server{host: host, port: port}
}

// SetNodesSnapshot wires the run's status source. Must be called before
// Start.
func (s *Server) SetNodesSnapshot(fn handlers.NodesSnapshot) {
	s.snapshot = fn
}

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.Recovery)
	r.NotFound(middleware.NotFound)
	r.MethodNotAllowed(middleware.MethodNotAllowed)

	r.Get("/healthz", handlers.Health(""))
	r.Get("/v1/nodes", handlers.Nodes(s.snapshot))
	return r
}

// Start serves until the context is cancelled, then shuts down with a
// short drain timeout. The returned error is nil on clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
