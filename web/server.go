package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed static
var static embed.FS

// Server represents the web dashboard server
type Server struct {
	addr string
	lg   *slog.Logger
	mux  *http.ServeMux
}

// NewServer creates a new web server. reg may be nil, in which case
// /metrics is not served.
func NewServer(addr string, api *API, reg *prometheus.Registry, lg *slog.Logger) *Server {
	if lg == nil {
		lg = slog.Default()
	}
	mux := http.NewServeMux()

	// API endpoints
	mux.HandleFunc("/api/stats", api.HandleStats)
	mux.HandleFunc("/api/zones", api.HandleZones)
	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	// Static files
	mux.Handle("/static/", http.FileServerFS(static))
	mux.HandleFunc("/", serveDashboard)

	return &Server{
		addr: addr,
		lg:   lg,
		mux:  mux,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.lg.Info("web dashboard listening", slog.String("url", "http://"+ln.Addr().String()))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// serveDashboard serves the dashboard HTML
func serveDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	http.ServeFileFS(w, r, static, "static/index.html")
}
