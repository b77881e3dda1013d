package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/device-pki/api"
	"github.com/ruteri/device-pki/metrics"
	"go.uber.org/atomic"
)

// RouteRegistrar adds its routes to the server router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Server serves registered handlers behind request logging, together with the
// health and drain endpoints. Metrics use a separate listener.
type Server struct {
	cfg     *api.HTTPServerConfig
	log     *slog.Logger
	isReady atomic.Bool

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
}

// New creates a server for cfg routing to every registrar.
func New(cfg *api.HTTPServerConfig, registrars ...RouteRegistrar) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, log: cfg.Log}
	s.isReady.Store(true)
	if cfg.MetricsAddr != "" {
		s.metricsSrv = metrics.New(cfg.MetricsAddr)
	}

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router(registrars),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) router(registrars []RouteRegistrar) http.Handler {
	mux := chi.NewRouter()

	mux.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return httplogger.LoggingMiddlewareSlog(s.log, next)
		})
		for _, registrar := range registrars {
			registrar.RegisterRoutes(r)
		}

		r.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
			writeStatus(w, http.StatusOK, "alive")
		})
		r.Get("/readyz", s.handleReadiness)
		r.Get("/drain", s.handleDrain)
		r.Get("/undrain", s.handleUndrain)
	})

	if s.cfg.EnablePprof {
		s.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.isReady.Load() {
		writeStatus(w, http.StatusOK, "ready")
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, "not ready")
}

func (s *Server) handleDrain(w http.ResponseWriter, _ *http.Request) {
	if !s.isReady.CompareAndSwap(true, false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}

	s.log.Info("Server marked as not ready", "drainDuration", s.cfg.DrainDuration)
	time.AfterFunc(s.cfg.DrainDuration, func() {
		s.log.Info("Drain period completed")
	})
	writeStatus(w, http.StatusOK, "draining")
}

func (s *Server) handleUndrain(w http.ResponseWriter, _ *http.Request) {
	if !s.isReady.CompareAndSwap(false, true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}

	s.log.Info("Server marked as ready")
	writeStatus(w, http.StatusOK, "ready")
}

// RunInBackground starts the listeners.
func (s *Server) RunInBackground() {
	if s.metricsSrv != nil {
		go s.serve("metrics", s.cfg.MetricsAddr, s.metricsSrv.ListenAndServe)
	}
	go s.serve("http", s.cfg.ListenAddr, s.srv.ListenAndServe)
}

func (s *Server) serve(name, addr string, listen func() error) {
	s.log.Info("Starting server", "server", name, "listenAddress", addr)
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Error("Server failed", "server", name, "err", err)
	}
}

// Shutdown stops both listeners gracefully.
func (s *Server) Shutdown() {
	s.shutdown("http", s.srv)
	if s.metricsSrv != nil {
		s.shutdown("metrics", s.metricsSrv.Server)
	}
}

func (s *Server) shutdown(name string, srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownDuration)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		s.log.Error("Graceful shutdown failed", "server", name, "err", err)
		return
	}
	s.log.Info("Server gracefully stopped", "server", name)
}
