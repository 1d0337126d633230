package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/certforge/certforge/internal/api/middleware"
)

// Server runs the command channel over HTTP.
type Server struct {
	cfg *Config
	log *zap.Logger
	srv *http.Server
}

// New wires the router around the command responder. The responder
// handles every /<ca>/<command> path; /healthz and /metrics are served
// beside it for operators and scrapers.
func New(cfg *Config, commands http.Handler, log *zap.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recoverer(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Handle("/*", commands)

	return &Server{
		cfg: cfg,
		log: log,
		srv: &http.Server{
			Addr:         cfg.Address(),
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Start runs the server until an error or a termination signal, then
// shuts down gracefully.
func (s *Server) Start() error {
	errChan := make(chan error, 1)
	go func() {
		if s.cfg.TLSEnabled() {
			tlsCfg, err := s.cfg.tlsConfig()
			if err != nil {
				errChan <- err
				return
			}
			s.srv.TLSConfig = tlsCfg
			s.log.Info("listening", zap.String("addr", s.cfg.Address()), zap.Bool("tls", true))
			errChan <- s.srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
			return
		}
		s.log.Info("listening", zap.String("addr", s.cfg.Address()), zap.Bool("tls", false))
		errChan <- s.srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigChan:
		s.log.Info("shutting down", zap.String("signal", sig.String()))
		return s.Shutdown()
	}
}

// Shutdown stops the server gracefully within the configured timeout.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}
