package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"dbutils/internal/config"
	"dbutils/internal/handlers"
	"dbutils/internal/metrics"
)

// Server wraps the HTTP server
type Server struct {
	logger   *zap.Logger
	cfg      *config.Config
	srv      *http.Server
	listener net.Listener
}

// New creates a new server instance
func New(logger *zap.Logger, cfg *config.Config, m *metrics.Metrics, archiveHandler *handlers.ArchiveHandler, healthHandler *handlers.HealthHandler) *Server {
	r := mux.NewRouter()

	r.Use(handlers.RequestIDMiddleware)
	r.Use(handlers.AccessLog(logger))

	// Metrics endpoint with optional basic auth
	metricsHandler := promhttp.Handler()
	if cfg.MetricsUsername != "" && cfg.MetricsPassword != "" {
		authMiddleware := handlers.BasicAuth(cfg.MetricsUsername, cfg.MetricsPassword)
		r.Handle("/metrics", authMiddleware(metricsHandler))
	} else {
		r.Handle("/metrics", metricsHandler)
	}

	r.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)
	r.HandleFunc("/archive", archiveHandler.Archive).Methods(http.MethodGet)

	return &Server{
		logger: logger,
		cfg:    cfg,
		srv: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	if s.cfg.EnableHTTPS {
		return s.startHTTPS()
	}
	return s.startHTTP()
}

// Addr returns the bound address once Start has succeeded
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) startHTTP() error {
	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		return fmt.Errorf("listen on port %s: %w", s.cfg.Port, err)
	}
	s.listener = ln
	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

func (s *Server) startHTTPS() error {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(s.cfg.LetsEncryptDomains...),
		Cache:      autocert.DirCache(s.cfg.LetsEncryptCacheDir),
		Email:      s.cfg.LetsEncryptEmail,
	}

	ln, err := net.Listen("tcp", ":443")
	if err != nil {
		return fmt.Errorf("listen on port 443: %w", err)
	}
	s.listener = ln

	// HTTP server for ACME challenges and redirects
	go func() {
		s.logger.Info("starting HTTP server for challenges/redirects", zap.String("addr", ":80"))
		if err := http.ListenAndServe(":80", m.HTTPHandler(nil)); err != nil {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.srv.TLSConfig = &tls.Config{GetCertificate: m.GetCertificate}
	s.logger.Info("starting HTTPS server", zap.String("addr", ln.Addr().String()), zap.Strings("domains", s.cfg.LetsEncryptDomains))

	go func() {
		if err := s.srv.ServeTLS(ln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("HTTPS server error", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown stops accepting requests and waits for in-flight archive streams
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// WaitForShutdown waits for interrupt signal and gracefully shuts down the server
func (s *Server) WaitForShutdown() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	<-stop

	s.logger.Info("shutting down server...")

	// Archive streams can be long; give them a while to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		return err
	}

	s.logger.Info("server stopped")
	return nil
}
