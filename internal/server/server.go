package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/therealutkarshpriyadarshi/spanship/internal/health"
	"github.com/therealutkarshpriyadarshi/spanship/internal/logging"
)

// Server provides HTTP endpoints for metrics and health checks
type Server struct {
	metricsServer   *http.Server
	healthServer    *http.Server
	metricsListener net.Listener
	healthListener  net.Listener
	logger          *logging.Logger
}

// Config holds server configuration. A server is only started when both
// its address and its source are set.
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	HealthAddress   string
	LivenessPath    string
	ReadinessPath   string
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Logger          *logging.Logger
}

// New creates a new server
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		logger: logger.WithComponent("server"),
	}

	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		metricsPath := cfg.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}

		mux := http.NewServeMux()
		mux.Handle(metricsPath, promhttp.HandlerFor(
			cfg.MetricsRegistry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		))

		s.metricsServer = newHTTPServer(cfg.MetricsAddress, mux)
	}

	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		livenessPath := cfg.LivenessPath
		if livenessPath == "" {
			livenessPath = "/health/live"
		}

		readinessPath := cfg.ReadinessPath
		if readinessPath == "" {
			readinessPath = "/health/ready"
		}

		mux := http.NewServeMux()
		mux.HandleFunc(livenessPath, cfg.HealthChecker.LivenessHandler())
		mux.HandleFunc(readinessPath, cfg.HealthChecker.ReadinessHandler())
		mux.HandleFunc("/health", cfg.HealthChecker.HTTPHandler())

		s.healthServer = newHTTPServer(cfg.HealthAddress, mux)
	}

	return s
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Start binds the configured listeners and serves them in the background.
// A bind failure is returned before anything is served.
func (s *Server) Start() error {
	if s.metricsServer != nil {
		ln, err := net.Listen("tcp", s.metricsServer.Addr)
		if err != nil {
			return fmt.Errorf("metrics server listen: %w", err)
		}
		s.metricsListener = ln
	}

	if s.healthServer != nil {
		ln, err := net.Listen("tcp", s.healthServer.Addr)
		if err != nil {
			if s.metricsListener != nil {
				s.metricsListener.Close()
			}
			return fmt.Errorf("health server listen: %w", err)
		}
		s.healthListener = ln
	}

	if s.metricsServer != nil {
		s.serve("metrics", s.metricsServer, s.metricsListener)
	}
	if s.healthServer != nil {
		s.serve("health", s.healthServer, s.healthListener)
	}
	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	s.logger.Info().
		Str("address", ln.Addr().String()).
		Msgf("Starting %s server", name)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msgf("%s server stopped", name)
		}
	}()
}

// MetricsAddr returns the bound metrics address, or "" before Start
func (s *Server) MetricsAddr() string {
	if s.metricsListener == nil {
		return ""
	}
	return s.metricsListener.Addr().String()
}

// HealthAddr returns the bound health address, or "" before Start
func (s *Server) HealthAddr() string {
	if s.healthListener == nil {
		return ""
	}
	return s.healthListener.Addr().String()
}

// Stop gracefully shuts down the servers
func (s *Server) Stop(ctx context.Context) error {
	var err error

	if s.metricsListener != nil {
		s.logger.Info().Msg("Shutting down metrics server")
		if shutdownErr := s.metricsServer.Shutdown(ctx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("Error shutting down metrics server")
			err = shutdownErr
		}
	}

	if s.healthListener != nil {
		s.logger.Info().Msg("Shutting down health server")
		if shutdownErr := s.healthServer.Shutdown(ctx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("Error shutting down health server")
			if err == nil {
				err = shutdownErr
			}
		}
	}

	return err
}
