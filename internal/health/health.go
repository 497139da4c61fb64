// Package health serves the liveness and readiness probes plus the
// Prometheus scrape endpoint. Readiness checks run with a hard bound so
// a wedged dependency degrades the probe instead of hanging it.
package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/quantsignals/signalforge/internal/config"
)

// checkTimeout bounds one readiness probe end to end.
const checkTimeout = 5 * time.Second

// Check is one named readiness dependency.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Server hosts the probe endpoints and the metrics listener.
type Server struct {
	router  *gin.Engine
	checks  []Check
	log     zerolog.Logger
	httpSrv *http.Server
	metSrv  *http.Server
	cfg     config.HTTPConfig
}

// NewServer builds the probe server. Checks run in order on every
// readiness request.
func NewServer(cfg config.HTTPConfig, production bool, checks ...Check) *Server {
	if production {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	s := &Server{
		router: router,
		checks: checks,
		log:    config.NewLogger("health"),
		cfg:    cfg,
	}
	router.GET("/health/live", s.handleLive)
	router.GET("/health/ready", s.handleReady)
	return s
}

// Router exposes the gin engine so services can mount their own routes
// on the same listener.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	results := make(map[string]string, len(s.checks))
	ready := true
	for _, check := range s.checks {
		if err := check.Probe(ctx); err != nil {
			ready = false
			results[check.Name] = err.Error()
			s.log.Warn().Err(err).Str("check", check.Name).Msg("Readiness check failed")
			continue
		}
		results[check.Name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}

// Start brings up the probe listener and, when a metrics port is set,
// the dedicated Prometheus listener.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.cfg.MetricsPort),
			Handler: mux,
		}
		go func() {
			s.log.Info().Int("port", s.cfg.MetricsPort).Msg("Metrics listener started")
			if err := s.metSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
	}

	s.log.Info().Int("port", s.cfg.Port).Msg("HTTP listener started")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http listener: %w", err)
	}
	return nil
}

// Stop shuts both listeners down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.metSrv != nil {
		if err := s.metSrv.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Metrics listener shutdown failed")
		}
	}
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
	}
	return nil
}
