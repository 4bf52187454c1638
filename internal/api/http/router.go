// Package http serves the diagnostics endpoint of a worker: health probes,
// Prometheus metrics, the latest step reports and, optionally, pprof.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/openeeap/rlactor/internal/api/http/handler"
	"github.com/openeeap/rlactor/internal/api/http/middleware"
	"github.com/openeeap/rlactor/internal/observability/logging"
	"github.com/openeeap/rlactor/internal/observability/metrics"
	"github.com/openeeap/rlactor/pkg/config"
)

// Profiles are expensive; keep scrapes of /debug/pprof to a trickle
const (
	pprofRate  = rate.Limit(1)
	pprofBurst = 2
)

// Router HTTP 路由器
type Router struct {
	engine  *gin.Engine
	config  config.ServerConfig
	path    string
	logger  logging.Logger
	metrics *metrics.MetricsCollector

	healthHandler *handler.HealthHandler
}

// NewRouter 创建 HTTP 路由器
func NewRouter(
	cfg config.ServerConfig,
	metricsCfg config.MetricsConfig,
	logger logging.Logger,
	collector *metrics.MetricsCollector,
	reports handler.ReportSource,
	ready func() bool,
) *Router {
	gin.SetMode(gin.ReleaseMode)
	if logger == nil {
		logger = logging.NewNoopLogger()
	}

	path := metricsCfg.Path
	if path == "" {
		path = "/metrics"
	}

	r := &Router{
		engine:        gin.New(),
		config:        cfg,
		path:          path,
		logger:        logger,
		metrics:       collector,
		healthHandler: handler.NewHealthHandler(reports, ready),
	}
	r.setupMiddleware()
	r.setupRoutes(metricsCfg.Enabled)
	return r
}

// setupMiddleware 设置全局中间件
func (r *Router) setupMiddleware() {
	r.engine.Use(gin.Recovery(), middleware.RequestID(), middleware.Logging(r.logger))
	if r.metrics != nil {
		r.engine.Use(middleware.Metrics(r.metrics))
	}
}

// setupRoutes 设置路由
func (r *Router) setupRoutes(metricsEnabled bool) {
	r.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"name": "rlactor", "status": "running"})
	})

	health := r.engine.Group("/health")
	{
		health.GET("/live", r.healthHandler.LivenessProbe)
		health.GET("/ready", r.healthHandler.ReadinessProbe)
	}
	r.engine.GET("/healthz", r.healthHandler.LivenessProbe)

	if metricsEnabled && r.metrics != nil {
		r.engine.GET(r.path, gin.WrapH(r.metrics.Handler()))
	}

	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/status", r.healthHandler.Status)
	}

	if r.config.EnablePprof {
		debug := r.engine.Group("/debug", middleware.RateLimit(pprofRate, pprofBurst))
		pprof.RouteRegister(debug, "pprof")
	}
}

// Handler returns the HTTP handler
func (r *Router) Handler() http.Handler {
	return r.engine
}

// ============================================================================
// Server
// ============================================================================

// Server runs the router on the configured address
type Server struct {
	srv    *http.Server
	cfg    config.ServerConfig
	logger logging.Logger
}

// NewServer wraps router in an http.Server listening on cfg.Addr()
func NewServer(cfg config.ServerConfig, router *Router, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Server{
		srv:    &http.Server{Addr: cfg.Addr(), Handler: router.Handler()},
		cfg:    cfg,
		logger: logger,
	}
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("Starting diagnostics server", logging.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	s.logger.Info("Stopping diagnostics server")
	return s.srv.Shutdown(ctx)
}

//Personal.AI order the ending
