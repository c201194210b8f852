// Package webserver is the HTTP surface of the streaming core: the download
// and stream endpoints, the CORS preflight, the info endpoint and /metrics.
// All state is owned by an explicit Service constructed at startup.
package webserver

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/filebeam/filebeam/internal/bandwidth"
	"github.com/filebeam/filebeam/internal/config"
	"github.com/filebeam/filebeam/internal/dispatch"
	"github.com/filebeam/filebeam/internal/fetcher"
	"github.com/filebeam/filebeam/internal/logger"
	"github.com/filebeam/filebeam/internal/metrics"
	"github.com/filebeam/filebeam/internal/registry"
	"github.com/filebeam/filebeam/internal/security"
)

// UserCounter reports the registered-user total for the info endpoint.
type UserCounter interface {
	TotalUsers(ctx context.Context) (int64, error)
}

// Service wires the streaming pipeline behind the HTTP handlers.
type Service struct {
	cfg        *config.Config
	log        *logger.Logger
	dispatcher *dispatch.Dispatcher
	fetch      *fetcher.Fetcher
	streams    *registry.Registry
	ledger     *bandwidth.Ledger
	limiter    *security.RateLimiter
	guard      *security.InvalidRequestGuard
	metrics    *metrics.Metrics
	users      UserCounter

	startedAt time.Time
	now       func() time.Time
}

// Deps carries the collaborators of the Service. Users may be nil when no
// document store is configured.
type Deps struct {
	Config     *config.Config
	Logger     *logger.Logger
	Dispatcher *dispatch.Dispatcher
	Fetcher    *fetcher.Fetcher
	Registry   *registry.Registry
	Ledger     *bandwidth.Ledger
	Metrics    *metrics.Metrics
	Users      UserCounter
}

// New constructs the Service and its admission guards.
func New(d Deps) *Service {
	return &Service{
		cfg:        d.Config,
		log:        d.Logger.WithComponent("webserver"),
		dispatcher: d.Dispatcher,
		fetch:      d.Fetcher,
		streams:    d.Registry,
		ledger:     d.Ledger,
		limiter: security.NewRateLimiter(
			d.Config.RateLimitMaxRequests,
			time.Duration(d.Config.RateLimitWindowSeconds)*time.Second,
		),
		guard:     security.NewInvalidRequestGuard(20, time.Minute, 2*time.Minute),
		metrics:   d.Metrics,
		users:     d.Users,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Router builds the gin engine with all routes and middleware attached.
func (s *Service) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogMiddleware())

	cors := security.CORSMiddleware(s.cfg.CORSAllowedOrigins)
	admit := []gin.HandlerFunc{
		security.GuardMiddleware(s.guard),
		s.rateLimitMiddleware(),
	}

	router.GET("/dl/:ref", append(admit, cors, s.handleDownload)...)
	router.GET("/stream/:ref", append(admit, cors, s.handleStream)...)
	router.OPTIONS("/stream/:ref", cors)
	router.OPTIONS("/dl/:ref", cors)

	router.GET("/api/info", s.handleInfo)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		s.metrics.Registry, promhttp.HandlerOpts{},
	)))

	return router
}

// rateLimitMiddleware wraps the shared limiter so denials are counted.
func (s *Service) rateLimitMiddleware() gin.HandlerFunc {
	inner := security.RateLimitMiddleware(s.limiter)
	return func(c *gin.Context) {
		inner(c)
		if c.IsAborted() {
			s.metrics.RateLimitDenied.Inc()
			s.metrics.RequestsTotal.WithLabelValues("429").Inc()
		}
	}
}

// requestLogMiddleware logs one line per request with a request id attached
// to the context.
func (s *Service) requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()
		requestID := logger.GenerateRequestID()
		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()

		s.log.WithContext(ctx).Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"duration", s.now().Sub(start).Round(time.Millisecond),
			"ip", security.RequestIP(c),
		)
	}
}

// RunLimiterPrune periodically drops idle limiter identifiers.
func (s *Service) RunLimiterPrune(ctx context.Context) {
	window := time.Duration(s.cfg.RateLimitWindowSeconds) * time.Second
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Prune()
		}
	}
}

// failPlain writes a pre-body error response. 4xx/5xx responses are never
// cacheable.
func failPlain(c *gin.Context, status int, msg string) {
	c.Header("Cache-Control", "no-store")
	c.String(status, msg)
	c.Abort()
}
