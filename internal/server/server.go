// Package server is the daemon's HTTP surface: webhook ingress plus the
// operational endpoints (health, Prometheus metrics, live event feed). The
// webhook handler validates and answers before any routing work starts, so
// a slow dispatch can never look like a delivery failure to the tracker.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clawd/internal/async"
	"clawd/internal/logging"
	"clawd/internal/metrics"
	"clawd/internal/pipeline"
	"clawd/internal/webhook"
)

// maxWebhookBody caps webhook ingress at 1 MiB; tracker payloads are far
// smaller.
const maxWebhookBody = 1 << 20

// Routes is the slice of the webhook router the server drives.
type Routes interface {
	Route(ctx context.Context, d *webhook.Delivery)
}

// Config carries the HTTP-level settings.
type Config struct {
	ListenAddr string
	Version    string
	Debug      bool // gin debug mode plus request logging
}

// Deps are the collaborators behind the endpoints. Router is required; a
// nil Hub disables /events and a nil Registry disables /metrics.
type Deps struct {
	Router   Routes
	Runs     *pipeline.ActiveRuns
	Hub      *Hub
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Logger   logging.Logger
}

// Server owns the gin engine and the http.Server around it.
type Server struct {
	cfg     Config
	router  Routes
	runs    *pipeline.ActiveRuns
	hub     *Hub
	metrics *metrics.Metrics
	logger  logging.Logger
	engine  *gin.Engine
	httpSrv *http.Server
	started time.Time
}

// New builds the server and registers all routes.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Router == nil {
		return nil, fmt.Errorf("server requires the webhook router")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8090"
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.Debug {
		engine.Use(gin.Logger())
	}
	engine.HandleMethodNotAllowed = true

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		cfg:     cfg,
		router:  deps.Router,
		runs:    deps.Runs,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		logger:  logging.OrNop(deps.Logger),
		engine:  engine,
		started: time.Now(),
	}
	s.routes(deps.Registry)

	s.httpSrv = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     engine,
		ReadTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) routes(registry *prometheus.Registry) {
	s.engine.POST("/webhook", s.handleWebhook)
	s.engine.GET("/healthz", s.handleHealth)
	if registry != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	if s.hub != nil {
		s.engine.GET("/events", func(c *gin.Context) {
			s.hub.Serve(c.Writer, c.Request)
		})
	}
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening on %s", s.cfg.ListenAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown closes the event feed and drains in-flight requests. Routing
// goroutines already running are not waited on; the state machine makes
// their loss on process exit recoverable.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpSrv.Shutdown(ctx)
}

// handleWebhook answers the tracker first and routes afterwards. Only a
// malformed envelope earns a 400; everything downstream is the router's
// problem and never the tracker's.
func (s *Server) handleWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.metrics.WebhookRejected("read")
		s.logger.Warn("Webhook body unreadable: %v", err)
		c.String(http.StatusBadRequest, "body unreadable")
		return
	}
	delivery, err := webhook.Parse(body)
	if err != nil {
		s.metrics.WebhookRejected("parse")
		s.logger.Warn("Webhook rejected: %v", err)
		c.String(http.StatusBadRequest, "invalid payload")
		return
	}

	c.String(http.StatusOK, "ok")

	// The request context dies with this handler; routing gets its own.
	async.Go(s.logger, "webhook-route", func() {
		s.router.Route(context.Background(), delivery)
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	h := gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.cfg.Version != "" {
		h["version"] = s.cfg.Version
	}
	if s.runs != nil {
		h["activeRuns"] = s.runs.Len()
	}
	if s.hub != nil {
		h["eventClients"] = s.hub.ClientCount()
	}
	c.JSON(http.StatusOK, h)
}
