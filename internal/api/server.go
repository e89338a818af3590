// Package api exposes the engine over HTTP: strategy CRUD, manual orders,
// shard status, the order log and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"futures-signal-engine/internal/engine"
	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/supervisor"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	ProductionMode bool
	AllowOrigins   []string
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	sup         *supervisor.Supervisor
	dataEngine  *engine.Engine
	eventBus    *events.Bus
	hub         *eventHub
	config      ServerConfig
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer creates a new API server
func NewServer(config ServerConfig, sup *supervisor.Supervisor, dataEngine *engine.Engine, eventBus *events.Bus, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		sup:         sup,
		dataEngine:  dataEngine,
		eventBus:    eventBus,
		hub:         newEventHub(eventBus, logger),
		config:      config,
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	server.setupRoutes()
	return server
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"path":  path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := s.router.Group("/api")
	apiGroup.Use(s.rateLimitMiddleware())
	{
		apiGroup.GET("/strategies", s.handleListStrategies)
		apiGroup.POST("/strategies", s.handleAddStrategy)
		apiGroup.PUT("/strategies/:id", s.handleUpdateStrategy)
		apiGroup.DELETE("/strategies/:id", s.handleRemoveStrategy)
		apiGroup.POST("/strategies/:id/manual-order", s.handleManualOrder)

		apiGroup.GET("/engine/status", s.handleEngineStatus)
		apiGroup.GET("/logs", s.handleOrderLog)
	}

	s.router.GET("/ws/events", s.hub.handleConnection)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}()
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
