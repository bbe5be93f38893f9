// Package api provides the telemetry REST API and the share ingestion
// endpoint.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/defpool/defpool-server/internal/config"
	"github.com/defpool/defpool-server/internal/coordinator"
	"github.com/defpool/defpool-server/internal/newrelic"
	"github.com/defpool/defpool-server/internal/policy"
	"github.com/defpool/defpool-server/internal/profiling"
	"github.com/defpool/defpool-server/internal/profitability"
	"github.com/defpool/defpool-server/internal/selector"
	"github.com/defpool/defpool-server/internal/util"
)

const (
	statsCacheTTL   = 2 * time.Second
	shutdownTimeout = 5 * time.Second
	requestIDHeader = "X-Request-ID"
)

// Server is the API server
type Server struct {
	cfg    *config.Config
	coord  *coordinator.Coordinator
	policy *policy.Server
	agent  *newrelic.Agent
	hub    *Hub
	router *gin.Engine
	server *http.Server
	log    *zap.SugaredLogger

	listener net.Listener

	// Cache
	statsCacheMu   sync.RWMutex
	statsCache     *StatsResponse
	statsCacheTime time.Time
}

// NewServer creates a new API server. policyServer and agent may be nil.
func NewServer(cfg *config.Config, coord *coordinator.Coordinator, policyServer *policy.Server, agent *newrelic.Agent) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	registerValidators()

	s := &Server{
		cfg:    cfg,
		coord:  coord,
		policy: policyServer,
		agent:  agent,
		router: router,
		log:    util.Named("api"),
	}

	if cfg.API.Websocket {
		s.hub = NewHub()
		coord.Aggregator().OnSnapshot(func(snap *profitability.Snapshot) {
			s.hub.Broadcast(EventScores, snap.Scores)
		})
		coord.Selector().OnChange(func(ch selector.Change) {
			if ch.Entry != nil {
				s.hub.Broadcast(EventSwitch, *ch.Entry)
			}
		})
	}

	s.setupRoutes()
	return s
}

// registerValidators adds the `wallet` binding tag.
func registerValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	_ = v.RegisterValidation("wallet", func(fl validator.FieldLevel) bool {
		return util.ValidateWallet(fl.Field().String())
	})
}

// setupRoutes configures API endpoints
func (s *Server) setupRoutes() {
	s.router.Use(s.requestLogger())
	s.router.Use(s.corsMiddleware())
	s.router.Use(s.metricsMiddleware())
	if s.agent.IsEnabled() {
		s.router.Use(s.newrelicMiddleware())
	}

	api := s.router.Group("/api/v1")
	{
		api.GET("/target", s.handleTarget)
		api.GET("/targets", s.handleTargets)
		api.GET("/targets/current", s.handleCurrentTarget)
		api.GET("/miners/:wallet/stats", s.handleMinerStats)
		api.GET("/miners/:wallet/workers", s.handleMinerWorkers)
		api.POST("/shares", s.handleSubmitShare)
		api.GET("/switches", s.handleSwitches)
		api.GET("/stats", s.handleStats)
		if s.hub != nil {
			api.GET("/ws", s.handleWebsocket)
		}
	}

	s.router.GET("/metrics", gin.WrapH(s.coord.Metrics().Handler()))

	if s.cfg.Profiling.Enabled {
		s.router.Any("/debug/pprof/*path", gin.WrapH(profiling.Handler()))
	}

	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins the API server
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.API.Bind)
	if err != nil {
		return err
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.API.ReadTimeout,
		WriteTimeout: s.cfg.API.WriteTimeout,
	}

	util.Infof("API server listening on %s", ln.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts down the API server, waiting briefly for in-flight requests
func (s *Server) Stop() error {
	if s.hub != nil {
		s.hub.Stop()
	}
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// requestLogger tags every request with an ID and logs it once served.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)

		start := time.Now()
		c.Next()

		s.log.Debugw("request",
			"id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(s.cfg.API.CORSOrigins))
	wildcard := len(s.cfg.API.CORSOrigins) == 0
	for _, o := range s.cfg.API.CORSOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if wildcard {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if _, ok := allowed[origin]; ok {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, If-None-Match, "+requestIDHeader)
		c.Header("Access-Control-Expose-Headers", "ETag, "+requestIDHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	m := s.coord.Metrics()
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordRequest(route, strconv.Itoa(c.Writer.Status()))
	}
}

func (s *Server) newrelicMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Request.Method + " " + c.FullPath()
		txn := s.agent.StartTransaction(name)
		defer txn.End()

		txn.SetWebRequestHTTP(c.Request)
		c.Request = c.Request.WithContext(s.agent.NewContext(c.Request.Context(), txn))
		c.Next()
		txn.SetWebResponse(nil).WriteHeader(c.Writer.Status())
	}
}
