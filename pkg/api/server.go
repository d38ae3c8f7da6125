// Package api exposes the coordinator over HTTP and WebSocket. The
// REST surface lives under /api; /ws pushes live events to dashboards
// and /ws/{node_id} additionally accepts heartbeat messages from
// nodes. Handlers validate at the boundary and translate the error
// taxonomy to status codes.
package api

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/a6ar55/file-sync/pkg/config"
	"github.com/a6ar55/file-sync/pkg/coordinator"
	"github.com/a6ar55/file-sync/pkg/errs"
	"github.com/a6ar55/file-sync/pkg/log"
)

// Server is the HTTP front of the coordinator.
type Server struct {
	cfg    config.Config
	coord  *coordinator.Coordinator
	hub    *hub
	logger *log.Logger

	lmu      sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a server. Call Handler for the routed handler and Start
// to launch the event push loop.
func New(cfg config.Config, coord *coordinator.Coordinator, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Module("api")
	}
	s := &Server{
		cfg:      cfg,
		coord:    coord,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
	s.hub = newHub(coord, logger.Module("ws"))
	return s
}

// Start launches the WebSocket broadcast loop. It stops when ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) {
	go s.hub.run(ctx)
}

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.corsMiddleware(), s.rateLimit())

	api := r.Group("/api")
	{
		api.POST("/register", s.handleRegister)
		api.GET("/nodes", s.handleListNodes)
		api.GET("/nodes/:id", s.handleGetNode)
		api.DELETE("/nodes/:id", s.handleRemoveNode)
		api.POST("/nodes/:id/heartbeat", s.handleHeartbeat)

		api.GET("/files", s.handleListFiles)
		api.GET("/files/:id", s.handleGetFile)
		api.GET("/files/:id/chunks", s.handleFileChunks)
		api.POST("/files/upload", s.handleUpload)
		api.POST("/files/:id/delta", s.handleSubmitDelta)
		api.GET("/files/:id/history", s.handleHistory)
		api.POST("/files/:id/restore", s.handleRestore)
		api.GET("/files/:id/content", s.handleContent)
		api.DELETE("/files/:id", s.handleDeleteFile)
		api.POST("/files/:id/replicate", s.handleReplicate)

		api.GET("/conflicts", s.handleListConflicts)
		api.POST("/conflicts/:id/resolve", s.handleResolveConflict)

		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:id", s.handleGetSession)

		api.GET("/events", s.handleEvents)
		api.GET("/causal-order", s.handleCausalOrder)
		api.GET("/vector-clocks", s.handleVectorClocks)
		api.GET("/metrics", s.handleMetrics)
		api.GET("/delta-metrics", s.handleDeltaMetrics)
	}

	r.GET("/ws", func(c *gin.Context) { s.hub.serve(c.Writer, c.Request, "") })
	r.GET("/ws/:node_id", func(c *gin.Context) { s.hub.serve(c.Writer, c.Request, c.Param("node_id")) })

	return r
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	cc := cors.DefaultConfig()
	if len(s.cfg.CORSOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = s.cfg.CORSOrigins
	}
	cc.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	cc.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	return cors.New(cc)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.logger.Error("request failed",
				"method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
		} else {
			s.logger.Debug("request",
				"method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status())
		}
	}
}

// rateLimit applies a per-client token bucket. Zero RateLimit disables
// limiting.
func (s *Server) rateLimit() gin.HandlerFunc {
	if s.cfg.RateLimit <= 0 {
		return func(*gin.Context) {}
	}
	return func(c *gin.Context) {
		if !s.limiterFor(c.ClientIP()).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
				Error: "rate limit exceeded",
				Kind:  "rate_limited",
			})
		}
	}
}

func (s *Server) limiterFor(client string) *rate.Limiter {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	l, ok := s.limiters[client]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
		s.limiters[client] = l
	}
	return l
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// abortError translates the error taxonomy to an HTTP status.
func (s *Server) abortError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	var status int
	switch kind {
	case errs.InvalidRequest:
		status = http.StatusBadRequest
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.StaleVersion, errs.ConflictDetected:
		status = http.StatusConflict
	case errs.MissingChunk, errs.DeltaIntegrity:
		status = http.StatusUnprocessableEntity
	case errs.SessionTimeout:
		status = http.StatusGatewayTimeout
	case errs.TargetOffline:
		status = http.StatusServiceUnavailable
	case errs.Transport:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: err.Error(), Kind: kind.String()})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
		Error: err.Error(),
		Kind:  errs.InvalidRequest.String(),
	})
}
