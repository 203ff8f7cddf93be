// Package server exposes the tool runtime over HTTP. Tool-level failures
// travel inside the ExecutionResult envelope with HTTP 200; HTTP status
// codes are reserved for transport-level problems (bad auth, bad request
// shape, permission denials).
package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PBLIZZ/app-omnicrm-sub004/internal/auth"
	"github.com/PBLIZZ/app-omnicrm-sub004/internal/metrics"
	"github.com/PBLIZZ/app-omnicrm-sub004/internal/registry"
)

const callerContextKey = "caller"

// Server wires the registry, authenticator, and metrics into a gin router.
type Server struct {
	registry *registry.Registry
	auth     auth.Authenticator
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates a Server with the given dependencies.
func New(reg *registry.Registry, authenticator auth.Authenticator, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{
		registry: reg,
		auth:     authenticator,
		metrics:  m,
		logger:   logger,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := r.Group("/v1", s.authMiddleware())
	v1.GET("/tools", s.handleListTools)
	v1.GET("/llm-functions", s.handleLLMFunctions)
	v1.POST("/tools/:name/execute", s.handleExecute)

	return r
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := s.auth.Authenticate(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		c.Set(callerContextKey, caller)
		c.Next()
	}
}

func callerFrom(c *gin.Context) *auth.CallerContext {
	return c.MustGet(callerContextKey).(*auth.CallerContext)
}

func filterFrom(c *gin.Context) registry.ListFilter {
	return registry.ListFilter{
		Category:        registry.Category(c.Query("category")),
		PermissionLevel: registry.PermissionLevel(c.Query("permission_level")),
		Tags:            c.QueryArray("tag"),
	}
}

func (s *Server) handleListTools(c *gin.Context) {
	defs := s.registry.ListTools(filterFrom(c))
	out := make([]gin.H, 0, len(defs))
	for _, def := range defs {
		entry := gin.H{
			"name":             def.Name,
			"category":         def.Category,
			"version":          def.Version,
			"description":      def.Description,
			"parameters":       def.Parameters,
			"permission_level": def.PermissionLevel,
			"credit_cost":      def.CreditCost,
			"is_idempotent":    def.IsIdempotent,
			"cacheable":        def.Cacheable,
			"tags":             def.Tags,
		}
		if def.RateLimit != nil {
			entry["rate_limit"] = gin.H{
				"max_calls": def.RateLimit.MaxCalls,
				"window_ms": def.RateLimit.Window.Milliseconds(),
			}
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"tools": out})
}

func (s *Server) handleLLMFunctions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"functions": s.registry.LLMFunctions(filterFrom(c))})
}

// executeRequest is the body of POST /v1/tools/:name/execute.
type executeRequest struct {
	Params    json.RawMessage `json:"params"`
	ThreadID  string          `json:"thread_id"`
	MessageID string          `json:"message_id"`
}

func (s *Server) handleExecute(c *gin.Context) {
	caller := callerFrom(c)
	toolName := c.Param("name")

	var req executeRequest
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body is not valid JSON"})
			return
		}
	}
	if len(req.Params) == 0 {
		req.Params = json.RawMessage(`{}`)
	}

	// Dispatch-time permission gate: the registry pipeline itself stays
	// permission-agnostic.
	if def := s.registry.GetTool(toolName); def != nil {
		if !caller.MaxPermission.Allows(def.PermissionLevel) {
			c.JSON(http.StatusForbidden, gin.H{
				"error":            "permission denied",
				"required_level":   def.PermissionLevel,
				"caller_max_level": caller.MaxPermission,
			})
			return
		}
	}

	ec := registry.ExecutionContext{
		UserID:    caller.UserID,
		ThreadID:  req.ThreadID,
		MessageID: req.MessageID,
		Timestamp: time.Now(),
		RequestID: uuid.New().String(),
	}

	result := s.registry.Execute(c.Request.Context(), toolName, req.Params, ec)

	if s.metrics != nil {
		outcome := "ok"
		switch {
		case result.Metadata.Cached:
			outcome = "cached"
		case result.Error != nil:
			outcome = result.Error.Code
		}
		s.metrics.ObserveExecution(toolName, outcome, result.Metadata.LatencyMs/1000)
	}

	s.logger.Info("tool executed",
		zap.String("tool_name", toolName),
		zap.String("user_id", caller.UserID),
		zap.String("request_id", ec.RequestID),
		zap.Bool("success", result.Success),
		zap.Float64("latency_ms", result.Metadata.LatencyMs),
	)

	c.JSON(http.StatusOK, result)
}
