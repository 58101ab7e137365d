// Package api exposes the runtime over HTTP: task submission, history,
// streaming, agent/scheduler introspection, and the WebSocket bridge.
package api

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/maestro-run/maestro/pkg/agent"
	"github.com/maestro-run/maestro/pkg/audit"
	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/logging"
	"github.com/maestro-run/maestro/pkg/model"
	"github.com/maestro-run/maestro/pkg/orchestrator"
	"github.com/maestro-run/maestro/pkg/replay"
	"github.com/maestro-run/maestro/pkg/sched"
	"github.com/maestro-run/maestro/pkg/store"
)

// Deps bundles the collaborators the HTTP layer exposes.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Tasks        *store.TaskStore
	Agents       *agent.Registry
	Scheduler    *sched.Scheduler
	Audit        *audit.Log
	Replays      *replay.Store
	Bus          *events.Bus
	ConnMgr      *events.ConnectionManager
	Chain        *model.Chain
	LogRing      *logging.Ring
	Logger       *slog.Logger
}

// Server is the HTTP surface over the orchestration runtime.
type Server struct {
	cfg      config.ServerConfig
	deps     Deps
	replayer *replay.Runner
	logger   *slog.Logger
}

// NewServer creates the HTTP layer.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		replayer: replay.NewRunner(deps.Replays),
		logger:   logger.With("component", "api"),
	}
}

// Router builds the gin engine with the full route table.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders())

	router.POST("/task",
		submissionRateLimit(s.cfg.SubmissionRate, s.cfg.SubmissionBurst),
		s.handleSubmit)

	api := router.Group("/api")
	{
		api.GET("/task/:id/status", s.handleTaskStatus)
		api.GET("/task/:id/details", s.handleTaskDetails)
		api.GET("/task/:id/stream", s.handleTaskStream)
		api.POST("/task/:id/cancel", s.handleTaskCancel)
		api.DELETE("/task/:id", s.handleTaskDelete)

		api.GET("/history", s.handleHistoryList)
		api.DELETE("/history", s.handleHistoryClear)
		api.GET("/history/:id", s.handleHistoryGet)
		api.POST("/history/:id/retry", s.handleHistoryRetry)
		api.GET("/history/agent/:agentId/stats", s.handleAgentStats)

		api.GET("/agents", s.handleAgents)
		api.GET("/metrics/agents", s.handleAgentMetrics)
		api.GET("/scheduler/status", s.handleSchedulerStatus)
		api.GET("/models", s.handleModels)
		api.GET("/status", s.handleStatus)
		api.GET("/logs", s.handleLogs)
		api.GET("/audit", s.handleAudit)
		api.GET("/replay/:taskId", s.handleReplayLog)
		api.POST("/replay/:taskId/run", s.handleReplayRun)
		api.GET("/tasks", s.handleActiveTasks)

		api.GET("/ws", s.handleWebSocket)
	}

	return router
}

// handleWebSocket upgrades the connection and hands it to the connection
// manager, which owns the read loop and fan-out.
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.deps.ConnMgr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "websocket bridge not running"})
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedWSOrigins,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}
	s.deps.ConnMgr.HandleConnection(c.Request.Context(), conn)
}
