package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maestro-run/maestro/pkg/version"
)

// modelProbeTimeout bounds the provider probes behind /api/models.
const modelProbeTimeout = 5 * time.Second

func (s *Server) handleAgents(c *gin.Context) {
	agents := s.deps.Agents.List()
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
	})
}

func (s *Server) handleAgentMetrics(c *gin.Context) {
	window := windowQuery(c, 24)
	c.JSON(http.StatusOK, gin.H{
		"windowHours": window.Hours(),
		"agents":      s.deps.Tasks.MetricsByAgent(window),
	})
}

func (s *Server) handleSchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Scheduler.SchedulerStatus())
}

func (s *Server) handleModels(c *gin.Context) {
	ctx, cancelFn := context.WithTimeout(c.Request.Context(), modelProbeTimeout)
	defer cancelFn()
	c.JSON(http.StatusOK, s.deps.Chain.Status(ctx))
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"version":     version.Full(),
		"activeTasks": s.deps.Orchestrator.ActiveCount(),
		"queuedTasks": s.deps.Scheduler.Depth(),
		"metrics":     s.deps.Orchestrator.Metrics(),
	})
}

func (s *Server) handleLogs(c *gin.Context) {
	limit := intQuery(c, "limit", 200)
	entries := s.deps.LogRing.Recent(limit)
	c.JSON(http.StatusOK, gin.H{
		"logs":  entries,
		"count": len(entries),
	})
}

func (s *Server) handleAudit(c *gin.Context) {
	taskID := c.Query("taskId")
	limit := intQuery(c, "limit", 100)
	evts := s.deps.Audit.Query(taskID, limit)
	c.JSON(http.StatusOK, gin.H{
		"events": evts,
		"count":  len(evts),
	})
}

func (s *Server) handleReplayLog(c *gin.Context) {
	taskID := c.Param("taskId")
	limit := intQuery(c, "limit", 0)
	evts := s.deps.Replays.Query(taskID, limit)
	c.JSON(http.StatusOK, gin.H{
		"taskId": taskID,
		"events": evts,
		"count":  len(evts),
	})
}

func (s *Server) handleReplayRun(c *gin.Context) {
	result, err := s.replayer.Run(c.Param("taskId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"reason": "NOT_FOUND",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleActiveTasks(c *gin.Context) {
	active := s.deps.Tasks.Active()
	c.JSON(http.StatusOK, gin.H{
		"tasks": active,
		"count": len(active),
	})
}
