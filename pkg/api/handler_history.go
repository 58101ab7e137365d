package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 50

func (s *Server) handleHistoryList(c *gin.Context) {
	limit := intQuery(c, "limit", defaultHistoryLimit)
	sortOrder := c.DefaultQuery("sortOrder", "desc")
	records := s.deps.Tasks.List(limit, sortOrder)
	c.JSON(http.StatusOK, gin.H{
		"tasks": records,
		"count": len(records),
		"total": s.deps.Tasks.Len(),
	})
}

func (s *Server) handleHistoryGet(c *gin.Context) {
	rec, err := s.deps.Tasks.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleHistoryRetry(c *gin.Context) {
	originalID := c.Param("id")
	retryID, err := s.deps.Orchestrator.Retry(originalID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"retryTaskId":    retryID,
		"originalTaskId": originalID,
	})
}

func (s *Server) handleHistoryClear(c *gin.Context) {
	cleared := s.deps.Tasks.Clear()
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func (s *Server) handleAgentStats(c *gin.Context) {
	window := windowQuery(c, 24)
	stats := s.deps.Tasks.AgentStats(c.Param("agentId"), window)
	if stats.AgentID == "" {
		stats.AgentID = c.Param("agentId")
		stats.WindowHours = window.Hours()
	}
	c.JSON(http.StatusOK, stats)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// windowQuery reads ?windowHours, defaulting when absent or malformed.
func windowQuery(c *gin.Context, fallbackHours float64) time.Duration {
	raw := c.Query("windowHours")
	if raw != "" {
		if h, err := strconv.ParseFloat(raw, 64); err == nil && h > 0 {
			return time.Duration(h * float64(time.Hour))
		}
	}
	return time.Duration(fallbackHours * float64(time.Hour))
}
