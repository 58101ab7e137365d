package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/orchestrator"
	"github.com/maestro-run/maestro/pkg/store"
)

// submitRequest is the POST /task body.
type submitRequest struct {
	Input          string                  `json:"input"`
	Agent          string                  `json:"agent"`
	TaskID         string                  `json:"taskId"`
	ConversationID string                  `json:"conversationId"`
	Generation     models.GenerationConfig `json:"generation"`
	MultiAgent     bool                    `json:"multiAgent"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"reason": string(models.ErrKindValidation),
			"error":  fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}

	taskID, err := s.deps.Orchestrator.Submit(orchestrator.Submission{
		TaskID:         req.TaskID,
		Input:          req.Input,
		Agent:          req.Agent,
		ConversationID: req.ConversationID,
		Generation:     req.Generation,
		MultiAgent:     req.MultiAgent,
	})
	if err != nil {
		s.respondSubmitError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": taskID})
}

// respondSubmitError maps submission failures: an active-id collision is 409,
// a missing referenced resource 404, everything else is a validation problem
// with the request.
func (s *Server) respondSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrTaskRunning):
		c.JSON(http.StatusConflict, gin.H{
			"reason": string(models.ErrKindTaskRunning),
			"error":  err.Error(),
		})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"reason": string(models.ErrKindNotFound),
			"error":  err.Error(),
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"reason": string(models.ErrKindValidation),
			"error":  err.Error(),
		})
	}
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	rec, err := s.deps.Tasks.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// graphNodeView is one node of the details graph snapshot.
type graphNodeView struct {
	ID        string   `json:"id"`
	AgentID   string   `json:"agentId"`
	DependsOn []string `json:"dependsOn"`
	Status    string   `json:"status"`
	Role      string   `json:"role,omitempty"`
}

func (s *Server) handleTaskDetails(c *gin.Context) {
	taskID := c.Param("id")
	rec, err := s.deps.Tasks.Get(taskID)
	if err != nil {
		respondError(c, err)
		return
	}

	currentStep := ""
	if len(rec.Messages) > 0 {
		currentStep = rec.Messages[len(rec.Messages)-1]
	}

	c.JSON(http.StatusOK, gin.H{
		"task":        rec,
		"currentStep": currentStep,
		"logs":        s.taskLogs(taskID, 50),
		"graph":       gin.H{"nodes": s.graphSnapshot(taskID)},
	})
}

// taskLogs filters the log ring down to entries mentioning the task id.
func (s *Server) taskLogs(taskID string, limit int) []string {
	if s.deps.LogRing == nil {
		return nil
	}
	var lines []string
	for _, entry := range s.deps.LogRing.Recent(0) {
		if id, ok := entry.Attrs["task_id"].(string); !ok || id != taskID {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s %s",
			entry.Time.Format(time.RFC3339), entry.Level, entry.Message))
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

// graphSnapshot reconstructs the multi-agent graph state: node structure from
// the registered workflow, node statuses from the task's buffered graph
// events.
func (s *Server) graphSnapshot(taskID string) []graphNodeView {
	wf, ok := s.deps.Orchestrator.GetWorkflow(taskID)
	if !ok || wf.Root == nil || wf.Root.Type != models.TaskGraph {
		return nil
	}

	statuses := make(map[string]string)
	for _, evt := range s.deps.Bus.Replay(taskID, 0) {
		if evt.Type != events.EventGraphNode {
			continue
		}
		node, _ := evt.Data["node"].(string)
		status, _ := evt.Data["status"].(string)
		if node != "" && status != "" {
			statuses[node] = status
		}
	}

	nodes := make([]graphNodeView, 0, len(wf.Root.Graph))
	for _, n := range wf.Root.Graph {
		view := graphNodeView{
			ID:        n.ID,
			DependsOn: n.DependsOn,
			Status:    "pending",
			Role:      n.Role,
		}
		if n.Task != nil {
			view.AgentID = n.Task.AgentID
		}
		if st, ok := statuses[n.ID]; ok {
			view.Status = st
		}
		nodes = append(nodes, view)
	}
	return nodes
}

// streamHeartbeat keeps intermediaries from timing out idle SSE connections.
const streamHeartbeat = 15 * time.Second

// handleTaskStream serves the task's live record as server-sent events. The
// connection closes after the terminal snapshot is delivered. A client
// disconnect only ends the stream; the task keeps running.
func (s *Server) handleTaskStream(c *gin.Context) {
	taskID := c.Param("id")
	rec, err := s.deps.Tasks.Get(taskID)
	if err != nil {
		respondError(c, err)
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	sub := s.deps.Bus.Subscribe(events.Filter{TaskID: taskID})
	defer sub.Close()

	if !writeTaskEvent(c, rec) {
		return
	}
	if rec.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString(": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if !strings.HasPrefix(evt.Type, "task.") {
				continue
			}
			rec, err := s.deps.Tasks.Get(taskID)
			if err != nil {
				return
			}
			if !writeTaskEvent(c, rec) {
				return
			}
			if rec.Status.Terminal() {
				return
			}
		}
	}
}

func writeTaskEvent(c *gin.Context, rec *models.TaskRecord) bool {
	c.SSEvent("task", rec)
	c.Writer.Flush()
	return c.Request.Context().Err() == nil
}

func (s *Server) handleTaskCancel(c *gin.Context) {
	if err := s.deps.Orchestrator.CancelExecution(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleTaskDelete(c *gin.Context) {
	deleted, err := s.deps.Tasks.Delete(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	for _, id := range deleted {
		s.deps.Bus.DropTask(id)
		s.deps.Replays.DropTask(id)
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
