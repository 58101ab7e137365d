package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/agent"
	"github.com/maestro-run/maestro/pkg/audit"
	"github.com/maestro-run/maestro/pkg/cancel"
	"github.com/maestro-run/maestro/pkg/config"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/executor"
	"github.com/maestro-run/maestro/pkg/learning"
	"github.com/maestro-run/maestro/pkg/logging"
	"github.com/maestro-run/maestro/pkg/model"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/orchestrator"
	"github.com/maestro-run/maestro/pkg/replay"
	"github.com/maestro-run/maestro/pkg/sched"
	"github.com/maestro-run/maestro/pkg/store"
	"github.com/maestro-run/maestro/pkg/taskctx"
)

type apiEnv struct {
	router *gin.Engine
	tasks  *store.TaskStore
	orch   *orchestrator.Orchestrator
	ring   *logging.Ring
	audit  *audit.Log
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewBus()
	agents := agent.NewRegistry(nil)
	tasks := store.NewTaskStore(bus, nil, nil)
	contexts := taskctx.NewManager()
	cancels := cancel.NewRegistry()
	replays := replay.NewStore(0)
	exec := executor.New(agents, contexts, bus, replays, nil, nil)
	scheduler := sched.New(agents, bus, nil)
	orch := orchestrator.New(orchestrator.Config{MaxConcurrentTasks: 4},
		agents, scheduler, exec, tasks, cancels, contexts, bus, learning.New(0), nil)

	_, err := agents.Register(&agent.Agent{
		ID: "echo", Version: "1.0", Tags: []string{"chat", "general"},
		Handler: func(_ context.Context, input string, _ agent.Invocation) (string, error) {
			return input, nil
		},
	})
	require.NoError(t, err)

	orch.Start()
	t.Cleanup(func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		_ = orch.Stop(ctx)
	})

	ring := logging.NewRing(100)
	auditLog := audit.NewLog(0)
	srv := NewServer(config.ServerConfig{SubmissionRate: -1}, Deps{
		Orchestrator: orch,
		Tasks:        tasks,
		Agents:       agents,
		Scheduler:    scheduler,
		Audit:        auditLog,
		Replays:      replays,
		Bus:          bus,
		Chain:        model.NewChain("creative", nil),
		LogRing:      ring,
	})
	return &apiEnv{router: srv.Router(), tasks: tasks, orch: orch, ring: ring, audit: auditLog}
}

func (e *apiEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *apiEnv) submit(t *testing.T, body string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/task", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		TaskID string `json:"taskId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)
	return resp.TaskID
}

func (e *apiEnv) waitTerminal(t *testing.T, taskID string) *models.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := e.tasks.Get(taskID)
		if err == nil && rec.Status.Terminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", taskID)
	return nil
}

func TestSubmitAndStatus(t *testing.T) {
	e := newAPIEnv(t)
	taskID := e.submit(t, `{"input": "hello", "agent": "echo"}`)
	e.waitTerminal(t, taskID)

	w := e.do(t, http.MethodGet, "/api/task/"+taskID+"/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rec models.TaskRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, "hello", rec.Output)
	assert.Equal(t, taskID, rec.ID)
}

func TestSubmitValidation(t *testing.T) {
	e := newAPIEnv(t)

	w := e.do(t, http.MethodPost, "/task", `{"input": ""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION")

	w = e.do(t, http.MethodPost, "/task", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/task", `{"input": "x", "agent": "ghost"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitActiveIDConflict(t *testing.T) {
	e := newAPIEnv(t)
	// A slow agent keeps the first submission active.
	release := make(chan struct{})
	_, err := e.orch.RegisterAgent(&agent.Agent{
		ID: "slow", Version: "1.0",
		Handler: func(ctx context.Context, input string, _ agent.Invocation) (string, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return input, nil
		},
	})
	require.NoError(t, err)
	defer close(release)

	e.submit(t, `{"input": "x", "taskId": "t-1", "agent": "slow"}`)

	w := e.do(t, http.MethodPost, "/task", `{"input": "y", "taskId": "t-1", "agent": "slow"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	var resp struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "TASK_RUNNING", resp.Reason)
}

func TestSubmitTerminalIDIsRetry(t *testing.T) {
	e := newAPIEnv(t)

	taskID := e.submit(t, `{"input": "hello", "taskId": "task-x", "agent": "echo"}`)
	require.Equal(t, "task-x", taskID)
	e.waitTerminal(t, taskID)

	// Re-POSTing the terminal id succeeds with the same id and leaves one
	// history entry with the retry count bumped.
	again := e.submit(t, `{"input": "hello", "taskId": "task-x", "agent": "echo"}`)
	assert.Equal(t, "task-x", again)
	rec := e.waitTerminal(t, again)
	assert.Equal(t, 1, rec.RetryCount)
	assert.True(t, rec.IsRetry)
	assert.Len(t, e.tasks.List(0, ""), 1)
}

func TestTaskNotFound(t *testing.T) {
	e := newAPIEnv(t)
	for _, path := range []string{
		"/api/task/ghost/status",
		"/api/task/ghost/details",
		"/api/history/ghost",
	} {
		w := e.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	e := newAPIEnv(t)
	taskID := e.submit(t, `{"input": "x", "agent": "echo"}`)
	e.waitTerminal(t, taskID)

	for i := 0; i < 2; i++ {
		w := e.do(t, http.MethodPost, "/api/task/"+taskID+"/cancel", "")
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestStreamDeliversTerminalSnapshot(t *testing.T) {
	e := newAPIEnv(t)
	taskID := e.submit(t, `{"input": "streamed", "agent": "echo"}`)
	e.waitTerminal(t, taskID)

	w := e.do(t, http.MethodGet, "/api/task/"+taskID+"/stream", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event:task")
	assert.Contains(t, body, `"status":"completed"`)
	assert.Contains(t, body, `"task_id":"`+taskID+`"`)
}

func TestDeleteCascades(t *testing.T) {
	e := newAPIEnv(t)
	first := e.submit(t, `{"input": "q1", "agent": "echo"}`)
	e.waitTerminal(t, first)
	second := e.submit(t, fmt.Sprintf(`{"input": "q2", "agent": "echo", "conversationId": %q}`, first))
	e.waitTerminal(t, second)

	w := e.do(t, http.MethodDelete, "/api/task/"+first, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Deleted []string `json:"deleted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []string{first, second}, resp.Deleted)

	w = e.do(t, http.MethodGet, "/api/task/"+second+"/status", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	e := newAPIEnv(t)
	taskID := e.submit(t, `{"input": "x", "agent": "echo"}`)
	e.waitTerminal(t, taskID)

	w := e.do(t, http.MethodGet, "/api/history?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), taskID)

	w = e.do(t, http.MethodPost, "/api/history/"+taskID+"/retry", "")
	require.Equal(t, http.StatusOK, w.Code)
	var retry struct {
		RetryTaskID    string `json:"retryTaskId"`
		OriginalTaskID string `json:"originalTaskId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &retry))
	assert.Equal(t, taskID, retry.OriginalTaskID)
	rec := e.waitTerminal(t, retry.RetryTaskID)
	assert.True(t, rec.IsRetry)

	w = e.do(t, http.MethodGet, "/api/history/agent/echo/stats?windowHours=24", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"agentId":"echo"`)

	w = e.do(t, http.MethodDelete, "/api/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, e.tasks.Len())
}

func TestSystemEndpoints(t *testing.T) {
	e := newAPIEnv(t)
	taskID := e.submit(t, `{"input": "x", "agent": "echo"}`)
	e.waitTerminal(t, taskID)

	w := e.do(t, http.MethodGet, "/api/agents", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"echo"`)

	w = e.do(t, http.MethodGet, "/api/metrics/agents", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/scheduler/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "queuedTasks")

	w = e.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/models", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"mode":"creative"`)

	w = e.do(t, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestLogsEndpoint(t *testing.T) {
	e := newAPIEnv(t)
	ringLogger := slog.New(logging.NewHandler(
		slog.NewTextHandler(io.Discard, nil), e.ring))
	ringLogger.Info("manual entry", "task_id", "t-1")

	w := e.do(t, http.MethodGet, "/api/logs?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "manual entry")
}

func TestAuditEndpoint(t *testing.T) {
	e := newAPIEnv(t)
	e.audit.Record(models.AuditEvent{TaskID: "t-1", Type: models.AuditToolCall, ToolName: "clock"})
	e.audit.Record(models.AuditEvent{TaskID: "t-2", Type: models.AuditPermissionDenied, ToolName: "math"})

	w := e.do(t, http.MethodGet, "/api/audit?taskId=t-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "clock")
	assert.NotContains(t, w.Body.String(), "math")
}

func TestReplayEndpoints(t *testing.T) {
	e := newAPIEnv(t)
	taskID := e.submit(t, `{"input": "replayed", "agent": "echo"}`)
	e.waitTerminal(t, taskID)

	w := e.do(t, http.MethodGet, "/api/replay/"+taskID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, "/api/replay/"+taskID+"/run", "")
	require.Equal(t, http.StatusOK, w.Code)
	var result replay.RunResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "deterministic", result.Mode)
	assert.Equal(t, "replayed", result.Output)
	assert.NotEmpty(t, result.Steps)

	w = e.do(t, http.MethodPost, "/api/replay/ghost/run", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmissionRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/task", submissionRateLimit(0, 1), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/task", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/task", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMIT")
}

func TestSecurityHeaders(t *testing.T) {
	e := newAPIEnv(t)
	w := e.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestTaskDetailsIncludesGraph(t *testing.T) {
	e := newAPIEnv(t)
	for _, role := range []string{"research", "build", "review", "final"} {
		_, err := e.orch.RegisterAgent(&agent.Agent{
			ID: role, Version: "1.0",
			Handler: func(_ context.Context, input string, _ agent.Invocation) (string, error) {
				return "done", nil
			},
		})
		require.NoError(t, err)
	}

	taskID := e.submit(t, `{"input": "write a report", "multiAgent": true}`)
	e.waitTerminal(t, taskID)

	w := e.do(t, http.MethodGet, "/api/task/"+taskID+"/details", "")
	require.Equal(t, http.StatusOK, w.Code)
	var details struct {
		Graph struct {
			Nodes []graphNodeView `json:"nodes"`
		} `json:"graph"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &details))
	require.Len(t, details.Graph.Nodes, 4)
	for _, n := range details.Graph.Nodes {
		assert.Equal(t, "succeeded", n.Status, "node %s", n.ID)
	}
}
