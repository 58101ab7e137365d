package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/maestro-run/maestro/pkg/agent"
	"github.com/maestro-run/maestro/pkg/audit"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/replay"
)

// rateWindow is the fixed rate-limit window length.
const rateWindow = 60 * time.Second

// callLogCapacity bounds the manager's in-memory call log.
const callLogCapacity = 1000

type window struct {
	start time.Time
	count int
}

// Manager owns the registered tools, the per-agent permission sets, and the
// invocation pipeline. It implements agent.ToolCaller.
type Manager struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	perms   map[string]map[string]bool // agent id -> tool name -> granted
	windows map[string]*window         // tool name -> fixed rate window

	callLog []models.ToolCallLogEntry

	auditLog *audit.Log
	replays  *replay.Store
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager creates a tool manager wired to the audit log, replay store,
// and event bus.
func NewManager(auditLog *audit.Log, replays *replay.Store, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tools:    make(map[string]Tool),
		perms:    make(map[string]map[string]bool),
		windows:  make(map[string]*window),
		auditLog: auditLog,
		replays:  replays,
		bus:      bus,
		logger:   logger.With("component", "tool_manager"),
	}
}

// RegisterTool adds a tool under its definition name.
func (m *Manager) RegisterTool(t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return fmt.Errorf("tool requires a name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tools[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	m.tools[def.Name] = t
	m.logger.Info("Tool registered", "tool", def.Name, "type", def.Type)
	return nil
}

// UnregisterTool removes a tool and its rate window.
func (m *Manager) UnregisterTool(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tools[name]; !ok {
		return false
	}
	delete(m.tools, name)
	delete(m.windows, name)
	return true
}

// GetTool returns a registered tool.
func (m *Manager) GetTool(name string) (Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[name]
	return t, ok
}

// ListTools returns all tool definitions sorted by name.
func (m *Manager) ListTools() []Definition {
	m.mu.RLock()
	out := make([]Definition, 0, len(m.tools))
	for _, t := range m.tools {
		out = append(out, t.Definition())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GrantPermission allows agentID to call toolName.
func (m *Manager) GrantPermission(agentID, toolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.perms[agentID] == nil {
		m.perms[agentID] = make(map[string]bool)
	}
	m.perms[agentID][toolName] = true
}

// RevokePermission removes a single grant.
func (m *Manager) RevokePermission(agentID, toolName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.perms[agentID], toolName)
}

// SetPermissions replaces agentID's grants wholesale.
func (m *Manager) SetPermissions(agentID string, toolNames []string) {
	grants := make(map[string]bool, len(toolNames))
	for _, name := range toolNames {
		grants[name] = true
	}
	m.mu.Lock()
	m.perms[agentID] = grants
	m.mu.Unlock()
}

// CanUseTool reports whether agentID holds a grant for toolName.
func (m *Manager) CanUseTool(agentID, toolName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.perms[agentID][toolName]
}

// CallTool implements agent.ToolCaller. Failures come back as data on the
// response, classified by ErrorKind; the error taxonomy and the audit trail
// are part of the contract.
func (m *Manager) CallTool(ctx context.Context, agentID string, req agent.ToolRequest) agent.ToolResponse {
	started := time.Now()

	tool, ok := m.GetTool(req.ToolName)
	if !ok {
		return m.finish(agentID, req, started, nil, models.ErrKindNotFound,
			fmt.Sprintf("unknown tool %q", req.ToolName), models.AuditExecutionError, false)
	}
	def := tool.Definition()

	if !m.CanUseTool(agentID, req.ToolName) {
		m.auditLog.Record(models.AuditEvent{
			Type:     models.AuditPermissionDenied,
			AgentID:  agentID,
			TaskID:   req.TaskID,
			ToolName: req.ToolName,
		})
		m.logger.Warn("Tool permission denied", "agent_id", agentID, "tool", req.ToolName)
		return agent.ToolResponse{
			Error:      fmt.Sprintf("agent %q is not permitted to use tool %q", agentID, req.ToolName),
			ErrorKind:  models.ErrKindPermissionDenied,
			DurationMs: time.Since(started).Milliseconds(),
		}
	}

	if !m.admitRate(req.ToolName, def.RateLimit) {
		m.auditLog.Record(models.AuditEvent{
			Type:     models.AuditRateLimitExceeded,
			AgentID:  agentID,
			TaskID:   req.TaskID,
			ToolName: req.ToolName,
			Details:  map[string]any{"rate_limit": def.RateLimit},
		})
		m.logger.Warn("Tool rate limit exceeded", "agent_id", agentID, "tool", req.ToolName, "rate_limit", def.RateLimit)
		return agent.ToolResponse{
			Error:      fmt.Sprintf("rate limit exceeded for tool %q (%d calls per minute)", req.ToolName, def.RateLimit),
			ErrorKind:  models.ErrKindRateLimit,
			DurationMs: time.Since(started).Milliseconds(),
		}
	}

	if err := tool.Validate(req.Args); err != nil {
		return m.finish(agentID, req, started, nil, models.ErrKindValidation, err.Error(), models.AuditExecutionError, false)
	}

	m.bus.Publish(events.Event{
		Type:    events.EventToolCalled,
		TaskID:  req.TaskID,
		AgentID: agentID,
		Data:    map[string]any{"tool": req.ToolName, "args": req.Args},
	})

	execCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	output, err := tool.Execute(execCtx, req.Args)

	var resp agent.ToolResponse
	switch {
	case err == nil:
		resp = m.finish(agentID, req, started, output, "", "", models.AuditToolCall, true)
	case errors.Is(err, context.DeadlineExceeded):
		resp = m.finish(agentID, req, started, nil, models.ErrKindTimeout,
			fmt.Sprintf("tool %q timed out after %s", req.ToolName, def.Timeout), models.AuditToolTimeout, false)
	default:
		resp = m.finish(agentID, req, started, nil, models.ErrKindExecution, err.Error(), models.AuditToolCall, false)
	}

	m.bus.Publish(events.Event{
		Type:    events.EventToolCompleted,
		TaskID:  req.TaskID,
		AgentID: agentID,
		Data:    map[string]any{"tool": req.ToolName, "success": resp.Success, "duration_ms": resp.DurationMs},
	})
	return resp
}

// admitRate applies the fixed 60 s window. At exactly the limit the call is
// rejected.
func (m *Manager) admitRate(toolName string, limit int) bool {
	if limit <= 0 {
		return true
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.windows[toolName]
	if w == nil || now.Sub(w.start) >= rateWindow {
		w = &window{start: now}
		m.windows[toolName] = w
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// finish records the call in the call log, replay store, and audit log, and
// assembles the response.
func (m *Manager) finish(agentID string, req agent.ToolRequest, started time.Time, output any, kind models.ErrorKind, errMsg string, auditType models.AuditEventType, success bool) agent.ToolResponse {
	completed := time.Now()
	durationMs := completed.Sub(started).Milliseconds()

	m.mu.Lock()
	m.callLog = append(m.callLog, models.ToolCallLogEntry{
		AgentID:    agentID,
		TaskID:     req.TaskID,
		ToolName:   req.ToolName,
		Args:       req.Args,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Timestamp:  completed,
	})
	if len(m.callLog) > callLogCapacity {
		m.callLog = m.callLog[len(m.callLog)-callLogCapacity:]
	}
	m.mu.Unlock()

	m.replays.Append(models.ReplayEvent{
		TaskID:      req.TaskID,
		AgentID:     agentID,
		Kind:        models.ReplayTool,
		Step:        req.ToolName,
		Input:       req.Args,
		Output:      output,
		Error:       errMsg,
		StartedAt:   started,
		CompletedAt: completed,
	})

	m.auditLog.Record(models.AuditEvent{
		Type:     auditType,
		AgentID:  agentID,
		TaskID:   req.TaskID,
		ToolName: req.ToolName,
		Details:  map[string]any{"success": success, "duration_ms": durationMs, "error": errMsg},
	})

	return agent.ToolResponse{
		Success:    success,
		Output:     output,
		Error:      errMsg,
		ErrorKind:  kind,
		DurationMs: durationMs,
	}
}

// CallLog returns the most recent limit entries (all if limit <= 0),
// oldest first.
func (m *Manager) CallLog(limit int) []models.ToolCallLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]models.ToolCallLogEntry(nil), m.callLog...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Health probes every registered tool that exposes a health check. Returns a
// map of tool name to probe error ("" when healthy).
func (m *Manager) Health(ctx context.Context) map[string]string {
	m.mu.RLock()
	tools := make(map[string]Tool, len(m.tools))
	for name, t := range m.tools {
		tools[name] = t
	}
	m.mu.RUnlock()

	out := make(map[string]string, len(tools))
	for name, t := range tools {
		hc, ok := t.(HealthChecker)
		if !ok {
			out[name] = ""
			continue
		}
		if err := hc.Health(ctx); err != nil {
			out[name] = err.Error()
		} else {
			out[name] = ""
		}
	}
	return out
}
