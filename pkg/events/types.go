// Package events provides the in-process event bus and real-time delivery to
// WebSocket subscribers.
//
// Every material step of a task's life is published here as a typed event.
// Delivery is at-most-once per subscription; ordering is preserved per task
// id. A bounded per-task replay buffer lets late subscribers catch up on the
// most recent events at subscribe time.
package events

import "time"

// Event types. Dotted labels; the prefix names the emitting component.
const (
	EventTaskQueued    = "task.queued"
	EventTaskStarted   = "task.started"
	EventTaskProgress  = "task.progress"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskCancelled = "task.cancelled"

	EventAgentSelected = "agent.selected"

	EventToolCalled    = "tool.called"
	EventToolCompleted = "tool.completed"

	EventWorkflowStarted   = "workflow.started"
	EventWorkflowCompleted = "workflow.completed"

	EventGraphNode = "graph.node"

	EventSchedulerQueue = "scheduler.queue"
)

// Event is one typed bus event.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	TaskID    string         `json:"task_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// GlobalTasksChannel is the channel carrying every task-level event. The
// dashboard task list subscribes here.
const GlobalTasksChannel = "tasks"

// TaskChannel returns the channel name for a single task's events.
// Format: "task:{task_id}".
func TaskChannel(taskID string) string {
	return "task:" + taskID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // e.g. "task:abc-123"
	LastEventID string `json:"last_event_id,omitempty"` // for catchup
}
