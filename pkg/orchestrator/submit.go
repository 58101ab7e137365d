package orchestrator

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/pkg/agent"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/store"
)

// Submission is one task request entering the runtime.
type Submission struct {
	TaskID         string
	Input          string
	Agent          string
	ConversationID string
	Generation     models.GenerationConfig
	MultiAgent     bool

	// Retry lineage, set by Retry.
	originalTaskID string
	retryCount     int
}

// Submit validates a submission, creates the task record, registers the
// workflow, and enqueues it for dispatch. Reusing an active task id fails
// with store.ErrTaskRunning.
func (o *Orchestrator) Submit(sub Submission) (string, error) {
	if sub.Input == "" {
		return "", fmt.Errorf("submission requires input")
	}
	taskID := sub.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	sub.Generation.Normalize()

	// Re-POSTing a terminal task id is an in-place retry: the replacement
	// record carries the lineage forward under the same id. An active prior
	// run still fails with store.ErrTaskRunning on Create.
	if sub.TaskID != "" && sub.originalTaskID == "" {
		if prior, err := o.tasks.Get(sub.TaskID); err == nil && prior.Status.Terminal() {
			sub.retryCount = prior.RetryCount + 1
			sub.originalTaskID = prior.OriginalTaskID
			if sub.originalTaskID == "" {
				sub.originalTaskID = taskID
			}
		}
	}

	selection, err := o.sched.SelectAgent(sub.Input, sub.Agent)
	if err != nil {
		return "", err
	}

	// Conversation continuity: resolve the canonical thread id from the
	// store rather than trusting the client's value, and collect the prior
	// turns for the agent.
	conversationID := ""
	var history []agent.Turn
	if sub.ConversationID != "" {
		conversationID, err = o.tasks.CanonicalConversationID(sub.ConversationID)
		if err != nil {
			return "", fmt.Errorf("conversation %q: %w", sub.ConversationID, err)
		}
		for _, prior := range o.tasks.Conversation(conversationID) {
			if prior.Status == models.StatusCompleted {
				history = append(history, agent.Turn{Input: prior.Input, Output: prior.Output})
			}
		}
	}

	rec := &models.TaskRecord{
		ID:                   taskID,
		Input:                sub.Input,
		Status:               models.StatusQueued,
		AgentID:              selection.AgentID,
		Generation:           sub.Generation,
		ConversationID:       conversationID,
		OriginalTaskID:       sub.originalTaskID,
		RetryCount:           sub.retryCount,
		IsRetry:              sub.originalTaskID != "",
		ManuallySelected:     selection.ManuallyPicked,
		AgentSelectionReason: selection.Reason,
		AvailableAgents:      selection.AvailableAgents,
		MultiAgentEnabled:    sub.MultiAgent,
		TaskTypeLabel:        selection.TaskTypeLabel,
	}

	var root *models.TaskSpec
	involved := []string{selection.AgentID}
	if sub.MultiAgent {
		root, involved, err = o.sched.PlanMultiAgent(taskID, sub.Input, selection.AgentID)
		if err != nil {
			return "", err
		}
	} else {
		root = &models.TaskSpec{
			ID:      taskID,
			Type:    models.TaskAtomic,
			AgentID: selection.AgentID,
			Input:   sub.Input,
		}
	}
	rec.InvolvedAgents = involved
	if root.Timeout == 0 && o.cfg.DefaultTaskTimeout > 0 {
		root.Timeout = o.cfg.DefaultTaskTimeout
	}

	if err := o.tasks.Create(rec); err != nil {
		return "", err
	}

	// Reusing a terminal id must not leave the old workflow or an aborted
	// token behind.
	o.mu.Lock()
	delete(o.workflows, taskID)
	o.mu.Unlock()
	o.cancels.Cleanup(taskID)

	if _, err := o.CreateWorkflow(taskID, "task "+taskID, root, nil); err != nil {
		return "", err
	}
	o.pending(taskID, history)
	o.sched.Enqueue(taskID)
	o.logger.Info("Task submitted", "task_id", taskID, "agent", selection.AgentID, "multi_agent", sub.MultiAgent)
	return taskID, nil
}

// pending stores the conversation history for the dispatcher and moves the
// record to pending.
func (o *Orchestrator) pending(taskID string, history []agent.Turn) {
	o.mu.Lock()
	if len(history) > 0 {
		o.histories[taskID] = history
	}
	o.mu.Unlock()
	if _, err := o.tasks.UpdateStatus(taskID, models.StatusPending); err != nil && err != store.ErrNotFound {
		o.logger.Warn("Failed to mark task pending", "task_id", taskID, "error", err)
	}
}

// Retry creates a linked retry of a terminal task. The retry gets a fresh
// task id; the original id and retry count are recorded on the new record.
func (o *Orchestrator) Retry(originalID string) (string, error) {
	rec, err := o.tasks.Get(originalID)
	if err != nil {
		return "", err
	}
	if !rec.Status.Terminal() {
		return "", store.ErrTaskRunning
	}

	sub := Submission{
		Input:          rec.Input,
		ConversationID: rec.ConversationID,
		Generation:     rec.Generation,
		MultiAgent:     rec.MultiAgentEnabled,
		originalTaskID: originalID,
		retryCount:     rec.RetryCount + 1,
	}
	if rec.ManuallySelected {
		sub.Agent = rec.AgentID
	}
	return o.Submit(sub)
}
