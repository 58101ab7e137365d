package replay

import (
	"fmt"

	"github.com/maestro-run/maestro/pkg/models"
)

// RunResult is returned by a deterministic replay run.
type RunResult struct {
	Mode   string    `json:"mode"`
	Output string    `json:"output"`
	Steps  []RunStep `json:"steps"`
}

// RunStep describes one replayed invocation.
type RunStep struct {
	Kind       models.ReplayKind `json:"kind"`
	Step       string            `json:"step"`
	AgentID    string            `json:"agent_id"`
	Output     any               `json:"output,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

// Runner re-executes a task deterministically from its replay log. Model and
// tool invocations are substituted with their recorded outputs, so the run
// reproduces the original execution without touching adapters or tools.
type Runner struct {
	store *Store
}

// NewRunner creates a replayer over store.
func NewRunner(store *Store) *Runner {
	return &Runner{store: store}
}

// Run replays taskID. The final model output in the log becomes the run
// output. Returns an error if no replay log exists for the task.
func (r *Runner) Run(taskID string) (*RunResult, error) {
	evts := r.store.Query(taskID, 0)
	if len(evts) == 0 {
		return nil, fmt.Errorf("no replay log for task %s", taskID)
	}

	result := &RunResult{Mode: "deterministic", Steps: make([]RunStep, 0, len(evts))}
	for _, evt := range evts {
		result.Steps = append(result.Steps, RunStep{
			Kind:       evt.Kind,
			Step:       evt.Step,
			AgentID:    evt.AgentID,
			Output:     evt.Output,
			Error:      evt.Error,
			DurationMs: evt.DurationMs,
		})
		if evt.Kind == models.ReplayModel && evt.Error == "" {
			if out, ok := evt.Output.(string); ok {
				result.Output = out
			} else if evt.Output != nil {
				result.Output = fmt.Sprint(evt.Output)
			}
		}
	}
	return result, nil
}
