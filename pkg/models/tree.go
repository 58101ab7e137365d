package models

import (
	"fmt"
	"time"

	"github.com/maestro-run/maestro/pkg/behavior"
)

// TaskType discriminates the six task tree variants. The executor dispatches
// on this tag; each variant uses only the fields it needs.
type TaskType string

// Task tree variants.
const (
	TaskAtomic      TaskType = "atomic"
	TaskSequential  TaskType = "sequential"
	TaskParallel    TaskType = "parallel"
	TaskGraph       TaskType = "graph"
	TaskConditional TaskType = "conditional"
	TaskLoop        TaskType = "loop"
)

// Predicate evaluates a condition against the current execution variables.
// Used by conditional and loop tasks.
type Predicate func(vars map[string]any) bool

// TaskSpec is one node of a composition tree.
//
// Field usage by type:
//   - atomic: AgentID (required), Input, Retries, Timeout
//   - sequential, parallel: Subtasks
//   - graph: Graph
//   - conditional: Subtasks (exactly two: true-branch, false-branch), Condition
//   - loop: Subtasks (exactly one), LoopCondition
type TaskSpec struct {
	ID      string   `json:"id"`
	Type    TaskType `json:"type"`
	AgentID string   `json:"agent_id,omitempty"`
	Input   any      `json:"input,omitempty"`

	Subtasks []*TaskSpec `json:"subtasks,omitempty"`
	Graph    []GraphNode `json:"graph,omitempty"`

	Condition     Predicate `json:"-"`
	LoopCondition Predicate `json:"-"`

	Timeout      time.Duration `json:"timeout,omitempty"`
	Retries      int           `json:"retries,omitempty"`
	AllowFailure bool          `json:"allow_failure,omitempty"`

	// Completion callbacks. Invoked by the executor after the task settles;
	// both may be nil.
	OnSuccess func(output any) `json:"-"`
	OnFailure func(err error)  `json:"-"`

	// Behavior is the optional per-task state machine. The executor fires
	// "start" when the task launches and "complete" or "fail" when it
	// settles; transitions the machine does not model are ignored.
	Behavior *behavior.Machine `json:"-"`
}

// GraphNode is one node of a dependency-graph task.
type GraphNode struct {
	ID           string    `json:"id"`
	Task         *TaskSpec `json:"task"`
	DependsOn    []string  `json:"depends_on,omitempty"`
	AllowFailure bool      `json:"allow_failure,omitempty"`
	Role         string    `json:"role,omitempty"`
}

// Workflow is the unit of work submitted through the orchestrator: a root
// task plus initial variables.
type Workflow struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Root      *TaskSpec      `json:"root"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Validate checks the structural invariants of the task tree. Violations are
// deterministic VALIDATION errors reported before any execution starts.
func (t *TaskSpec) Validate() error {
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	switch t.Type {
	case TaskAtomic:
		if t.AgentID == "" {
			return fmt.Errorf("atomic task %q requires an agent id", t.ID)
		}
	case TaskSequential, TaskParallel:
		if len(t.Subtasks) == 0 {
			return fmt.Errorf("%s task %q requires subtasks", t.Type, t.ID)
		}
		for _, sub := range t.Subtasks {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
	case TaskGraph:
		if err := validateGraph(t.ID, t.Graph); err != nil {
			return err
		}
	case TaskConditional:
		if len(t.Subtasks) != 2 {
			return fmt.Errorf("conditional task %q requires exactly two subtasks, got %d", t.ID, len(t.Subtasks))
		}
		if t.Condition == nil {
			return fmt.Errorf("conditional task %q requires a condition", t.ID)
		}
		for _, sub := range t.Subtasks {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
	case TaskLoop:
		if len(t.Subtasks) != 1 {
			return fmt.Errorf("loop task %q requires exactly one subtask, got %d", t.ID, len(t.Subtasks))
		}
		if t.LoopCondition == nil {
			return fmt.Errorf("loop task %q requires a loop condition", t.ID)
		}
		return t.Subtasks[0].Validate()
	default:
		return fmt.Errorf("task %q has unknown type %q", t.ID, t.Type)
	}
	return nil
}

// validateGraph checks node id uniqueness, edge targets, and acyclicity.
func validateGraph(taskID string, nodes []GraphNode) error {
	if len(nodes) == 0 {
		return fmt.Errorf("graph task %q requires nodes", taskID)
	}
	byID := make(map[string]*GraphNode, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			return fmt.Errorf("graph task %q has a node with an empty id", taskID)
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("graph task %q has duplicate node id %q", taskID, n.ID)
		}
		byID[n.ID] = n
	}
	for i := range nodes {
		n := &nodes[i]
		for _, dep := range n.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("graph task %q: node %q depends on unknown node %q", taskID, n.ID, dep)
			}
		}
		if n.Task == nil {
			return fmt.Errorf("graph task %q: node %q has no inner task", taskID, n.ID)
		}
		if err := n.Task.Validate(); err != nil {
			return err
		}
	}
	if hasCycle(nodes, byID) {
		return fmt.Errorf("graph task %q: unresolved dependencies or cycle", taskID)
	}
	return nil
}

// hasCycle runs Kahn's algorithm; any node left unprocessed is part of a cycle.
func hasCycle(nodes []GraphNode, byID map[string]*GraphNode) bool {
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		indegree[n.ID] += 0
		for _, dep := range n.DependsOn {
			indegree[n.ID]++
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}
	queue := make([]string, 0, len(nodes))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return processed != len(byID)
}
