// Package executor evaluates task trees: atomic agent calls and the five
// composite forms built from them, with timeouts, retries, allow-failure,
// and cooperative cancellation.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/maestro-run/maestro/pkg/agent"
	"github.com/maestro-run/maestro/pkg/cancel"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/replay"
	"github.com/maestro-run/maestro/pkg/taskctx"
)

// maxLoopIterations is the loop-task safety cap.
const maxLoopIterations = 1000

// defaultRetryDelays is the backoff schedule for atomic retries; the i-th
// retry sleeps delays[min(i, len-1)].
var defaultRetryDelays = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

// Options carries per-run parameters into an execution.
type Options struct {
	// Token is the abort token governing the whole run; nested timeouts link
	// local tokens to it.
	Token *cancel.Token

	// RootID is the externally visible task id of the submission. Replay
	// events are recorded under it so the run can be replayed as a unit.
	// Defaults to the root task's own id.
	RootID string

	// OnNodeEvent observes graph node transitions (running, succeeded,
	// failed). May be nil.
	OnNodeEvent func(nodeID, status string)

	History    []agent.Turn
	Generation models.GenerationConfig
}

// Result is the outcome of one task (sub)tree.
type Result struct {
	TaskID   string
	Success  bool
	Output   any
	Error    error
	Duration time.Duration
	Context  *taskctx.ExecutionContext
}

// Executor evaluates task trees against the agent registry.
type Executor struct {
	agents      *agent.Registry
	contexts    *taskctx.Manager
	bus         *events.Bus
	replays     *replay.Store
	tools       agent.ToolCaller
	logger      *slog.Logger
	retryDelays []time.Duration
}

// New creates an executor. tools may be nil when no tool manager is wired.
func New(agents *agent.Registry, contexts *taskctx.Manager, bus *events.Bus, replays *replay.Store, tools agent.ToolCaller, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		agents:      agents,
		contexts:    contexts,
		bus:         bus,
		replays:     replays,
		tools:       tools,
		logger:      logger.With("component", "executor"),
		retryDelays: defaultRetryDelays,
	}
}

// ExecuteTask runs a task tree. A fresh execution context is created for the
// task (inheriting from parent when given) and cleaned up on every exit path;
// the returned Result keeps a reference so callers can inspect variables and
// steps after the run.
func (e *Executor) ExecuteTask(task *models.TaskSpec, parent *taskctx.ExecutionContext, opts Options) Result {
	started := time.Now()

	if err := task.Validate(); err != nil {
		res := Result{TaskID: taskID(task), Error: validationErr("%s", err.Error()), Duration: time.Since(started)}
		e.settle(task, &res)
		return res
	}
	if opts.RootID == "" {
		opts.RootID = task.ID
	}

	parentID := ""
	if parent != nil {
		parentID = parent.TaskID
	}
	ctx := e.contexts.Create(task.ID, task.AgentID, parentID)
	defer e.contexts.Cleanup(task.ID)

	tok := opts.Token
	if task.Timeout > 0 {
		ctx.SetDeadline(started.Add(task.Timeout))
		var release func()
		tok, release = cancel.Linked(opts.Token, task.ID, task.Timeout, TimeoutReason)
		defer release()
	}
	scoped := opts
	scoped.Token = tok

	fireBehavior(task, "start", ctx)

	var (
		output any
		err    error
	)
	switch task.Type {
	case models.TaskAtomic:
		output, err = e.runAtomic(task, ctx, scoped)
	case models.TaskSequential:
		output, err = e.runSequential(task, ctx, scoped)
	case models.TaskParallel:
		output, err = e.runParallel(task, ctx, scoped)
	case models.TaskGraph:
		output, err = e.runGraph(task, ctx, scoped)
	case models.TaskConditional:
		output, err = e.runConditional(task, ctx, scoped)
	case models.TaskLoop:
		output, err = e.runLoop(task, ctx, scoped)
	}

	if err == nil {
		fireBehavior(task, "complete", ctx)
	} else {
		fireBehavior(task, "fail", ctx)
	}

	res := Result{
		TaskID:   task.ID,
		Success:  err == nil,
		Output:   output,
		Error:    err,
		Duration: time.Since(started),
		Context:  ctx,
	}
	e.settle(task, &res)
	return res
}

// fireBehavior drives the task's optional state machine. Events the machine
// does not model are ignored.
func fireBehavior(task *models.TaskSpec, event string, ctx *taskctx.ExecutionContext) {
	if task.Behavior == nil {
		return
	}
	_, _ = task.Behavior.Fire(event, ctx.Variables())
}

// settle invokes the task's completion callbacks.
func (e *Executor) settle(task *models.TaskSpec, res *Result) {
	if res.Error != nil {
		e.logger.Warn("Task failed", "task_id", res.TaskID, "type", string(task.Type), "error", res.Error)
		if task.OnFailure != nil {
			task.OnFailure(res.Error)
		}
		return
	}
	if task.OnSuccess != nil {
		task.OnSuccess(res.Output)
	}
}

// runChild executes a subtask under this task's context and exposes its
// output as "{childId}_output" on the parent context.
func (e *Executor) runChild(child *models.TaskSpec, parent *taskctx.ExecutionContext, opts Options) Result {
	res := e.ExecuteTask(child, parent, opts)
	if res.Success {
		parent.SetVariable(child.ID+"_output", res.Output)
	}
	return res
}

func (e *Executor) runAtomic(task *models.TaskSpec, ctx *taskctx.ExecutionContext, opts Options) (any, error) {
	a, ok := e.agents.Get(task.AgentID)
	if !ok {
		return nil, notFoundErr("agent %q not found", task.AgentID)
	}
	input, err := serializeInput(task.Input)
	if err != nil {
		return nil, validationErr("task %q input is not serializable: %s", task.ID, err)
	}

	inv := agent.Invocation{
		TaskID:     task.ID,
		Token:      opts.Token,
		Context:    ctx,
		Tools:      e.tools,
		History:    opts.History,
		Generation: opts.Generation,
	}

	attempts := task.Retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if abortErr := cancel.ErrIfAborted(opts.Token); abortErr != nil {
			return nil, abortErr
		}

		attemptStart := time.Now()
		e.agents.MarkStarted(a.ID)
		out, err := cancel.RaceWithAbort(opts.Token, func(c context.Context) (string, error) {
			return a.Handler(c, input, inv)
		})
		e.agents.MarkFinished(a.ID, err == nil)

		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		e.contexts.RecordStep(task.ID, a.ID, fmt.Sprintf("attempt %d", i+1), input, out, errMsg)
		e.replays.Append(models.ReplayEvent{
			TaskID:    opts.RootID,
			AgentID:   a.ID,
			Kind:      models.ReplayModel,
			Step:      fmt.Sprintf("%s#attempt-%d", task.ID, i+1),
			Input:     input,
			Output:    out,
			Error:     errMsg,
			StartedAt: attemptStart,
		})

		if err == nil {
			return out, nil
		}
		lastErr = err

		// Aborts and deterministic failures are reported, not retried.
		if cancel.IsAbort(err) || Classify(err) == models.ErrKindValidation {
			return nil, err
		}
		if i < attempts-1 {
			delay := e.retryDelays[min(i, len(e.retryDelays)-1)]
			e.logger.Debug("Retrying task", "task_id", task.ID, "attempt", i+1, "delay", delay)
			if abortErr := sleepWithAbort(opts.Token, delay); abortErr != nil {
				return nil, abortErr
			}
		}
	}
	return nil, lastErr
}

func serializeInput(input any) (string, error) {
	switch v := input.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
}

func sleepWithAbort(tok *cancel.Token, d time.Duration) error {
	if tok == nil {
		time.Sleep(d)
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-tok.Done():
		return tok.Err()
	}
}

func taskID(task *models.TaskSpec) string {
	if task == nil {
		return ""
	}
	return task.ID
}
