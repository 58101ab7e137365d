package executor

import (
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/taskctx"
)

func (e *Executor) runSequential(task *models.TaskSpec, ctx *taskctx.ExecutionContext, opts Options) (any, error) {
	var output any
	for _, child := range task.Subtasks {
		if abortErr := cancelErr(opts); abortErr != nil {
			return nil, abortErr
		}
		if !ctx.WithinDeadline() {
			return nil, deadlineErr(opts)
		}

		res := e.runChild(child, ctx, opts)
		if !res.Success {
			if child.AllowFailure {
				e.recordChildFailure(task.ID, ctx, child, res.Error)
				continue
			}
			return nil, res.Error
		}
		output = res.Output
	}
	return output, nil
}

func (e *Executor) runParallel(task *models.TaskSpec, ctx *taskctx.ExecutionContext, opts Options) (any, error) {
	outputs := make([]any, len(task.Subtasks))
	hardErrs := make([]error, len(task.Subtasks))

	// Every child runs to completion (or cooperative cancellation via the
	// shared token); a hard failure fails the parent only after siblings
	// have settled.
	var g errgroup.Group
	var mu sync.Mutex
	for i, child := range task.Subtasks {
		i, child := i, child
		g.Go(func() error {
			res := e.ExecuteTask(child, ctx, opts)
			mu.Lock()
			defer mu.Unlock()
			outputs[i] = res.Output
			if res.Success {
				ctx.SetVariable(child.ID+"_output", res.Output)
				return nil
			}
			if child.AllowFailure {
				e.recordChildFailure(task.ID, ctx, child, res.Error)
				return nil
			}
			hardErrs[i] = res.Error
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range hardErrs {
		if err != nil {
			return nil, err
		}
	}
	return outputs, nil
}

func (e *Executor) runGraph(task *models.TaskSpec, ctx *taskctx.ExecutionContext, opts Options) (any, error) {
	outputs := make(map[string]any, len(task.Graph))
	done := make(map[string]bool, len(task.Graph))
	pending := make(map[string]*models.GraphNode, len(task.Graph))
	for i := range task.Graph {
		node := &task.Graph[i]
		pending[node.ID] = node
	}

	for len(pending) > 0 {
		if abortErr := cancelErr(opts); abortErr != nil {
			return nil, abortErr
		}

		// Collect the next wave: every pending node whose dependencies have
		// all settled.
		wave := make([]*models.GraphNode, 0, len(pending))
		for _, node := range pending {
			ready := true
			for _, dep := range node.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, node)
			}
		}
		if len(wave) == 0 {
			// Unreachable after validation; kept as a hard stop.
			return nil, validationErr("graph task %q: unresolved dependencies or cycle", task.ID)
		}

		hardErrs := make([]error, len(wave))
		var g errgroup.Group
		var mu sync.Mutex
		for i, node := range wave {
			i, node := i, node
			g.Go(func() error {
				e.emitNodeEvent(task.ID, node, "running", opts)
				res := e.ExecuteTask(node.Task, ctx, opts)

				mu.Lock()
				defer mu.Unlock()
				if res.Success {
					outputs[node.ID] = res.Output
					ctx.SetVariable(node.ID+"_output", res.Output)
					e.emitNodeEvent(task.ID, node, "succeeded", opts)
					return nil
				}
				e.emitNodeEvent(task.ID, node, "failed", opts)
				if node.AllowFailure || node.Task.AllowFailure {
					e.recordChildFailure(task.ID, ctx, node.Task, res.Error)
					return nil
				}
				hardErrs[i] = res.Error
				return nil
			})
		}
		_ = g.Wait()

		for _, err := range hardErrs {
			if err != nil {
				return nil, err
			}
		}
		for _, node := range wave {
			done[node.ID] = true
			delete(pending, node.ID)
		}
	}
	return outputs, nil
}

func (e *Executor) emitNodeEvent(graphTaskID string, node *models.GraphNode, status string, opts Options) {
	if opts.OnNodeEvent != nil {
		opts.OnNodeEvent(node.ID, status)
	}
	e.bus.Publish(events.Event{
		Type:    events.EventGraphNode,
		TaskID:  opts.RootID,
		AgentID: node.Task.AgentID,
		Data: map[string]any{
			"graph_task_id": graphTaskID,
			"node":          node.ID,
			"role":          node.Role,
			"status":        status,
		},
	})
}

func (e *Executor) runConditional(task *models.TaskSpec, ctx *taskctx.ExecutionContext, opts Options) (any, error) {
	branch := task.Subtasks[1]
	if task.Condition(ctx.Variables()) {
		branch = task.Subtasks[0]
	}
	res := e.runChild(branch, ctx, opts)
	if !res.Success {
		return nil, res.Error
	}
	return res.Output, nil
}

func (e *Executor) runLoop(task *models.TaskSpec, ctx *taskctx.ExecutionContext, opts Options) (any, error) {
	body := task.Subtasks[0]
	outputs := make([]any, 0)
	for iter := 0; ; iter++ {
		if abortErr := cancelErr(opts); abortErr != nil {
			return nil, abortErr
		}
		if !ctx.WithinDeadline() {
			return nil, deadlineErr(opts)
		}
		if !task.LoopCondition(ctx.Variables()) {
			break
		}
		if iter >= maxLoopIterations {
			return nil, &Error{
				Kind: models.ErrKindExecution,
				Msg:  fmt.Sprintf("loop task %q reached max iterations (%d)", task.ID, maxLoopIterations),
			}
		}

		res := e.runChild(body, ctx, opts)
		if !res.Success {
			if body.AllowFailure {
				e.recordChildFailure(task.ID, ctx, body, res.Error)
				continue
			}
			return nil, res.Error
		}
		outputs = append(outputs, res.Output)
		ctx.SetVariable("iteration", iter+1)
	}
	return outputs, nil
}

// recordChildFailure notes an allow-failure child's error on the parent
// context: one step entry plus a "{childId}_error" variable.
func (e *Executor) recordChildFailure(parentTaskID string, ctx *taskctx.ExecutionContext, child *models.TaskSpec, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	ctx.SetVariable(child.ID+"_error", msg)
	e.contexts.RecordStep(parentTaskID, child.AgentID, "subtask "+child.ID+" failed (allowed)", nil, nil, msg)
}

func cancelErr(opts Options) error {
	if opts.Token == nil {
		return nil
	}
	return opts.Token.Err()
}

// deadlineErr converts an expired context deadline into the right failure:
// the abort that caused it when the token fired, a plain timeout otherwise.
func deadlineErr(opts Options) error {
	if err := cancelErr(opts); err != nil {
		return err
	}
	return &Error{Kind: models.ErrKindTimeout, Msg: TimeoutReason}
}
