// Package orchestrator is the front door for workflows: it admits
// submissions, dispatches queued tasks to the executor under the concurrency
// limit, maintains aggregate metrics, and fans events to subscribers.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestro-run/maestro/pkg/agent"
	"github.com/maestro-run/maestro/pkg/cancel"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/executor"
	"github.com/maestro-run/maestro/pkg/learning"
	"github.com/maestro-run/maestro/pkg/masking"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/sched"
	"github.com/maestro-run/maestro/pkg/store"
	"github.com/maestro-run/maestro/pkg/taskctx"
)

// CancelledByUserMessage is the error text stored when a user stops a task.
// Cancellation is not a failure; the record ends cancelled, never failed.
const CancelledByUserMessage = "Task was cancelled by user"

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrentTasks caps workflows executing at once; queued tasks wait
	// for a free slot.
	MaxConcurrentTasks int

	// DefaultTaskTimeout applies to submitted root tasks that do not carry
	// their own timeout. Zero disables the fallback.
	DefaultTaskTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{MaxConcurrentTasks: 4}
}

// Metrics is a snapshot of the aggregate counters.
type Metrics struct {
	Total         int64   `json:"total"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	Cancelled     int64   `json:"cancelled"`
	Active        int     `json:"active"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Orchestrator wires the scheduler, executor, store, and registries into the
// submission-to-completion pipeline.
type Orchestrator struct {
	cfg      Config
	agents   *agent.Registry
	sched    *sched.Scheduler
	exec     *executor.Executor
	tasks    *store.TaskStore
	cancels  *cancel.Registry
	contexts *taskctx.Manager
	bus      *events.Bus
	learn    *learning.Module
	logger   *slog.Logger

	mu         sync.Mutex
	workflows  map[string]*models.Workflow
	histories  map[string][]agent.Turn
	active     int
	total      int64
	completed  int64
	failed     int64
	cancelled  int64
	totalDurMs int64
	listeners  map[string]func(events.Event)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an orchestrator. learn may be nil.
func New(cfg Config, agents *agent.Registry, scheduler *sched.Scheduler, exec *executor.Executor, tasks *store.TaskStore, cancels *cancel.Registry, contexts *taskctx.Manager, bus *events.Bus, learn *learning.Module, logger *slog.Logger) *Orchestrator {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultConfig().MaxConcurrentTasks
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		agents:    agents,
		sched:     scheduler,
		exec:      exec,
		tasks:     tasks,
		cancels:   cancels,
		contexts:  contexts,
		bus:       bus,
		learn:     learn,
		logger:    logger.With("component", "orchestrator"),
		workflows: make(map[string]*models.Workflow),
		histories: make(map[string][]agent.Turn),
		listeners: make(map[string]func(events.Event)),
		stopCh:    make(chan struct{}),
	}
}

// RegisterAgent adds or updates an agent. Hot-reload safe.
func (o *Orchestrator) RegisterAgent(a *agent.Agent) (bool, error) {
	return o.agents.Register(a)
}

// UnregisterAgent removes an agent.
func (o *Orchestrator) UnregisterAgent(id string) bool {
	return o.agents.Unregister(id)
}

// CreateWorkflow registers a workflow definition.
func (o *Orchestrator) CreateWorkflow(id, name string, root *models.TaskSpec, variables map[string]any) (*models.Workflow, error) {
	if root == nil {
		return nil, fmt.Errorf("workflow %q requires a root task", id)
	}
	if err := root.Validate(); err != nil {
		return nil, err
	}
	wf := &models.Workflow{ID: id, Name: name, Root: root, Variables: variables}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.workflows[id]; exists {
		return nil, fmt.Errorf("workflow %q already exists", id)
	}
	o.workflows[id] = wf
	return wf, nil
}

// GetWorkflow returns a registered workflow.
func (o *Orchestrator) GetWorkflow(id string) (*models.Workflow, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	wf, ok := o.workflows[id]
	return wf, ok
}

// Subscribe registers an event listener and returns its id. Listener panics
// are isolated; a failing listener never crashes a run.
func (o *Orchestrator) Subscribe(listener func(events.Event)) string {
	id := uuid.New().String()
	o.mu.Lock()
	o.listeners[id] = listener
	o.mu.Unlock()
	return id
}

// Unsubscribe removes a listener.
func (o *Orchestrator) Unsubscribe(id string) {
	o.mu.Lock()
	delete(o.listeners, id)
	o.mu.Unlock()
}

func (o *Orchestrator) notify(evt events.Event) {
	o.bus.Publish(evt)

	o.mu.Lock()
	listeners := make([]func(events.Event), 0, len(o.listeners))
	for _, fn := range o.listeners {
		listeners = append(listeners, fn)
	}
	o.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("Event listener panicked", "panic", r, "event_type", evt.Type)
				}
			}()
			fn(evt)
		}()
	}
}

// Metrics returns a snapshot of the aggregate counters.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := Metrics{
		Total:     o.total,
		Completed: o.completed,
		Failed:    o.failed,
		Cancelled: o.cancelled,
		Active:    o.active,
	}
	finished := o.completed + o.failed + o.cancelled
	if finished > 0 {
		m.AvgDurationMs = float64(o.totalDurMs) / float64(finished)
	}
	return m
}

// GetSuccessRate returns completed / total (1 when nothing ran).
func (o *Orchestrator) GetSuccessRate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.total == 0 {
		return 1
	}
	return float64(o.completed) / float64(o.total)
}

// Reset zeroes the aggregate counters. Test hook.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	o.total, o.completed, o.failed, o.cancelled, o.totalDurMs = 0, 0, 0, 0, 0
	o.mu.Unlock()
}

// ActiveCount returns the number of executing workflows.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// acquireSlot reserves an execution slot if one is free.
func (o *Orchestrator) acquireSlot() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active >= o.cfg.MaxConcurrentTasks {
		return false
	}
	o.active++
	return true
}

func (o *Orchestrator) releaseSlot() {
	o.mu.Lock()
	if o.active > 0 {
		o.active--
	}
	o.mu.Unlock()
}

// Start launches the dispatcher draining the admission queue as slots free
// up.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.dispatchLoop()
	o.logger.Info("Orchestrator started", "max_concurrent_tasks", o.cfg.MaxConcurrentTasks)
}

// Stop halts the dispatcher and waits for in-flight workflows, bounded by
// ctx.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() { close(o.stopCh) })

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("Orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown timed out: %w", ctx.Err())
	}
}

func (o *Orchestrator) dispatchLoop() {
	defer o.wg.Done()

	// The ticker backstops missed ready signals when all slots were busy.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-o.sched.Ready():
		case <-ticker.C:
		}
		o.drain()
	}
}

func (o *Orchestrator) drain() {
	for {
		if !o.acquireSlot() {
			return
		}
		taskID, ok := o.sched.Dequeue()
		if !ok {
			o.releaseSlot()
			return
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.runWorkflow(taskID)
		}()
	}
}

// ExecuteWorkflow runs a registered workflow synchronously, bypassing the
// queue. It enforces the concurrency limit and guarantees slot release on
// every exit path.
func (o *Orchestrator) ExecuteWorkflow(id string, opts executor.Options) (executor.Result, error) {
	if _, ok := o.GetWorkflow(id); !ok {
		return executor.Result{}, fmt.Errorf("workflow %q not found", id)
	}
	if !o.acquireSlot() {
		return executor.Result{}, fmt.Errorf("concurrency limit reached (%d active)", o.cfg.MaxConcurrentTasks)
	}
	return o.execute(id, opts), nil
}

// runWorkflow is the dispatcher path; the slot is already held.
func (o *Orchestrator) runWorkflow(taskID string) {
	o.execute(taskID, executor.Options{})
}

// execute owns a slot and releases it on every exit path.
func (o *Orchestrator) execute(taskID string, opts executor.Options) executor.Result {
	defer o.releaseSlot()
	started := time.Now()

	o.mu.Lock()
	wf := o.workflows[taskID]
	o.total++
	o.mu.Unlock()

	if wf == nil {
		o.logger.Error("No workflow for queued task", "task_id", taskID)
		o.finishFailed(taskID, started, fmt.Errorf("workflow %q not found", taskID))
		return executor.Result{TaskID: taskID, Error: fmt.Errorf("workflow %q not found", taskID)}
	}

	rec, err := o.tasks.Get(taskID)
	if err == nil && rec.Status.Terminal() {
		// Cancelled while queued; nothing to run.
		return executor.Result{TaskID: taskID, Success: rec.Status == models.StatusCompleted}
	}

	tok := opts.Token
	if tok == nil {
		tok = o.cancels.GetOrCreate(taskID)
	}
	if _, err := o.tasks.UpdateStatus(taskID, models.StatusInProgress); err != nil && err != store.ErrNotFound {
		o.logger.Warn("Failed to mark task in progress", "task_id", taskID, "error", err)
	}

	o.notify(events.Event{
		Type:   events.EventWorkflowStarted,
		TaskID: taskID,
		Data:   map[string]any{"workflow": wf.Name},
	})

	// Root context seeds the workflow variables; the executor's contexts
	// inherit a snapshot of it.
	seed := o.contexts.Create("wf:"+taskID, "", "")
	for k, v := range wf.Variables {
		seed.SetVariable(k, v)
	}
	defer o.contexts.Cleanup("wf:" + taskID)

	runOpts := opts
	runOpts.Token = tok
	runOpts.RootID = taskID
	runOpts.History = o.takeHistory(taskID)
	if rec != nil {
		runOpts.Generation = rec.Generation
	}
	if runOpts.OnNodeEvent == nil {
		runOpts.OnNodeEvent = func(string, string) {}
	}
	res := o.exec.ExecuteTask(wf.Root, seed, runOpts)

	durationMs := time.Since(started).Milliseconds()
	o.settleRecord(taskID, res, durationMs)
	o.settleMetrics(res, durationMs)
	o.recordLearning(taskID, res, durationMs)

	o.notify(events.Event{
		Type:   events.EventWorkflowCompleted,
		TaskID: taskID,
		Data:   map[string]any{"success": res.Success, "duration_ms": durationMs},
	})
	o.cancels.Cleanup(taskID)
	return res
}

func (o *Orchestrator) settleRecord(taskID string, res executor.Result, durationMs int64) {
	_, err := o.tasks.Update(taskID, func(rec *models.TaskRecord) {
		rec.DurationMs = durationMs
		switch {
		case res.Success:
			rec.Status = models.StatusCompleted
			rec.Progress = 100
			rec.Output = masking.Apply(renderOutput(res.Output))
		case executor.Classify(res.Error) == models.ErrKindAborted:
			rec.Status = models.StatusCancelled
			rec.Error = CancelledByUserMessage
			rec.ErrorKind = models.ErrKindAborted
		default:
			rec.Status = models.StatusFailed
			rec.Error = masking.Apply(res.Error.Error())
			rec.ErrorKind = executor.Classify(res.Error)
			rec.FailedLayer = "executor"
		}
	})
	if err != nil && err != store.ErrNotFound {
		o.logger.Error("Failed to settle task record", "task_id", taskID, "error", err)
	}
}

func (o *Orchestrator) settleMetrics(res executor.Result, durationMs int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.totalDurMs += durationMs
	switch {
	case res.Success:
		o.completed++
	case executor.Classify(res.Error) == models.ErrKindAborted:
		o.cancelled++
	default:
		o.failed++
	}
}

func (o *Orchestrator) recordLearning(taskID string, res executor.Result, durationMs int64) {
	if o.learn == nil {
		return
	}
	rec, err := o.tasks.Get(taskID)
	if err != nil {
		return
	}
	agents := rec.InvolvedAgents
	if len(agents) == 0 && rec.AgentID != "" {
		agents = []string{rec.AgentID}
	}
	strategy := models.StrategySequential
	if rec.MultiAgentEnabled {
		strategy = models.StrategyParallel
	}
	quality := 0.0
	if res.Success {
		quality = 1.0
	}
	errMsg := ""
	if res.Error != nil {
		errMsg = res.Error.Error()
	}
	o.learn.Record(models.ExecutionRecord{
		AgentIDs:      agents,
		Strategy:      strategy,
		ExecutionTime: durationMs,
		QualityScore:  quality,
		Success:       res.Success,
		ErrorMessage:  errMsg,
	})
}

// finishFailed settles a task that never reached the executor.
func (o *Orchestrator) finishFailed(taskID string, started time.Time, cause error) {
	o.mu.Lock()
	o.failed++
	o.totalDurMs += time.Since(started).Milliseconds()
	o.mu.Unlock()
	_, err := o.tasks.Update(taskID, func(rec *models.TaskRecord) {
		rec.Status = models.StatusFailed
		rec.Error = cause.Error()
		rec.ErrorKind = models.ErrKindInternal
	})
	if err != nil && err != store.ErrNotFound {
		o.logger.Error("Failed to record dispatch failure", "task_id", taskID, "error", err)
	}
}

// CancelExecution aborts a task. Queued tasks are cancelled in place;
// running tasks get their token aborted and settle through the executor.
// Idempotent: cancelling a terminal task is a no-op.
func (o *Orchestrator) CancelExecution(taskID string) error {
	rec, err := o.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	if o.sched.Remove(taskID) {
		_, err := o.tasks.Update(taskID, func(r *models.TaskRecord) {
			r.Status = models.StatusCancelled
			r.Error = CancelledByUserMessage
			r.ErrorKind = models.ErrKindAborted
		})
		o.cancels.Cleanup(taskID)
		o.mu.Lock()
		o.cancelled++
		o.mu.Unlock()
		return err
	}

	o.cancels.Abort(taskID, "user requested cancellation")
	o.logger.Info("Task cancellation requested", "task_id", taskID)
	return nil
}

func (o *Orchestrator) takeHistory(taskID string) []agent.Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	history := o.histories[taskID]
	delete(o.histories, taskID)
	return history
}

func renderOutput(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}
