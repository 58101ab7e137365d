package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/agent"
	"github.com/maestro-run/maestro/pkg/cancel"
	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/executor"
	"github.com/maestro-run/maestro/pkg/learning"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/replay"
	"github.com/maestro-run/maestro/pkg/sched"
	"github.com/maestro-run/maestro/pkg/store"
	"github.com/maestro-run/maestro/pkg/taskctx"
)

type env struct {
	orch    *Orchestrator
	agents  *agent.Registry
	tasks   *store.TaskStore
	bus     *events.Bus
	cancels *cancel.Registry
	learn   *learning.Module
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	e := &env{
		agents:  agent.NewRegistry(nil),
		bus:     events.NewBus(),
		cancels: cancel.NewRegistry(),
		learn:   learning.New(0),
	}
	e.tasks = store.NewTaskStore(e.bus, nil, nil)
	contexts := taskctx.NewManager()
	exec := executor.New(e.agents, contexts, e.bus, replay.NewStore(0), nil, nil)
	scheduler := sched.New(e.agents, e.bus, nil)
	e.orch = New(cfg, e.agents, scheduler, exec, e.tasks, e.cancels, contexts, e.bus, e.learn, nil)

	_, err := e.agents.Register(&agent.Agent{
		ID: "echo", Version: "1.0", Tags: []string{"chat", "general"},
		Handler: func(_ context.Context, input string, _ agent.Invocation) (string, error) {
			return input, nil
		},
	})
	require.NoError(t, err)
	return e
}

func (e *env) startOrch(t *testing.T) {
	t.Helper()
	e.orch.Start()
	t.Cleanup(func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		_ = e.orch.Stop(ctx)
	})
}

func waitStatus(t *testing.T, tasks *store.TaskStore, taskID string, want models.Status) *models.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := tasks.Get(taskID)
		if err == nil && rec.Status == want {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _ := tasks.Get(taskID)
	t.Fatalf("task %s never reached %s (last: %+v)", taskID, want, rec)
	return nil
}

// waitMetrics polls until the predicate holds. Counters settle shortly after
// the record turns terminal, so direct reads after waitStatus can race.
func waitMetrics(t *testing.T, orch *Orchestrator, pred func(Metrics) bool) Metrics {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m := orch.Metrics(); pred(m) {
			return m
		}
		time.Sleep(10 * time.Millisecond)
	}
	m := orch.Metrics()
	t.Fatalf("metrics never settled (last: %+v)", m)
	return m
}

func TestSubmitRunsToCompletion(t *testing.T) {
	e := newEnv(t, Config{MaxConcurrentTasks: 2})
	e.startOrch(t)

	taskID, err := e.orch.Submit(Submission{Input: "hello", Agent: "echo"})
	require.NoError(t, err)

	rec := waitStatus(t, e.tasks, taskID, models.StatusCompleted)
	assert.Equal(t, "hello", rec.Output)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, "echo", rec.AgentID)
	assert.True(t, rec.ManuallySelected)

	m := waitMetrics(t, e.orch, func(m Metrics) bool { return m.Completed == 1 && m.Active == 0 })
	assert.Equal(t, int64(1), m.Total)
	assert.Equal(t, 1.0, e.orch.GetSuccessRate())
}

func TestSubmitAutoSelectsAgent(t *testing.T) {
	e := newEnv(t, Config{})
	e.startOrch(t)

	taskID, err := e.orch.Submit(Submission{Input: "hello there"})
	require.NoError(t, err)
	rec := waitStatus(t, e.tasks, taskID, models.StatusCompleted)
	assert.Equal(t, "echo", rec.AgentID)
	assert.False(t, rec.ManuallySelected)
	assert.NotEmpty(t, rec.AgentSelectionReason)
	assert.Equal(t, "chat", rec.TaskTypeLabel)
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	e := newEnv(t, Config{})
	_, err := e.orch.Submit(Submission{})
	assert.Error(t, err)
}

func TestSubmitActiveIDConflict(t *testing.T) {
	e := newEnv(t, Config{})
	// No dispatcher: the task stays queued.
	_, err := e.orch.Submit(Submission{TaskID: "t-1", Input: "first", Agent: "echo"})
	require.NoError(t, err)

	_, err = e.orch.Submit(Submission{TaskID: "t-1", Input: "second", Agent: "echo"})
	assert.ErrorIs(t, err, store.ErrTaskRunning)
}

func TestSubmitReusesTerminalID(t *testing.T) {
	e := newEnv(t, Config{})
	e.startOrch(t)

	taskID, err := e.orch.Submit(Submission{TaskID: "t-1", Input: "first", Agent: "echo"})
	require.NoError(t, err)
	waitStatus(t, e.tasks, taskID, models.StatusCompleted)

	again, err := e.orch.Submit(Submission{TaskID: "t-1", Input: "second", Agent: "echo"})
	require.NoError(t, err)
	require.Equal(t, "t-1", again)
	rec := waitStatus(t, e.tasks, again, models.StatusCompleted)
	assert.Equal(t, "second", rec.Output)

	// Reusing a terminal id is an in-place retry: one history entry carrying
	// the lineage.
	assert.Equal(t, 1, rec.RetryCount)
	assert.True(t, rec.IsRetry)
	assert.Equal(t, "t-1", rec.OriginalTaskID)
	assert.Len(t, e.tasks.List(0, ""), 1)

	third, err := e.orch.Submit(Submission{TaskID: "t-1", Input: "third", Agent: "echo"})
	require.NoError(t, err)
	rec = waitStatus(t, e.tasks, third, models.StatusCompleted)
	assert.Equal(t, 2, rec.RetryCount)
}

func TestSubmitDefaultTimeoutApplies(t *testing.T) {
	e := newEnv(t, Config{MaxConcurrentTasks: 1, DefaultTaskTimeout: 30 * time.Millisecond})
	_, err := e.agents.Register(&agent.Agent{
		ID: "sleeper", Version: "1.0",
		Handler: func(ctx context.Context, _ string, _ agent.Invocation) (string, error) {
			select {
			case <-time.After(time.Second):
				return "late", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})
	require.NoError(t, err)
	e.startOrch(t)

	taskID, err := e.orch.Submit(Submission{Input: "slow work", Agent: "sleeper"})
	require.NoError(t, err)

	rec := waitStatus(t, e.tasks, taskID, models.StatusFailed)
	assert.Equal(t, models.ErrKindTimeout, rec.ErrorKind)
	assert.Contains(t, rec.Error, executor.TimeoutReason)
}

func TestFailureSettlesRecord(t *testing.T) {
	e := newEnv(t, Config{})
	_, err := e.agents.Register(&agent.Agent{
		ID: "fail", Version: "1.0",
		Handler: func(context.Context, string, agent.Invocation) (string, error) {
			return "", fmt.Errorf("boom")
		},
	})
	require.NoError(t, err)
	e.startOrch(t)

	taskID, err := e.orch.Submit(Submission{Input: "x", Agent: "fail"})
	require.NoError(t, err)
	rec := waitStatus(t, e.tasks, taskID, models.StatusFailed)
	assert.Contains(t, rec.Error, "boom")
	assert.Equal(t, models.ErrKindExecution, rec.ErrorKind)

	waitMetrics(t, e.orch, func(m Metrics) bool { return m.Failed == 1 })
	assert.Equal(t, 0.0, e.orch.GetSuccessRate())
}

func TestCancelRunningTask(t *testing.T) {
	e := newEnv(t, Config{})
	started := make(chan struct{})
	_, err := e.agents.Register(&agent.Agent{
		ID: "sleeper", Version: "1.0",
		Handler: func(ctx context.Context, _ string, _ agent.Invocation) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	require.NoError(t, err)
	e.startOrch(t)

	taskID, err := e.orch.Submit(Submission{Input: "x", Agent: "sleeper"})
	require.NoError(t, err)
	<-started

	require.NoError(t, e.orch.CancelExecution(taskID))
	rec := waitStatus(t, e.tasks, taskID, models.StatusCancelled)
	assert.Equal(t, CancelledByUserMessage, rec.Error)

	// Idempotent on a terminal task.
	assert.NoError(t, e.orch.CancelExecution(taskID))
	waitMetrics(t, e.orch, func(m Metrics) bool { return m.Cancelled == 1 })
}

func TestCancelQueuedTask(t *testing.T) {
	e := newEnv(t, Config{})
	// Dispatcher not started: the task stays in the queue.
	taskID, err := e.orch.Submit(Submission{Input: "x", Agent: "echo"})
	require.NoError(t, err)

	require.NoError(t, e.orch.CancelExecution(taskID))
	rec, err := e.tasks.Get(taskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, rec.Status)
}

func TestCancelUnknownTask(t *testing.T) {
	e := newEnv(t, Config{})
	assert.ErrorIs(t, e.orch.CancelExecution("ghost"), store.ErrNotFound)
}

func TestConcurrencyLimitHonored(t *testing.T) {
	e := newEnv(t, Config{MaxConcurrentTasks: 2})
	release := make(chan struct{})
	var peak, current int
	var mu sync.Mutex
	_, err := e.agents.Register(&agent.Agent{
		ID: "gate", Version: "1.0",
		Handler: func(ctx context.Context, _ string, _ agent.Invocation) (string, error) {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			select {
			case <-release:
			case <-ctx.Done():
			}
			mu.Lock()
			current--
			mu.Unlock()
			return "ok", nil
		},
	})
	require.NoError(t, err)
	e.startOrch(t)

	ids := make([]string, 4)
	for i := range ids {
		id, err := e.orch.Submit(Submission{Input: "x", Agent: "gate"})
		require.NoError(t, err)
		ids[i] = id
	}

	// Let the dispatcher fill the slots, then release everyone.
	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, e.orch.ActiveCount(), 2)
	close(release)

	for _, id := range ids {
		waitStatus(t, e.tasks, id, models.StatusCompleted)
	}
	mu.Lock()
	assert.LessOrEqual(t, peak, 2, "no more than MaxConcurrentTasks agents at once")
	mu.Unlock()
}

func TestListenerPanicIsolated(t *testing.T) {
	e := newEnv(t, Config{})
	e.startOrch(t)

	e.orch.Subscribe(func(events.Event) { panic("listener bug") })
	seen := make(chan struct{}, 1)
	e.orch.Subscribe(func(evt events.Event) {
		if evt.Type == events.EventWorkflowCompleted {
			select {
			case seen <- struct{}{}:
			default:
			}
		}
	})

	taskID, err := e.orch.Submit(Submission{Input: "x", Agent: "echo"})
	require.NoError(t, err)
	waitStatus(t, e.tasks, taskID, models.StatusCompleted)
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy listener never received workflow.completed")
	}
}

func TestConversationContinuity(t *testing.T) {
	e := newEnv(t, Config{})
	var gotHistory []agent.Turn
	_, err := e.agents.Register(&agent.Agent{
		ID: "memorious", Version: "1.0",
		Handler: func(_ context.Context, input string, inv agent.Invocation) (string, error) {
			gotHistory = inv.History
			return "answer to " + input, nil
		},
	})
	require.NoError(t, err)
	e.startOrch(t)

	first, err := e.orch.Submit(Submission{Input: "q1", Agent: "memorious"})
	require.NoError(t, err)
	waitStatus(t, e.tasks, first, models.StatusCompleted)

	second, err := e.orch.Submit(Submission{Input: "q2", Agent: "memorious", ConversationID: first})
	require.NoError(t, err)
	rec := waitStatus(t, e.tasks, second, models.StatusCompleted)

	assert.Equal(t, first, rec.ConversationID)
	require.Len(t, gotHistory, 1)
	assert.Equal(t, "q1", gotHistory[0].Input)
	assert.Equal(t, "answer to q1", gotHistory[0].Output)
}

func TestRetryLineage(t *testing.T) {
	e := newEnv(t, Config{})
	e.startOrch(t)

	original, err := e.orch.Submit(Submission{Input: "x", Agent: "echo"})
	require.NoError(t, err)

	// Active tasks cannot be retried; wait for terminal first.
	waitStatus(t, e.tasks, original, models.StatusCompleted)

	retryID, err := e.orch.Retry(original)
	require.NoError(t, err)
	assert.NotEqual(t, original, retryID)

	rec := waitStatus(t, e.tasks, retryID, models.StatusCompleted)
	assert.True(t, rec.IsRetry)
	assert.Equal(t, original, rec.OriginalTaskID)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestRetryActiveTaskRejected(t *testing.T) {
	e := newEnv(t, Config{})
	taskID, err := e.orch.Submit(Submission{Input: "x", Agent: "echo"})
	require.NoError(t, err)

	_, err = e.orch.Retry(taskID)
	assert.ErrorIs(t, err, store.ErrTaskRunning)
}

func TestMultiAgentSubmissionRunsGraph(t *testing.T) {
	e := newEnv(t, Config{MaxConcurrentTasks: 4})
	for _, role := range []string{"research", "build", "review", "final"} {
		_, err := e.agents.Register(&agent.Agent{
			ID: role, Version: "1.0",
			Handler: func(_ context.Context, input string, _ agent.Invocation) (string, error) {
				return "done", nil
			},
		})
		require.NoError(t, err)
	}
	e.startOrch(t)

	sub := e.bus.Subscribe(events.Filter{Types: []string{events.EventGraphNode}})
	defer sub.Close()

	taskID, err := e.orch.Submit(Submission{Input: "write a report", MultiAgent: true})
	require.NoError(t, err)
	rec := waitStatus(t, e.tasks, taskID, models.StatusCompleted)
	assert.True(t, rec.MultiAgentEnabled)
	assert.ElementsMatch(t, []string{"research", "build", "review", "final"}, rec.InvolvedAgents)

	// The graph emitted node transitions under the submission's task id.
	evt := <-sub.Events()
	assert.Equal(t, taskID, evt.TaskID)
}

func TestLearningRecordsOutcome(t *testing.T) {
	e := newEnv(t, Config{})
	e.startOrch(t)

	taskID, err := e.orch.Submit(Submission{Input: "x", Agent: "echo"})
	require.NoError(t, err)
	waitStatus(t, e.tasks, taskID, models.StatusCompleted)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(e.learn.Records(0)) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	recs := e.learn.Records(0)
	require.NotEmpty(t, recs)
	assert.True(t, recs[0].Success)
	assert.Equal(t, []string{"echo"}, recs[0].AgentIDs)
}

func TestWorkflowAPI(t *testing.T) {
	e := newEnv(t, Config{})
	root := &models.TaskSpec{ID: "r", Type: models.TaskAtomic, AgentID: "echo", Input: "x"}

	wf, err := e.orch.CreateWorkflow("wf-1", "demo", root, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "demo", wf.Name)

	_, err = e.orch.CreateWorkflow("wf-1", "dup", root, nil)
	assert.Error(t, err)

	got, ok := e.orch.GetWorkflow("wf-1")
	require.True(t, ok)
	assert.Same(t, wf, got)

	_, err = e.orch.CreateWorkflow("wf-2", "bad", &models.TaskSpec{ID: "b", Type: models.TaskAtomic}, nil)
	assert.Error(t, err, "invalid root tasks are rejected")
}

func TestReset(t *testing.T) {
	e := newEnv(t, Config{})
	e.startOrch(t)
	taskID, err := e.orch.Submit(Submission{Input: "x", Agent: "echo"})
	require.NoError(t, err)
	waitStatus(t, e.tasks, taskID, models.StatusCompleted)

	e.orch.Reset()
	m := e.orch.Metrics()
	assert.Zero(t, m.Total)
	assert.Zero(t, m.Completed)
}
