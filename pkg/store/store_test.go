package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/models"
)

func newStore(t *testing.T) (*TaskStore, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	return NewTaskStore(bus, nil, nil), bus
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Create(&models.TaskRecord{ID: "t-1", Input: "hello", AgentID: "echo"}))

	rec, err := s.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, rec.Status)
	assert.False(t, rec.StartedAt.IsZero())

	_, err = s.Get("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsActiveIDReuse(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Create(&models.TaskRecord{ID: "t-1"}))

	// Active id: rejected.
	err := s.Create(&models.TaskRecord{ID: "t-1"})
	assert.ErrorIs(t, err, ErrTaskRunning)

	// Terminal id: the slot is reusable.
	_, err = s.UpdateStatus("t-1", models.StatusCancelled)
	require.NoError(t, err)
	assert.NoError(t, s.Create(&models.TaskRecord{ID: "t-1"}))
}

func TestStatusTransitionsSerialized(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Create(&models.TaskRecord{ID: "t-1"}))

	_, err := s.UpdateStatus("t-1", models.StatusInProgress)
	require.NoError(t, err)
	_, err = s.UpdateStatus("t-1", models.StatusCompleted)
	require.NoError(t, err)

	// Terminal states never revert.
	_, err = s.UpdateStatus("t-1", models.StatusInProgress)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	rec, err := s.Get("t-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Status)
}

func TestStatusChangeProjectsToBus(t *testing.T) {
	s, bus := newStore(t)
	sub := bus.Subscribe(events.Filter{TaskID: "t-1"})
	defer sub.Close()

	require.NoError(t, s.Create(&models.TaskRecord{ID: "t-1", AgentID: "echo"}))
	_, err := s.UpdateStatus("t-1", models.StatusInProgress)
	require.NoError(t, err)

	first := waitEvent(t, sub)
	assert.Equal(t, events.EventTaskQueued, first.Type)
	second := waitEvent(t, sub)
	assert.Equal(t, events.EventTaskStarted, second.Type)
	assert.Equal(t, "in_progress", second.Data["status"])
}

func TestProgressUpdateDoesNotProject(t *testing.T) {
	s, bus := newStore(t)
	require.NoError(t, s.Create(&models.TaskRecord{ID: "t-1"}))

	sub := bus.Subscribe(events.Filter{TaskID: "t-1", Types: []string{events.EventTaskProgress}})
	defer sub.Close()

	_, err := s.Update("t-1", func(rec *models.TaskRecord) { rec.Progress = 50 })
	require.NoError(t, err)

	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected projection %q for a non-status update", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConversationLinkAndCascadeDelete(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Create(&models.TaskRecord{ID: "first"}))
	require.NoError(t, s.Create(&models.TaskRecord{ID: "second", ConversationID: "first"}))
	require.NoError(t, s.Create(&models.TaskRecord{ID: "third", ConversationID: "first"}))
	require.NoError(t, s.Create(&models.TaskRecord{ID: "unrelated"}))

	conv, err := s.CanonicalConversationID("second")
	require.NoError(t, err)
	assert.Equal(t, "first", conv)

	conv, err = s.CanonicalConversationID("first")
	require.NoError(t, err)
	assert.Equal(t, "first", conv)

	thread := s.Conversation("first")
	require.Len(t, thread, 3)

	// Deleting any member removes the whole thread.
	deleted, err := s.Delete("second")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"first", "second", "third"}, deleted)
	assert.Equal(t, 1, s.Len())
}

func TestListSortedByStartedAt(t *testing.T) {
	s, _ := newStore(t)
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(&models.TaskRecord{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	newest := s.List(0, "")
	require.Len(t, newest, 3)
	assert.Equal(t, "c", newest[0].ID)

	oldest := s.List(2, "asc")
	require.Len(t, oldest, 2)
	assert.Equal(t, "a", oldest[0].ID)
}

func TestActiveExcludesTerminal(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Create(&models.TaskRecord{ID: "live"}))
	require.NoError(t, s.Create(&models.TaskRecord{ID: "done"}))
	_, err := s.UpdateStatus("done", models.StatusCompleted)
	require.NoError(t, err)

	active := s.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].ID)
}

func TestAgentStatsAggregation(t *testing.T) {
	s, _ := newStore(t)
	mk := func(id string, status models.Status, durMs int64, errMsg string) {
		require.NoError(t, s.Create(&models.TaskRecord{ID: id, AgentID: "echo"}))
		_, err := s.Update(id, func(rec *models.TaskRecord) {
			rec.Status = status
			rec.DurationMs = durMs
			rec.Error = errMsg
		})
		require.NoError(t, err)
	}
	mk("ok-1", models.StatusCompleted, 100, "")
	mk("ok-2", models.StatusCompleted, 300, "")
	mk("bad-1", models.StatusFailed, 200, "boom")
	mk("bad-2", models.StatusFailed, 200, "boom")
	mk("stop", models.StatusCancelled, 0, "")

	stats := s.AgentStats("echo", time.Hour)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.Cancelled)
	assert.InDelta(t, 40.0, stats.SuccessRatePercent, 1e-9)
	assert.InDelta(t, 200.0, stats.AvgExecutionTimeMs, 1e-9)
	require.NotEmpty(t, stats.TopFailureReasons)
	assert.Equal(t, "boom", stats.TopFailureReasons[0].Reason)
	assert.Equal(t, 2, stats.TopFailureReasons[0].Count)
	assert.Zero(t, stats.EstimatedCost)

	all := s.MetricsByAgent(time.Hour)
	require.Len(t, all, 1)
	assert.Equal(t, "echo", all[0].AgentID)
}

func TestClear(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Create(&models.TaskRecord{ID: "t-1"}))
	require.NoError(t, s.Create(&models.TaskRecord{ID: "t-2"}))
	assert.Equal(t, 2, s.Clear())
	assert.Equal(t, 0, s.Len())
}

func waitEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case evt := <-sub.Events():
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}
