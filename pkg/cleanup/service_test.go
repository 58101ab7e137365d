package cleanup

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/replay"
	"github.com/maestro-run/maestro/pkg/store"
)

func seedTask(t *testing.T, tasks *store.TaskStore, id string, status models.Status, age time.Duration) {
	t.Helper()
	tasks.Seed([]*models.TaskRecord{{
		ID:        id,
		Input:     "input",
		Status:    status,
		StartedAt: time.Now().Add(-age),
	}})
}

func TestSweepPrunesExpiredTerminalTasks(t *testing.T) {
	bus := events.NewBus()
	tasks := store.NewTaskStore(bus, nil, slog.Default())
	replays := replay.NewStore(0)

	seedTask(t, tasks, "old-done", models.StatusCompleted, 48*time.Hour)
	seedTask(t, tasks, "old-failed", models.StatusFailed, 48*time.Hour)
	seedTask(t, tasks, "fresh-done", models.StatusCompleted, time.Hour)
	replays.Append(models.ReplayEvent{TaskID: "old-done", Step: "generate"})

	svc := NewService(tasks, replays, bus, 24*time.Hour, time.Hour, slog.Default())
	require.Equal(t, 2, svc.Sweep())

	_, err := tasks.Get("old-done")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = tasks.Get("old-failed")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = tasks.Get("fresh-done")
	assert.NoError(t, err)
	assert.Empty(t, replays.Query("old-done", 0))
}

func TestSweepNeverPrunesActiveTasks(t *testing.T) {
	tasks := store.NewTaskStore(events.NewBus(), nil, slog.Default())
	seedTask(t, tasks, "stuck", models.StatusInProgress, 72*time.Hour)

	svc := NewService(tasks, nil, nil, 24*time.Hour, time.Hour, slog.Default())
	assert.Zero(t, svc.Sweep())

	_, err := tasks.Get("stuck")
	assert.NoError(t, err)
}

func TestStartDisabledWithoutRetention(t *testing.T) {
	tasks := store.NewTaskStore(events.NewBus(), nil, slog.Default())
	svc := NewService(tasks, nil, nil, 0, time.Hour, slog.Default())

	svc.Start(context.Background())
	assert.Nil(t, svc.cancel)
	svc.Stop()
}

func TestStartStopLifecycle(t *testing.T) {
	tasks := store.NewTaskStore(events.NewBus(), nil, slog.Default())
	seedTask(t, tasks, "old", models.StatusCompleted, 48*time.Hour)

	svc := NewService(tasks, nil, nil, 24*time.Hour, time.Hour, slog.Default())
	svc.Start(context.Background())
	svc.Start(context.Background()) // second Start is a no-op

	// The initial sweep runs on startup.
	require.Eventually(t, func() bool {
		_, err := tasks.Get("old")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	svc.Stop()
	svc.Stop() // idempotent
}
