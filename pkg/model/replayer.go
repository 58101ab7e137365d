package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/maestro-run/maestro/pkg/models"
	"github.com/maestro-run/maestro/pkg/replay"
)

// ReplayAdapter substitutes generation with recorded outputs from the replay
// store. Each task id replays its model events in the original order; the
// adapter never touches a live provider.
type ReplayAdapter struct {
	store *replay.Store

	mu     sync.Mutex
	cursor map[string]int // task id -> next model event index
}

// NewReplayAdapter creates an adapter over store.
func NewReplayAdapter(store *replay.Store) *ReplayAdapter {
	return &ReplayAdapter{store: store, cursor: make(map[string]int)}
}

// Name implements Adapter.
func (a *ReplayAdapter) Name() string { return "replay" }

// Generate implements Adapter by returning the next recorded model output for
// req.TaskID. Running past the end of the log is a MODEL_ERROR class failure:
// the replayed execution diverged from the recording.
func (a *ReplayAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	evts := a.store.Query(req.TaskID, 0)
	modelEvts := make([]models.ReplayEvent, 0, len(evts))
	for _, evt := range evts {
		if evt.Kind == models.ReplayModel {
			modelEvts = append(modelEvts, evt)
		}
	}

	a.mu.Lock()
	idx := a.cursor[req.TaskID]
	a.cursor[req.TaskID] = idx + 1
	a.mu.Unlock()

	if idx >= len(modelEvts) {
		return Response{}, fmt.Errorf("replay exhausted for task %s: %d model events recorded, call %d requested", req.TaskID, len(modelEvts), idx+1)
	}
	evt := modelEvts[idx]
	if evt.Error != "" {
		return Response{}, fmt.Errorf("replayed model error: %s", evt.Error)
	}
	out, ok := evt.Output.(string)
	if !ok && evt.Output != nil {
		out = fmt.Sprint(evt.Output)
	}
	return Response{Output: out, Provider: a.Name()}, nil
}

// Reset clears the replay cursor for a task so it can be replayed again.
func (a *ReplayAdapter) Reset(taskID string) {
	a.mu.Lock()
	delete(a.cursor, taskID)
	a.mu.Unlock()
}
