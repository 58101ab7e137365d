// Package cleanup enforces task history retention in the background.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/maestro-run/maestro/pkg/events"
	"github.com/maestro-run/maestro/pkg/replay"
	"github.com/maestro-run/maestro/pkg/store"
)

// DefaultInterval is how often the sweep runs when no interval is configured.
const DefaultInterval = time.Hour

// Service periodically prunes terminal task records older than the retention
// window, along with their replay logs and event replay buffers. Active tasks
// are never touched.
type Service struct {
	tasks     *store.TaskStore
	replays   *replay.Store
	bus       *events.Bus
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention sweeper. retention <= 0 disables pruning;
// interval <= 0 uses DefaultInterval.
func NewService(tasks *store.TaskStore, replays *replay.Store, bus *events.Bus, retention, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tasks:     tasks,
		replays:   replays,
		bus:       bus,
		retention: retention,
		interval:  interval,
		logger:    logger.With("component", "cleanup"),
	}
}

// Start launches the background sweep loop. No-op when retention is disabled
// or the loop is already running.
func (s *Service) Start(ctx context.Context) {
	if s.retention <= 0 || s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Retention sweeper started",
		"retention", s.retention,
		"interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.logger.Info("Retention sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep prunes one batch of expired records and returns how many were removed.
func (s *Service) Sweep() int {
	cutoff := time.Now().Add(-s.retention)
	pruned := s.tasks.PruneBefore(cutoff)
	for _, id := range pruned {
		if s.replays != nil {
			s.replays.DropTask(id)
		}
		if s.bus != nil {
			s.bus.DropTask(id)
		}
	}
	if len(pruned) > 0 {
		s.logger.Info("Retention: pruned expired tasks", "count", len(pruned))
	}
	return len(pruned)
}
