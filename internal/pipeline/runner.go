package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/podkiya/media-pipeline/internal/clip"
	"github.com/podkiya/media-pipeline/internal/logging"
)

const DefaultPollInterval = 2 * time.Second

// Runner polls for pending runs and index tasks and dispatches them to
// the orchestrator. Runs for different clips execute in parallel up to
// the worker limit; a per-clip guard keeps at most one unit of work per
// clip in flight. No lock is held across orchestrator calls.
type Runner struct {
	orch     *Orchestrator
	repo     clip.Repository
	logger   *slog.Logger
	interval time.Duration
	slots    chan struct{}

	mu       sync.Mutex
	inFlight map[string]bool
	paused   bool

	wg sync.WaitGroup
}

func NewRunner(orch *Orchestrator, repo clip.Repository, workers int, interval time.Duration, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Runner{
		orch:     orch,
		repo:     repo,
		logger:   logging.WithComponent(logger, "runner"),
		interval: interval,
		slots:    make(chan struct{}, workers),
		inFlight: make(map[string]bool),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight work to
// drain before returning.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("runner started", "workers", cap(r.slots), "interval", r.interval.String())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			r.logger.Info("runner stopped")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// Pause stops dispatching new work. Work already in flight finishes.
func (r *Runner) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	r.logger.Info("runner paused")
}

func (r *Runner) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	r.logger.Info("runner resumed")
}

func (r *Runner) poll(ctx context.Context) {
	r.mu.Lock()
	paused := r.paused
	r.mu.Unlock()
	if paused {
		return
	}

	runs, err := r.repo.ListPendingRuns(ctx)
	if err != nil {
		r.logger.Error("failed to list pending runs", "error", err)
	} else {
		for _, run := range runs {
			run := run
			r.dispatch(ctx, run.ClipID, func(ctx context.Context) error {
				return r.orch.ProcessRun(ctx, run.ID)
			})
		}
	}

	tasks, err := r.repo.ListPendingIndexTasks(ctx)
	if err != nil {
		r.logger.Error("failed to list pending index tasks", "error", err)
		return
	}
	for _, task := range tasks {
		task := task
		r.dispatch(ctx, task.ClipID, func(ctx context.Context) error {
			return r.orch.ProcessIndexTask(ctx, task)
		})
	}
}

// dispatch hands one unit of work to a worker goroutine. It skips the
// work when the clip already has something in flight or all worker slots
// are busy; the next poll picks it up again.
func (r *Runner) dispatch(ctx context.Context, clipID string, fn func(context.Context) error) {
	r.mu.Lock()
	if r.inFlight[clipID] {
		r.mu.Unlock()
		return
	}
	r.inFlight[clipID] = true
	r.mu.Unlock()

	select {
	case r.slots <- struct{}{}:
	default:
		r.release(clipID)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		defer r.release(clipID)

		if err := fn(ctx); err != nil {
			logging.WithClipID(r.logger, clipID).Error("work item failed", "error", err)
		}
	}()
}

func (r *Runner) release(clipID string) {
	r.mu.Lock()
	delete(r.inFlight, clipID)
	r.mu.Unlock()
}
