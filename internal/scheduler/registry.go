package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/twind/internal/storage"
)

// Job kinds known to the scheduler.
const (
	JobToneDetection         = "tone_detection"
	JobRelationshipQuestions = "relationship_questions"
	JobPassiveSummarization  = "passive_summarization"
	JobRetryScan             = "retry_scan"
)

var (
	// ErrRunActive means the job kind is already running; overlapping
	// runs are rejected, never queued.
	ErrRunActive = errors.New("job run already active")

	ErrUnknownJob = errors.New("unknown job kind")
)

// RunStats summarizes one job run.
type RunStats struct {
	Processed int
	Failed    int
}

// JobFunc is the body of a scheduled job.
type JobFunc func(ctx context.Context) (RunStats, error)

// Recorder persists per-kind run outcomes for the status endpoint.
type Recorder interface {
	RecordSchedulerRun(r storage.SchedulerRun) error
}

type job struct {
	mu sync.Mutex
	fn JobFunc
}

// Registry holds the registered jobs and serializes runs per kind: a
// trigger while the same kind is running fails fast with ErrRunActive.
// Different kinds run concurrently.
type Registry struct {
	mu       sync.Mutex
	jobs     map[string]*job
	recorder Recorder
	logger   *slog.Logger
}

func NewRegistry(recorder Recorder) *Registry {
	return &Registry{
		jobs:     make(map[string]*job),
		recorder: recorder,
		logger:   slog.Default(),
	}
}

// Register adds or replaces the job for kind.
func (r *Registry) Register(kind string, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[kind] = &job{fn: fn}
}

// Kinds lists the registered job kinds.
func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.jobs))
	for k := range r.jobs {
		kinds = append(kinds, k)
	}
	return kinds
}

// Run executes the job for kind and records its outcome. Cron ticks and
// manual API triggers both come through here.
func (r *Registry) Run(ctx context.Context, kind string) (RunStats, error) {
	r.mu.Lock()
	j, ok := r.jobs[kind]
	r.mu.Unlock()
	if !ok {
		return RunStats{}, fmt.Errorf("%w: %s", ErrUnknownJob, kind)
	}

	if !j.mu.TryLock() {
		return RunStats{}, fmt.Errorf("%w: %s", ErrRunActive, kind)
	}
	defer j.mu.Unlock()

	start := time.Now()
	stats, err := j.fn(ctx)

	run := storage.SchedulerRun{
		Kind:      kind,
		LastRunAt: start.UTC(),
		Processed: stats.Processed,
		Failed:    stats.Failed,
	}
	if err != nil {
		run.LastError = err.Error()
	}
	if r.recorder != nil {
		if recErr := r.recorder.RecordSchedulerRun(run); recErr != nil {
			r.logger.Error("scheduler run not recorded", "kind", kind, "error", recErr)
		}
	}

	if err != nil {
		r.logger.Error("scheduled job failed", "kind", kind, "error", err,
			"processed", stats.Processed, "failed", stats.Failed)
		return stats, err
	}
	r.logger.Info("scheduled job finished", "kind", kind,
		"processed", stats.Processed, "failed", stats.Failed,
		"duration", time.Since(start).Round(time.Millisecond))
	return stats, nil
}

// StartCron schedules each kind at its interval and starts the cron
// runner. Kinds with a zero interval are left manual-only.
func (r *Registry) StartCron(ctx context.Context, intervals map[string]time.Duration) (*cron.Cron, error) {
	c := cron.New()
	for kind, every := range intervals {
		if every <= 0 {
			continue
		}
		kind := kind
		_, err := c.AddFunc(fmt.Sprintf("@every %s", every), func() {
			if _, err := r.Run(ctx, kind); err != nil && !errors.Is(err, ErrRunActive) {
				r.logger.Error("cron run failed", "kind", kind, "error", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", kind, err)
		}
	}
	c.Start()
	return c, nil
}
