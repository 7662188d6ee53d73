package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"plantcare/internal/clock"
)

// Handler runs one sweep. A returned error retries the job with backoff.
type Handler func(ctx context.Context) error

// Recorder observes finished jobs; the metrics package implements it.
type Recorder interface {
	Job(jobType, status string, took time.Duration)
}

type task struct {
	run   Handler
	every time.Duration
}

type Worker struct {
	ID           string
	Repo         *Repo
	Clock        clock.Clock
	Log          *slog.Logger
	PollInterval time.Duration
	Metrics      Recorder

	// HeartbeatInterval is how often a running job's lock is refreshed.
	// Defaults to StuckAfter/5.
	HeartbeatInterval time.Duration

	tasks map[string]task
}

// Handle registers fn for jobType. After every run, successful or finally
// failed, the next run is enqueued every later.
func (w *Worker) Handle(jobType string, every time.Duration, fn Handler) {
	if w.tasks == nil {
		w.tasks = make(map[string]task)
	}
	w.tasks[jobType] = task{run: fn, every: every}
}

// Schedule makes sure each registered sweep has an open job, due now.
func (w *Worker) Schedule(ctx context.Context) error {
	for _, jobType := range w.types() {
		created, err := w.Repo.EnsureScheduled(ctx, jobType, w.Clock.Now())
		if err != nil {
			return fmt.Errorf("schedule %s: %w", jobType, err)
		}
		if created {
			w.logger().Info("job scheduled", "type", jobType)
		}
	}
	return nil
}

// Run polls for due jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Schedule(ctx); err != nil {
		return err
	}

	poll := w.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger().Error("worker claim error", "worker", w.ID, "error", err)
			}
		}
	}
}

// RunOnce claims and handles at most one due job. It reports whether a job
// was found.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.Repo.Claim(ctx, w.ID, w.Clock.Now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.handle(ctx, job)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, job *Job) {
	log := w.logger().With("job_id", job.ID, "type", job.Type)

	t, ok := w.tasks[job.Type]
	if !ok {
		log.Error("unknown job type")
		w.finish(ctx, job, StatusFailed, "unknown job type", 0)
		return
	}

	start := time.Now()
	stop := w.heartbeat(ctx, job)
	err := w.safeRun(ctx, t.run)
	stop()
	took := time.Since(start)

	if err == nil {
		log.Debug("job done", "took", took)
		w.finish(ctx, job, StatusDone, "", took)
		w.enqueueNext(ctx, job.Type, t.every)
		return
	}
	if ctx.Err() != nil {
		// shutting down; the stuck-job sweep hands it to the next worker
		return
	}

	attempts := job.Attempts + 1
	if attempts >= job.MaxAttempts {
		log.Error("job failed", "attempts", attempts, "error", err)
		w.finish(ctx, job, StatusFailed, err.Error(), took)
		w.enqueueNext(ctx, job.Type, t.every)
		return
	}

	sec := math.Min(math.Pow(2, float64(attempts)), 600)
	next := w.Clock.Now().Add(time.Duration(sec) * time.Second)
	log.Warn("job retry scheduled", "attempts", attempts, "run_at", next, "error", err)
	if rerr := w.Repo.RetryLater(ctx, job.ID, attempts, next, err.Error(), w.Clock.Now()); rerr != nil {
		log.Error("retry update failed", "error", rerr)
	}
	if w.Metrics != nil {
		w.Metrics.Job(job.Type, "retry", took)
	}
}

// heartbeat keeps job's locked_at fresh until the returned func is called,
// so long sweeps are not mistaken for stuck ones.
func (w *Worker) heartbeat(ctx context.Context, job *Job) (stop func()) {
	every := w.HeartbeatInterval
	if every <= 0 {
		every = StuckAfter / 5
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := w.Repo.Touch(ctx, job.ID, w.ID, w.Clock.Now())
				if err != nil && ctx.Err() == nil {
					w.logger().Warn("job heartbeat failed", "job_id", job.ID, "error", err)
				} else if err == nil && !held {
					w.logger().Warn("job lock lost", "job_id", job.ID, "type", job.Type)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (w *Worker) safeRun(ctx context.Context, fn Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (w *Worker) finish(ctx context.Context, job *Job, status, errMsg string, took time.Duration) {
	var err error
	if status == StatusDone {
		err = w.Repo.MarkDone(ctx, job.ID, w.Clock.Now())
	} else {
		err = w.Repo.MarkFailed(ctx, job.ID, errMsg, w.Clock.Now())
	}
	if err != nil {
		w.logger().Error("job status update failed", "job_id", job.ID, "status", status, "error", err)
	}
	if w.Metrics != nil {
		w.Metrics.Job(job.Type, status, took)
	}
}

func (w *Worker) enqueueNext(ctx context.Context, jobType string, every time.Duration) {
	if _, err := w.Repo.EnsureScheduled(ctx, jobType, w.Clock.Now().Add(every)); err != nil {
		w.logger().Error("enqueue next run failed", "type", jobType, "error", err)
	}
}

func (w *Worker) types() []string {
	out := make([]string, 0, len(w.tasks))
	for k := range w.tasks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (w *Worker) logger() *slog.Logger {
	if w.Log == nil {
		return slog.Default()
	}
	return w.Log
}
