package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"plantcare/internal/clock"
	"plantcare/internal/logging"
	"plantcare/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 1, 8, 6, 0, 0, 0, time.UTC)

func newWorker(t *testing.T) (*Worker, *clock.Fixed) {
	t.Helper()
	db := testutil.NewDB(t, &Job{})
	c := clock.NewFixed(t0)
	return &Worker{
		ID:           "worker-test",
		Repo:         &Repo{DB: db},
		Clock:        c,
		Log:          logging.Discard(),
		PollInterval: 5 * time.Millisecond,
	}, c
}

func jobsOf(t *testing.T, w *Worker, jobType string) []Job {
	t.Helper()
	var out []Job
	require.NoError(t, w.Repo.DB.Where("type = ?", jobType).Order("id").Find(&out).Error)
	return out
}

func TestScheduleIsIdempotent(t *testing.T) {
	w, _ := newWorker(t)
	w.Handle(TypeWateringSweep, time.Hour, func(context.Context) error { return nil })
	w.Handle(TypeSubscriptionSweep, time.Hour, func(context.Context) error { return nil })
	ctx := context.Background()

	require.NoError(t, w.Schedule(ctx))
	require.NoError(t, w.Schedule(ctx))

	assert.Len(t, jobsOf(t, w, TypeWateringSweep), 1)
	assert.Len(t, jobsOf(t, w, TypeSubscriptionSweep), 1)
}

func TestRunOnceCompletesAndReschedules(t *testing.T) {
	w, c := newWorker(t)
	runs := 0
	w.Handle(TypeWateringSweep, time.Hour, func(context.Context) error { runs++; return nil })
	ctx := context.Background()
	require.NoError(t, w.Schedule(ctx))

	found, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, runs)

	found, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, found, "next run is an hour out")

	all := jobsOf(t, w, TypeWateringSweep)
	require.Len(t, all, 2)
	assert.Equal(t, StatusDone, all[0].Status)
	assert.Equal(t, StatusPending, all[1].Status)
	assert.True(t, all[1].RunAt.Equal(t0.Add(time.Hour)))

	c.Advance(time.Hour)
	found, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, runs)
}

func TestFailingJobBacksOffThenFails(t *testing.T) {
	w, c := newWorker(t)
	w.Handle(TypeSubscriptionSweep, time.Hour, func(context.Context) error { return errors.New("db down") })
	ctx := context.Background()

	require.NoError(t, w.Repo.DB.Create(&Job{Type: TypeSubscriptionSweep, RunAt: t0, Status: StatusPending, MaxAttempts: 2}).Error)

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	j := jobsOf(t, w, TypeSubscriptionSweep)[0]
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 1, j.Attempts)
	assert.True(t, j.RunAt.Equal(t0.Add(2*time.Second)))
	require.NotNil(t, j.LastError)
	assert.Equal(t, "db down", *j.LastError)

	found, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	c.Advance(2 * time.Second)
	_, err = w.RunOnce(ctx)
	require.NoError(t, err)

	all := jobsOf(t, w, TypeSubscriptionSweep)
	require.Len(t, all, 2)
	assert.Equal(t, StatusFailed, all[0].Status)
	assert.Equal(t, StatusPending, all[1].Status)
}

func TestPanickingHandlerIsRetried(t *testing.T) {
	w, _ := newWorker(t)
	w.Handle(TypeWateringSweep, time.Hour, func(context.Context) error { panic("boom") })
	ctx := context.Background()
	require.NoError(t, w.Schedule(ctx))

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)

	j := jobsOf(t, w, TypeWateringSweep)[0]
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 1, j.Attempts)
}

func TestUnknownJobTypeFails(t *testing.T) {
	w, _ := newWorker(t)
	require.NoError(t, w.Repo.DB.Create(&Job{Type: "MYSTERY", RunAt: t0, Status: StatusPending, MaxAttempts: 8}).Error)

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, jobsOf(t, w, "MYSTERY")[0].Status)
}

func TestClaimRequeuesStuckJobs(t *testing.T) {
	w, _ := newWorker(t)
	owner := "dead-worker"
	lockedAt := t0.Add(-10 * time.Minute)
	require.NoError(t, w.Repo.DB.Create(&Job{
		Type: TypeWateringSweep, RunAt: t0.Add(-time.Hour), Status: StatusRunning,
		MaxAttempts: 8, LockedBy: &owner, LockedAt: &lockedAt,
	}).Error)

	job, err := w.Repo.Claim(context.Background(), w.ID, t0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, w.ID, *job.LockedBy)
}

func TestHeartbeatKeepsLongJobFromBeingRequeued(t *testing.T) {
	w, c := newWorker(t)
	w.HeartbeatInterval = 5 * time.Millisecond
	ctx := context.Background()

	var (
		stolen  *Job
		claimed error
	)
	w.Handle(TypeWateringSweep, time.Hour, func(ctx context.Context) error {
		c.Advance(StuckAfter + time.Minute)
		require.Eventually(t, func() bool {
			var j Job
			if err := w.Repo.DB.Where("type = ? AND status = ?", TypeWateringSweep, StatusRunning).First(&j).Error; err != nil {
				return false
			}
			return j.LockedAt != nil && j.LockedAt.Equal(c.Now())
		}, time.Second, 5*time.Millisecond)

		stolen, claimed = w.Repo.Claim(ctx, "other-worker", c.Now())
		return nil
	})
	require.NoError(t, w.Schedule(ctx))

	found, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, claimed)
	assert.Nil(t, stolen)

	all := jobsOf(t, w, TypeWateringSweep)
	require.Len(t, all, 2)
	assert.Equal(t, StatusDone, all[0].Status)
	assert.Equal(t, StatusPending, all[1].Status)
}

func TestTouchIgnoresJobsHeldByOthers(t *testing.T) {
	w, c := newWorker(t)
	ctx := context.Background()
	w.Handle(TypeWateringSweep, time.Hour, func(context.Context) error { return nil })
	require.NoError(t, w.Schedule(ctx))

	job, err := w.Repo.Claim(ctx, "other-worker", c.Now())
	require.NoError(t, err)
	require.NotNil(t, job)

	held, err := w.Repo.Touch(ctx, job.ID, w.ID, c.Now())
	require.NoError(t, err)
	assert.False(t, held)

	held, err = w.Repo.Touch(ctx, job.ID, "other-worker", c.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, held)
}

func TestRunStopsOnCancel(t *testing.T) {
	w, _ := newWorker(t)
	ran := make(chan struct{}, 1)
	w.Handle(TypeWateringSweep, time.Hour, func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
