package jobs

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StuckAfter is how long a RUNNING job may go without a heartbeat before
// another worker takes it over.
const StuckAfter = 5 * time.Minute

type Repo struct {
	DB *gorm.DB
}

// EnsureScheduled enqueues a job of jobType at runAt unless one is already
// pending or running.
func (r *Repo) EnsureScheduled(ctx context.Context, jobType string, runAt time.Time) (bool, error) {
	created := false
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Job{}).
			Where("type = ? AND status IN ?", jobType, []string{StatusPending, StatusRunning}).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		j := Job{Type: jobType, RunAt: runAt, Status: StatusPending, MaxAttempts: 8}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&j)
		created = res.RowsAffected > 0
		return res.Error
	})
	return created, err
}

// Claim takes one due job using SKIP LOCKED so concurrent workers never claim
// the same row. It returns nil when nothing is due.
func (r *Repo) Claim(ctx context.Context, workerID string, now time.Time) (*Job, error) {
	var job Job
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// requeue jobs whose worker died mid-run
		if err := tx.Model(&Job{}).
			Where("status = ? AND locked_at IS NOT NULL AND locked_at < ?", StatusRunning, now.Add(-StuckAfter)).
			Updates(map[string]any{"status": StatusPending, "locked_by": nil, "locked_at": nil, "updated_at": now}).Error; err != nil {
			return err
		}

		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND run_at <= ?", StatusPending, now).
			Order("run_at asc, id asc").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		job.Status = StatusRunning
		job.LockedBy = &workerID
		job.LockedAt = &now
		job.UpdatedAt = now
		return tx.Model(&Job{}).Where("id = ?", job.ID).Updates(map[string]any{
			"status":     StatusRunning,
			"locked_by":  workerID,
			"locked_at":  now,
			"updated_at": now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

// Touch refreshes locked_at of a job workerID still holds. It reports false
// when the job was taken over or already finished.
func (r *Repo) Touch(ctx context.Context, id uint64, workerID string, now time.Time) (bool, error) {
	res := r.DB.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ? AND locked_by = ?", id, StatusRunning, workerID).
		Updates(map[string]any{"locked_at": now, "updated_at": now})
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) MarkDone(ctx context.Context, id uint64, now time.Time) error {
	return r.DB.WithContext(ctx).Model(&Job{}).Where("id = ?", id).
		Updates(map[string]any{"status": StatusDone, "updated_at": now}).Error
}

func (r *Repo) MarkFailed(ctx context.Context, id uint64, errMsg string, now time.Time) error {
	return r.DB.WithContext(ctx).Model(&Job{}).Where("id = ?", id).
		Updates(map[string]any{"status": StatusFailed, "last_error": errMsg, "updated_at": now}).Error
}

func (r *Repo) RetryLater(ctx context.Context, id uint64, attempts int, runAt time.Time, errMsg string, now time.Time) error {
	return r.DB.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":     StatusPending,
		"attempts":   attempts,
		"run_at":     runAt,
		"locked_by":  nil,
		"locked_at":  nil,
		"last_error": errMsg,
		"updated_at": now,
	}).Error
}
