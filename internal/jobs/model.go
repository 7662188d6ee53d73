package jobs

import "time"

const (
	TypeWateringSweep     = "WATERING_SWEEP"
	TypeSubscriptionSweep = "SUBSCRIPTION_SWEEP"
)

const (
	StatusPending = "PENDING"
	StatusRunning = "RUNNING"
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
)

// Job is one scheduled run of a periodic sweep.
type Job struct {
	ID uint64 `gorm:"primaryKey"`

	Type string `gorm:"type:varchar(32);index;not null"` // WATERING_SWEEP/SUBSCRIPTION_SWEEP

	RunAt  time.Time `gorm:"index;not null"`
	Status string    `gorm:"type:varchar(16);index;not null"` // PENDING/RUNNING/DONE/FAILED

	Attempts    int `gorm:"not null;default:0"`
	MaxAttempts int `gorm:"not null;default:8"`

	LockedBy *string `gorm:"type:varchar(64)"`
	LockedAt *time.Time

	LastError *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}
