package db

import (
	"fmt"
	"log/slog"
	"time"

	"plantcare/internal/auth"
	"plantcare/internal/chat"
	"plantcare/internal/jobs"
	"plantcare/internal/notify"
	"plantcare/internal/plant"
	"plantcare/internal/subscription"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func Connect(dsn string, log *slog.Logger) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  logger.NewSlogLogger(log, logger.Config{SlowThreshold: 500 * time.Millisecond, LogLevel: logger.Warn, IgnoreRecordNotFoundError: true}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return gdb, nil
}

// Models lists every table the service owns.
func Models() []any {
	return []any{
		&auth.User{},
		&plant.Plant{},
		&plant.WateringLog{},
		&plant.Diagnosis{},
		&notify.Device{},
		&notify.Notification{},
		&subscription.Plan{},
		&subscription.Subscription{},
		&subscription.Payment{},
		&subscription.GuestUse{},
		&chat.Message{},
		&jobs.Job{},
	}
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(Models()...); err != nil {
		return err
	}
	if gdb.Dialector.Name() != "postgres" {
		return nil
	}

	stmts := []string{
		// sweep candidate scans
		`create index if not exists idx_plants_due on plants(next_watering_date) where is_active;`,
		`create index if not exists idx_subscriptions_active_exp on subscriptions(expired_at) where is_active;`,
		`create index if not exists idx_subscriptions_user_active on subscriptions(user_id, expired_at desc) where is_active;`,
		`create index if not exists idx_devices_user_active on devices(user_id) where is_active;`,
		`create index if not exists idx_notifications_user_created on notifications(user_id, created_at desc);`,
		`create index if not exists idx_watering_logs_plant on watering_logs(plant_id, watered_at desc);`,
		`create index if not exists idx_diagnoses_names on plant_diagnoses using gin (suggested_names);`,
		`create index if not exists idx_jobs_due on jobs(status, run_at);`,
		`create index if not exists idx_jobs_lock on jobs(status, locked_at);`,
		// one open job per sweep type
		`create unique index if not exists uq_jobs_open_type on jobs(type) where status in ('PENDING','RUNNING');`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}
