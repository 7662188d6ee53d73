package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"plantcare/internal/auth"
	"plantcare/internal/chat"
	"plantcare/internal/clock"
	"plantcare/internal/config"
	"plantcare/internal/db"
	"plantcare/internal/diagnosis"
	httpx "plantcare/internal/http"
	"plantcare/internal/jobs"
	"plantcare/internal/logging"
	"plantcare/internal/metrics"
	"plantcare/internal/notify"
	"plantcare/internal/plant"
	"plantcare/internal/reminder"
	"plantcare/internal/subscription"

	"google.golang.org/api/option"
	"gorm.io/gorm"
)

type app struct {
	cfg       config.Config
	log       *slog.Logger
	db        *gorm.DB
	router    http.Handler
	reminders *reminder.Engine
	worker    *jobs.Worker
}

// build wires every service from the environment. External clients are
// created once here and injected.
func build(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	gdb, err := db.Connect(cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	m := metrics.New()
	c := clock.System{}

	dispatcher, err := newDispatcher(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	notifier := &notify.Service{
		DB:          gdb,
		Dispatcher:  dispatcher,
		Clock:       c,
		Log:         log.With("component", "notify"),
		Metrics:     m,
		SendTimeout: cfg.PushTimeout,
	}

	subs := subscription.New(gdb, c, log.With("component", "subscription"), notifier)
	subs.FreeUsageLimit = cfg.FreeUsageLimit

	plants := &plant.Service{
		DB:        gdb,
		Clock:     c,
		Log:       log.With("component", "plant"),
		Premium:   subs,
		FreeLimit: cfg.FreePlantLimit,
	}

	var diag *diagnosis.Service
	if cfg.PlantIDAPIKey != "" {
		diag = &diagnosis.Service{
			Plants:   plants,
			Client:   diagnosis.NewClient(cfg.PlantIDURL, cfg.PlantIDAPIKey),
			MediaDir: cfg.MediaDir,
			Log:      log.With("component", "diagnosis"),
		}
	} else {
		log.Warn("PLANT_ID_API_KEY not set, diagnosis uploads disabled")
	}

	var assistant *chat.Service
	if cfg.GeminiAPIKey != "" {
		assistant = &chat.Service{
			DB:     gdb,
			Client: chat.NewClient(cfg.GeminiURL, cfg.GeminiAPIKey),
			Clock:  c,
			Log:    log.With("component", "chat"),
		}
	} else {
		log.Warn("GEMINI_API_KEY not set, chat assistant disabled")
	}

	engine := &reminder.Engine{
		DB:            gdb,
		Clock:         c,
		Log:           log.With("component", "reminder"),
		Notify:        notifier,
		Subscriptions: subs,
		Metrics:       m,
	}

	host, _ := os.Hostname()
	worker := &jobs.Worker{
		ID:           fmt.Sprintf("%s-%d", host, os.Getpid()),
		Repo:         &jobs.Repo{DB: gdb},
		Clock:        c,
		Log:          log.With("component", "worker"),
		PollInterval: cfg.WorkerPollInterval,
		Metrics:      m,
	}
	worker.Handle(jobs.TypeWateringSweep, cfg.WateringSweepInterval, func(ctx context.Context) error {
		_, err := engine.RunWatering(ctx)
		return err
	})
	worker.Handle(jobs.TypeSubscriptionSweep, cfg.SubscriptionSweepInterval, func(ctx context.Context) error {
		_, err := engine.RunSubscriptions(ctx)
		return err
	})

	router := httpx.NewRouter(httpx.Deps{
		Config:        cfg,
		DB:            gdb,
		JWT:           auth.NewJWT(cfg.JWTSecret),
		Log:           log,
		Plants:        plants,
		Diagnosis:     diag,
		Chat:          assistant,
		Notify:        notifier,
		Subscriptions: subs,
		Metrics:       m,
	})

	return &app{
		cfg:       cfg,
		log:       log,
		db:        gdb,
		router:    router,
		reminders: engine,
		worker:    worker,
	}, nil
}

func newDispatcher(ctx context.Context, cfg config.Config, log *slog.Logger) (notify.Dispatcher, error) {
	if cfg.FCMProjectID == "" {
		log.Warn("FCM_PROJECT_ID not set, push notifications are only logged")
		return notify.LogDispatcher{Log: log.With("component", "push")}, nil
	}

	var opts []option.ClientOption
	if cfg.FCMCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.FCMCredentialsFile))
	}
	fcm, err := notify.NewFCMDispatcher(ctx, cfg.FCMProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("fcm client: %w", err)
	}
	return notify.NewBreakerDispatcher(fcm, notify.BreakerSettings{}, log.With("component", "push")), nil
}
