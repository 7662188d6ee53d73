package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"plantcare/internal/db"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "plantcare",
		Short:         "Plant care backend: watering reminders, diagnosis and subscriptions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(serveCommand(), sweepCommand(), migrateCommand())
	return root
}

func serveCommand() *cobra.Command {
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sweep worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx)
			if err != nil {
				return err
			}
			if err := db.AutoMigrateAndIndexes(a.db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			workerDone := make(chan error, 1)
			if noWorker {
				workerDone <- nil
			} else {
				go func() { workerDone <- a.worker.Run(ctx) }()
			}

			srv := &http.Server{
				Addr:              a.cfg.HTTPAddr,
				Handler:           a.router,
				ReadHeaderTimeout: 5 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				a.log.Info("listening", "addr", a.cfg.HTTPAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					stop()
					return err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			if err := <-workerDone; err != nil {
				a.log.Error("worker stopped", "error", err)
			}
			a.log.Info("shut down")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve HTTP only, leave sweeps to other instances")
	return cmd
}

func sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "sweep <watering|subscriptions>",
		Short:     "Run one sweep immediately and exit",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"watering", "subscriptions"},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd.Context())
			if err != nil {
				return err
			}

			switch args[0] {
			case "watering":
				rep, err := a.reminders.RunWatering(cmd.Context())
				if err != nil {
					return err
				}
				a.log.Info("watering sweep", slog.Any("report", rep))
			case "subscriptions":
				rep, err := a.reminders.RunSubscriptions(cmd.Context())
				if err != nil {
					return err
				}
				a.log.Info("subscription sweep", slog.Any("report", rep))
			}
			return nil
		},
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := build(cmd.Context())
			if err != nil {
				return err
			}
			if err := db.AutoMigrateAndIndexes(a.db); err != nil {
				return err
			}
			if err := a.worker.Schedule(cmd.Context()); err != nil {
				return err
			}
			a.log.Info("migrated")
			return nil
		},
	}
}
