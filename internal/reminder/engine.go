// Package reminder runs the periodic sweeps: automated watering reminders for
// due plants and the subscription expiry passes.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"plantcare/internal/clock"
	"plantcare/internal/notify"
	"plantcare/internal/plant"
	"plantcare/internal/subscription"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	AutomatedNote = "automated reminder"

	// ExpiryLookahead is how far ahead expiring subscriptions are reminded.
	ExpiryLookahead = 3 * 24 * time.Hour
)

// Outcome of processing one due plant.
type Outcome string

const (
	OutcomeWatered   Outcome = "watered"
	OutcomeNoDevices Outcome = "no_devices"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Recorder observes per-plant outcomes; the metrics package implements it.
type Recorder interface {
	Watering(o Outcome)
}

type Engine struct {
	DB            *gorm.DB
	Clock         clock.Clock
	Log           *slog.Logger
	Notify        *notify.Service
	Subscriptions *subscription.Service
	Metrics       Recorder
}

type WateringReport struct {
	Due         int
	Watered     int
	NoDevices   int
	Skipped     int
	Failed      int
	Sent        int
	Deactivated int
}

type SubscriptionReport struct {
	Reminders subscription.SweepReport
	Expired   subscription.SweepReport
}

// RunWatering processes every active plant due today or earlier. Each plant
// is handled in its own transaction; one plant failing never stops the rest.
// An error is returned only when the candidate set cannot be loaded.
func (e *Engine) RunWatering(ctx context.Context) (WateringReport, error) {
	today := clock.Today(e.Clock)

	var ids []uint64
	if err := e.DB.WithContext(ctx).Model(&plant.Plant{}).
		Where("is_active = ? AND next_watering_date IS NOT NULL AND next_watering_date <= ?", true, today).
		Order("next_watering_date asc, id asc").
		Pluck("id", &ids).Error; err != nil {
		return WateringReport{}, fmt.Errorf("select due plants: %w", err)
	}

	rep := WateringReport{Due: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		out, deliveries, err := e.waterOne(ctx, id, today)
		if err != nil {
			out = OutcomeFailed
			e.logger().Error("watering reminder failed", "plant_id", id, "error", err)
		}
		for _, d := range deliveries {
			switch d.Class {
			case notify.ClassNone:
				rep.Sent++
			case notify.ClassInvalidTarget:
				rep.Deactivated++
			}
		}

		switch out {
		case OutcomeWatered:
			rep.Watered++
		case OutcomeNoDevices:
			rep.NoDevices++
		case OutcomeSkipped:
			rep.Skipped++
		case OutcomeFailed:
			rep.Failed++
		}
		if e.Metrics != nil {
			e.Metrics.Watering(out)
		}
	}

	e.logger().Info("watering sweep done",
		"due", rep.Due, "watered", rep.Watered, "no_devices", rep.NoDevices,
		"skipped", rep.Skipped, "failed", rep.Failed, "sent", rep.Sent)
	return rep, nil
}

func (e *Engine) waterOne(ctx context.Context, plantID uint64, today time.Time) (Outcome, []notify.Delivery, error) {
	out := OutcomeSkipped
	var deliveries []notify.Delivery

	err := e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p plant.Plant
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id = ? AND is_active = ? AND next_watering_date <= ?", plantID, true, today).
			First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// locked by another sweep, watered meanwhile, or deactivated
			return nil
		}
		if err != nil {
			return err
		}

		devices, err := notify.ActiveDevices(tx, p.UserID)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			e.logger().Info("no push targets, leaving plant due", "plant_id", p.ID, "user_id", p.UserID)
			out = OutcomeNoDevices
			return nil
		}

		deliveries = e.Notify.SendAll(ctx, tx, devices, wateringMessage(&p))

		if _, err := plant.MarkWateredTx(tx, &p, AutomatedNote, e.Clock.Now()); err != nil {
			return err
		}
		out = OutcomeWatered
		return nil
	})
	if err != nil {
		return OutcomeFailed, deliveries, err
	}
	return out, deliveries, nil
}

func wateringMessage(p *plant.Plant) notify.Message {
	return notify.Message{
		Title: "Time to water " + p.Name,
		Body:  fmt.Sprintf("%s needs water today.", p.Name),
		Data: map[string]string{
			"type":     "watering",
			"plant_id": fmt.Sprint(p.ID),
		},
	}
}

// RunSubscriptions sends expiry reminders, then expires overdue
// subscriptions.
func (e *Engine) RunSubscriptions(ctx context.Context) (SubscriptionReport, error) {
	var rep SubscriptionReport
	var err error

	rep.Reminders, err = e.Subscriptions.RemindExpiring(ctx, ExpiryLookahead)
	if err != nil {
		return rep, err
	}
	rep.Expired, err = e.Subscriptions.ExpireOverdue(ctx)
	if err != nil {
		return rep, err
	}

	e.logger().Info("subscription sweep done",
		"reminded", rep.Reminders.Processed, "expired", rep.Expired.Processed,
		"failed", rep.Reminders.Failed+rep.Expired.Failed)
	return rep, nil
}

func (e *Engine) logger() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}
