package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"plantcare/internal/notify"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SweepReport counts what one sweep did. Failed rows are logged and left for
// the next run.
type SweepReport struct {
	Candidates int
	Processed  int
	Skipped    int
	Failed     int
}

var skipLocked = clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}

// RemindExpiring records one "expiring soon" notification per subscription
// and day for active subscriptions ending within window. Pushes go out only
// for newly recorded notifications.
func (s *Service) RemindExpiring(ctx context.Context, window time.Duration) (SweepReport, error) {
	now := s.Clock.Now()
	var ids []uint64
	if err := s.DB.WithContext(ctx).Model(&Subscription{}).
		Where("is_active = ? AND expired_at > ? AND expired_at <= ?", true, now, now.Add(window)).
		Order("id asc").
		Pluck("id", &ids).Error; err != nil {
		return SweepReport{}, fmt.Errorf("select expiring subscriptions: %w", err)
	}

	rep := SweepReport{Candidates: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		sent, err := s.remindOne(ctx, id, now, window)
		switch {
		case err != nil:
			rep.Failed++
			s.logger().Error("expiry reminder failed", "subscription_id", id, "error", err)
		case sent:
			rep.Processed++
		default:
			rep.Skipped++
		}
	}
	return rep, nil
}

func (s *Service) remindOne(ctx context.Context, id uint64, now time.Time, window time.Duration) (bool, error) {
	var (
		sub     Subscription
		created bool
		msg     notify.Message
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(skipLocked).
			Where("id = ? AND is_active = ? AND expired_at > ? AND expired_at <= ?", id, true, now, now.Add(window)).
			First(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var plan Plan
		if err := tx.Select("name").First(&plan, sub.PlanID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		msg = notify.Message{
			Title: "Subscription expiring soon",
			Body:  fmt.Sprintf("Your %s subscription is valid until %s.", plan.Name, sub.ExpiredAt.Format("2006-01-02")),
			Data:  map[string]string{"subscription_id": fmt.Sprint(sub.ID)},
		}
		key := fmt.Sprintf("subscription.expiring:%d:%s", sub.ID, now.Format("2006-01-02"))
		created, err = notify.Record(tx, &notify.Notification{
			UserID:    sub.UserID,
			Title:     msg.Title,
			Message:   msg.Body,
			DedupeKey: &key,
			CreatedAt: now,
		})
		return err
	})
	if err != nil || !created {
		return false, err
	}

	if s.Notifier != nil {
		s.Notifier.PushBestEffort(ctx, sub.UserID, msg)
	}
	return true, nil
}

// ExpireOverdue deactivates every active subscription whose expiry has
// passed and records a terminal notification for it. Running it again is a
// no-op.
func (s *Service) ExpireOverdue(ctx context.Context) (SweepReport, error) {
	now := s.Clock.Now()
	var ids []uint64
	if err := s.DB.WithContext(ctx).Model(&Subscription{}).
		Where("is_active = ? AND expired_at < ?", true, now).
		Order("id asc").
		Pluck("id", &ids).Error; err != nil {
		return SweepReport{}, fmt.Errorf("select overdue subscriptions: %w", err)
	}

	rep := SweepReport{Candidates: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		done, err := s.expireOne(ctx, id, now)
		switch {
		case err != nil:
			rep.Failed++
			s.logger().Error("subscription expiry failed", "subscription_id", id, "error", err)
		case done:
			rep.Processed++
		default:
			rep.Skipped++
		}
	}
	return rep, nil
}

func (s *Service) expireOne(ctx context.Context, id uint64, now time.Time) (bool, error) {
	var (
		sub     Subscription
		found   bool
		created bool
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(skipLocked).
			Where("id = ? AND is_active = ? AND expired_at < ?", id, true, now).
			First(&sub).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		created, err = endTx(tx, &sub, now)
		return err
	})
	if err != nil || !found {
		return false, err
	}

	s.logger().Info("subscription expired", "subscription_id", sub.ID, "user_id", sub.UserID)
	if created {
		s.pushEnded(ctx, sub)
	}
	return true, nil
}

// endTx deactivates an overdue subscription and records its "ended"
// notification. created is false when that notification already existed.
func endTx(tx *gorm.DB, sub *Subscription, now time.Time) (bool, error) {
	if err := tx.Model(&Subscription{}).Where("id = ? AND is_active = ?", sub.ID, true).
		Updates(map[string]any{"is_active": false, "updated_at": now}).Error; err != nil {
		return false, err
	}
	sub.IsActive = false

	msg := endedMessage(sub.ID)
	key := fmt.Sprintf("subscription.ended:%d", sub.ID)
	return notify.Record(tx, &notify.Notification{
		UserID:    sub.UserID,
		Title:     msg.Title,
		Message:   msg.Body,
		DedupeKey: &key,
		CreatedAt: now,
	})
}

func endedMessage(subID uint64) notify.Message {
	return notify.Message{
		Title: "Subscription ended",
		Body:  "Your subscription has ended.",
		Data:  map[string]string{"subscription_id": fmt.Sprint(subID)},
	}
}

func (s *Service) pushEnded(ctx context.Context, sub Subscription) {
	if s.Notifier != nil {
		s.Notifier.PushBestEffort(ctx, sub.UserID, endedMessage(sub.ID))
	}
}
