package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"plantcare/internal/apperr"
	"plantcare/internal/auth"
	"plantcare/internal/clock"
	"plantcare/internal/notify"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExtendWindow is how close to expiry a subscription must be before the
// client offers an extension.
const ExtendWindow = 3 * 24 * time.Hour

const plansCacheKey = "plans:active"

// Notifier is the part of notify.Service the lifecycle needs.
type Notifier interface {
	Notify(ctx context.Context, userID uint64, msg notify.Message, dedupeKey string) (bool, error)
	PushBestEffort(ctx context.Context, userID uint64, msg notify.Message)
}

type Service struct {
	DB       *gorm.DB
	Clock    clock.Clock
	Log      *slog.Logger
	Notifier Notifier

	// FreeUsageLimit caps UseFeature for users without a subscription.
	FreeUsageLimit int

	plans *cache.Cache
}

func New(db *gorm.DB, c clock.Clock, log *slog.Logger, n Notifier) *Service {
	return &Service{
		DB:       db,
		Clock:    c,
		Log:      log,
		Notifier: n,
		plans:    cache.New(5*time.Minute, 10*time.Minute),
	}
}

type PurchaseInput struct {
	PlanID         uint64
	Gateway        string
	IdempotencyKey string
}

type Result struct {
	Subscription Subscription
	Payment      Payment
	Renewed      bool
	// Replayed is set when IdempotencyKey matched an earlier payment and
	// nothing was written.
	Replayed bool
}

// PurchaseOrRenew extends the user's current subscription by the plan's
// duration, or starts a new one when none is active. Everything happens
// under a lock on the user row so concurrent purchases serialise.
func (s *Service) PurchaseOrRenew(ctx context.Context, userID uint64, in PurchaseInput) (*Result, error) {
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.Gateway == "" {
		in.Gateway = "gateway"
	}

	var (
		res   Result
		plan  Plan
		ended []Subscription
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND is_active = ?", in.PlanID, true).First(&plan).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("plan %d: %w", in.PlanID, apperr.ErrNotFound)
			}
			return err
		}

		var u auth.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").Where("id = ?", userID).First(&u).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("user %d: %w", userID, apperr.ErrNotFound)
			}
			return err
		}

		if in.IdempotencyKey != "" {
			replayed, err := replay(tx, userID, in.IdempotencyKey, &res)
			if err != nil || replayed {
				return err
			}
		}

		now := s.Clock.Now()
		current, expired, err := currentLocked(tx, userID, now)
		ended = expired
		if err != nil {
			return err
		}

		dur := time.Duration(plan.DurationDays) * 24 * time.Hour
		kind := KindPurchase
		if current != nil {
			kind = KindRenewal
			current.ExpiredAt = current.ExpiredAt.Add(dur)
			current.PlanID = plan.ID
			current.UpdatedAt = now
			if err := tx.Save(current).Error; err != nil {
				return err
			}
			res.Subscription = *current
			res.Renewed = true
		} else {
			res.Subscription = Subscription{
				UserID:    userID,
				PlanID:    plan.ID,
				StartedAt: now,
				ExpiredAt: now.Add(dur),
				IsActive:  true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&res.Subscription).Error; err != nil {
				return err
			}
		}

		subID := res.Subscription.ID
		res.Payment = Payment{
			UserID:         userID,
			SubscriptionID: &subID,
			PlanName:       plan.Name,
			Amount:         plan.Price,
			Kind:           kind,
			Success:        true,
			Gateway:        in.Gateway,
			RefID:          uuid.NewString(),
			Description:    fmt.Sprintf("%s of plan %s", kind, plan.Name),
			PaidAt:         now,
		}
		if in.IdempotencyKey != "" {
			key := in.IdempotencyKey
			res.Payment.IdempotencyKey = &key
		}
		return tx.Create(&res.Payment).Error
	})
	if err != nil {
		return nil, err
	}
	if res.Replayed {
		return &res, nil
	}

	for _, sub := range ended {
		s.logger().Info("subscription expired", "subscription_id", sub.ID, "user_id", sub.UserID)
		s.pushEnded(ctx, sub)
	}

	s.logger().Info("subscription paid",
		"user_id", userID, "subscription_id", res.Subscription.ID,
		"kind", res.Payment.Kind, "expired_at", res.Subscription.ExpiredAt)

	msg := notify.Message{
		Title: "Subscription confirmed",
		Body:  fmt.Sprintf("Your %s subscription is valid until %s.", plan.Name, res.Subscription.ExpiredAt.Format("2006-01-02")),
		Data:  map[string]string{"subscription_id": fmt.Sprint(res.Subscription.ID)},
	}
	s.notify(ctx, userID, msg, fmt.Sprintf("subscription.paid:%d", res.Payment.ID))
	return &res, nil
}

func replay(tx *gorm.DB, userID uint64, key string, res *Result) (bool, error) {
	var p Payment
	err := tx.Where("user_id = ? AND idempotency_key = ?", userID, key).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	res.Payment = p
	res.Renewed = p.Kind == KindRenewal
	res.Replayed = true
	if p.SubscriptionID != nil {
		if err := tx.First(&res.Subscription, *p.SubscriptionID).Error; err != nil {
			return false, err
		}
	}
	return true, nil
}

// currentLocked returns the active, unexpired subscription with the latest
// expiry. Other active rows are stale and get deactivated on the way: overdue
// ones end the same way the expiry sweep ends them, and are returned when
// their "ended" notification was newly recorded.
func currentLocked(tx *gorm.DB, userID uint64, now time.Time) (*Subscription, []Subscription, error) {
	var active []Subscription
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("expired_at desc, id desc").
		Find(&active).Error; err != nil {
		return nil, nil, err
	}

	var (
		current *Subscription
		ended   []Subscription
	)
	for i := range active {
		sub := &active[i]
		if !sub.ExpiredAt.After(now) {
			created, err := endTx(tx, sub, now)
			if err != nil {
				return nil, nil, err
			}
			if created {
				ended = append(ended, *sub)
			}
			continue
		}
		if current == nil {
			current = sub
			continue
		}
		if err := tx.Model(&Subscription{}).Where("id = ?", sub.ID).
			Updates(map[string]any{"is_active": false, "updated_at": now}).Error; err != nil {
			return nil, nil, err
		}
	}
	return current, ended, nil
}

// Cancel deactivates the caller's active subscription. Payments are kept.
func (s *Service) Cancel(ctx context.Context, userID, subscriptionID uint64) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub Subscription
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&sub, subscriptionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrNotFound
		}
		if err != nil {
			return err
		}
		if sub.UserID != userID {
			return apperr.ErrPermission
		}
		if !sub.IsActive {
			return fmt.Errorf("subscription %d is not active: %w", sub.ID, apperr.ErrNotFound)
		}
		return tx.Model(&Subscription{}).Where("id = ?", sub.ID).Updates(map[string]any{
			"is_active":  false,
			"auto_renew": false,
			"updated_at": s.Clock.Now(),
		}).Error
	})
	if err != nil {
		return err
	}

	s.logger().Info("subscription cancelled", "user_id", userID, "subscription_id", subscriptionID)
	s.notify(ctx, userID, notify.Message{
		Title: "Subscription cancelled",
		Body:  "Your subscription has been cancelled.",
	}, fmt.Sprintf("subscription.cancelled:%d", subscriptionID))
	return nil
}

type Status struct {
	Active       bool          `json:"active"`
	Subscription *Subscription `json:"subscription,omitempty"`
	PlanName     string        `json:"plan_name,omitempty"`
	ExpiredAt    *time.Time    `json:"expired_at,omitempty"`
	DaysLeft     int           `json:"days_left"`
	CanExtend    bool          `json:"can_extend"`
}

// Status is computed from the subscription rows on every call.
func (s *Service) Status(ctx context.Context, userID uint64) (Status, error) {
	now := s.Clock.Now()
	var sub Subscription
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND expired_at > ?", userID, true, now).
		Order("expired_at desc, id desc").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}

	var plan Plan
	if err := s.DB.WithContext(ctx).Select("name").First(&plan, sub.PlanID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return Status{}, err
	}

	left := sub.ExpiredAt.Sub(now)
	exp := sub.ExpiredAt
	return Status{
		Active:       true,
		Subscription: &sub,
		PlanName:     plan.Name,
		ExpiredAt:    &exp,
		DaysLeft:     int(left / (24 * time.Hour)),
		CanExtend:    left <= ExtendWindow,
	}, nil
}

// HasActiveSubscription satisfies plant.PremiumChecker.
func (s *Service) HasActiveSubscription(ctx context.Context, userID uint64) (bool, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&Subscription{}).
		Where("user_id = ? AND is_active = ? AND expired_at > ?", userID, true, s.Clock.Now()).
		Count(&n).Error
	return n > 0, err
}

func (s *Service) List(ctx context.Context, userID uint64) ([]Subscription, error) {
	var out []Subscription
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).Order("started_at desc, id desc").Find(&out).Error
	return out, err
}

func (s *Service) Payments(ctx context.Context, userID uint64) ([]Payment, error) {
	var out []Payment
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).Order("paid_at desc, id desc").Find(&out).Error
	return out, err
}

func (s *Service) notify(ctx context.Context, userID uint64, msg notify.Message, key string) {
	if s.Notifier == nil {
		return
	}
	if _, err := s.Notifier.Notify(ctx, userID, msg, key); err != nil {
		s.logger().Warn("notification failed", "user_id", userID, "dedupe_key", key, "error", err)
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}
