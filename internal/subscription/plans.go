package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"plantcare/internal/apperr"
	"plantcare/internal/auth"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ActivePlans lists purchasable plans. The catalogue changes rarely, so the
// result is cached until an admin edits it.
func (s *Service) ActivePlans(ctx context.Context) ([]Plan, error) {
	if s.plans != nil {
		if v, ok := s.plans.Get(plansCacheKey); ok {
			return v.([]Plan), nil
		}
	}

	var out []Plan
	if err := s.DB.WithContext(ctx).Where("is_active = ?", true).Order("price asc, id asc").Find(&out).Error; err != nil {
		return nil, err
	}
	if s.plans != nil {
		s.plans.Set(plansCacheKey, out, cache.DefaultExpiration)
	}
	return out, nil
}

type PlanInput struct {
	Name         string
	Description  string
	DurationDays int
	Price        int64
}

func (s *Service) CreatePlan(ctx context.Context, in PlanInput) (*Plan, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: plan name required", apperr.ErrInvalidState)
	}
	if in.DurationDays <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", apperr.ErrInvalidState)
	}
	if in.Price < 0 {
		return nil, fmt.Errorf("%w: price must not be negative", apperr.ErrInvalidState)
	}

	p := Plan{
		Name:         in.Name,
		Description:  in.Description,
		DurationDays: in.DurationDays,
		Price:        in.Price,
		IsActive:     true,
		CreatedAt:    s.Clock.Now(),
	}
	if err := s.DB.WithContext(ctx).Create(&p).Error; err != nil {
		return nil, err
	}
	s.invalidatePlans()
	return &p, nil
}

// DeactivatePlan hides a plan from purchase. Subscriptions already on it run
// until they expire.
func (s *Service) DeactivatePlan(ctx context.Context, planID uint64) error {
	res := s.DB.WithContext(ctx).Model(&Plan{}).Where("id = ?", planID).Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	s.invalidatePlans()
	return nil
}

func (s *Service) invalidatePlans() {
	if s.plans != nil {
		s.plans.Delete(plansCacheKey)
	}
}

type Stats struct {
	ActiveSubscriptions int64 `json:"active_subscription_count"`
	SuccessfulPayments  int64 `json:"total_success_payments"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.DB.WithContext(ctx)
	if err := db.Model(&Subscription{}).
		Where("is_active = ? AND expired_at >= ?", true, s.Clock.Now()).
		Count(&st.ActiveSubscriptions).Error; err != nil {
		return st, err
	}
	if err := db.Model(&Payment{}).Where("success = ?", true).Count(&st.SuccessfulPayments).Error; err != nil {
		return st, err
	}
	return st, nil
}

type Usage struct {
	Count     int  `json:"count"`
	Limit     int  `json:"limit"`
	Unlimited bool `json:"unlimited"`
}

// UseFeature counts one use of a metered feature. Subscribers are unlimited
// and not counted.
func (s *Service) UseFeature(ctx context.Context, userID uint64) (Usage, error) {
	var u Usage
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user auth.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&user, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrNotFound
			}
			return err
		}
		u = Usage{Count: user.UsageCount, Limit: s.FreeUsageLimit}

		var n int64
		if err := tx.Model(&Subscription{}).
			Where("user_id = ? AND is_active = ? AND expired_at > ?", userID, true, s.Clock.Now()).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			u.Unlimited = true
			return nil
		}

		if u.Count >= s.FreeUsageLimit {
			return fmt.Errorf("%w: %d/%d uses", apperr.ErrLimitReached, u.Count, s.FreeUsageLimit)
		}
		if err := tx.Model(&auth.User{}).Where("id = ?", userID).
			Update("usage_count", gorm.Expr("usage_count + 1")).Error; err != nil {
			return err
		}
		u.Count++
		return nil
	})
	return u, err
}

// UseAsGuest grants one use per guest key. Any later call with the same key
// reports ErrLimitReached.
func (s *Service) UseAsGuest(ctx context.Context, guestKey string) error {
	guestKey = strings.TrimSpace(guestKey)
	if guestKey == "" {
		return fmt.Errorf("%w: guest key required", apperr.ErrInvalidState)
	}
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&GuestUse{GuestKey: guestKey, CreatedAt: s.Clock.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: guests may use the app once", apperr.ErrLimitReached)
	}
	return nil
}
