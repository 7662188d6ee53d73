package plant

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

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultWateringFrequencyDays = 7

// ComputeNextWatering returns lastWatered + frequencyDays, or nil when either
// input is missing.
func ComputeNextWatering(lastWatered *time.Time, frequencyDays int) *time.Time {
	if lastWatered == nil || frequencyDays <= 0 {
		return nil
	}
	next := clock.AddDays(clock.Date(*lastWatered), frequencyDays)
	return &next
}

// PremiumChecker reports whether a user is exempt from free-tier limits.
type PremiumChecker interface {
	HasActiveSubscription(ctx context.Context, userID uint64) (bool, error)
}

type Service struct {
	DB    *gorm.DB
	Clock clock.Clock
	Log   *slog.Logger

	// Premium and FreeLimit cap active plants for users without a
	// subscription. A nil Premium disables the cap.
	Premium   PremiumChecker
	FreeLimit int
}

type CreateInput struct {
	Name                  string
	Species               string
	Description           string
	ImagePath             string
	WateringFrequencyDays int
	LastWateredDate       *time.Time
}

type UpdateInput struct {
	Name                  *string
	Species               *string
	Description           *string
	WateringFrequencyDays *int
}

func (s *Service) Create(ctx context.Context, userID uint64, in CreateInput) (*Plant, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fmt.Errorf("%w: name required", apperr.ErrInvalidState)
	}
	if in.WateringFrequencyDays <= 0 {
		return nil, fmt.Errorf("%w: watering frequency must be positive", apperr.ErrInvalidState)
	}

	capped, err := s.capped(ctx, userID)
	if err != nil {
		return nil, err
	}

	var last *time.Time
	if in.LastWateredDate != nil {
		d := clock.Date(*in.LastWateredDate)
		last = &d
	}

	p := Plant{
		UserID:                userID,
		Name:                  in.Name,
		Species:               strings.TrimSpace(in.Species),
		Description:           in.Description,
		ImagePath:             in.ImagePath,
		WateringFrequencyDays: in.WateringFrequencyDays,
		LastWateredDate:       last,
		NextWateringDate:      ComputeNextWatering(last, in.WateringFrequencyDays),
		IsActive:              true,
	}
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if capped {
			if err := s.checkFreeLimit(tx, userID); err != nil {
				return err
			}
		}
		return tx.Create(&p).Error
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// capped reports whether userID is held to FreeLimit.
func (s *Service) capped(ctx context.Context, userID uint64) (bool, error) {
	if s.Premium == nil || s.FreeLimit <= 0 {
		return false, nil
	}
	premium, err := s.Premium.HasActiveSubscription(ctx, userID)
	if err != nil {
		return false, err
	}
	return !premium, nil
}

// checkFreeLimit counts active plants under a lock on the user row, so
// concurrent creates for the same user serialise.
func (s *Service) checkFreeLimit(tx *gorm.DB, userID uint64) error {
	var u auth.User
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").Where("id = ?", userID).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("user %d: %w", userID, apperr.ErrNotFound)
		}
		return err
	}

	var n int64
	if err := tx.Model(&Plant{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&n).Error; err != nil {
		return err
	}
	if n >= int64(s.FreeLimit) {
		return fmt.Errorf("%w: free plan allows %d plants", apperr.ErrLimitReached, s.FreeLimit)
	}
	return nil
}

// Get returns the caller's plant; foreign plants are reported as not found.
func (s *Service) Get(ctx context.Context, userID, plantID uint64) (*Plant, error) {
	var p Plant
	if err := s.DB.WithContext(ctx).Where("id = ? AND user_id = ?", plantID, userID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Service) List(ctx context.Context, userID uint64, includeInactive bool) ([]Plant, error) {
	q := s.DB.WithContext(ctx).Where("user_id = ?", userID)
	if !includeInactive {
		q = q.Where("is_active = ?", true)
	}
	var out []Plant
	if err := q.Order("created_at desc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Update(ctx context.Context, userID, plantID uint64, in UpdateInput) (*Plant, error) {
	if in.WateringFrequencyDays != nil && *in.WateringFrequencyDays <= 0 {
		return nil, fmt.Errorf("%w: watering frequency must be positive", apperr.ErrInvalidState)
	}

	var p Plant
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockOwned(tx, userID, plantID, &p); err != nil {
			return err
		}

		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name == "" {
				return fmt.Errorf("%w: name required", apperr.ErrInvalidState)
			}
			p.Name = name
		}
		if in.Species != nil {
			p.Species = strings.TrimSpace(*in.Species)
		}
		if in.Description != nil {
			p.Description = *in.Description
		}
		if in.WateringFrequencyDays != nil {
			p.WateringFrequencyDays = *in.WateringFrequencyDays
			p.NextWateringDate = ComputeNextWatering(p.LastWateredDate, p.WateringFrequencyDays)
		}
		return tx.Save(&p).Error
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Deactivate takes the plant out of the reminder sweep. Rows are never deleted.
func (s *Service) Deactivate(ctx context.Context, userID, plantID uint64) error {
	res := s.DB.WithContext(ctx).Model(&Plant{}).
		Where("id = ? AND user_id = ?", plantID, userID).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// MarkWateredToday records a watering event for the caller's plant. The plant
// update and the log append commit together.
func (s *Service) MarkWateredToday(ctx context.Context, userID, plantID uint64, note string) (*WateringLog, error) {
	var log *WateringLog
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Plant
		if err := lockOwned(tx, userID, plantID, &p); err != nil {
			return err
		}
		var err error
		log, err = MarkWateredTx(tx, &p, note, s.Clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger().Debug("plant watered", "plant_id", plantID, "user_id", userID)
	return log, nil
}

// MarkWateredTx applies a watering to p inside an open transaction. p should
// already be locked by the caller.
func MarkWateredTx(tx *gorm.DB, p *Plant, note string, now time.Time) (*WateringLog, error) {
	if p.WateringFrequencyDays <= 0 {
		return nil, fmt.Errorf("%w: plant %d has no watering frequency", apperr.ErrInvalidState, p.ID)
	}

	today := clock.Date(now)
	p.LastWateredDate = &today
	p.NextWateringDate = ComputeNextWatering(p.LastWateredDate, p.WateringFrequencyDays)

	if err := tx.Model(&Plant{}).Where("id = ?", p.ID).Updates(map[string]any{
		"last_watered_date":  p.LastWateredDate,
		"next_watering_date": p.NextWateringDate,
		"updated_at":         now,
	}).Error; err != nil {
		return nil, err
	}

	log := WateringLog{PlantID: p.ID, WateredAt: now, Note: note}
	if err := tx.Create(&log).Error; err != nil {
		return nil, err
	}
	return &log, nil
}

func (s *Service) Logs(ctx context.Context, userID, plantID uint64) ([]WateringLog, error) {
	if _, err := s.Get(ctx, userID, plantID); err != nil {
		return nil, err
	}
	var out []WateringLog
	if err := s.DB.WithContext(ctx).Where("plant_id = ?", plantID).Order("watered_at desc, id desc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// AddDiagnosis stores a diagnosis for the caller's plant.
func (s *Service) AddDiagnosis(ctx context.Context, userID, plantID uint64, d *Diagnosis) error {
	if _, err := s.Get(ctx, userID, plantID); err != nil {
		return err
	}
	d.PlantID = plantID
	if d.Category == "" {
		d.Category = CategoryOther
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.Clock.Now()
	}
	return s.DB.WithContext(ctx).Create(d).Error
}

func (s *Service) Diagnoses(ctx context.Context, userID, plantID uint64) ([]Diagnosis, error) {
	if _, err := s.Get(ctx, userID, plantID); err != nil {
		return nil, err
	}
	var out []Diagnosis
	if err := s.DB.WithContext(ctx).Where("plant_id = ?", plantID).Order("created_at desc, id desc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func lockOwned(tx *gorm.DB, userID, plantID uint64, p *Plant) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND user_id = ?", plantID, userID).
		First(p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNotFound
	}
	return err
}
