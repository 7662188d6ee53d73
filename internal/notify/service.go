package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"plantcare/internal/apperr"
	"plantcare/internal/clock"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Recorder observes dispatch outcomes; the metrics package implements it.
type Recorder interface {
	Dispatch(class ErrorClass)
}

type Service struct {
	DB         *gorm.DB
	Dispatcher Dispatcher
	Clock      clock.Clock
	Log        *slog.Logger
	Metrics    Recorder

	// SendTimeout bounds every single Send call.
	SendTimeout time.Duration
}

// Delivery is the outcome of one Send to one device.
type Delivery struct {
	DeviceID uint64
	Class    ErrorClass
	Err      error
}

func (d Delivery) Delivered() bool { return d.Class == ClassNone }

// RegisterDevice stores a token for userID. A token already known is moved to
// userID and reactivated, since the user just proved it works.
func (s *Service) RegisterDevice(ctx context.Context, userID uint64, token, platform string) (*Device, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.ErrInvalidState
	}

	var d Device
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("registration_id = ?", token).First(&d).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			d = Device{UserID: userID, RegistrationID: token, Platform: platform, IsActive: true}
			return tx.Create(&d).Error
		}
		if err != nil {
			return err
		}
		d.UserID = userID
		d.IsActive = true
		if platform != "" {
			d.Platform = platform
		}
		return tx.Save(&d).Error
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UnregisterDevice deactivates the caller's token.
func (s *Service) UnregisterDevice(ctx context.Context, userID uint64, token string) error {
	res := s.DB.WithContext(ctx).Model(&Device{}).
		Where("registration_id = ? AND user_id = ? AND is_active = ?", token, userID, true).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ActiveDevices lists the push targets of userID using db, which may be a transaction.
func ActiveDevices(db *gorm.DB, userID uint64) ([]Device, error) {
	var out []Device
	err := db.Where("user_id = ? AND is_active = ?", userID, true).Order("id asc").Find(&out).Error
	return out, err
}

// Deactivate marks a device dead. It never reactivates anything.
func Deactivate(db *gorm.DB, deviceID uint64) error {
	return db.Model(&Device{}).
		Where("id = ? AND is_active = ?", deviceID, true).
		Update("is_active", false).Error
}

// SendAll sends msg to every device. Each send is bounded by SendTimeout and
// failures are collected, never returned. Devices reporting an invalid target
// are deactivated through db.
func (s *Service) SendAll(ctx context.Context, db *gorm.DB, devices []Device, msg Message) []Delivery {
	out := make([]Delivery, 0, len(devices))
	for _, d := range devices {
		err := s.send(ctx, d.RegistrationID, msg)
		class := ClassOf(err)
		out = append(out, Delivery{DeviceID: d.ID, Class: class, Err: err})

		if s.Metrics != nil {
			s.Metrics.Dispatch(class)
		}

		switch class {
		case ClassNone:
		case ClassInvalidTarget:
			s.logger().Info("deactivating invalid push target", "device_id", d.ID, "user_id", d.UserID, "error", err)
			if derr := Deactivate(db.WithContext(ctx), d.ID); derr != nil {
				s.logger().Error("deactivate device failed", "device_id", d.ID, "error", derr)
			}
		default:
			s.logger().Warn("push failed", "device_id", d.ID, "class", class.String(), "error", err)
		}
	}
	return out
}

func (s *Service) send(ctx context.Context, token string, msg Message) (err error) {
	if s.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.SendTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger().Error("dispatcher panicked", "panic", r)
			err = errors.New("dispatcher panic")
		}
	}()
	return s.Dispatcher.Send(ctx, token, msg)
}

// Push sends msg to all active devices of userID.
func (s *Service) Push(ctx context.Context, userID uint64, msg Message) ([]Delivery, error) {
	devices, err := ActiveDevices(s.DB.WithContext(ctx), userID)
	if err != nil {
		return nil, err
	}
	return s.SendAll(ctx, s.DB, devices, msg), nil
}

// Record inserts n unless a notification with the same user and dedupe key
// already exists. created reports whether a row was written.
func Record(db *gorm.DB, n *Notification) (created bool, err error) {
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(n)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Notify records an inbox entry and pushes it when the entry is new. Push
// failures are logged only. An empty dedupeKey disables de-duplication.
func (s *Service) Notify(ctx context.Context, userID uint64, msg Message, dedupeKey string) (bool, error) {
	n := &Notification{
		UserID:    userID,
		Title:     msg.Title,
		Message:   msg.Body,
		CreatedAt: s.Clock.Now(),
	}
	if dedupeKey != "" {
		n.DedupeKey = &dedupeKey
	}

	created, err := Record(s.DB.WithContext(ctx), n)
	if err != nil || !created {
		return false, err
	}

	s.PushBestEffort(ctx, userID, msg)
	return true, nil
}

// PushBestEffort is Push with errors logged instead of returned.
func (s *Service) PushBestEffort(ctx context.Context, userID uint64, msg Message) {
	if _, err := s.Push(ctx, userID, msg); err != nil {
		s.logger().Warn("push skipped", "user_id", userID, "error", err)
	}
}

func (s *Service) List(ctx context.Context, userID uint64, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.DB.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var out []Notification
	if err := q.Order("created_at desc, id desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) MarkRead(ctx context.Context, userID, id uint64) error {
	res := s.DB.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Update("is_read", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *Service) MarkAllRead(ctx context.Context, userID uint64) (int64, error) {
	res := s.DB.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}
