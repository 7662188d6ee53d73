package subscription

import "time"

type Plan struct {
	ID           uint64    `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"type:varchar(50);uniqueIndex;not null" json:"name"`
	Description  string    `gorm:"type:text;not null;default:''" json:"description"`
	DurationDays int       `gorm:"not null" json:"duration_days"`
	Price        int64     `gorm:"not null" json:"price"`
	IsActive     bool      `gorm:"index;not null" json:"is_active"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}

// Subscription is active from purchase until cancellation or expiry and is
// never reactivated afterwards.
type Subscription struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	UserID    uint64    `gorm:"index;not null" json:"user_id"`
	PlanID    uint64    `gorm:"index;not null" json:"plan_id"`
	StartedAt time.Time `gorm:"not null" json:"started_at"`
	ExpiredAt time.Time `gorm:"index;not null" json:"expired_at"`
	IsActive  bool      `gorm:"index;not null" json:"is_active"`
	AutoRenew bool      `gorm:"not null" json:"auto_renew"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

const (
	KindPurchase = "purchase"
	KindRenewal  = "renewal"
)

// Payment is the append-only payment history. PlanName and Amount are
// snapshots taken at payment time.
type Payment struct {
	ID             uint64    `gorm:"primaryKey" json:"id"`
	UserID         uint64    `gorm:"index;not null;uniqueIndex:uq_payments_user_idem,priority:1" json:"user_id"`
	SubscriptionID *uint64   `gorm:"index" json:"subscription_id"`
	PlanName       string    `gorm:"type:varchar(50);not null" json:"plan_name"`
	Amount         int64     `gorm:"not null" json:"amount"`
	Kind           string    `gorm:"type:varchar(16);not null" json:"kind"`
	Success        bool      `gorm:"not null" json:"success"`
	Gateway        string    `gorm:"type:varchar(32);not null;default:''" json:"gateway"`
	RefID          string    `gorm:"type:varchar(40);not null;default:''" json:"ref_id"`
	Description    string    `gorm:"type:text;not null;default:''" json:"description"`
	IdempotencyKey *string   `gorm:"type:varchar(100);uniqueIndex:uq_payments_user_idem,priority:2" json:"-"`
	PaidAt         time.Time `gorm:"index;not null" json:"paid_at"`
}

func (Payment) TableName() string { return "payment_histories" }

// GuestUse marks a guest key that already spent its single free use.
type GuestUse struct {
	ID        uint64    `gorm:"primaryKey"`
	GuestKey  string    `gorm:"type:varchar(100);uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}
