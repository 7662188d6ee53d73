package notify

import "time"

// Device is a push target registered by a user's app install.
type Device struct {
	ID             uint64    `gorm:"primaryKey" json:"id"`
	UserID         uint64    `gorm:"index;not null" json:"user_id"`
	RegistrationID string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"registration_id"`
	Platform       string    `gorm:"type:varchar(16);not null;default:''" json:"platform"`
	IsActive       bool      `gorm:"index;not null" json:"is_active"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

// Notification is the durable inbox record. DedupeKey, when set, is unique per
// user so repeated sweeps cannot insert the same reminder twice.
type Notification struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	UserID    uint64    `gorm:"index;not null;uniqueIndex:uq_notifications_user_dedupe,priority:1" json:"user_id"`
	Title     string    `gorm:"type:varchar(200);not null;default:''" json:"title"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	DedupeKey *string   `gorm:"type:varchar(200);uniqueIndex:uq_notifications_user_dedupe,priority:2" json:"-"`
	IsRead    bool      `gorm:"not null" json:"is_read"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`
}

// Message is one push payload.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}
