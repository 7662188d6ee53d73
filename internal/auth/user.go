package auth

import "time"

// User carries no subscription fields; subscription state is always queried
// from the subscriptions table.
type User struct {
	ID           uint64    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	PhoneNumber  *string   `gorm:"uniqueIndex"`
	UsageCount   int       `gorm:"not null;default:0"`
	IsAdmin      bool      `gorm:"not null;default:false"`
	CreatedAt    time.Time `gorm:"not null"`
}
