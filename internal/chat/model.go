package chat

import "time"

// Message is one question to the assistant and its answer. UserID is nil for
// anonymous callers.
type Message struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	UserID    *uint64   `gorm:"index" json:"user_id,omitempty"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	Response  string    `gorm:"type:text;not null" json:"response"`
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }
