package handler

import (
	"log/slog"
	"net/http"
	"time"

	"plantcare/internal/auth"
	"plantcare/internal/subscription"

	"gorm.io/gorm"
)

type MeHandler struct {
	DB   *gorm.DB
	Subs *subscription.Service
	Log  *slog.Logger
}

type meDTO struct {
	UserID       uint64              `json:"user_id"`
	Email        string              `json:"email"`
	PhoneNumber  *string             `json:"phone_number"`
	UsageCount   int                 `json:"usage_count"`
	IsAdmin      bool                `json:"is_admin"`
	CreatedAt    time.Time           `json:"created_at"`
	Subscription subscription.Status `json:"subscription"`
}

func (h *MeHandler) Me(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	var u auth.User
	if err := h.DB.WithContext(r.Context()).First(&u, uid).Error; err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	st, err := h.Subs.Status(r.Context(), uid)
	if err != nil {
		fail(w, h.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, meDTO{
		UserID:       u.ID,
		Email:        u.Email,
		PhoneNumber:  u.PhoneNumber,
		UsageCount:   u.UsageCount,
		IsAdmin:      u.IsAdmin,
		CreatedAt:    u.CreatedAt,
		Subscription: st,
	})
}
