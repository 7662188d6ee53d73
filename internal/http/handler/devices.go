package handler

import (
	"log/slog"
	"net/http"

	"plantcare/internal/auth"
	"plantcare/internal/notify"

	"github.com/go-chi/chi/v5"
)

type NotifyHandler struct {
	Svc *notify.Service
	Log *slog.Logger
}

type registerDeviceReq struct {
	RegistrationID string `json:"registration_id" validate:"required,max=255"`
	Platform       string `json:"platform" validate:"omitempty,oneof=android ios web"`
}

func (h *NotifyHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	var req registerDeviceReq
	if !decode(w, r, &req) {
		return
	}
	d, err := h.Svc.RegisterDevice(r.Context(), uid, req.RegistrationID, req.Platform)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *NotifyHandler) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	if err := h.Svc.UnregisterDevice(r.Context(), uid, chi.URLParam(r, "token")); err != nil {
		fail(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *NotifyHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	limit := parseLimit(r.URL.Query().Get("limit"))
	out, err := h.Svc.List(r.Context(), uid, r.URL.Query().Get("unread") == "true", limit)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *NotifyHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.Svc.MarkRead(r.Context(), uid, id); err != nil {
		fail(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *NotifyHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	n, err := h.Svc.MarkAllRead(r.Context(), uid)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": n})
}
