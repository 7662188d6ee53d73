package handler

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"plantcare/internal/auth"
	"plantcare/internal/chat"
	"plantcare/internal/subscription"
)

type ChatHandler struct {
	Svc *chat.Service
	Log *slog.Logger
}

type chatReq struct {
	Message string `json:"message" validate:"required,max=4000"`
}

type chatResp struct {
	Answer string        `json:"answer"`
	Chat   *chat.Message `json:"chat"`
}

// Ask works with or without a token; anonymous exchanges are stored without
// a user.
func (h *ChatHandler) Ask(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		http.Error(w, "chat assistant not configured", http.StatusServiceUnavailable)
		return
	}
	var req chatReq
	if !decode(w, r, &req) {
		return
	}

	var uid *uint64
	if id, ok := auth.UserIDFromContext(r.Context()); ok {
		uid = &id
	}
	m, err := h.Svc.Ask(r.Context(), uid, req.Message)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, chatResp{Answer: m.Response, Chat: m})
}

func (h *ChatHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		writeJSON(w, http.StatusOK, []chat.Message{})
		return
	}
	uid, _ := auth.UserIDFromContext(r.Context())
	out, err := h.Svc.History(r.Context(), uid, parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GuestHandler grants anonymous visitors a single trial use, keyed by the
// X-Guest-Id header or, failing that, the client address.
type GuestHandler struct {
	Subs *subscription.Service
	Log  *slog.Logger
}

func (h *GuestHandler) Use(w http.ResponseWriter, r *http.Request) {
	if err := h.Subs.UseAsGuest(r.Context(), guestKey(r)); err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "guest use granted; this is the only one"})
}

func guestKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Guest-Id")); id != "" {
		return "id:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
