package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"plantcare/internal/auth"
	"plantcare/internal/subscription"
)

type SubscriptionHandler struct {
	Svc *subscription.Service
	Log *slog.Logger
}

func (h *SubscriptionHandler) Plans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Svc.ActivePlans(r.Context())
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": plans})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	subs, err := h.Svc.List(r.Context(), uid)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": subs})
}

type purchaseReq struct {
	PlanID        uint64 `json:"plan_id" validate:"required"`
	PaymentMethod string `json:"payment_method" validate:"omitempty,max=32"`
}

// Purchase buys or renews a plan. A repeated Idempotency-Key replays the
// first result with 200 instead of 201.
func (h *SubscriptionHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	var req purchaseReq
	if !decode(w, r, &req) {
		return
	}

	res, err := h.Svc.PurchaseOrRenew(r.Context(), uid, subscription.PurchaseInput{
		PlanID:         req.PlanID,
		Gateway:        req.PaymentMethod,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		fail(w, h.Log, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"subscription": res.Subscription,
		"payment":      res.Payment,
		"renewed":      res.Renewed,
	})
}

func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.Svc.Cancel(r.Context(), uid, id); err != nil {
		fail(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SubscriptionHandler) Status(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	st, err := h.Svc.Status(r.Context(), uid)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *SubscriptionHandler) Payments(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	out, err := h.Svc.Payments(r.Context(), uid)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *SubscriptionHandler) UseFeature(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	u, err := h.Svc.UseFeature(r.Context(), uid)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *SubscriptionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Svc.Stats(r.Context())
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type createPlanReq struct {
	Name         string `json:"name" validate:"required,max=50"`
	Description  string `json:"description"`
	DurationDays int    `json:"duration_days" validate:"required,gt=0"`
	Price        int64  `json:"price" validate:"gte=0"`
}

func (h *SubscriptionHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req createPlanReq
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Svc.CreatePlan(r.Context(), subscription.PlanInput{
		Name:         req.Name,
		Description:  req.Description,
		DurationDays: req.DurationDays,
		Price:        req.Price,
	})
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *SubscriptionHandler) DeactivatePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.Svc.DeactivatePlan(r.Context(), id); err != nil {
		fail(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
