package http

import (
	"log/slog"
	"net/http"

	"plantcare/internal/auth"
	"plantcare/internal/chat"
	"plantcare/internal/config"
	"plantcare/internal/diagnosis"
	"plantcare/internal/http/handler"
	mw "plantcare/internal/http/middleware"
	"plantcare/internal/metrics"
	"plantcare/internal/notify"
	"plantcare/internal/plant"
	"plantcare/internal/subscription"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

type Deps struct {
	Config        config.Config
	DB            *gorm.DB
	JWT           *auth.JWT
	Log           *slog.Logger
	Plants        *plant.Service
	Diagnosis     *diagnosis.Service
	Chat          *chat.Service
	Notify        *notify.Service
	Subscriptions *subscription.Service
	Metrics       *metrics.Metrics
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.RequestLogger(d.Log))
	r.Use(chimw.Recoverer)
	if d.Metrics != nil {
		r.Use(d.Metrics.Middleware)
	}

	if len(d.Config.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(d.Config.CORSAllowedOrigins, d.Config.CORSAllowCredentials))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	ah := &handler.AuthHandler{DB: d.DB, JWT: d.JWT, Log: d.Log}
	r.Post("/auth/register", ah.Register)
	r.Post("/auth/login", ah.Login)

	subH := &handler.SubscriptionHandler{Svc: d.Subscriptions, Log: d.Log}
	r.Get("/plans", subH.Plans)

	requireAuth := auth.RequireAuth(d.JWT)

	guestH := &handler.GuestHandler{Subs: d.Subscriptions, Log: d.Log}
	r.Post("/guest/use", guestH.Use)

	chatH := &handler.ChatHandler{Svc: d.Chat, Log: d.Log}
	r.With(auth.OptionalAuth(d.JWT)).Post("/chat", chatH.Ask)
	r.With(requireAuth).Get("/chat/messages", chatH.History)

	me := &handler.MeHandler{DB: d.DB, Subs: d.Subscriptions, Log: d.Log}
	r.With(requireAuth).Get("/me", me.Me)

	plantH := &handler.PlantHandler{Svc: d.Plants, Diagnosis: d.Diagnosis, Log: d.Log}
	r.Route("/plants", func(r chi.Router) {
		r.Use(requireAuth)

		r.Get("/", plantH.List)
		r.Post("/", plantH.Create)
		r.Get("/{id}", plantH.Get)
		r.Patch("/{id}", plantH.Update)
		r.Delete("/{id}", plantH.Delete)

		r.Post("/{id}/water", plantH.Water)
		r.Get("/{id}/watering-logs", plantH.Logs)
		r.Get("/{id}/diagnoses", plantH.Diagnoses)
		r.Post("/{id}/diagnoses", plantH.Diagnose)
	})

	notifyH := &handler.NotifyHandler{Svc: d.Notify, Log: d.Log}
	r.Group(func(r chi.Router) {
		r.Use(requireAuth)

		r.Post("/devices", notifyH.RegisterDevice)
		r.Delete("/devices/{token}", notifyH.UnregisterDevice)

		r.Get("/notifications", notifyH.List)
		r.Post("/notifications/read-all", notifyH.MarkAllRead)
		r.Post("/notifications/{id}/read", notifyH.MarkRead)

		r.Get("/subscriptions", subH.List)
		r.Post("/subscriptions", subH.Purchase)
		r.Get("/subscriptions/status", subH.Status)
		r.Delete("/subscriptions/{id}", subH.Cancel)
		r.Get("/payments", subH.Payments)
		r.Post("/usage", subH.UseFeature)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(requireAuth, auth.RequireAdmin(d.DB))

		r.Get("/stats", subH.Stats)
		r.Post("/plans", subH.CreatePlan)
		r.Delete("/plans/{id}", subH.DeactivatePlan)
	})

	return r
}
