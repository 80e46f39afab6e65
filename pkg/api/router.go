package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const userIDKey contextKey = "api_user_id"

func userIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(userIDKey).(string)
	return userID
}

// Routes returns the chi router serving every endpoint of the handler.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Get("/plans", h.ListPlans)
	if h.config.MetricsHandler != nil {
		r.Handle("/metrics", h.config.MetricsHandler)
	}

	// intake handlers enforce their own methods
	for provider, wh := range h.config.Webhooks {
		r.Handle("/webhooks/"+provider, wh)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.requireUser)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/status", h.GetStatus)
			r.Get("/usage", h.GetUsage)
			r.Get("/validate", h.ValidateStatus)
			r.Post("/checkout", h.Checkout)
			r.Post("/cancel", h.Cancel)
			r.Post("/reactivate", h.Reactivate)
			r.Post("/upgrade", h.Upgrade)
			r.Get("/upgrade/preview", h.PreviewUpgrade)
			r.Post("/downgrade", h.Downgrade)
		})
		r.Get("/limits/{feature}", h.CheckLimit)
	})

	if h.config.IsAdmin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdmin)

			if h.config.Scheduler != nil {
				r.Get("/trials/stats", h.TrialStats)
				r.Post("/trials/{userID}/extend", h.ExtendTrial)
				r.Post("/trials/{userID}/convert", h.ConvertTrial)
				r.Post("/jobs/daily", h.RunDaily)
			}
			if h.config.Processor != nil {
				r.Post("/events/retry", h.RetryEvents)
			}
		})
	}

	return r
}

func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := h.config.GetUserID(r)
		if userID == "" {
			h.handleError(w, r, errUnauthorized)
			return
		}
		if len(userID) > maxUserIDLen {
			h.handleError(w, r, errInvalidUserID)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.config.IsAdmin(r) {
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
