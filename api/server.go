/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/users/*             User accounts and preferences
  /api/appointments/*      Appointment CRUD, occurrences, completion, ICS
  /api/conflicts           Schedule conflict check
  /api/reminders/*         Reminder activity and test calls
  /callbacks/voice-status  Telephony provider status webhook

SECURITY NOTE:
  No authentication middleware. Auth/session handling is an external
  collaborator; handlers take explicit user ids.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
			r.Put("/{id}/preferences", h.UpdatePreferences)
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Get("/", h.ListAppointments)
			r.Post("/", h.CreateAppointment)
			r.Get("/{id}", h.GetAppointment)
			r.Put("/{id}", h.UpdateAppointment)
			r.Delete("/{id}", h.DeleteAppointment)
			r.Post("/{id}/complete", h.CompleteAppointment)
			r.Get("/{id}/occurrences", h.GetOccurrences)
			r.Get("/{id}/ics", h.ExportICS)
		})

		r.Post("/conflicts", h.CheckConflicts)

		r.Route("/reminders", func(r chi.Router) {
			r.Get("/activity", h.GetReminderActivity)
			r.Post("/test-call", h.TriggerTestCall)
		})
	})

	// Provider webhook; lives outside /api because the provider, not the
	// frontend, calls it.
	r.Post("/callbacks/voice-status", h.VoiceStatusCallback)

	return r
}
