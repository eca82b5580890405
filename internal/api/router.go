package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Get("/health", apiHandler.HealthHandler)
		r.Get("/shares/{shareID}", apiHandler.GetShareHandler)

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Get("/me", apiHandler.MeHandler)
			r.Post("/keys", apiHandler.GenerateKeysHandler)
			r.Post("/analyses", apiHandler.StartAnalysisHandler)
			r.Put("/cutoff", apiHandler.SetCutoffHandler)

			r.Get("/chats", apiHandler.ListChatsHandler)
			r.Route("/chats/{chatID}", func(r chi.Router) {
				r.Get("/", apiHandler.GetChatHandler)
				r.Patch("/", apiHandler.RenameChatHandler)
				r.Delete("/", apiHandler.DeleteChatHandler)

				r.Route("/analyses/{analysisID}", func(r chi.Router) {
					r.Get("/", apiHandler.GetAnalysisHandler)
					r.Delete("/", apiHandler.DeleteAnalysisHandler)
					r.Post("/share", apiHandler.ShareAnalysisHandler)
					r.Patch("/participants/{participantID}", apiHandler.UpdateParticipantHandler)
					r.Delete("/participants/{participantID}", apiHandler.DeleteParticipantHandler)
					r.Post("/participants/{participantID}/sync", apiHandler.SyncParticipantHandler)
				})
			})

			r.Get("/shares", apiHandler.ListSharesHandler)
			r.Delete("/shares/{shareID}", apiHandler.DeleteShareHandler)
		})
	})

	// Scheduler and ops routes
	r.Route("/internal", func(r chi.Router) {
		r.Use(apiHandler.AdminAuthMiddleware)
		r.Post("/analyses/run", apiHandler.RunAnalysisHandler)
		r.Post("/files/delete", apiHandler.DeleteFilesHandler)
	})

	return r
}
