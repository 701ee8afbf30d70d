package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/pvavrin/facelens/internal/web/handlers"
)

func (s *Server) setupRoutes(deps handlers.Deps) {
	uploadHandler := handlers.NewUploadHandler(deps)
	jobsHandler := handlers.NewJobsHandler(deps)
	searchHandler := handlers.NewSearchHandler(deps)

	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Ingestion
		r.Post("/collections/{id}/upload", uploadHandler.Upload)
		r.Get("/jobs/{jobId}", jobsHandler.Status)
		r.Get("/jobs/{jobId}/events", jobsHandler.Events)
		r.Delete("/jobs/{jobId}", jobsHandler.Cancel)

		// Search
		r.Post("/collections/{id}/search", searchHandler.Create)
		r.Get("/search/{requestId}", searchHandler.Get)
		r.Get("/search/{requestId}/events", searchHandler.Events)
		r.Get("/search/{requestId}/wait", searchHandler.Wait)
	})
}
