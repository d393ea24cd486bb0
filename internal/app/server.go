package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/docindex/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/docindex/internal/api/middlewares"
	"github.com/markdave123-py/docindex/internal/config"
	"github.com/markdave123-py/docindex/internal/services"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, docs *services.DocumentService, workspaces *services.WorkspaceService) *Server {
	if cfg.JWTSecret == "" {
		log.Println("WARN: JWT_SECRET not set, every API request will be rejected")
	}
	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: newRouter(cfg.JWTSecret, docs, workspaces),
	}
	return &Server{httpServer: httpSrv}
}

func newRouter(jwtSecret string, docs *services.DocumentService, workspaces *services.WorkspaceService) http.Handler {
	docHandler := handlers.NewDocumentHandler(docs)
	wsHandler := handlers.NewWorkspaceHandler(workspaces)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8888"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", handlers.Health)

	r.Route("/api", func(api chi.Router) {
		api.Use(appMiddleware.JWTMiddleware(jwtSecret))

		// uploads and inline ingestion can outlast the default timeout
		api.Post("/workspaces/{workspaceID}/documents", docHandler.UploadDocument)

		api.Group(func(protected chi.Router) {
			protected.Use(middleware.Timeout(60 * time.Second))

			protected.Post("/workspaces", wsHandler.CreateWorkspace)
			protected.Get("/workspaces/{workspaceID}", wsHandler.GetWorkspace)
			protected.Put("/workspaces/{workspaceID}/settings", wsHandler.UpdateSettings)
			protected.Delete("/workspaces/{workspaceID}", wsHandler.DeleteWorkspace)
			protected.Post("/workspaces/{workspaceID}/crawl", docHandler.CrawlSite)

			protected.Get("/documents/{documentID}", docHandler.GetDocument)
			protected.Post("/documents/{documentID}/reingest", docHandler.ReIngest)
			protected.Post("/documents/{documentID}/copy", docHandler.CopyDocument)
			protected.Post("/documents/{documentID}/layout", docHandler.DetectLayout)
			protected.Delete("/documents/{documentID}", docHandler.DeleteDocument)
		})
	})
	return r
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	log.Printf("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}
