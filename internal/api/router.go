package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/hollis/atlas/internal/sse"
	"github.com/hollis/atlas/internal/workspace"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// broker, if non-nil, is mounted at GET /events inside the auth group and
// receives pipeline stage transitions.
func NewRouter(svc *workspace.Service, authEnabled bool, token string, broker *sse.Broker) chi.Router {
	h := NewHandler(svc, broker)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Entities.
	r.Get("/entities", h.ListEntities)
	r.Get("/entities/resolve", h.ResolveEntity)
	r.Get("/entities/{etype}/{slug}/context", h.EntityContext)
	r.Post("/entities/{etype}/{slug}/archive", h.ArchiveEntity)

	// People.
	r.Get("/people/resolve", h.ResolvePerson)
	r.Get("/people/{key}/context", h.PersonContext)

	// Actions.
	r.Get("/actions", h.ListActions)

	// Pipeline.
	r.Post("/pipeline/{command}/run", h.RunPipeline)
	r.Get("/pipeline/{command}/status", h.PipelineStatus)
	r.Get("/pipeline/{command}/artifact", h.PipelineArtifact)

	// Projection errors.
	r.Get("/errors", h.ProjectionErrors)

	// SSE endpoint (protected by same auth middleware).
	if broker != nil {
		r.Get("/events", broker.ServeHTTP)
	}

	return r
}
