package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hollis/atlas/internal/apperr"
	"github.com/hollis/atlas/internal/cache"
	"github.com/hollis/atlas/internal/sse"
	"github.com/hollis/atlas/internal/workspace"
)

// Handler holds API route handlers.
type Handler struct {
	svc    *workspace.Service
	events *sse.Broker // nil when no event stream is mounted
}

// NewHandler creates a new Handler.
func NewHandler(svc *workspace.Service, events *sse.Broker) *Handler {
	return &Handler{svc: svc, events: events}
}

// entityID rebuilds the two-segment entity id from route params.
func entityID(r *http.Request) string {
	return chi.URLParam(r, "etype") + "/" + chi.URLParam(r, "slug")
}

// writeErr maps taxonomy errors to HTTP responses. Ambiguity carries its
// candidates so the caller can choose; nothing is guessed server-side.
func writeErr(w http.ResponseWriter, err error) {
	if ae, ok := apperr.IsAmbiguous(err); ok {
		writeJSON(w, http.StatusConflict, errResponse{Error: "ambiguous", Candidates: ae.Candidates})
		return
	}
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody("conflict: enrichment in progress"))
	case errors.Is(err, apperr.ErrPipelineIncomplete):
		writeJSON(w, http.StatusConflict, errorBody("pipeline incomplete: awaiting enrichment"))
	case errors.Is(err, apperr.ErrDeliveryPrecondition):
		writeJSON(w, http.StatusPreconditionFailed, errorBody("delivery precondition failed"))
	default:
		slog.Error("request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// ListEntities handles GET /api/entities.
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := h.svc.ListEntities(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

// ResolveEntity handles GET /api/entities/resolve?q=.
func (h *Handler) ResolveEntity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	id, err := h.svc.ResolveEntity(r.Context(), q)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// EntityContext handles GET /api/entities/{etype}/{slug}/context.
func (h *Handler) EntityContext(w http.ResponseWriter, r *http.Request) {
	ec, err := h.svc.GetEntityContext(r.Context(), entityID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ec)
}

// ArchiveEntity handles POST /api/entities/{etype}/{slug}/archive.
func (h *Handler) ArchiveEntity(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ArchiveEntity(r.Context(), entityID(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

// ListActions handles GET /api/actions with optional filters.
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := cache.ActionFilter{
		EntityID:    q.Get("entity"),
		PersonKey:   q.Get("person"),
		Status:      q.Get("status"),
		OverdueOnly: q.Get("overdue") == "true",
	}
	if v := q.Get("due_before"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid due_before, want YYYY-MM-DD"))
			return
		}
		f.DueBefore = t
	}
	actions, err := h.svc.GetActionsFor(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// ResolvePerson handles GET /api/people/resolve?q=.
func (h *Handler) ResolvePerson(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	key, err := h.svc.ResolvePerson(r.Context(), q)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

// PersonContext handles GET /api/people/{key}/context.
func (h *Handler) PersonContext(w http.ResponseWriter, r *http.Request) {
	pc, err := h.svc.GetPersonContext(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pc)
}

// RunPipeline handles POST /api/pipeline/{command}/run.
func (h *Handler) RunPipeline(w http.ResponseWriter, r *http.Request) {
	command := chi.URLParam(r, "command")
	status, err := h.svc.RunPipeline(r.Context(), command)
	if err != nil && status.State == "" {
		writeErr(w, err)
		return
	}
	if h.events != nil && status.State != "" {
		h.events.PublishPipelineEvent(command, string(status.State))
	}
	if err != nil {
		// Stage failure: report the inspectable status alongside the error.
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": status,
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// PipelineStatus handles GET /api/pipeline/{command}/status.
func (h *Handler) PipelineStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.PipelineStatus(r.Context(), chi.URLParam(r, "command"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// PipelineArtifact handles GET /api/pipeline/{command}/artifact.
func (h *Handler) PipelineArtifact(w http.ResponseWriter, r *http.Request) {
	path, content, err := h.svc.PipelineArtifact(r.Context(), chi.URLParam(r, "command"))
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("X-Artifact-Path", path)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// ProjectionErrors handles GET /api/errors.
func (h *Handler) ProjectionErrors(w http.ResponseWriter, r *http.Request) {
	errs, err := h.svc.ProjectionErrors(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": errs})
}
