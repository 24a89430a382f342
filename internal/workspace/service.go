// Package workspace is the query facade the UI layer talks to: reads over
// the projection cache with staleness annotations, plus the pipeline entry
// points. Constructed per process, injected everywhere; no module state.
package workspace

import (
	"context"
	"strings"
	"time"

	"github.com/hollis/atlas/internal/apperr"
	"github.com/hollis/atlas/internal/cache"
	"github.com/hollis/atlas/internal/models"
	"github.com/hollis/atlas/internal/parser"
	"github.com/hollis/atlas/internal/pipeline"
	"github.com/hollis/atlas/internal/resolver"
	"github.com/hollis/atlas/internal/staleness"
	"github.com/hollis/atlas/internal/storage"
)

// Service coordinates cache reads, resolution, and pipeline runs.
type Service struct {
	store      storage.Provider
	db         *cache.DB
	res        *resolver.Resolver
	pipe       *pipeline.Pipeline
	thresholds map[string]staleness.Thresholds
	now        func() time.Time
}

// New creates a Service. thresholds maps record kinds to their staleness
// horizons; now is injectable for tests (nil means time.Now).
func New(store storage.Provider, db *cache.DB, res *resolver.Resolver, pipe *pipeline.Pipeline,
	thresholds map[string]staleness.Thresholds, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, db: db, res: res, pipe: pipe, thresholds: thresholds, now: now}
}

// EntityContext is everything the UI needs to render an entity: vitals
// and intelligence with freshness annotations attached (stale data is
// served with a caveat, never withheld), open actions, recent meetings,
// indexed content, and any projection errors under the entity's tree.
type EntityContext struct {
	Entity          models.Entity            `json:"entity"`
	Vitals          *models.Vitals           `json:"vitals,omitempty"`
	VitalsFreshness *staleness.Freshness     `json:"vitals_freshness,omitempty"`
	Intel           *models.Intel            `json:"intel,omitempty"`
	IntelFreshness  *staleness.Freshness     `json:"intel_freshness,omitempty"`
	OpenActions     []models.Action          `json:"open_actions"`
	RecentMeetings  []models.Meeting         `json:"recent_meetings"`
	Content         []models.ContentEntry    `json:"content"`
	Errors          []models.ProjectionError `json:"errors,omitempty"`
}

// PersonContext is a person's profile plus their meeting history and the
// entities they are linked to.
type PersonContext struct {
	Person   models.Person    `json:"person"`
	Meetings []models.Meeting `json:"meetings"`
	Entities []models.Entity  `json:"entities"`
}

// ResolveEntity resolves a free-text reference to a canonical entity id.
func (s *Service) ResolveEntity(_ context.Context, query string) (string, error) {
	return s.res.Entity(query)
}

// ResolvePerson resolves a free-text reference to a canonical person key.
func (s *Service) ResolvePerson(_ context.Context, query string) (string, error) {
	return s.res.Person(query)
}

// GetEntityContext assembles the full context for one entity.
func (s *Service) GetEntityContext(_ context.Context, id string) (*EntityContext, error) {
	e, err := s.db.GetEntity(id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, apperr.ErrNotFound
	}

	ec := &EntityContext{Entity: *e}
	now := s.now()

	if ec.Vitals, err = s.db.GetVitals(id); err != nil {
		return nil, err
	}
	if ec.Vitals != nil {
		f := staleness.Evaluate(now, ec.Vitals.UpdatedAt, s.thresholds[parser.KindDashboard])
		ec.VitalsFreshness = &f
	}
	if ec.Intel, err = s.db.GetIntel(id); err != nil {
		return nil, err
	}
	if ec.Intel != nil {
		f := staleness.Evaluate(now, ec.Intel.UpdatedAt, s.thresholds[parser.KindIntel])
		ec.IntelFreshness = &f
	}

	open, err := s.db.ActionsFor(cache.ActionFilter{EntityID: id, Status: models.StatusOpen}, now)
	if err != nil {
		return nil, err
	}
	inProgress, err := s.db.ActionsFor(cache.ActionFilter{EntityID: id, Status: models.StatusInProgress}, now)
	if err != nil {
		return nil, err
	}
	ec.OpenActions = append(open, inProgress...)

	if ec.RecentMeetings, err = s.db.MeetingsForEntity(id, 10); err != nil {
		return nil, err
	}
	if ec.Content, err = s.db.ContentForEntity(id); err != nil {
		return nil, err
	}
	if ec.Errors, err = s.db.ProjectionErrors(id + "/"); err != nil {
		return nil, err
	}
	return ec, nil
}

// GetActionsFor lists actions matching the filter, overdue derived at
// read time.
func (s *Service) GetActionsFor(_ context.Context, f cache.ActionFilter) ([]models.Action, error) {
	return s.db.ActionsFor(f, s.now())
}

// GetPersonContext assembles the full context for one person.
func (s *Service) GetPersonContext(_ context.Context, key string) (*PersonContext, error) {
	p, err := s.db.GetPerson(key)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperr.ErrNotFound
	}
	pc := &PersonContext{Person: *p}
	if pc.Meetings, err = s.db.MeetingsForPerson(key, 20); err != nil {
		return nil, err
	}
	ids, err := s.db.EntitiesForPerson(key)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e, err := s.db.GetEntity(id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			pc.Entities = append(pc.Entities, *e)
		}
	}
	return pc, nil
}

// ListEntities lists all non-archived entities.
func (s *Service) ListEntities(_ context.Context) ([]models.Entity, error) {
	return s.db.Entities()
}

// ProjectionErrors lists every queryable projection failure.
func (s *Service) ProjectionErrors(_ context.Context) ([]models.ProjectionError, error) {
	return s.db.ProjectionErrors("")
}

// ArchiveEntity moves the entity's directory under the archive tree and
// clears its path-derived cache rows. The entity row itself survives,
// flagged archived, so historical meetings and actions keep their referent.
func (s *Service) ArchiveEntity(_ context.Context, id string) error {
	e, err := s.db.GetEntity(id)
	if err != nil {
		return err
	}
	if e == nil {
		return apperr.ErrNotFound
	}
	if err := s.store.Move(e.Dir, storage.ArchiveDir+"/"+e.Dir); err != nil {
		return err
	}
	manifest, err := s.db.AllManifest()
	if err != nil {
		return err
	}
	prefix := e.Dir + "/"
	for p := range manifest {
		if strings.HasPrefix(p, prefix) {
			if _, err := s.db.RemovePath(p); err != nil {
				return err
			}
		}
	}
	return s.db.ArchiveEntity(id)
}

// RunPipeline advances the named command's pipeline by one stage.
func (s *Service) RunPipeline(ctx context.Context, command string) (pipeline.Status, error) {
	return s.pipe.Run(ctx, command)
}

// PipelineStatus inspects the named command's pipeline without advancing it.
func (s *Service) PipelineStatus(_ context.Context, command string) (pipeline.Status, error) {
	return s.pipe.Status(command)
}

// PipelineArtifact returns the latest delivered briefing for the command.
func (s *Service) PipelineArtifact(_ context.Context, command string) (string, []byte, error) {
	return s.pipe.Artifact(command)
}
