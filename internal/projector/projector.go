// Package projector parses workspace files by kind and replaces their
// derived cache rows.
package projector

import (
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/hollis/atlas/internal/cache"
	"github.com/hollis/atlas/internal/models"
	"github.com/hollis/atlas/internal/parser"
)

// Namespace for deterministic synthesized identifiers. Re-projecting the
// same reference must yield the same key, or every pass would mint a new
// person.
var idNamespace = uuid.MustParse("9f2c1e8a-4c1d-4c64-9a2f-7b6e1d3a5c90")

// Projector turns parsed files into cache projections.
type Projector struct {
	db     *cache.DB
	logger *slog.Logger
}

// New creates a Projector over the given cache.
func New(db *cache.DB, logger *slog.Logger) *Projector {
	return &Projector{db: db, logger: logger}
}

// Project parses data according to the path's detected kind and applies
// the projection atomically. A parse failure is recorded against the path
// (last-known-good rows retained) and returned; it never affects other
// paths. Files with no projectable kind are manifest-tracked only.
func (p *Projector) Project(relPath string, data []byte, meta models.FileMeta) (*cache.Delta, error) {
	kind, entityID := parser.DetectKind(relPath)
	if kind == parser.KindNone {
		if err := p.db.TrackOnly(meta); err != nil {
			return nil, err
		}
		return &cache.Delta{Path: relPath}, nil
	}

	proj, err := p.build(relPath, kind, entityID, data, meta)
	if err != nil {
		if recErr := p.db.RecordProjectionError(relPath, kind, err.Error(), meta); recErr != nil {
			return nil, recErr
		}
		return nil, fmt.Errorf("projector: %s: %w", relPath, err)
	}
	return p.db.Apply(*proj)
}

// Remove clears every cache row derived from a deleted file.
func (p *Projector) Remove(relPath string) (*cache.Delta, error) {
	return p.db.RemovePath(relPath)
}

func (p *Projector) build(relPath, kind, entityID string, data []byte, meta models.FileMeta) (*cache.Projection, error) {
	proj := &cache.Projection{Path: relPath, Kind: kind, Meta: meta}
	if entityID != "" {
		proj.Entity = &cache.EntityShell{ID: entityID, Type: entityType(entityID)}
	}

	switch kind {
	case parser.KindDashboard:
		return p.buildDashboard(proj, entityID, data)
	case parser.KindIntel:
		return p.buildIntel(proj, entityID, data)
	case parser.KindActions:
		return p.buildActions(proj, entityID, relPath, data)
	case parser.KindMeeting:
		return p.buildMeeting(proj, entityID, relPath, data)
	case parser.KindPerson:
		return p.buildPerson(proj, relPath, data)
	case parser.KindContent:
		return p.buildContent(proj, entityID, relPath, data, meta)
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

func (p *Projector) buildDashboard(proj *cache.Projection, entityID string, data []byte) (*cache.Projection, error) {
	d, err := parser.ParseDashboard(data)
	if err != nil {
		return nil, err
	}
	proj.Entity.Name = d.Name
	if d.Type != "" {
		proj.Entity.Type = d.Type
	}
	proj.Vitals = &models.Vitals{
		EntityID:  entityID,
		Health:    d.Health,
		Summary:   d.Summary,
		UpdatedAt: d.Updated,
		Metadata:  d.Metadata,
	}
	return proj, nil
}

func (p *Projector) buildIntel(proj *cache.Projection, entityID string, data []byte) (*cache.Projection, error) {
	n, err := parser.ParseNarrative(data)
	if err != nil {
		return nil, err
	}
	in := &models.Intel{
		EntityID: entityID,
		Headline: n.Headline,
		Sources:  parser.HeaderStrings(n.Header, "sources"),
		Metadata: parser.HeaderRest(n.Header, "updated", "sources"),
	}
	if t, ok := parser.HeaderTime(n.Header, "updated"); ok {
		in.UpdatedAt = t
	}
	proj.Intel = in
	return proj, nil
}

func (p *Projector) buildActions(proj *cache.Projection, entityID, relPath string, data []byte) (*cache.Projection, error) {
	records, err := parser.ParseActions(data)
	if err != nil {
		return nil, err
	}
	proj.Actions = []cache.ActionRow{}
	for i, r := range records {
		a := models.Action{
			ID:            r.ID,
			EntityID:      entityID,
			Text:          r.Text,
			Priority:      r.Priority,
			Status:        r.Status,
			SourceMeeting: r.SourceMeeting,
		}
		if a.ID == "" {
			a.ID = "a-" + uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s#%d:%s", relPath, i, r.Text))).String()
		}
		if a.Status == "" {
			a.Status = models.StatusOpen
		}
		if due, ok := r.DueTime(); ok {
			a.Due = &due
		}
		if r.Assignee != "" {
			att := parser.ParseAttendee(r.Assignee)
			op := observed(att)
			a.PersonKey = op.Key
			proj.People = append(proj.People, op)
		}
		proj.Actions = append(proj.Actions, cache.ActionRow{Action: a})
	}
	return proj, nil
}

func (p *Projector) buildMeeting(proj *cache.Projection, entityID, relPath string, data []byte) (*cache.Projection, error) {
	n, err := parser.ParseNarrative(data)
	if err != nil {
		return nil, err
	}
	m := models.Meeting{
		ID:        parser.HeaderString(n.Header, "id"),
		Title:     parser.HeaderString(n.Header, "title"),
		Type:      parser.HeaderString(n.Header, "type"),
		Summary:   parser.HeaderString(n.Header, "summary"),
		NotesPath: relPath,
	}
	if m.ID == "" {
		m.ID = strings.TrimSuffix(path.Base(relPath), ".md")
	}
	if m.Title == "" {
		m.Title = n.Headline
	}
	if t, ok := parser.HeaderTime(n.Header, "start", "date", "occurred"); ok {
		m.Start = t
	}
	if t, ok := parser.HeaderTime(n.Header, "end"); ok {
		m.End = t
	}

	row := &cache.MeetingRow{Meeting: m, Entities: []string{entityID}}
	for _, raw := range parser.HeaderStrings(n.Header, "attendees") {
		op := observed(parser.ParseAttendee(raw))
		proj.People = append(proj.People, op)
		row.People = append(row.People, op.Key)
	}
	for _, ref := range parser.HeaderStrings(n.Header, "entities") {
		id, ok := p.normalizeEntityRef(ref)
		if !ok {
			p.logger.Warn("project: unresolved entity ref",
				slog.String("path", relPath), slog.String("ref", ref))
			continue
		}
		if id != entityID {
			row.Entities = append(row.Entities, id)
		}
	}
	proj.Meeting = row
	return proj, nil
}

func (p *Projector) buildPerson(proj *cache.Projection, relPath string, data []byte) (*cache.Projection, error) {
	n, err := parser.ParseNarrative(data)
	if err != nil {
		return nil, err
	}
	person := models.Person{
		Email:          strings.ToLower(parser.HeaderString(n.Header, "email")),
		Name:           parser.HeaderString(n.Header, "name"),
		Org:            parser.HeaderString(n.Header, "org", "company"),
		Role:           parser.HeaderString(n.Header, "role"),
		Classification: parser.HeaderString(n.Header, "classification"),
	}
	if person.Classification == "" {
		person.Classification = models.ClassUnknown
	}
	if person.Name == "" {
		person.Name = strings.TrimSuffix(path.Base(relPath), ".md")
	}
	person.Key = personKey(person.Email, person.Name)
	proj.Person = &person
	return proj, nil
}

func (p *Projector) buildContent(proj *cache.Projection, entityID, relPath string, data []byte, meta models.FileMeta) (*cache.Projection, error) {
	c := &models.ContentEntry{
		Path:     relPath,
		EntityID: entityID,
		Format:   strings.TrimPrefix(path.Ext(relPath), "."),
		Size:     meta.Size,
		Modified: meta.Modified,
	}
	if c.Format == "md" {
		if n, err := parser.ParseNarrative(data); err == nil {
			c.Summary = n.Headline
		}
	}
	proj.Content = c
	return proj, nil
}

// normalizeEntityRef maps an explicit entity reference from a record header
// to a known entity id. Bare slugs are tried under both entity types; a
// ref that matches nothing is dropped rather than left dangling.
func (p *Projector) normalizeEntityRef(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	candidates := []string{ref}
	if !strings.Contains(ref, "/") {
		candidates = []string{"accounts/" + ref, "projects/" + ref}
	}
	for _, c := range candidates {
		e, err := p.db.GetEntity(c)
		if err == nil && e != nil {
			return e.ID, true
		}
	}
	return "", false
}

func entityType(entityID string) string {
	if strings.HasPrefix(entityID, "projects/") {
		return models.EntityProject
	}
	return models.EntityAccount
}

// observed derives the stable cache key for an attendee reference:
// lowercase email when present, otherwise a name-derived synthesized id.
func observed(att parser.Attendee) cache.ObservedPerson {
	return cache.ObservedPerson{
		Key:   personKey(att.Email, att.Name),
		Email: att.Email,
		Name:  att.Name,
	}
}

func personKey(email, name string) string {
	if email != "" {
		return strings.ToLower(email)
	}
	return "p-" + uuid.NewSHA1(idNamespace, []byte(strings.ToLower(strings.TrimSpace(name)))).String()
}
