package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hollis/atlas/internal/models"
)

// Join relation names.
const (
	RelMeetingPerson = "meeting_person"
	RelMeetingEntity = "meeting_entity"
	RelPersonEntity  = "person_entity"
)

// Link is one join row stated by a projected record.
type Link struct {
	Rel  string `json:"rel"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Delta is the join-relation difference produced by one projection.
// Downstream listeners get only what changed.
type Delta struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	Inserted []Link `json:"inserted,omitempty"`
	Deleted  []Link `json:"deleted,omitempty"`
}

// EntityShell identifies the entity a projected record belongs to. The
// shell row is upserted by any projection under the entity's directory
// and is never removed by path clearing: entities are archived, not
// deleted, so historical joins keep their referent.
type EntityShell struct {
	ID   string
	Name string
	Type string
}

// ObservedPerson is a person reference stated by a record (attendee,
// assignee, sender). People rows are cumulative and never deleted.
type ObservedPerson struct {
	Key   string
	Email string
	Name  string
}

// MeetingRow carries a meeting record plus the references it states.
type MeetingRow struct {
	Meeting  models.Meeting
	People   []string // person keys
	Entities []string // entity ids
}

// ActionRow is one projected action.
type ActionRow struct {
	Action models.Action
}

// Projection is everything a single file's parse produced, applied to the
// cache in one transaction.
type Projection struct {
	Path    string
	Kind    string
	Meta    models.FileMeta
	Entity  *EntityShell
	Vitals  *models.Vitals
	Intel   *models.Intel
	Person  *models.Person
	Meeting *MeetingRow
	Actions []ActionRow
	Content *models.ContentEntry
	People  []ObservedPerson
}

// Apply replaces every cache row previously derived from p.Path in a
// single transaction and returns the join delta. If the path's previous
// kind differs (the file changed shape), the old kind's rows are cleared
// first so nothing orphans. Readers never observe a partial projection.
func (db *DB) Apply(p Projection) (*Delta, error) {
	now := time.Now().UTC()

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	prevKind, err := manifestKind(tx, p.Path)
	if err != nil {
		return nil, err
	}

	oldLinks, err := linksForPath(tx, p.Path)
	if err != nil {
		return nil, err
	}

	var prevStatus map[string]string
	if p.Actions != nil {
		if prevStatus, err = actionStatuses(tx, p.Path); err != nil {
			return nil, err
		}
	}

	if prevKind != "" && prevKind != p.Kind {
		if err := clearKindRows(tx, prevKind, p.Path); err != nil {
			return nil, err
		}
	}
	if err := clearKindRows(tx, p.Kind, p.Path); err != nil {
		return nil, err
	}

	if p.Entity != nil {
		if err := upsertEntityShell(tx, *p.Entity, now); err != nil {
			return nil, err
		}
	}
	for _, op := range p.People {
		if err := upsertObservedPerson(tx, op, now); err != nil {
			return nil, err
		}
	}

	var newLinks []Link
	switch {
	case p.Vitals != nil:
		err = insertVitals(tx, *p.Vitals, p.Path)
	case p.Intel != nil:
		err = insertIntel(tx, *p.Intel, p.Path)
	case p.Person != nil:
		err = upsertProfiledPerson(tx, *p.Person, p.Path, now)
	case p.Meeting != nil:
		newLinks, err = insertMeeting(tx, *p.Meeting, p.Path)
	case p.Actions != nil:
		newLinks, err = insertActions(tx, p.Actions, p.Path)
	case p.Content != nil:
		err = insertContent(tx, *p.Content, now)
	}
	if err != nil {
		return nil, err
	}

	if err := upsertManifest(tx, p.Path, p.Meta, p.Kind, now); err != nil {
		return nil, err
	}
	// A successful projection supersedes any recorded error for the path.
	if _, err := tx.Exec(`DELETE FROM projection_errors WHERE path = ?`, p.Path); err != nil {
		return nil, fmt.Errorf("cache: clear projection error: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("cache: commit projection: %w", err)
	}

	// The edit is applied either way: the file is the source of truth.
	// A status moving backward is still worth surfacing, since it usually
	// means a hand edit reverted tracked progress.
	for _, r := range p.Actions {
		prev, ok := prevStatus[r.Action.ID]
		if ok && prev != r.Action.Status && !models.StatusAdvances(prev, r.Action.Status) {
			slog.Warn("cache: action status moved backward",
				slog.String("action", r.Action.ID),
				slog.String("path", p.Path),
				slog.String("from", prev),
				slog.String("to", r.Action.Status))
		}
	}

	d := &Delta{Path: p.Path, Kind: p.Kind}
	d.Inserted, d.Deleted = diffLinks(oldLinks, newLinks)
	return d, nil
}

// RemovePath clears every row derived from a deleted file, in one
// transaction. Entity and people rows survive: they are never hard-deleted,
// only their path-owned attributes are reset.
func (db *DB) RemovePath(path string) (*Delta, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	kind, err := manifestKind(tx, path)
	if err != nil {
		return nil, err
	}
	oldLinks, err := linksForPath(tx, path)
	if err != nil {
		return nil, err
	}
	if kind != "" {
		if err := clearKindRows(tx, kind, path); err != nil {
			return nil, err
		}
	}
	_, _ = tx.Exec(`DELETE FROM manifest WHERE path = ?`, path)
	_, _ = tx.Exec(`DELETE FROM projection_errors WHERE path = ?`, path)

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("cache: commit removal: %w", err)
	}
	d := &Delta{Path: path, Kind: kind, Deleted: oldLinks}
	return d, nil
}

// RecordProjectionError stores a parse failure for the path. The path's
// last-known-good rows are retained; only the manifest stat is refreshed
// so the file is not re-read until it changes again.
func (db *DB) RecordProjectionError(path, kind, msg string, meta models.FileMeta) error {
	now := time.Now().UTC()
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`
		INSERT INTO projection_errors (path, kind, error, occurred_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			kind        = excluded.kind,
			error       = excluded.error,
			occurred_at = excluded.occurred_at
	`, path, kind, msg, now); err != nil {
		return fmt.Errorf("cache: record projection error: %w", err)
	}
	if err := upsertManifest(tx, path, meta, kind, now); err != nil {
		return err
	}
	return tx.Commit()
}

func clearKindRows(tx *sql.Tx, kind, path string) error {
	var stmts []string
	switch kind {
	case "dashboard":
		stmts = []string{`DELETE FROM vitals WHERE src_path = ?`}
	case "intelligence":
		stmts = []string{`DELETE FROM intel WHERE src_path = ?`}
	case "actions":
		stmts = []string{
			`DELETE FROM actions WHERE src_path = ?`,
			`DELETE FROM person_entities WHERE src_path = ?`,
		}
	case "meeting":
		stmts = []string{
			`DELETE FROM meetings WHERE src_path = ?`,
			`DELETE FROM meeting_people WHERE src_path = ?`,
			`DELETE FROM meeting_entities WHERE src_path = ?`,
			`DELETE FROM person_entities WHERE src_path = ?`,
		}
	case "person":
		// People are never deleted. Losing the profile file demotes the
		// row back to an observed contact.
		stmts = []string{`
			UPDATE people SET org = '', role = '', classification = 'unknown',
				profiled = 0, src_path = NULL
			WHERE src_path = ?`}
	case "content":
		stmts = []string{`DELETE FROM content_index WHERE path = ?`}
	default:
		return nil
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s, path); err != nil {
			return fmt.Errorf("cache: clear %s rows: %w", kind, err)
		}
	}
	return nil
}

func upsertEntityShell(tx *sql.Tx, e EntityShell, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO entities (id, name, etype, dir, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name      = CASE WHEN excluded.name != '' THEN excluded.name ELSE entities.name END,
			etype     = CASE WHEN excluded.etype != '' THEN excluded.etype ELSE entities.etype END,
			archived  = 0,
			last_seen = excluded.last_seen
	`, e.ID, e.Name, e.Type, e.ID, now, now)
	if err != nil {
		return fmt.Errorf("cache: upsert entity: %w", err)
	}
	return nil
}

func upsertObservedPerson(tx *sql.Tx, op ObservedPerson, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO people (key, email, name, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			email     = CASE WHEN excluded.email != '' THEN excluded.email ELSE people.email END,
			name      = CASE WHEN people.name = '' THEN excluded.name ELSE people.name END,
			last_seen = excluded.last_seen
	`, op.Key, op.Email, op.Name, now, now)
	if err != nil {
		return fmt.Errorf("cache: upsert observed person: %w", err)
	}
	return nil
}

func upsertProfiledPerson(tx *sql.Tx, p models.Person, path string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO people (key, email, name, org, role, classification, profiled, first_seen, last_seen, src_path)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			email          = CASE WHEN excluded.email != '' THEN excluded.email ELSE people.email END,
			name           = CASE WHEN excluded.name != '' THEN excluded.name ELSE people.name END,
			org            = excluded.org,
			role           = excluded.role,
			classification = excluded.classification,
			profiled       = 1,
			last_seen      = excluded.last_seen,
			src_path       = excluded.src_path
	`, p.Key, p.Email, p.Name, p.Org, p.Role, p.Classification, now, now, path)
	if err != nil {
		return fmt.Errorf("cache: upsert profiled person: %w", err)
	}
	return nil
}

func insertVitals(tx *sql.Tx, v models.Vitals, path string) error {
	meta, _ := json.Marshal(v.Metadata)
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO vitals (entity_id, health, summary, updated_at, metadata, src_path)
		VALUES (?, ?, ?, ?, ?, ?)
	`, v.EntityID, v.Health, v.Summary, v.UpdatedAt, string(meta), path)
	if err != nil {
		return fmt.Errorf("cache: insert vitals: %w", err)
	}
	return nil
}

func insertIntel(tx *sql.Tx, in models.Intel, path string) error {
	meta, _ := json.Marshal(in.Metadata)
	sources, _ := json.Marshal(in.Sources)
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO intel (entity_id, headline, sources, updated_at, metadata, src_path)
		VALUES (?, ?, ?, ?, ?, ?)
	`, in.EntityID, in.Headline, string(sources), in.UpdatedAt, string(meta), path)
	if err != nil {
		return fmt.Errorf("cache: insert intel: %w", err)
	}
	return nil
}

func insertMeeting(tx *sql.Tx, m MeetingRow, path string) ([]Link, error) {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO meetings (id, title, mtype, start, end, notes_path, summary, src_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.Meeting.ID, m.Meeting.Title, m.Meeting.Type, m.Meeting.Start, m.Meeting.End,
		m.Meeting.NotesPath, m.Meeting.Summary, path)
	if err != nil {
		return nil, fmt.Errorf("cache: insert meeting: %w", err)
	}

	var links []Link
	for _, pk := range m.People {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO meeting_people (meeting_id, person_key, src_path) VALUES (?, ?, ?)`,
			m.Meeting.ID, pk, path); err != nil {
			return nil, fmt.Errorf("cache: insert meeting_people: %w", err)
		}
		links = append(links, Link{Rel: RelMeetingPerson, From: m.Meeting.ID, To: pk})
	}
	for _, eid := range m.Entities {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO meeting_entities (meeting_id, entity_id, src_path) VALUES (?, ?, ?)`,
			m.Meeting.ID, eid, path); err != nil {
			return nil, fmt.Errorf("cache: insert meeting_entities: %w", err)
		}
		links = append(links, Link{Rel: RelMeetingEntity, From: m.Meeting.ID, To: eid})
	}
	// Every attendee of an entity's meeting is linked to that entity.
	for _, pk := range m.People {
		for _, eid := range m.Entities {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO person_entities (person_key, entity_id, src_path) VALUES (?, ?, ?)`,
				pk, eid, path); err != nil {
				return nil, fmt.Errorf("cache: insert person_entities: %w", err)
			}
			links = append(links, Link{Rel: RelPersonEntity, From: pk, To: eid})
		}
	}
	return links, nil
}

func insertActions(tx *sql.Tx, rows []ActionRow, path string) ([]Link, error) {
	var links []Link
	for _, r := range rows {
		a := r.Action
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO actions (id, entity_id, text, priority, status, due, person_key, source_meeting, src_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.EntityID, a.Text, a.Priority, a.Status, a.Due, a.PersonKey, a.SourceMeeting, path); err != nil {
			return nil, fmt.Errorf("cache: insert action: %w", err)
		}
		if a.PersonKey != "" && a.EntityID != "" {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO person_entities (person_key, entity_id, src_path) VALUES (?, ?, ?)`,
				a.PersonKey, a.EntityID, path); err != nil {
				return nil, fmt.Errorf("cache: insert person_entities: %w", err)
			}
			links = append(links, Link{Rel: RelPersonEntity, From: a.PersonKey, To: a.EntityID})
		}
	}
	return links, nil
}

func insertContent(tx *sql.Tx, c models.ContentEntry, now time.Time) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO content_index (path, entity_id, format, size, mtime, indexed_at, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.Path, c.EntityID, c.Format, c.Size, c.Modified, now, c.Summary)
	if err != nil {
		return fmt.Errorf("cache: insert content entry: %w", err)
	}
	return nil
}

// actionStatuses reads the statuses currently recorded for path's actions,
// keyed by action id.
func actionStatuses(tx *sql.Tx, path string) (map[string]string, error) {
	rows, err := tx.Query(`SELECT id, status FROM actions WHERE src_path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("cache: action statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = status
	}
	return out, rows.Err()
}

// linksForPath reads the join rows currently owned by path.
func linksForPath(tx *sql.Tx, path string) ([]Link, error) {
	var out []Link
	queries := []struct {
		rel string
		sql string
	}{
		{RelMeetingPerson, `SELECT meeting_id, person_key FROM meeting_people WHERE src_path = ?`},
		{RelMeetingEntity, `SELECT meeting_id, entity_id FROM meeting_entities WHERE src_path = ?`},
		{RelPersonEntity, `SELECT person_key, entity_id FROM person_entities WHERE src_path = ?`},
	}
	for _, q := range queries {
		rows, err := tx.Query(q.sql, path)
		if err != nil {
			return nil, fmt.Errorf("cache: links for path: %w", err)
		}
		for rows.Next() {
			l := Link{Rel: q.rel}
			if err := rows.Scan(&l.From, &l.To); err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, l)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

// diffLinks returns newLinks minus oldLinks and oldLinks minus newLinks.
func diffLinks(oldLinks, newLinks []Link) (inserted, deleted []Link) {
	oldSet := make(map[Link]struct{}, len(oldLinks))
	for _, l := range oldLinks {
		oldSet[l] = struct{}{}
	}
	newSet := make(map[Link]struct{}, len(newLinks))
	for _, l := range newLinks {
		newSet[l] = struct{}{}
	}
	for _, l := range newLinks {
		if _, ok := oldSet[l]; !ok {
			inserted = append(inserted, l)
		}
	}
	for _, l := range oldLinks {
		if _, ok := newSet[l]; !ok {
			deleted = append(deleted, l)
		}
	}
	return inserted, deleted
}
