package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hollis/atlas/internal/models"
)

// NameRef is a lightweight (id, name) pair served to the resolver. The
// resolver works over this live index; it never memoizes.
type NameRef struct {
	ID    string
	Name  string
	Email string
}

// EntityNames returns (id, name) for every non-archived entity.
func (db *DB) EntityNames() ([]NameRef, error) {
	rows, err := db.conn.Query(`SELECT id, name FROM entities WHERE archived = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("cache: entity names: %w", err)
	}
	defer rows.Close()
	var out []NameRef
	for rows.Next() {
		var r NameRef
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PersonNames returns (key, name, email) for every person.
func (db *DB) PersonNames() ([]NameRef, error) {
	rows, err := db.conn.Query(`SELECT key, name, email FROM people ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("cache: person names: %w", err)
	}
	defer rows.Close()
	var out []NameRef
	for rows.Next() {
		var r NameRef
		if err := rows.Scan(&r.ID, &r.Name, &r.Email); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetEntity returns one entity row.
func (db *DB) GetEntity(id string) (*models.Entity, error) {
	var e models.Entity
	var archived int
	var first, last sql.NullTime
	err := db.conn.QueryRow(`
		SELECT id, name, etype, dir, archived, first_seen, last_seen
		FROM entities WHERE id = ?
	`, id).Scan(&e.ID, &e.Name, &e.Type, &e.Dir, &archived, &first, &last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get entity: %w", err)
	}
	e.Archived = archived != 0
	e.FirstSeen = first.Time
	e.LastSeen = last.Time
	return &e, nil
}

// Entities lists all non-archived entities.
func (db *DB) Entities() ([]models.Entity, error) {
	rows, err := db.conn.Query(`
		SELECT id, name, etype, dir, archived, first_seen, last_seen
		FROM entities WHERE archived = 0 ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("cache: entities: %w", err)
	}
	defer rows.Close()
	var out []models.Entity
	for rows.Next() {
		var e models.Entity
		var archived int
		var first, last sql.NullTime
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.Dir, &archived, &first, &last); err != nil {
			return nil, err
		}
		e.Archived = archived != 0
		e.FirstSeen = first.Time
		e.LastSeen = last.Time
		out = append(out, e)
	}
	return out, rows.Err()
}

// ArchiveEntity flags an entity archived. Its historical joins stay put.
func (db *DB) ArchiveEntity(id string) error {
	res, err := db.conn.Exec(`UPDATE entities SET archived = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("cache: archive entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cache: archive entity %s: no such entity", id)
	}
	return nil
}

// GetVitals returns the projected dashboard record for an entity, or nil.
func (db *DB) GetVitals(entityID string) (*models.Vitals, error) {
	var v models.Vitals
	var meta string
	var updated sql.NullTime
	err := db.conn.QueryRow(`
		SELECT entity_id, health, summary, updated_at, metadata FROM vitals WHERE entity_id = ?
	`, entityID).Scan(&v.EntityID, &v.Health, &v.Summary, &updated, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get vitals: %w", err)
	}
	v.UpdatedAt = updated.Time
	_ = json.Unmarshal([]byte(meta), &v.Metadata)
	return &v, nil
}

// GetIntel returns the projected intelligence header for an entity, or nil.
func (db *DB) GetIntel(entityID string) (*models.Intel, error) {
	var in models.Intel
	var meta, sources string
	var updated sql.NullTime
	err := db.conn.QueryRow(`
		SELECT entity_id, headline, sources, updated_at, metadata FROM intel WHERE entity_id = ?
	`, entityID).Scan(&in.EntityID, &in.Headline, &sources, &updated, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get intel: %w", err)
	}
	in.UpdatedAt = updated.Time
	_ = json.Unmarshal([]byte(sources), &in.Sources)
	_ = json.Unmarshal([]byte(meta), &in.Metadata)
	return &in, nil
}

// GetPerson returns one person with the derived meeting count.
func (db *DB) GetPerson(key string) (*models.Person, error) {
	var p models.Person
	var profiled int
	var first, last sql.NullTime
	err := db.conn.QueryRow(`
		SELECT key, email, name, org, role, classification, profiled, first_seen, last_seen
		FROM people WHERE key = ?
	`, key).Scan(&p.Key, &p.Email, &p.Name, &p.Org, &p.Role, &p.Classification, &profiled, &first, &last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get person: %w", err)
	}
	p.Profiled = profiled != 0
	p.FirstSeen = first.Time
	p.LastSeen = last.Time
	if err := db.conn.QueryRow(`
		SELECT COUNT(DISTINCT meeting_id) FROM meeting_people WHERE person_key = ?
	`, key).Scan(&p.MeetingCount); err != nil {
		return nil, fmt.Errorf("cache: meeting count: %w", err)
	}
	return &p, nil
}

// PersonByEmail looks a person up by raw email, covering senders that were
// observed but never profiled.
func (db *DB) PersonByEmail(email string) (*models.Person, error) {
	var key string
	err := db.conn.QueryRow(`SELECT key FROM people WHERE email = ?`, email).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: person by email: %w", err)
	}
	return db.GetPerson(key)
}

// PeopleForMeeting returns the person keys currently joined to a meeting.
func (db *DB) PeopleForMeeting(meetingID string) ([]string, error) {
	return db.stringList(`SELECT DISTINCT person_key FROM meeting_people WHERE meeting_id = ? ORDER BY person_key`, meetingID)
}

// EntitiesForMeeting returns the entity ids currently joined to a meeting.
func (db *DB) EntitiesForMeeting(meetingID string) ([]string, error) {
	return db.stringList(`SELECT DISTINCT entity_id FROM meeting_entities WHERE meeting_id = ? ORDER BY entity_id`, meetingID)
}

// EntitiesForPerson returns the entity ids a person is linked to.
func (db *DB) EntitiesForPerson(key string) ([]string, error) {
	return db.stringList(`SELECT DISTINCT entity_id FROM person_entities WHERE person_key = ? ORDER BY entity_id`, key)
}

// MeetingsForEntity returns the most recent meetings linked to an entity.
func (db *DB) MeetingsForEntity(entityID string, limit int) ([]models.Meeting, error) {
	if limit <= 0 {
		limit = 20
	}
	return db.meetings(`
		SELECT m.id, m.title, m.mtype, m.start, m.end, m.notes_path, m.summary
		FROM meetings m
		JOIN meeting_entities me ON me.meeting_id = m.id
		WHERE me.entity_id = ?
		GROUP BY m.id
		ORDER BY m.start DESC
		LIMIT ?
	`, entityID, limit)
}

// MeetingsForPerson returns the most recent meetings a person attended.
func (db *DB) MeetingsForPerson(key string, limit int) ([]models.Meeting, error) {
	if limit <= 0 {
		limit = 20
	}
	return db.meetings(`
		SELECT m.id, m.title, m.mtype, m.start, m.end, m.notes_path, m.summary
		FROM meetings m
		JOIN meeting_people mp ON mp.meeting_id = m.id
		WHERE mp.person_key = ?
		GROUP BY m.id
		ORDER BY m.start DESC
		LIMIT ?
	`, key, limit)
}

func (db *DB) meetings(query string, args ...any) ([]models.Meeting, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: meetings: %w", err)
	}
	defer rows.Close()
	var out []models.Meeting
	for rows.Next() {
		var m models.Meeting
		var start, end sql.NullTime
		if err := rows.Scan(&m.ID, &m.Title, &m.Type, &start, &end, &m.NotesPath, &m.Summary); err != nil {
			return nil, err
		}
		m.Start = start.Time
		m.End = end.Time
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].People, err = db.PeopleForMeeting(out[i].ID); err != nil {
			return nil, err
		}
		if out[i].Entities, err = db.EntitiesForMeeting(out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ActionFilter narrows an action listing. Zero values mean "no filter".
type ActionFilter struct {
	EntityID    string
	PersonKey   string
	Status      string
	OverdueOnly bool
	DueBefore   time.Time
}

// ActionsFor lists actions matching the filter, with overdue derived
// against now (never stored).
func (db *DB) ActionsFor(f ActionFilter, now time.Time) ([]models.Action, error) {
	query := `SELECT id, entity_id, text, priority, status, due, person_key, source_meeting FROM actions WHERE 1=1`
	var args []any
	if f.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.PersonKey != "" {
		query += ` AND person_key = ?`
		args = append(args, f.PersonKey)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if !f.DueBefore.IsZero() {
		query += ` AND due IS NOT NULL AND due < ?`
		args = append(args, f.DueBefore)
	}
	query += ` ORDER BY due IS NULL, due, priority`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: actions: %w", err)
	}
	defer rows.Close()
	var out []models.Action
	for rows.Next() {
		var a models.Action
		var due sql.NullTime
		if err := rows.Scan(&a.ID, &a.EntityID, &a.Text, &a.Priority, &a.Status, &due, &a.PersonKey, &a.SourceMeeting); err != nil {
			return nil, err
		}
		if due.Valid {
			t := due.Time
			a.Due = &t
		}
		a.Overdue = a.IsOverdue(now)
		if f.OverdueOnly && !a.Overdue {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ContentForEntity lists the content-index entries under an entity dir.
func (db *DB) ContentForEntity(entityID string) ([]models.ContentEntry, error) {
	rows, err := db.conn.Query(`
		SELECT path, entity_id, format, size, mtime, indexed_at, summary
		FROM content_index WHERE entity_id = ? ORDER BY path
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("cache: content entries: %w", err)
	}
	defer rows.Close()
	var out []models.ContentEntry
	for rows.Next() {
		var c models.ContentEntry
		var mtime, indexed sql.NullTime
		if err := rows.Scan(&c.Path, &c.EntityID, &c.Format, &c.Size, &mtime, &indexed, &c.Summary); err != nil {
			return nil, err
		}
		c.Modified = mtime.Time
		c.IndexedAt = indexed.Time
		out = append(out, c)
	}
	return out, rows.Err()
}

// ProjectionErrors lists every queryable projection failure, optionally
// scoped to a path prefix.
func (db *DB) ProjectionErrors(prefix string) ([]models.ProjectionError, error) {
	query := `SELECT path, kind, error, occurred_at FROM projection_errors`
	var args []any
	if prefix != "" {
		query += ` WHERE path LIKE ?`
		args = append(args, prefix+"%")
	}
	query += ` ORDER BY path`
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: projection errors: %w", err)
	}
	defer rows.Close()
	var out []models.ProjectionError
	for rows.Next() {
		var pe models.ProjectionError
		var at sql.NullTime
		if err := rows.Scan(&pe.Path, &pe.Kind, &pe.Error, &at); err != nil {
			return nil, err
		}
		pe.OccurredAt = at.Time
		out = append(out, pe)
	}
	return out, rows.Err()
}

func (db *DB) stringList(query string, args ...any) ([]string, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
