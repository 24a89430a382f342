// Package models defines the domain types for Atlas.
package models

import (
	"strings"
	"time"
)

// Entity types.
const (
	EntityAccount = "account"
	EntityProject = "project"
)

// Person classifications.
const (
	ClassInternal = "internal"
	ClassExternal = "external"
	ClassUnknown  = "unknown"
)

// Action statuses. Overdue is derived at read time and never stored.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// StatusAdvances reports whether an action status change moves forward.
// Completed and cancelled are terminal; open may move to any active or
// terminal state, in_progress may not move back to open.
func StatusAdvances(from, to string) bool {
	rank := map[string]int{
		StatusOpen:       0,
		StatusInProgress: 1,
		StatusCompleted:  2,
		StatusCancelled:  2,
	}
	rf, okF := rank[from]
	rt, okT := rank[to]
	if !okF || !okT {
		return false
	}
	return rt > rf
}

// Entity is an account or project the workspace tracks intelligence against.
// ID is "<accounts|projects>/<slug>", which is also the directory path
// relative to the workspace root.
type Entity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Dir       string    `json:"dir"`
	Archived  bool      `json:"archived,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Slug returns the last path segment of the entity id.
func (e Entity) Slug() string {
	if i := strings.LastIndex(e.ID, "/"); i >= 0 {
		return e.ID[i+1:]
	}
	return e.ID
}

// Vitals is the projection of an entity's dashboard record.
type Vitals struct {
	EntityID  string         `json:"entity_id"`
	Health    string         `json:"health"`
	Summary   string         `json:"summary,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Intel is the projected header of an entity's narrative intelligence
// record. The body stays opaque in the file; only the headline survives
// into the cache.
type Intel struct {
	EntityID  string         `json:"entity_id"`
	Headline  string         `json:"headline,omitempty"`
	Sources   []string       `json:"sources,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Person is anyone observed in the workspace: a profiled contact or a
// bare email seen on an attendee list. Key is the lowercase email when
// known, otherwise a synthesized id. People are never deleted.
type Person struct {
	Key            string    `json:"key"`
	Email          string    `json:"email,omitempty"`
	Name           string    `json:"name,omitempty"`
	Org            string    `json:"org,omitempty"`
	Role           string    `json:"role,omitempty"`
	Classification string    `json:"classification"`
	Profiled       bool      `json:"profiled"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	MeetingCount   int       `json:"meeting_count"`
}

// Meeting is a projected meeting record. Immutable once past; a summary
// may be attached after the fact.
type Meeting struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Type      string    `json:"type,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end,omitempty"`
	NotesPath string    `json:"notes_path,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	People    []string  `json:"people,omitempty"`
	Entities  []string  `json:"entities,omitempty"`
}

// Action is a projected action item. Status only ever moves forward.
type Action struct {
	ID            string     `json:"id"`
	EntityID      string     `json:"entity_id,omitempty"`
	Text          string     `json:"text"`
	Priority      string     `json:"priority,omitempty"`
	Status        string     `json:"status"`
	Due           *time.Time `json:"due,omitempty"`
	PersonKey     string     `json:"person_key,omitempty"`
	SourceMeeting string     `json:"source_meeting,omitempty"`
	Overdue       bool       `json:"overdue"` // derived at read time
}

// IsOverdue reports whether the action counts as overdue at now.
func (a Action) IsOverdue(now time.Time) bool {
	if a.Due == nil {
		return false
	}
	if a.Status != StatusOpen && a.Status != StatusInProgress {
		return false
	}
	return a.Due.Before(now)
}

// ContentEntry indexes one non-canonical file inside an entity directory.
type ContentEntry struct {
	Path      string    `json:"path"`
	EntityID  string    `json:"entity_id"`
	Format    string    `json:"format"`
	Size      int64     `json:"size"`
	Modified  time.Time `json:"modified"`
	IndexedAt time.Time `json:"indexed_at"`
	Summary   string    `json:"summary,omitempty"`
}

// ProjectionError records a file that failed to project. The path's
// last-known-good rows stay in the cache; the error is queryable.
type ProjectionError struct {
	Path       string    `json:"path"`
	Kind       string    `json:"kind"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// FileMeta is the lightweight stat record the indexer compares against
// its manifest. No content hashing: modified-time or size drift marks a
// file changed.
type FileMeta struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// CalendarEvent is a raw record from a calendar connector.
type CalendarEvent struct {
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end,omitempty"`
	Attendees []string  `json:"attendees,omitempty"`
}

// InboxItem is a raw record from a mail connector.
type InboxItem struct {
	From     string    `json:"from"`
	Subject  string    `json:"subject"`
	Received time.Time `json:"received"`
}
