// Package parser detects record kinds from path shape and parses workspace
// files: JSON vitals records and narrative Markdown with a YAML header block.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Record kinds, detected purely from the path's naming convention.
const (
	KindDashboard = "dashboard"
	KindIntel     = "intelligence"
	KindActions   = "actions"
	KindMeeting   = "meeting"
	KindPerson    = "person"
	KindContent   = "content"
	KindNone      = ""
)

// DetectKind classifies a workspace-relative path. entityID is the owning
// entity ("accounts/<slug>" or "projects/<slug>") for entity-scoped kinds.
func DetectKind(rel string) (kind, entityID string) {
	rel = path.Clean(strings.TrimPrefix(rel, "/"))
	parts := strings.Split(rel, "/")

	if len(parts) == 2 && parts[0] == "people" && strings.HasSuffix(parts[1], ".md") {
		return KindPerson, ""
	}
	if parts[0] != "accounts" && parts[0] != "projects" {
		return KindNone, ""
	}
	if len(parts) < 3 {
		return KindNone, ""
	}
	entityID = parts[0] + "/" + parts[1]
	switch {
	case len(parts) == 3 && parts[2] == "dashboard.json":
		return KindDashboard, entityID
	case len(parts) == 3 && parts[2] == "intelligence.md":
		return KindIntel, entityID
	case len(parts) == 3 && parts[2] == "actions.json":
		return KindActions, entityID
	case len(parts) == 4 && parts[2] == "meetings" && strings.HasSuffix(parts[3], ".md"):
		return KindMeeting, entityID
	default:
		return KindContent, entityID
	}
}

// Dashboard is a parsed vitals record. Fields outside the typed schema are
// preserved in Metadata, never dropped.
type Dashboard struct {
	Name     string
	Type     string
	Health   string
	Summary  string
	Updated  time.Time
	Metadata map[string]any
}

// dashboard keys lifted out of the metadata bag.
var dashboardKeys = map[string]struct{}{
	"name": {}, "type": {}, "health": {}, "summary": {}, "updated": {},
}

// ParseDashboard parses a dashboard.json record.
func ParseDashboard(data []byte) (*Dashboard, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parser: dashboard: %w", err)
	}
	d := &Dashboard{
		Name:    str(raw["name"]),
		Type:    str(raw["type"]),
		Health:  str(raw["health"]),
		Summary: str(raw["summary"]),
	}
	if t, ok := parseTime(str(raw["updated"])); ok {
		d.Updated = t
	}
	for k, v := range raw {
		if _, known := dashboardKeys[k]; known {
			continue
		}
		if d.Metadata == nil {
			d.Metadata = make(map[string]any)
		}
		d.Metadata[k] = v
	}
	return d, nil
}

// ActionRecord is one entry of an actions.json list.
type ActionRecord struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	Priority      string `json:"priority"`
	Status        string `json:"status"`
	Due           string `json:"due"`
	Assignee      string `json:"assignee"`
	SourceMeeting string `json:"source_meeting"`
}

// DueTime parses the due date, if any.
func (a ActionRecord) DueTime() (time.Time, bool) {
	return parseTime(a.Due)
}

// ParseActions parses an actions.json file. Both a bare list and an
// {"actions": [...]} envelope are accepted.
func ParseActions(data []byte) ([]ActionRecord, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if bytes.HasPrefix(trimmed, []byte("[")) {
		var list []ActionRecord
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parser: actions: %w", err)
		}
		return list, nil
	}
	var env struct {
		Actions []ActionRecord `json:"actions"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parser: actions: %w", err)
	}
	return env.Actions, nil
}

// Narrative is a parsed Markdown document: structured YAML header plus an
// opaque body.
type Narrative struct {
	Header   map[string]any
	Body     string
	Headline string
}

// ParseNarrative splits the YAML header block (between leading ---
// delimiters) from the body. A document without a header is all body.
// An unparseable header is an error: narrative records carry their
// structured fields there, so a broken header means a broken record.
func ParseNarrative(data []byte) (*Narrative, error) {
	header, body, err := splitHeader(data)
	if err != nil {
		return nil, err
	}
	return &Narrative{
		Header:   header,
		Body:     body,
		Headline: firstHeadline(body),
	}, nil
}

func splitHeader(data []byte) (map[string]any, string, error) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), nil
	}
	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		// No closing delimiter: treat everything as body.
		return nil, string(data), nil
	}
	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var header map[string]any
	if err := yaml.Unmarshal(yamlBlock, &header); err != nil {
		return nil, "", fmt.Errorf("parser: header block: %w", err)
	}
	return header, body, nil
}

// firstHeadline returns the first H1/H2 heading, or the first non-empty
// line, capped for cache storage.
func firstHeadline(body string) string {
	var fallback string
	for _, line := range strings.Split(body, "\n") {
		t := strings.TrimSpace(line)
		if t == "" {
			continue
		}
		if strings.HasPrefix(t, "# ") || strings.HasPrefix(t, "## ") {
			return cap120(strings.TrimSpace(strings.TrimLeft(t, "# ")))
		}
		if fallback == "" {
			fallback = t
		}
	}
	return cap120(fallback)
}

func cap120(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

// HeaderString reads a string field from a narrative header.
func HeaderString(h map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := h[k]; ok {
			if s := str(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// HeaderTime reads and parses a time field from a narrative header.
func HeaderTime(h map[string]any, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		switch v := h[k].(type) {
		case time.Time:
			return v, true
		case string:
			if t, ok := parseTime(v); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// HeaderStrings reads a list-of-strings field from a narrative header.
// A scalar value is treated as a one-element list.
func HeaderStrings(h map[string]any, key string) []string {
	raw, ok := h[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := str(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	default:
		return nil
	}
}

// HeaderRest returns header fields not named in known, preserving them for
// a metadata bag.
func HeaderRest(h map[string]any, known ...string) map[string]any {
	skip := make(map[string]struct{}, len(known))
	for _, k := range known {
		skip[k] = struct{}{}
	}
	var rest map[string]any
	for k, v := range h {
		if _, ok := skip[k]; ok {
			continue
		}
		if rest == nil {
			rest = make(map[string]any)
		}
		rest[k] = v
	}
	return rest
}

// Attendee is a parsed attendee reference: "Name <email>" or a bare email.
type Attendee struct {
	Name  string
	Email string
}

// ParseAttendee splits an attendee reference into name and email.
func ParseAttendee(raw string) Attendee {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "<"); i >= 0 {
		if j := strings.Index(raw[i:], ">"); j > 0 {
			return Attendee{
				Name:  strings.TrimSpace(raw[:i]),
				Email: strings.ToLower(strings.TrimSpace(raw[i+1 : i+j])),
			}
		}
	}
	if strings.Contains(raw, "@") {
		return Attendee{Email: strings.ToLower(raw)}
	}
	return Attendee{Name: raw}
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
