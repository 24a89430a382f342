package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hollis/atlas/internal/apperr"
	"github.com/hollis/atlas/internal/cache"
	"github.com/hollis/atlas/internal/resolver"
)

// DailyBrief gathers today's calendar and recent inbox into enrichment
// tasks: one prep note per meeting plus an inbox triage pass.
type DailyBrief struct {
	db       *cache.DB
	res      *resolver.Resolver
	calendar CalendarSource
	mail     MailSource
	timeout  time.Duration
	now      func() time.Time
}

// NewDailyBrief creates the daily-brief gatherer. now is injectable for
// tests; nil means time.Now.
func NewDailyBrief(db *cache.DB, res *resolver.Resolver, calendar CalendarSource, mail MailSource, timeout time.Duration, now func() time.Time) *DailyBrief {
	if now == nil {
		now = time.Now
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DailyBrief{db: db, res: res, calendar: calendar, mail: mail, timeout: timeout, now: now}
}

// Gather reads connectors and the cache, binds raw references through the
// resolver, and derives the task list. Deterministic over its sources and
// safe to re-run.
func (g *DailyBrief) Gather(ctx context.Context) (Inputs, []Task, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	now := g.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	var in Inputs
	events, err := g.calendar.Events(ctx, dayStart, dayEnd)
	if err != nil {
		return in, nil, fmt.Errorf("calendar source: %w", err)
	}
	in.Events = events

	items, err := g.mail.Items(ctx, dayStart.Add(-24*time.Hour))
	if err != nil {
		return in, nil, fmt.Errorf("mail source: %w", err)
	}
	in.Inbox = items

	seen := make(map[string]struct{})
	bind := func(kind, ref string) {
		if ref == "" {
			return
		}
		if _, dup := seen[kind+"\x00"+ref]; dup {
			return
		}
		seen[kind+"\x00"+ref] = struct{}{}
		in.Bindings = append(in.Bindings, g.resolveRef(kind, ref))
	}
	for _, ev := range events {
		for _, a := range ev.Attendees {
			bind("person", a)
		}
	}
	for _, item := range items {
		bind("person", item.From)
	}

	var tasks []Task
	for i, ev := range events {
		tasks = append(tasks, Task{
			ID:        fmt.Sprintf("prep-%d", i+1),
			Kind:      "meeting_prep",
			Subject:   ev.Title,
			Detail:    fmt.Sprintf("Prepare talking points for %q at %s.", ev.Title, ev.Start.Format(time.RFC3339)),
			OutputKey: fmt.Sprintf("prep/%d", i+1),
		})
	}
	if len(items) > 0 {
		tasks = append(tasks, Task{
			ID:        "triage",
			Kind:      "inbox_triage",
			Subject:   "Inbox triage",
			Detail:    fmt.Sprintf("Summarize and prioritize %d inbox items.", len(items)),
			OutputKey: "triage",
		})
	}
	return in, tasks, nil
}

func (g *DailyBrief) resolveRef(kind, ref string) Binding {
	b := Binding{Ref: ref, Kind: kind}
	var id string
	var err error
	switch kind {
	case "entity":
		id, err = g.res.Entity(ref)
	default:
		id, err = g.res.Person(ref)
	}
	switch {
	case err == nil:
		b.ID = id
	case errors.Is(err, apperr.ErrNotFound):
		b.NotFound = true
	default:
		if ae, ok := apperr.IsAmbiguous(err); ok {
			b.Candidates = ae.Candidates
		} else {
			b.NotFound = true
		}
	}
	return b
}
