package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hollis/atlas/internal/models"
	"github.com/hollis/atlas/internal/storage"
)

// CalendarSource provides raw event records for gathering. Fetching and
// auth live outside this system; sources only hand over what has already
// landed.
type CalendarSource interface {
	Events(ctx context.Context, from, to time.Time) ([]models.CalendarEvent, error)
}

// MailSource provides raw inbox records for gathering.
type MailSource interface {
	Items(ctx context.Context, since time.Time) ([]models.InboxItem, error)
}

// FileCalendar reads calendar drop files an external sync writes into the
// workspace (inbox/calendar.json).
type FileCalendar struct {
	store storage.Provider
	path  string
}

// NewFileCalendar creates a calendar source over a workspace drop file.
func NewFileCalendar(store storage.Provider, path string) *FileCalendar {
	if path == "" {
		path = "inbox/calendar.json"
	}
	return &FileCalendar{store: store, path: path}
}

// Events returns the events in the drop file overlapping [from, to).
// A missing drop file means no events, not an error.
func (c *FileCalendar) Events(_ context.Context, from, to time.Time) ([]models.CalendarEvent, error) {
	data, err := c.store.Read(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var all []models.CalendarEvent
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("pipeline: calendar drop file: %w", err)
	}
	var out []models.CalendarEvent
	for _, ev := range all {
		if ev.Start.Before(to) && !ev.Start.Before(from) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// FileMail reads inbox drop files an external sync writes into the
// workspace (inbox/mail.json).
type FileMail struct {
	store storage.Provider
	path  string
}

// NewFileMail creates a mail source over a workspace drop file.
func NewFileMail(store storage.Provider, path string) *FileMail {
	if path == "" {
		path = "inbox/mail.json"
	}
	return &FileMail{store: store, path: path}
}

// Items returns inbox records received at or after since.
func (m *FileMail) Items(_ context.Context, since time.Time) ([]models.InboxItem, error) {
	data, err := m.store.Read(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var all []models.InboxItem
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("pipeline: mail drop file: %w", err)
	}
	var out []models.InboxItem
	for _, item := range all {
		if !item.Received.Before(since) {
			out = append(out, item)
		}
	}
	return out, nil
}
