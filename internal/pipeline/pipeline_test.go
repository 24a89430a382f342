package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hollis/atlas/internal/apperr"
	"github.com/hollis/atlas/internal/storage"
	"github.com/hollis/atlas/internal/testutil"
)

// fakeGatherer returns a fixed task list, counting invocations.
type fakeGatherer struct {
	tasks []Task
	calls int
	err   error
}

func (f *fakeGatherer) Gather(context.Context) (Inputs, []Task, error) {
	f.calls++
	if f.err != nil {
		return Inputs{}, nil, f.err
	}
	return Inputs{}, f.tasks, nil
}

func testPipeline(t *testing.T) (*Pipeline, storage.Provider, *fakeGatherer) {
	t.Helper()
	_, store := testutil.TestWorkspace(t)
	p := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	g := &fakeGatherer{tasks: []Task{
		{ID: "prep-1", Kind: "meeting_prep", Subject: "Kickoff", OutputKey: "prep/1"},
		{ID: "triage", Kind: "inbox_triage", Subject: "Inbox triage", OutputKey: "triage"},
	}}
	p.Register("daily-brief", g)
	return p, store, g
}

// enrich fills the named output keys directly in the checkpoint file, the
// way an external agent would.
func enrich(t *testing.T, store storage.Provider, command string, outputs map[string]string) {
	t.Helper()
	data, err := store.Read("directives/" + command + ".json")
	if err != nil {
		t.Fatal(err)
	}
	d, err := DecodeDirective(data)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range outputs {
		d.Outputs[k] = v
	}
	enc, err := d.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write("directives/"+command+".json", enc); err != nil {
		t.Fatal(err)
	}
}

func TestStatusUnknownCommand(t *testing.T) {
	p, _, _ := testPipeline(t)
	if _, err := p.Status("no-such-command"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRunFromNothingGathers(t *testing.T) {
	p, store, g := testPipeline(t)
	st, err := p.Run(context.Background(), "daily-brief")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.State != StateAwaitingEnrichment {
		t.Errorf("state = %s", st.State)
	}
	if len(st.Missing) != 2 {
		t.Errorf("missing = %v", st.Missing)
	}
	if g.calls != 1 {
		t.Errorf("gather calls = %d", g.calls)
	}

	// The checkpoint is on disk with every output pre-seeded.
	data, err := store.Read("directives/daily-brief.json")
	if err != nil {
		t.Fatalf("directive not written: %v", err)
	}
	d, err := DecodeDirective(data)
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range d.Tasks {
		if d.Outputs[task.OutputKey] != PendingMarker {
			t.Errorf("output %q = %q, want pending sentinel", task.OutputKey, d.Outputs[task.OutputKey])
		}
	}
}

func TestRunRegathersWhenUntouched(t *testing.T) {
	p, store, g := testPipeline(t)
	if _, err := p.Run(context.Background(), "daily-brief"); err != nil {
		t.Fatal(err)
	}
	first, _ := store.Read("directives/daily-brief.json")
	d1, _ := DecodeDirective(first)

	st, err := p.Run(context.Background(), "daily-brief")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateAwaitingEnrichment {
		t.Errorf("state = %s", st.State)
	}
	if g.calls != 2 {
		t.Errorf("gather calls = %d, want re-gather over untouched outputs", g.calls)
	}
	second, _ := store.Read("directives/daily-brief.json")
	d2, _ := DecodeDirective(second)
	if d1.ID == d2.ID {
		t.Error("re-gather kept the old invocation id")
	}
}

func TestRunResumesPartialEnrichment(t *testing.T) {
	p, store, g := testPipeline(t)
	if _, err := p.Run(context.Background(), "daily-brief"); err != nil {
		t.Fatal(err)
	}
	enrich(t, store, "daily-brief", map[string]string{"prep/1": "Talking points."})

	// A crash-restart lands here: partial work must survive.
	st, err := p.Run(context.Background(), "daily-brief")
	if err != nil {
		t.Fatalf("Run over partial enrichment: %v", err)
	}
	if st.State != StateAwaitingEnrichment {
		t.Errorf("state = %s, want awaiting_enrichment (resumable, not failed)", st.State)
	}
	if len(st.Missing) != 1 || st.Missing[0] != "triage" {
		t.Errorf("missing = %v", st.Missing)
	}
	if g.calls != 1 {
		t.Errorf("gather calls = %d, partial work was discarded", g.calls)
	}

	data, _ := store.Read("directives/daily-brief.json")
	d, _ := DecodeDirective(data)
	if d.Outputs["prep/1"] != "Talking points." {
		t.Errorf("partial output lost: %q", d.Outputs["prep/1"])
	}
}

func TestRunDeliversWhenComplete(t *testing.T) {
	p, store, _ := testPipeline(t)
	if _, err := p.Run(context.Background(), "daily-brief"); err != nil {
		t.Fatal(err)
	}
	enrich(t, store, "daily-brief", map[string]string{
		"prep/1": "Talking points.",
		"triage": "Two urgent threads.",
	})

	st, err := p.Run(context.Background(), "daily-brief")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.State != StateComplete {
		t.Fatalf("state = %s", st.State)
	}
	if !strings.HasPrefix(st.Artifact, "briefings/daily-brief-") {
		t.Errorf("artifact = %q", st.Artifact)
	}
	artifact, err := store.Read(st.Artifact)
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if !strings.Contains(string(artifact), "Talking points.") ||
		!strings.Contains(string(artifact), "# Daily Brief") {
		t.Errorf("artifact content:\n%s", artifact)
	}

	// The consumed directive is archived, not deleted.
	if store.Exists("directives/daily-brief.json") {
		t.Error("directive still live after delivery")
	}
	archived := strings.Replace(st.Artifact, "briefings/", storage.ArchiveDir+"/directives/", 1)
	archived = strings.TrimSuffix(archived, ".md") + ".json"
	if !store.Exists(archived) {
		t.Errorf("archived directive missing at %s", archived)
	}

	// Next status derives from the (now absent) checkpoint.
	after, err := p.Status("daily-brief")
	if err != nil {
		t.Fatal(err)
	}
	if after.State != StateNotStarted {
		t.Errorf("post-delivery state = %s", after.State)
	}
}

func TestDeliverIdempotentAfterCrash(t *testing.T) {
	p, store, _ := testPipeline(t)
	if _, err := p.Run(context.Background(), "daily-brief"); err != nil {
		t.Fatal(err)
	}
	enrich(t, store, "daily-brief", map[string]string{
		"prep/1": "Points.",
		"triage": "Summary.",
	})

	// Simulate a crash after the artifact write but before the directive
	// was archived: the artifact exists, the checkpoint is still live.
	data, _ := store.Read("directives/daily-brief.json")
	d, _ := DecodeDirective(data)
	artifact := artifactPath(d)
	if err := store.Write(artifact, []byte("already delivered\n")); err != nil {
		t.Fatal(err)
	}

	st, err := p.Run(context.Background(), "daily-brief")
	if err != nil {
		t.Fatalf("Run after crash: %v", err)
	}
	if st.State != StateComplete {
		t.Errorf("state = %s", st.State)
	}
	got, _ := store.Read(artifact)
	if string(got) != "already delivered\n" {
		t.Error("existing artifact was overwritten: delivery ran twice")
	}
	if store.Exists("directives/daily-brief.json") {
		t.Error("directive not archived on retry")
	}
}

func TestGatherConflictOverEnrichment(t *testing.T) {
	p, store, _ := testPipeline(t)
	if _, err := p.Gather(context.Background(), "daily-brief"); err != nil {
		t.Fatal(err)
	}
	enrich(t, store, "daily-brief", map[string]string{"prep/1": "In progress."})

	if _, err := p.Gather(context.Background(), "daily-brief"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
	// The in-progress work is untouched.
	data, _ := store.Read("directives/daily-brief.json")
	d, _ := DecodeDirective(data)
	if d.Outputs["prep/1"] != "In progress." {
		t.Errorf("enrichment discarded: %q", d.Outputs["prep/1"])
	}
}

func TestArtifact(t *testing.T) {
	p, store, _ := testPipeline(t)

	// Nothing delivered yet.
	if _, _, err := p.Artifact("daily-brief"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	if _, err := p.Run(context.Background(), "daily-brief"); err != nil {
		t.Fatal(err)
	}
	// In flight: refuse instead of serving a stale briefing.
	if _, _, err := p.Artifact("daily-brief"); !errors.Is(err, apperr.ErrPipelineIncomplete) {
		t.Errorf("err = %v, want ErrPipelineIncomplete", err)
	}

	enrich(t, store, "daily-brief", map[string]string{
		"prep/1": "Points.",
		"triage": "Summary.",
	})
	st, err := p.Run(context.Background(), "daily-brief")
	if err != nil {
		t.Fatal(err)
	}

	path, content, err := p.Artifact("daily-brief")
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if path != st.Artifact {
		t.Errorf("path = %q, want %q", path, st.Artifact)
	}
	if !strings.Contains(string(content), "Points.") {
		t.Errorf("content:\n%s", content)
	}
}

func TestGatherFailureReported(t *testing.T) {
	p, store, g := testPipeline(t)
	g.err = errors.New("calendar source down")
	st, err := p.Run(context.Background(), "daily-brief")
	if err == nil {
		t.Fatal("want gather error")
	}
	if st.State != StateFailed || st.FailedStage != string(StateGathering) {
		t.Errorf("status = %+v", st)
	}
	if store.Exists("directives/daily-brief.json") {
		t.Error("failed gather left a checkpoint")
	}
}

func TestMissingOutputs(t *testing.T) {
	d := &Directive{
		Command: "daily-brief",
		Tasks: []Task{
			{OutputKey: "b"}, {OutputKey: "a"}, {OutputKey: "c"},
		},
		Outputs: map[string]string{
			"a": "done",
			"b": PendingMarker,
			// c absent entirely
		},
	}
	missing := d.MissingOutputs()
	if len(missing) != 2 || missing[0] != "b" || missing[1] != "c" {
		t.Errorf("missing = %v", missing)
	}
	if !d.HasEnrichment() {
		t.Error("HasEnrichment = false with one output written")
	}
	d.Outputs["a"] = ""
	d.Outputs["b"] = PendingMarker
	if d.HasEnrichment() {
		t.Error("HasEnrichment = true with only sentinels")
	}
}

func TestDecodeDirectiveRejectsMissingCommand(t *testing.T) {
	if _, err := DecodeDirective([]byte(`{"id":"x"}`)); err == nil {
		t.Error("want error for directive without command")
	}
	if _, err := DecodeDirective([]byte(`{broken`)); err == nil {
		t.Error("want error for malformed JSON")
	}
}

func TestFileConnectorsWindows(t *testing.T) {
	_, store := testutil.TestWorkspace(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	dayStart := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	if err := store.Write("inbox/calendar.json", []byte(`[
		{"title":"Today sync","start":"2026-03-02T10:00:00Z"},
		{"title":"Tomorrow","start":"2026-03-03T10:00:00Z"},
		{"title":"Yesterday","start":"2026-03-01T10:00:00Z"}
	]`)); err != nil {
		t.Fatal(err)
	}
	if err := store.Write("inbox/mail.json", []byte(`[
		{"from":"jane@corp.com","subject":"renewal","received":"2026-03-02T08:00:00Z"},
		{"from":"old@corp.com","subject":"stale","received":"2026-02-20T08:00:00Z"}
	]`)); err != nil {
		t.Fatal(err)
	}

	cal := NewFileCalendar(store, "")
	events, err := cal.Events(context.Background(), dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 || events[0].Title != "Today sync" {
		t.Errorf("events = %+v", events)
	}

	mail := NewFileMail(store, "")
	items, err := mail.Items(context.Background(), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 1 || items[0].From != "jane@corp.com" {
		t.Errorf("items = %+v", items)
	}
}

func TestFileConnectorsMissingFiles(t *testing.T) {
	_, store := testutil.TestWorkspace(t)
	events, err := NewFileCalendar(store, "").Events(context.Background(), time.Now(), time.Now().Add(time.Hour))
	if err != nil || events != nil {
		t.Errorf("missing calendar drop: %v, %v", events, err)
	}
	items, err := NewFileMail(store, "").Items(context.Background(), time.Now())
	if err != nil || items != nil {
		t.Errorf("missing mail drop: %v, %v", items, err)
	}
}
