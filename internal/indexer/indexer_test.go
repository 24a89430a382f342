package indexer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hollis/atlas/internal/cache"
	"github.com/hollis/atlas/internal/projector"
	"github.com/hollis/atlas/internal/storage"
	"github.com/hollis/atlas/internal/testutil"
)

func testIndexer(t *testing.T, onDelta DeltaFunc) (*Indexer, *cache.DB, string, storage.Provider) {
	t.Helper()
	db := testutil.TestDB(t)
	root, store := testutil.TestWorkspace(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	proj := projector.New(db, logger)
	ix := New(store, db, proj, logger, Options{Backoff: time.Millisecond}, onDelta)
	return ix, db, root, store
}

func TestSyncProjectsTree(t *testing.T) {
	ix, db, root, _ := testIndexer(t, nil)
	testutil.WriteFile(t, root, "accounts/acme/dashboard.json", `{"name":"Acme","health":"green"}`)
	testutil.WriteFile(t, root, "accounts/acme/actions.json", `[{"text":"call"}]`)
	testutil.WriteFile(t, root, "people/jane@corp.com.md", "---\nname: Jane\nemail: jane@corp.com\n---\n")
	testutil.WriteFile(t, root, "archive/accounts/old/dashboard.json", `{"name":"Old"}`)

	cs, err := ix.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(cs.Added) != 3 {
		t.Errorf("added = %v, want 3 paths (archive excluded)", cs.Added)
	}

	if e, _ := db.GetEntity("accounts/acme"); e == nil || e.Name != "Acme" {
		t.Errorf("entity = %+v", e)
	}
	if e, _ := db.GetEntity("accounts/old"); e != nil {
		t.Error("archived tree was projected")
	}
	if p, _ := db.GetPerson("jane@corp.com"); p == nil || !p.Profiled {
		t.Errorf("person = %+v", p)
	}
}

func TestSyncIdempotent(t *testing.T) {
	ix, _, root, _ := testIndexer(t, nil)
	testutil.WriteFile(t, root, "accounts/acme/dashboard.json", `{"name":"Acme"}`)
	testutil.WriteFile(t, root, "accounts/acme/contract.pdf", "pdf bytes")

	if _, err := ix.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	cs, err := ix.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !cs.Empty() {
		t.Errorf("second pass found changes: %+v", cs)
	}
}

func TestSyncDetectsModification(t *testing.T) {
	ix, db, root, _ := testIndexer(t, nil)
	testutil.WriteFile(t, root, "accounts/acme/dashboard.json", `{"name":"Acme","health":"green"}`)
	if _, err := ix.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Rewrite with different size; mtime granularity alone is too coarse
	// to rely on in a fast test.
	testutil.WriteFile(t, root, "accounts/acme/dashboard.json", `{"name":"Acme","health":"red","note":"escalated"}`)
	cs, err := ix.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Modified) != 1 {
		t.Fatalf("modified = %v", cs.Modified)
	}
	if v, _ := db.GetVitals("accounts/acme"); v == nil || v.Health != "red" {
		t.Errorf("vitals = %+v", v)
	}
}

func TestSyncDetectsRemoval(t *testing.T) {
	ix, db, root, store := testIndexer(t, nil)
	testutil.WriteFile(t, root, "accounts/acme/dashboard.json", `{"name":"Acme"}`)
	testutil.WriteFile(t, root, "accounts/acme/meetings/m1.md", "---\nattendees:\n  - jane@corp.com\n---\n# Sync\n")
	if _, err := ix.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete("accounts/acme/meetings/m1.md"); err != nil {
		t.Fatal(err)
	}
	cs, err := ix.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Removed) != 1 {
		t.Fatalf("removed = %v", cs.Removed)
	}
	if got, _ := db.MeetingsForEntity("accounts/acme", 0); len(got) != 0 {
		t.Errorf("meeting survived removal: %+v", got)
	}
	// The attendee referent survives.
	if p, _ := db.GetPerson("jane@corp.com"); p == nil {
		t.Error("person deleted with the meeting file")
	}
}

func TestSyncEmitsDeltas(t *testing.T) {
	var mu sync.Mutex
	var deltas []*cache.Delta
	ix, _, root, _ := testIndexer(t, func(d *cache.Delta) {
		mu.Lock()
		deltas = append(deltas, d)
		mu.Unlock()
	})
	testutil.WriteFile(t, root, "accounts/acme/meetings/m1.md", "---\nattendees:\n  - jane@corp.com\n---\n# Sync\n")

	if _, err := ix.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	var linked *cache.Delta
	for _, d := range deltas {
		if d.Path == "accounts/acme/meetings/m1.md" {
			linked = d
		}
	}
	if linked == nil || len(linked.Inserted) == 0 {
		t.Errorf("no join delta emitted: %+v", deltas)
	}
}

func TestSyncSurvivesSingleFileFailure(t *testing.T) {
	ix, db, root, _ := testIndexer(t, nil)
	testutil.WriteFile(t, root, "accounts/acme/dashboard.json", `{broken`)
	testutil.WriteFile(t, root, "accounts/globex/dashboard.json", `{"name":"Globex","health":"green"}`)

	if _, err := ix.Sync(context.Background()); err != nil {
		t.Fatalf("Sync must not abort on one bad file: %v", err)
	}
	if v, _ := db.GetVitals("accounts/globex"); v == nil {
		t.Error("healthy file not projected")
	}
	errs, _ := db.ProjectionErrors("")
	if len(errs) != 1 || errs[0].Path != "accounts/acme/dashboard.json" {
		t.Errorf("errors = %+v", errs)
	}

	// The broken file is not re-read until it changes: a second pass
	// reports no work.
	cs, err := ix.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !cs.Empty() {
		t.Errorf("second pass re-scanned the broken file: %+v", cs)
	}
}

func TestSyncRetriesFailedReadUntilDegraded(t *testing.T) {
	ix, db, root, store := testIndexer(t, nil)
	testutil.WriteFile(t, root, "accounts/acme/dashboard.json", `{"name":"Acme"}`)
	if _, err := ix.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	m, err := store.Stat("accounts/acme/dashboard.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkReadFailure("accounts/acme/dashboard.json", m, ix.opts.MaxFails); err != nil {
		t.Fatal(err)
	}

	// One recorded failure with an unchanged stat: the file is retried.
	cs, _, err := ix.Scan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Modified) != 1 {
		t.Fatalf("modified = %v, want failing file retried", cs.Modified)
	}
}

func TestSyncSkipsDegradedFile(t *testing.T) {
	ix, db, root, store := testIndexer(t, nil)
	testutil.WriteFile(t, root, "accounts/acme/dashboard.json", `{"name":"Acme"}`)
	if _, err := ix.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Drive the counter past the cap, as repeated failing passes would.
	m, err := store.Stat("accounts/acme/dashboard.json")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < ix.opts.MaxFails; i++ {
		if _, err := db.MarkReadFailure("accounts/acme/dashboard.json", m, ix.opts.MaxFails); err != nil {
			t.Fatal(err)
		}
	}

	cs, err := ix.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !cs.Empty() {
		t.Errorf("degraded file rescheduled: %+v", cs)
	}

	// An on-disk edit re-admits the file; reading it succeeds and resets
	// the failure bookkeeping.
	testutil.WriteFile(t, root, "accounts/acme/dashboard.json", `{"name":"Acme","health":"green"}`)
	cs, err = ix.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cs.Modified) != 1 {
		t.Fatalf("modified = %v, want edited file re-admitted", cs.Modified)
	}
	manifest, err := db.AllManifest()
	if err != nil {
		t.Fatal(err)
	}
	if row := manifest["accounts/acme/dashboard.json"]; row.Degraded || row.FailCount != 0 {
		t.Errorf("failure bookkeeping not reset: %+v", row)
	}
}

func TestProjectPathMissingFileRemoves(t *testing.T) {
	ix, db, root, store := testIndexer(t, nil)
	testutil.WriteFile(t, root, "accounts/acme/dashboard.json", `{"name":"Acme"}`)
	if _, err := ix.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("accounts/acme/dashboard.json"); err != nil {
		t.Fatal(err)
	}

	// Watcher delivers a Write for a path that is already gone.
	if err := ix.ProjectPath("accounts/acme/dashboard.json"); err != nil {
		t.Fatalf("ProjectPath: %v", err)
	}
	if v, _ := db.GetVitals("accounts/acme"); v != nil {
		t.Errorf("vitals survived: %+v", v)
	}
}

func TestWatcherProjectsNewFiles(t *testing.T) {
	ix, db, root, _ := testIndexer(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	var mu sync.Mutex
	events := map[string]string{}
	go func() {
		defer close(done)
		_ = ix.Watch(ctx, root, func(op, path string) {
			mu.Lock()
			events[path] = op
			mu.Unlock()
		})
	}()

	// Give the watcher a moment to arm before writing.
	time.Sleep(100 * time.Millisecond)
	testutil.WriteFile(t, root, "accounts/acme/dashboard.json", `{"name":"Acme","health":"green"}`)

	deadline := time.After(5 * time.Second)
	for {
		if v, _ := db.GetVitals("accounts/acme"); v != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher never projected the new file")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}
