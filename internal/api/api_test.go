package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hollis/atlas/internal/cache"
	"github.com/hollis/atlas/internal/models"
	"github.com/hollis/atlas/internal/pipeline"
	"github.com/hollis/atlas/internal/resolver"
	"github.com/hollis/atlas/internal/sse"
	"github.com/hollis/atlas/internal/staleness"
	"github.com/hollis/atlas/internal/storage"
	"github.com/hollis/atlas/internal/testutil"
	"github.com/hollis/atlas/internal/workspace"
)

type stubGatherer struct{}

func (stubGatherer) Gather(context.Context) (pipeline.Inputs, []pipeline.Task, error) {
	return pipeline.Inputs{}, []pipeline.Task{
		{ID: "prep-1", Kind: "meeting_prep", Subject: "Kickoff", OutputKey: "prep/1"},
	}, nil
}

func testService(t *testing.T) (*cache.DB, storage.Provider, *workspace.Service) {
	t.Helper()

	_, store := testutil.TestWorkspace(t)
	db := testutil.TestDB(t)

	pipe := pipeline.New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	pipe.Register("daily-brief", stubGatherer{})

	thresholds := map[string]staleness.Thresholds{}
	svc := workspace.New(store, db, resolver.New(db), pipe, thresholds, nil)
	return db, store, svc
}

// testEnv sets up a temp workspace, cache, service, and router.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) (*cache.DB, storage.Provider, http.Handler) {
	t.Helper()
	db, store, svc := testService(t)
	router := NewRouter(svc, authToken != "", authToken, nil)
	return db, store, router
}

func seedEntity(t *testing.T, db *cache.DB, id, name string) {
	t.Helper()
	if _, err := db.Apply(cache.Projection{
		Path:   id + "/dashboard.json",
		Kind:   "dashboard",
		Meta:   models.FileMeta{Path: id + "/dashboard.json", Modified: time.Now()},
		Entity: &cache.EntityShell{ID: id, Name: name, Type: models.EntityAccount},
		Vitals: &models.Vitals{EntityID: id, Health: "green", UpdatedAt: time.Now()},
	}); err != nil {
		t.Fatal(err)
	}
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestListAndResolveEntities(t *testing.T) {
	db, _, router := testEnv(t, "")
	seedEntity(t, db, "accounts/acme-corp", "Acme Corp")

	w := get(t, router, "/entities")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d, body = %s", w.Code, w.Body.String())
	}
	var list struct {
		Entities []models.Entity `json:"entities"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Entities) != 1 || list.Entities[0].Name != "Acme Corp" {
		t.Errorf("entities = %+v", list.Entities)
	}

	w = get(t, router, "/entities/resolve?q=acme")
	if w.Code != http.StatusOK {
		t.Fatalf("resolve status = %d", w.Code)
	}
	var resolved map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resolved)
	if resolved["id"] != "accounts/acme-corp" {
		t.Errorf("resolved = %v", resolved)
	}
}

func TestResolveAmbiguousReturns409WithCandidates(t *testing.T) {
	db, _, router := testEnv(t, "")
	seedEntity(t, db, "accounts/acme-corp", "Acme Corp")
	seedEntity(t, db, "accounts/acme-eu", "Acme EU")

	w := get(t, router, "/entities/resolve?q=acme")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var body errResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Error != "ambiguous" || len(body.Candidates) != 2 {
		t.Errorf("body = %+v", body)
	}
}

func TestEntityContextNotFound(t *testing.T) {
	_, _, router := testEnv(t, "")
	w := get(t, router, "/entities/accounts/ghost/context")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestEntityContextRoute(t *testing.T) {
	db, _, router := testEnv(t, "")
	seedEntity(t, db, "accounts/acme-corp", "Acme Corp")

	w := get(t, router, "/entities/accounts/acme-corp/context")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var ec workspace.EntityContext
	_ = json.Unmarshal(w.Body.Bytes(), &ec)
	if ec.Entity.ID != "accounts/acme-corp" || ec.Vitals == nil {
		t.Errorf("context = %+v", ec)
	}
}

func TestListActionsBadDueBefore(t *testing.T) {
	_, _, router := testEnv(t, "")
	w := get(t, router, "/actions?due_before=tomorrow")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestPipelineRunPublishesEvent(t *testing.T) {
	_, _, svc := testService(t)
	broker := sse.NewBroker(time.Minute)
	t.Cleanup(broker.Close)
	router := NewRouter(svc, false, "", broker)

	ch := broker.Subscribe()
	t.Cleanup(func() { broker.Unsubscribe(ch) })

	req := httptest.NewRequest(http.MethodPost, "/pipeline/daily-brief/run", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("run status = %d, body = %s", w.Code, w.Body.String())
	}

	select {
	case msg := <-ch:
		if !strings.Contains(string(msg), "event: pipeline.awaiting_enrichment") {
			t.Errorf("event = %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pipeline event delivered")
	}
}

func TestPipelineRunAndStatus(t *testing.T) {
	_, _, router := testEnv(t, "")

	req := httptest.NewRequest(http.MethodPost, "/pipeline/daily-brief/run", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("run status = %d, body = %s", w.Code, w.Body.String())
	}
	var st pipeline.Status
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if st.State != pipeline.StateAwaitingEnrichment {
		t.Errorf("state = %s", st.State)
	}

	w = get(t, router, "/pipeline/daily-brief/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if st.State != pipeline.StateAwaitingEnrichment || len(st.Missing) != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestPipelineArtifactIncomplete(t *testing.T) {
	_, _, router := testEnv(t, "")

	w := get(t, router, "/pipeline/daily-brief/artifact")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before any delivery", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/pipeline/daily-brief/run", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatal(w.Body.String())
	}

	w = get(t, router, "/pipeline/daily-brief/artifact")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 while awaiting enrichment", w.Code)
	}
}

func TestPipelineUnknownCommand(t *testing.T) {
	_, _, router := testEnv(t, "")
	w := get(t, router, "/pipeline/nope/status")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAuthTokenRequired(t *testing.T) {
	db, _, router := testEnv(t, "sekrit")
	seedEntity(t, db, "accounts/acme-corp", "Acme Corp")

	// No token.
	w := get(t, router, "/entities")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", w.Code)
	}

	// Wrong token.
	req := httptest.NewRequest(http.MethodGet, "/entities", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", w.Code)
	}

	// Correct token.
	req = httptest.NewRequest(http.MethodGet, "/entities", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("good token status = %d", w.Code)
	}
}

func TestArchiveEntityRoute(t *testing.T) {
	db, store, router := testEnv(t, "")
	seedEntity(t, db, "accounts/acme-corp", "Acme Corp")
	if err := store.Write("accounts/acme-corp/dashboard.json", []byte(`{"name":"Acme Corp"}`)); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/entities/accounts/acme-corp/archive", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("archive status = %d, body = %s", w.Code, w.Body.String())
	}

	w = get(t, router, "/entities")
	var list struct {
		Entities []models.Entity `json:"entities"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Entities) != 0 {
		t.Errorf("entities after archive = %+v", list.Entities)
	}
}
