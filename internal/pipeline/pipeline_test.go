package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/projectpulse/internal/config"
	"github.com/TobiSchelling/projectpulse/internal/database"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeSources serves just enough of the Slack and Jira APIs for one epic
// with a single child issue and one channel with a single message. The
// oldest bound of the last history call is written to oldest.
func fakeSources(t *testing.T, oldest *string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/api/conversations.info", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"ok": true, "channel": map[string]any{"name": "payments-team"}})
	})
	mux.HandleFunc("/api/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		if oldest != nil {
			*oldest = r.FormValue("oldest")
		}
		reply(w, map[string]any{"ok": true, "messages": []any{
			map[string]any{"type": "message", "ts": "1773068400.000100", "user": "U1", "text": "CORE-55 rollout finished, dashboards look clean"},
		}})
	})
	mux.HandleFunc("/api/users.info", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"ok": true, "user": map[string]any{"name": "dana", "profile": map[string]any{"display_name": "Dana"}}})
	})

	mux.HandleFunc("/rest/api/2/search", func(w http.ResponseWriter, r *http.Request) {
		var issues []any
		if strings.HasPrefix(r.URL.Query().Get("jql"), `"Epic Link" = PAY-1`) {
			issues = append(issues, map[string]any{"key": "CORE-55", "fields": map[string]any{"summary": "Rollout"}})
		}
		reply(w, map[string]any{"issues": issues, "total": len(issues)})
	})
	mux.HandleFunc("/rest/api/3/issue/", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{"comments": []any{}, "total": 0})
	})
	mux.HandleFunc("/rest/api/2/issue/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/rest/api/2/issue/")
		issue := map[string]any{"key": key, "fields": map[string]any{"project": map[string]any{"key": "CORE", "name": "Core"}}}
		if key == "CORE-55" {
			issue["changelog"] = map[string]any{"histories": []any{
				map[string]any{
					"id":      "h1",
					"created": "2026-03-09T10:00:00.000+0000",
					"author":  map[string]any{"accountId": "A1", "displayName": "Ravi"},
					"items":   []any{map[string]any{"field": "status", "fromString": "In Progress", "toString": "Done"}},
				},
			}}
		}
		reply(w, issue)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) (*config.Config, config.RunConfig) {
	cfg := config.Default()
	cfg.Sources.Slack.BaseURL = baseURL + "/api"
	cfg.Sources.Jira.BaseURL = baseURL
	rc := cfg.RunConfig()
	rc.Now = func() time.Time { return now }
	return cfg, rc
}

func TestRunTrackerBeforeChat(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("JIRA_EMAIL", "bot@example.test")
	t.Setenv("JIRA_API_TOKEN", "secret")

	db := openTestDB(t)
	db.InsertProject("payments", "Payments", "")
	db.InsertScope("payments", database.SourceJira, database.ScopeJiraEpic, "PAY-1")
	db.InsertScope("payments", database.SourceSlack, database.ScopeSlackChannel, "C0PAYMENTS1")

	cfg, rc := testConfig(fakeSources(t, nil).URL)
	r := New(cfg, db, rc).Run(context.Background())

	if r.Failed() || len(r.Steps) != 3 {
		t.Fatalf("unexpected steps: %+v", r.Steps)
	}
	names := []string{r.Steps[0].Name, r.Steps[1].Name, r.Steps[2].Name}
	if strings.Join(names, ",") != "Tracker,Chat,Snapshot" {
		t.Errorf("unexpected step order %v", names)
	}

	// The message only mentions an issue key learned from the tracker.
	feed, _ := db.GetProjectFeed("payments", database.FeedFilter{SourceType: database.SourceSlack})
	if len(feed) != 1 || feed[0].AttributionType != database.AttrEntityMatch {
		t.Fatalf("expected chat message linked by issue key, got %+v", feed)
	}

	snap, _ := db.GetLatestSnapshot("payments")
	if snap == nil || len(snap.Status.Progress) != 1 {
		t.Fatalf("expected snapshot with the completed issue, got %+v", snap)
	}
	cp, _ := db.GetCheckpoint("payments")
	if cp == nil || cp.LastIngestedAt == nil || cp.LastSnapshotAt == nil {
		t.Errorf("expected ingest and snapshot checkpoints, got %+v", cp)
	}
}

func TestRunChatUsesBoundsFromBeforeTracker(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("JIRA_EMAIL", "bot@example.test")
	t.Setenv("JIRA_API_TOKEN", "secret")

	db := openTestDB(t)
	db.InsertProject("payments", "Payments", "")
	db.InsertScope("payments", database.SourceJira, database.ScopeJiraEpic, "PAY-1")
	db.InsertScope("payments", database.SourceSlack, database.ScopeSlackChannel, "C0PAYMENTS1")
	prev := now.Add(-48 * time.Hour)
	db.AdvanceCheckpoint("payments", database.CheckpointIngested, prev)

	var oldest string
	cfg, rc := testConfig(fakeSources(t, &oldest).URL)
	rc.Incremental = true
	r := New(cfg, db, rc).Ingest(context.Background())

	if r.Failed() {
		t.Fatalf("unexpected failure: %+v", r.Steps)
	}
	if want := fmt.Sprintf("%d.000000", prev.Unix()); oldest != want {
		t.Errorf("expected chat bounded by previous checkpoint %s, got %q", want, oldest)
	}
	cp, _ := db.GetCheckpoint("payments")
	if cp == nil || cp.LastIngestedAt == nil || !cp.LastIngestedAt.After(prev) {
		t.Errorf("expected ingest checkpoint advanced, got %+v", cp)
	}
}

func TestRunSkipsUnconfiguredSources(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "")
	t.Setenv("JIRA_EMAIL", "")
	t.Setenv("JIRA_API_TOKEN", "")

	db := openTestDB(t)
	db.InsertProject("p", "Payments", "")
	ev := &database.Event{SourceType: database.SourceSlack, SourceRef: "C1:1", OccurredAt: now.Add(-time.Hour), ActorDisplay: "Dana", Kind: database.KindMessage, Text: "blocked on keys"}
	db.InsertEvent(ev, []database.Link{{ProjectID: "p", AttributionType: database.AttrManual, Confidence: 1}})

	cfg, rc := testConfig("http://127.0.0.1:0")
	r := New(cfg, db, rc).Run(context.Background())

	if r.Failed() {
		t.Fatalf("expected no failures, got %+v", r.Steps)
	}
	if !r.Steps[0].Skipped || !r.Steps[1].Skipped || r.Steps[2].Skipped {
		t.Errorf("expected both ingest steps skipped, got %+v", r.Steps)
	}
	if !strings.Contains(r.Steps[2].Summary, "Created 1 snapshots") {
		t.Errorf("unexpected snapshot summary %q", r.Steps[2].Summary)
	}
}

func TestDryRun(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-test")
	t.Setenv("JIRA_EMAIL", "")

	db := openTestDB(t)
	db.InsertProject("p", "Payments", "")
	db.InsertScope("p", database.SourceSlack, database.ScopeSlackChannel, "#payments")

	cfg, rc := testConfig("http://127.0.0.1:0")
	r := New(cfg, db, rc).DryRun()

	if len(r.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(r.Steps))
	}
	if r.Steps[0].Summary != "[dry-run] 0 tracker scopes, credentials missing" {
		t.Errorf("unexpected tracker summary %q", r.Steps[0].Summary)
	}
	if r.Steps[1].Summary != "[dry-run] 1 channel scopes, credentials set" {
		t.Errorf("unexpected chat summary %q", r.Steps[1].Summary)
	}
	if _, err := db.GetLatestSnapshot("p"); err != nil {
		t.Fatal(err)
	}
	if snap, _ := db.GetLatestSnapshot("p"); snap != nil {
		t.Error("dry run must not write snapshots")
	}
}
