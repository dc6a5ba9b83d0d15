package collect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/projectpulse/internal/config"
	"github.com/TobiSchelling/projectpulse/internal/database"
)

var runStart = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *database.DB, projectID, name string, scopes ...[3]string) {
	t.Helper()
	if _, err := db.InsertProject(projectID, name, ""); err != nil {
		t.Fatalf("InsertProject: %v", err)
	}
	for _, s := range scopes {
		if _, err := db.InsertScope(projectID, s[0], s[1], s[2]); err != nil {
			t.Fatalf("InsertScope: %v", err)
		}
	}
}

func testRunConfig() config.RunConfig {
	rc := config.DefaultRunConfig()
	rc.Incremental = false
	rc.Now = func() time.Time { return runStart }
	return rc
}

func slackMsg(ts, user, text string) map[string]any {
	return map[string]any{"type": "message", "ts": ts, "user": user, "text": text}
}

// fakeSlack serves the Web API methods used by the chat adapter.
type fakeSlack struct {
	mu        sync.Mutex
	channels  map[string]string
	history   map[string][]map[string]any
	failing   map[string]bool
	oldest    map[string][]string
	userCalls int
}

func newFakeSlack() *fakeSlack {
	return &fakeSlack{
		channels: make(map[string]string),
		history:  make(map[string][]map[string]any),
		failing:  make(map[string]bool),
		oldest:   make(map[string][]string),
	}
}

func (f *fakeSlack) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.FormValue("token") != "xoxb-test" && r.Header.Get("Authorization") != "Bearer xoxb-test" {
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "not_authed"})
		return
	}
	var resp map[string]any
	switch strings.TrimPrefix(r.URL.Path, "/") {
	case "conversations.list":
		var chans []map[string]string
		for id, name := range f.channels {
			chans = append(chans, map[string]string{"id": id, "name": name})
		}
		resp = map[string]any{"ok": true, "channels": chans}
	case "conversations.info":
		ch := r.FormValue("channel")
		resp = map[string]any{"ok": true, "channel": map[string]string{"id": ch, "name": f.channels[ch]}}
	case "conversations.history":
		ch := r.FormValue("channel")
		f.oldest[ch] = append(f.oldest[ch], r.FormValue("oldest"))
		if f.failing[ch] {
			resp = map[string]any{"ok": false, "error": "ratelimited"}
			break
		}
		bound, _ := strconv.ParseFloat(r.FormValue("oldest"), 64)
		var msgs []map[string]any
		for _, m := range f.history[ch] {
			ts, _ := strconv.ParseFloat(m["ts"].(string), 64)
			if ts > bound {
				msgs = append(msgs, m)
			}
		}
		resp = map[string]any{"ok": true, "messages": msgs}
	case "users.info":
		f.userCalls++
		resp = map[string]any{"ok": true, "user": map[string]any{
			"id":      r.FormValue("user"),
			"name":    "dana.k",
			"profile": map[string]string{"display_name": "", "real_name": "Dana K"},
		}}
	default:
		http.NotFound(w, r)
		return
	}
	json.NewEncoder(w).Encode(resp)
}

func newSlackIngester(t *testing.T, db *database.DB, f *fakeSlack, rc config.RunConfig) *SlackIngester {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	t.Setenv("PP_TEST_SLACK_TOKEN", "xoxb-test")
	client := NewSlackClient(config.SlackConfig{TokenEnv: "PP_TEST_SLACK_TOKEN", BaseURL: srv.URL, PageSize: 100})
	return NewSlackIngester(db, client, nil, rc, 0)
}

func TestSlackPreconditions(t *testing.T) {
	db := openTestDB(t)

	t.Setenv("PP_TEST_EMPTY_TOKEN", "")
	noToken := NewSlackIngester(db, NewSlackClient(config.SlackConfig{TokenEnv: "PP_TEST_EMPTY_TOKEN"}), nil, testRunConfig(), 0)
	if _, err := noToken.Run(context.Background()); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("expected ErrMissingCredentials, got %v", err)
	}

	s := newSlackIngester(t, db, newFakeSlack(), testRunConfig())
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrNoScopes) {
		t.Errorf("expected ErrNoScopes, got %v", err)
	}
}

func TestSlackIngestAttributesAndIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "payments", "Payments",
		[3]string{database.SourceSlack, database.ScopeSlackChannel, "team-updates"},
		[3]string{database.SourceJira, database.ScopeJiraEpic, "TRK-1"})
	seed(t, db, "search", "Search Ranking",
		[3]string{database.SourceSlack, database.ScopeSlackChannel, "#team-updates"})

	f := newFakeSlack()
	f.channels["C0TEAM00001"] = "team-updates"
	f.history["C0TEAM00001"] = []map[string]any{
		slackMsg("1772000400.000100", "U1", "Blocked waiting on API access for TRK-100"),
		slackMsg("1772000300.000200", "U1", "TRK-100 done, thanks all"),
		{"type": "message", "ts": "1772000200.000300", "bot_id": "B1", "username": "deploybot", "text": "ranking service deployed"},
		{"type": "message", "subtype": "channel_join", "ts": "1772000100.000400", "user": "U2", "text": "<@U2> has joined the channel"},
		slackMsg("1772000050.000500", "U2", "   "),
		slackMsg("1772000000.000600", "U1", "lunch anyone?"),
	}

	s := newSlackIngester(t, db, f, testRunConfig())
	r, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Containers != 1 || r.Accepted != 3 || r.Unlinked != 1 || r.SkippedFilter != 2 || r.Failed != 0 {
		t.Errorf("unexpected counters: %s", r)
	}
	if f.userCalls != 1 {
		t.Errorf("expected one cached user lookup, got %d", f.userCalls)
	}

	ref := "C0TEAM00001:1772000400.000100"
	ev, _ := db.GetEvent(database.EventID(database.SourceSlack, ref))
	if ev == nil {
		t.Fatal("expected event for blocked message")
	}
	if ev.Kind != database.KindMessage || ev.ActorDisplay != "Dana K" || ev.ContainerName != "team-updates" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Permalink != "https://slack.com/archives/C0TEAM00001/p1772000400000100" {
		t.Errorf("unexpected permalink %q", ev.Permalink)
	}
	if !ev.OccurredAt.Equal(time.Unix(1772000400, 0).UTC()) {
		t.Errorf("unexpected occurred time %v", ev.OccurredAt)
	}

	links, _ := db.GetEventLinks(ev.ID)
	if len(links) != 1 || links[0].ProjectID != "payments" || links[0].AttributionType != database.AttrEntityMatch ||
		links[0].Confidence != 1.0 || !strings.Contains(links[0].Rationale, "TRK-100") {
		t.Errorf("unexpected links: %+v", links)
	}

	bot, _ := db.GetEvent(database.EventID(database.SourceSlack, "C0TEAM00001:1772000200.000300"))
	if bot == nil || bot.ActorID != "B1" || bot.ActorDisplay != "deploybot" {
		t.Errorf("unexpected bot event: %+v", bot)
	}
	botLinks, _ := db.GetEventLinks(bot.ID)
	if len(botLinks) != 1 || botLinks[0].ProjectID != "search" || botLinks[0].AttributionType != database.AttrKeywordMatch {
		t.Errorf("unexpected bot links: %+v", botLinks)
	}

	for _, id := range []string{"payments", "search"} {
		cp, _ := db.GetCheckpoint(id)
		if cp == nil || cp.LastIngestedAt == nil || !cp.LastIngestedAt.Equal(runStart) {
			t.Errorf("expected checkpoint for %s at run start, got %+v", id, cp)
		}
	}

	before, _ := db.GetStats()
	r, err = s.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if r.Stored() != 0 || r.SkippedExisting != 4 {
		t.Errorf("expected nothing new on re-run, got %s", r)
	}
	after, _ := db.GetStats()
	if after.Events != before.Events || after.Links != before.Links {
		t.Errorf("re-run changed the store: %+v -> %+v", before, after)
	}
}

func TestSlackPartialFailureResumes(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "a", "Alpha", [3]string{database.SourceSlack, database.ScopeSlackChannel, "C0GOOD00001"})
	seed(t, db, "b", "Beta", [3]string{database.SourceSlack, database.ScopeSlackChannel, "C0FAIL00001"})

	f := newFakeSlack()
	f.history["C0GOOD00001"] = []map[string]any{slackMsg("1772000000.000100", "U1", "alpha shipped")}
	f.history["C0FAIL00001"] = []map[string]any{slackMsg("1772000000.000200", "U1", "beta shipped")}
	f.failing["C0FAIL00001"] = true

	rc := testRunConfig()
	rc.Incremental = true
	s := newSlackIngester(t, db, f, rc)

	r, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r.Failed != 1 || r.Accepted != 1 {
		t.Errorf("unexpected counters: %s", r)
	}
	if cp, _ := db.GetCheckpoint("b"); cp != nil {
		t.Errorf("expected no checkpoint for failed channel, got %+v", cp)
	}

	f.mu.Lock()
	f.failing["C0FAIL00001"] = false
	f.mu.Unlock()

	r, err = s.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if r.Accepted != 1 || r.SkippedExisting != 0 || r.Failed != 0 {
		t.Errorf("expected only the failed channel to be ingested, got %s", r)
	}
	good := f.oldest["C0GOOD00001"]
	if len(good) != 2 || good[0] != "" || good[1] != formatTS(runStart) {
		t.Errorf("expected bounded re-fetch of the good channel, got %v", good)
	}
	if fail := f.oldest["C0FAIL00001"]; fail[len(fail)-1] != "" {
		t.Errorf("expected full fetch for the never-ingested channel, got %v", fail)
	}
	stats, _ := db.GetStats()
	if stats.Events != 2 {
		t.Errorf("expected 2 events, got %d", stats.Events)
	}
}

func TestSharedChannelBoundIsEarliestCheckpoint(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "a", "Alpha", [3]string{database.SourceSlack, database.ScopeSlackChannel, "C0SHARED001"})
	seed(t, db, "b", "Beta", [3]string{database.SourceSlack, database.ScopeSlackChannel, "C0SHARED001"})
	early := runStart.Add(-48 * time.Hour)
	db.AdvanceCheckpoint("a", database.CheckpointIngested, runStart.Add(-time.Hour))
	db.AdvanceCheckpoint("b", database.CheckpointIngested, early)

	f := newFakeSlack()
	rc := testRunConfig()
	rc.Incremental = true
	if _, err := newSlackIngester(t, db, f, rc).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := f.oldest["C0SHARED001"]; len(got) != 1 || got[0] != formatTS(early) {
		t.Errorf("expected one fetch bounded by the earliest checkpoint, got %v", got)
	}
}

func TestParseTS(t *testing.T) {
	got, err := parseTS("1700010000.000200")
	if err != nil || !got.Equal(time.Unix(1700010000, 200000).UTC()) {
		t.Errorf("unexpected %v %v", got, err)
	}
	if _, err := parseTS("abc"); err == nil {
		t.Error("expected error for malformed ts")
	}
	if !isChannelID("C0123456789") || isChannelID("general") || isChannelID("C01") {
		t.Error("unexpected channel id detection")
	}
}
