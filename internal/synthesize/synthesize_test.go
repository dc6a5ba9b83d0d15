package synthesize

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/projectpulse/internal/config"
	"github.com/TobiSchelling/projectpulse/internal/database"
	"github.com/TobiSchelling/projectpulse/internal/oracle"
)

var now = time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)

// mockOracle implements oracle.Oracle for testing.
type mockOracle struct {
	items         []oracle.StatusItem
	activity      *oracle.Classification
	extractCalls  int
	lastCandidate []oracle.Candidate
}

func (m *mockOracle) ClassifyProjects(context.Context, string, []oracle.Candidate, []string) []oracle.ProjectMatch {
	return nil
}

func (m *mockOracle) ExtractStatus(_ context.Context, _ string, _ string, cands []oracle.Candidate) []oracle.StatusItem {
	m.extractCalls++
	m.lastCandidate = cands
	return m.items
}

func (m *mockOracle) ClassifyActivity(context.Context, string, string, string, string) *oracle.Classification {
	return m.activity
}

func (m *mockOracle) FormatMessage(context.Context, string) string { return "" }
func (m *mockOracle) Enabled() bool                                { return true }

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRunConfig() config.RunConfig {
	rc := config.DefaultRunConfig()
	rc.Now = func() time.Time { return now }
	return rc
}

func seedProject(t *testing.T, db *database.DB, id, name string) {
	t.Helper()
	if _, err := db.InsertProject(id, name, name+" project"); err != nil {
		t.Fatalf("InsertProject: %v", err)
	}
}

type eventSpec struct {
	ref, kind, text, actor, raw string
	age                         time.Duration
	projects                    []string
}

func addEvent(t *testing.T, db *database.DB, e eventSpec) string {
	t.Helper()
	source := database.SourceJira
	if e.kind == database.KindMessage {
		source = database.SourceSlack
	}
	if e.actor == "" {
		e.actor = "Dana"
	}
	ev := &database.Event{
		SourceType:   source,
		SourceRef:    e.ref,
		OccurredAt:   now.Add(-e.age),
		ActorDisplay: e.actor,
		Kind:         e.kind,
		Text:         e.text,
		RawJSON:      e.raw,
	}
	var links []database.Link
	for _, p := range e.projects {
		links = append(links, database.Link{ProjectID: p, AttributionType: database.AttrScopeRule, Confidence: 1})
	}
	if _, err := db.InsertEvent(ev, links); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	return ev.ID
}

func statusEvent(ref, from, to string, structured bool, age time.Duration) eventSpec {
	e := eventSpec{
		ref:      ref,
		kind:     database.KindStatusChange,
		text:     fmt.Sprintf("%s status changed: %s → %s", strings.Split(ref, ":")[0], from, to),
		age:      age,
		projects: []string{"p"},
	}
	if structured {
		e.raw = fmt.Sprintf(`{"issueKey": "X", "item": {"field": "status", "fromString": %q, "toString": %q}}`, from, to)
	}
	return e
}

func synthesize(t *testing.T, db *database.DB, o oracle.Oracle, rc config.RunConfig) *database.Snapshot {
	t.Helper()
	s := NewSynthesizer(db, o, rc)
	r := s.Run(context.Background())
	if r.Errors != 0 {
		t.Fatalf("unexpected errors: %+v", r)
	}
	snap, err := db.GetLatestSnapshot("p")
	if err != nil {
		t.Fatalf("GetLatestSnapshot: %v", err)
	}
	return snap
}

func texts(items []database.StatusItem) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.Text)
	}
	return out
}

func TestZeroEventsYieldsNoSnapshot(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "p", "Payments")
	addEvent(t, db, eventSpec{ref: "C1:1", kind: database.KindMessage, text: "old news, blocked", age: 30 * 24 * time.Hour, projects: []string{"p"}})

	r := NewSynthesizer(db, nil, testRunConfig()).Run(context.Background())
	if r.Created != 0 || r.SkippedEmpty != 1 {
		t.Errorf("unexpected result: %+v", r)
	}
	if snap, _ := db.GetLatestSnapshot("p"); snap != nil {
		t.Errorf("expected no snapshot, got %+v", snap)
	}
	if cp, _ := db.GetCheckpoint("p"); cp != nil && cp.LastSnapshotAt != nil {
		t.Error("expected last_snapshot_at untouched")
	}
}

func TestQuietProjectGetsEmptySections(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "p", "Payments")
	addEvent(t, db, eventSpec{ref: "C1:1", kind: database.KindMessage, text: "thanks!", age: time.Hour, projects: []string{"p"}})

	snap := synthesize(t, db, nil, testRunConfig())
	if snap == nil {
		t.Fatal("expected a snapshot")
	}
	if snap.Status.Headline != "Payments: Activity in window" {
		t.Errorf("unexpected headline %q", snap.Status.Headline)
	}
	for _, name := range database.Sections {
		if len(snap.Status.Section(name)) != 0 {
			t.Errorf("expected empty %s", name)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "p", "Payments")
	addEvent(t, db, statusEvent("TRK-2:status:1:0", "In Progress", "Done", true, time.Hour))
	addEvent(t, db, statusEvent("TRK-3:status:2:0", "In Progress", "Blocked", false, 2*time.Hour))
	addEvent(t, db, statusEvent("TRK-4:status:3:0", "To Do", "In Review", true, 3*time.Hour))
	addEvent(t, db, statusEvent("TRK-5:status:4:0", "To Do", "Backlog", true, 4*time.Hour))

	snap := synthesize(t, db, nil, testRunConfig())
	st := snap.Status
	if len(st.Progress) != 1 || !strings.HasPrefix(st.Progress[0].Text, "TRK-2") {
		t.Errorf("expected Done transition in progress, got %v", texts(st.Progress))
	}
	if len(st.Blockers) != 1 || !strings.HasPrefix(st.Blockers[0].Text, "TRK-3") {
		t.Errorf("expected Blocked transition in blockers, got %v", texts(st.Blockers))
	}
	if len(st.NextSteps) != 1 || !strings.HasPrefix(st.NextSteps[0].Text, "TRK-4") {
		t.Errorf("expected In Review transition in next steps, got %v", texts(st.NextSteps))
	}
	if st.Headline != "Payments: 1 completed; 1 blocker(s); 1 in progress" {
		t.Errorf("unexpected headline %q", st.Headline)
	}
}

func TestBlockedTransitionIgnoresOracle(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "p", "Payments")
	addEvent(t, db, statusEvent("TRK-3:status:2:0", "In Progress", "Blocked", true, time.Hour))

	rc := testRunConfig()
	rc.OracleEnabled = true
	o := &mockOracle{activity: &oracle.Classification{Section: "progress", Summary: "all good"}}
	snap := synthesize(t, db, o, rc)
	if len(snap.Status.Blockers) != 1 || len(snap.Status.Progress) != 0 {
		t.Errorf("expected deterministic blocker, got %+v", snap.Status)
	}
}

func TestCommentKeywordPrecedence(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "p", "Payments")
	comments := []string{
		"TRK-1 comment by Dana: blocked until we decided on vendor",
		"TRK-1 comment by Dana: We decided to adopt the new SDK",
		"TRK-1 comment by Dana: this may delay the launch",
		"TRK-1 comment by Dana: PR raised for the fix",
		"TRK-1 comment by Dana: LGTM",
		"TRK-1 comment by Dana: approved the sprint plan",
	}
	for i, text := range comments {
		addEvent(t, db, eventSpec{ref: fmt.Sprintf("TRK-1:comment:%d", i), kind: database.KindComment, text: text, age: time.Duration(i+1) * time.Minute, projects: []string{"p"}})
	}

	st := synthesize(t, db, nil, testRunConfig()).Status
	if len(st.Blockers) != 1 || len(st.Decisions) != 1 || len(st.Risks) != 1 || len(st.NextSteps) != 1 {
		t.Errorf("unexpected sections: %+v", st)
	}
	if len(st.Progress) != 0 {
		t.Errorf("expected no progress from comments, got %v", texts(st.Progress))
	}
}

func TestCommentAuthorDoesNotPickSection(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "p", "Payments")
	addEvent(t, db, eventSpec{ref: "TRK-2:comment:1", kind: database.KindComment, text: "TRK-2 comment by Risk Review Bot: LGTM", age: time.Minute, projects: []string{"p"}})
	addEvent(t, db, eventSpec{ref: "TRK-2:comment:2", kind: database.KindComment, text: "TRK-2 comment by Dana: note: blocked on keys", age: 2 * time.Minute, projects: []string{"p"}})

	st := synthesize(t, db, nil, testRunConfig()).Status
	if len(st.Risks) != 0 || len(st.NextSteps) != 0 {
		t.Errorf("expected author name ignored, got risks %v next %v", texts(st.Risks), texts(st.NextSteps))
	}
	if len(st.Blockers) != 1 || st.Blockers[0].Text != "TRK-2 comment by Dana: note: blocked on keys" {
		t.Errorf("expected the body to be swept, got %v", texts(st.Blockers))
	}
}

func TestChatFallbacks(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "p", "Payments")
	long := "Yesterday I paired with the platform folks on the settlement flow and we walked through every edge case " +
		"of partial captures together, which took most of the afternoon but was worth it."
	addEvent(t, db, eventSpec{ref: "C1:1", kind: database.KindMessage, text: long, age: time.Hour, projects: []string{"p"}})
	addEvent(t, db, eventSpec{ref: "C1:2", kind: database.KindMessage, text: "will create a ticket for it", age: 2 * time.Hour, projects: []string{"p"}})
	addEvent(t, db, eventSpec{ref: "C1:3", kind: database.KindMessage, text: "coffee?", age: 3 * time.Hour, projects: []string{"p"}})

	st := synthesize(t, db, nil, testRunConfig()).Status
	if len(st.NextSteps) != 2 {
		t.Fatalf("expected long message and chat keyword in next steps, got %v", texts(st.NextSteps))
	}
	if st.NextSteps[0].Text != long || st.NextSteps[0].Owner != "Dana" {
		t.Errorf("expected newest first with owner, got %+v", st.NextSteps[0])
	}
}

func TestDuplicateItemsUnionEvidence(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "p", "Payments")
	a := addEvent(t, db, eventSpec{ref: "C1:1", kind: database.KindMessage, text: "Waiting on vendor API keys", age: time.Hour, projects: []string{"p"}})
	b := addEvent(t, db, eventSpec{ref: "C2:1", kind: database.KindMessage, text: "waiting on  vendor API keys", age: 2 * time.Hour, projects: []string{"p"}})
	addEvent(t, db, eventSpec{ref: "C3:1", kind: database.KindMessage, text: "Waiting on vendor API keys", actor: "Ravi", age: 3 * time.Hour, projects: []string{"p"}})

	snap := synthesize(t, db, nil, testRunConfig())
	blockers := snap.Status.Blockers
	if len(blockers) != 2 {
		t.Fatalf("expected one merged item per owner, got %+v", blockers)
	}
	if ids := blockers[0].EventIDs; len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Errorf("expected merged item to cite both events, got %v", ids)
	}

	evidence, _ := db.GetSnapshotEvidence(snap.ID)
	if len(evidence) != 3 {
		t.Errorf("expected evidence for every cited event, got %+v", evidence)
	}
	for _, e := range evidence {
		links, _ := db.GetEventLinks(e.EventID)
		if len(links) == 0 || links[0].ProjectID != "p" {
			t.Errorf("evidence %s has no link to the project", e.EventID)
		}
	}
}

func TestSectionCaps(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "p", "Payments")
	for i := 0; i < 12; i++ {
		addEvent(t, db, eventSpec{ref: fmt.Sprintf("C1:%d", i), kind: database.KindMessage, text: fmt.Sprintf("blocked on item %d", i), age: time.Duration(i+1) * time.Minute, projects: []string{"p"}})
		addEvent(t, db, eventSpec{ref: fmt.Sprintf("TRK-%d:status:%d:0", i+10, i), kind: database.KindStatusChange, text: fmt.Sprintf("TRK-%d status changed: In Progress → Done", i+10), age: time.Duration(i+1) * time.Minute, projects: []string{"p"}})
	}

	st := synthesize(t, db, nil, testRunConfig()).Status
	if len(st.Blockers) != 5 || len(st.Progress) != 10 {
		t.Errorf("expected caps 5/10, got %d/%d", len(st.Blockers), len(st.Progress))
	}
	if !strings.Contains(st.Blockers[0].Text, "item 0") {
		t.Errorf("expected most recent blockers kept, got %v", texts(st.Blockers))
	}
	if st.Headline != "Payments: 12 completed; 12 blocker(s)" {
		t.Errorf("unexpected headline %q", st.Headline)
	}
}

func TestRerunWithinMinuteReplaces(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "p", "Payments")
	addEvent(t, db, eventSpec{ref: "C1:1", kind: database.KindMessage, text: "blocked on review", age: time.Hour, projects: []string{"p"}})

	rc := testRunConfig()
	synthesize(t, db, nil, rc)
	rc.Now = func() time.Time { return now.Add(20 * time.Second) }
	snap := synthesize(t, db, nil, rc)

	if snap.ID != "snap_p_20260310_1230" {
		t.Errorf("unexpected snapshot id %q", snap.ID)
	}
	all, _ := db.ListSnapshots("p", 0)
	if len(all) != 1 {
		t.Errorf("expected rerun to replace, got %d snapshots", len(all))
	}
	cp, _ := db.GetCheckpoint("p")
	if cp == nil || cp.LastSnapshotAt == nil || !cp.LastSnapshotAt.Equal(now.Add(20*time.Second)) {
		t.Errorf("expected last_snapshot_at advanced, got %+v", cp)
	}
}

func TestOracleItemsRoutedByProject(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "p", "Payments")
	seedProject(t, db, "q", "Search")
	addEvent(t, db, eventSpec{ref: "C1:1", kind: database.KindMessage, text: "standup: payments shipped, search blocked", age: time.Hour, projects: []string{"p", "q"}})

	rc := testRunConfig()
	rc.OracleEnabled = true
	o := &mockOracle{items: []oracle.StatusItem{
		{Section: "progress", Text: "Payments shipped", Owner: "Dana", ProjectIDs: []string{"p"}},
		{Section: "blockers", Text: "Search blocked on index", Owner: "Dana", ProjectIDs: []string{"q"}},
		{Section: "next_steps", Text: "Team retro Friday", Owner: "Dana"},
	}}
	snap := synthesize(t, db, o, rc)

	st := snap.Status
	if len(st.Progress) != 1 || len(st.Blockers) != 0 || len(st.NextSteps) != 1 {
		t.Errorf("unexpected routing: %+v", st)
	}
	if o.extractCalls != 1 {
		t.Errorf("expected one extraction shared across projects, got %d", o.extractCalls)
	}
	if len(o.lastCandidate) != 2 {
		t.Errorf("expected both linked projects offered, got %+v", o.lastCandidate)
	}
	q, _ := db.GetLatestSnapshot("q")
	if q == nil || len(q.Status.Blockers) != 1 {
		t.Errorf("expected blocker routed to q, got %+v", q)
	}
}

func TestOracleActivityAndFallback(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "p", "Payments")
	addEvent(t, db, eventSpec{ref: "TRK-1:comment:1", kind: database.KindComment, text: "TRK-1 comment by Dana: vendor slipping", age: time.Hour, projects: []string{"p"}})
	addEvent(t, db, eventSpec{ref: "C1:1", kind: database.KindMessage, text: "blocked on keys", age: 2 * time.Hour, projects: []string{"p"}})

	rc := testRunConfig()
	rc.OracleEnabled = true
	o := &mockOracle{activity: &oracle.Classification{Section: "risks", Summary: "Vendor may slip the launch"}}
	st := synthesize(t, db, o, rc).Status

	if len(st.Risks) != 1 || st.Risks[0].Text != "Vendor may slip the launch" {
		t.Errorf("expected oracle classification for the comment, got %+v", st.Risks)
	}
	if len(st.Blockers) != 1 {
		t.Errorf("expected keyword fallback when extraction is empty, got %+v", st.Blockers)
	}
}

func TestTransitionTarget(t *testing.T) {
	ev := &database.Event{Text: "TRK-1 status changed: To Do → In Progress"}
	if got := transitionTarget(ev); got != "in progress" {
		t.Errorf("unexpected target %q", got)
	}
	ev.RawJSON = `{"item": {"toString": "Resolved"}}`
	if got := transitionTarget(ev); got != "resolved" {
		t.Errorf("expected structured target, got %q", got)
	}
}

func TestEvidenceEventsLinkedToProject(t *testing.T) {
	db := openTestDB(t)
	seedProject(t, db, "p", "Payments")
	seedProject(t, db, "q", "Search")
	addEvent(t, db, statusEvent("TRK-1:status:1:0", "In Progress", "Done", true, time.Hour))
	addEvent(t, db, eventSpec{ref: "C1:1", kind: database.KindMessage, text: "search blocked on index rebuild", age: time.Hour, projects: []string{"q"}})
	addEvent(t, db, eventSpec{ref: "C1:2", kind: database.KindMessage, text: "we decided to adopt the shared vault", age: 2 * time.Hour, projects: []string{"p", "q"}})

	synthesize(t, db, nil, testRunConfig())

	for _, project := range []string{"p", "q"} {
		snap, err := db.GetLatestSnapshot(project)
		if err != nil || snap == nil {
			t.Fatalf("expected snapshot for %s: %v", project, err)
		}
		evidence, err := db.GetSnapshotEvidence(snap.ID)
		if err != nil {
			t.Fatalf("GetSnapshotEvidence: %v", err)
		}
		if len(evidence) == 0 {
			t.Errorf("expected evidence for %s", project)
		}
		for _, e := range evidence {
			links, _ := db.GetEventLinks(e.EventID)
			linked := false
			for _, l := range links {
				linked = linked || l.ProjectID == project
			}
			if !linked {
				t.Errorf("evidence %s/%s in %s has no link to the project", e.EventID, e.Section, snap.ID)
			}
		}
	}
}
