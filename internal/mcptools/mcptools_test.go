package mcptools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/TobiSchelling/projectpulse/internal/database"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// makeReq builds a mcp.CallToolRequest with the given arguments.
func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// resultText extracts the text content from a tool result.
func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func seed(t *testing.T) *database.DB {
	t.Helper()
	db := openTestDB(t)
	db.InsertProject("p", "Payments", "Card payments")
	link := []database.Link{{ProjectID: "p", AttributionType: database.AttrEntityMatch, Confidence: 0.9, Rationale: "Contains Jira issue key TRK-1 (maps to project)"}}
	msg := &database.Event{SourceType: database.SourceSlack, SourceRef: "C1:1", OccurredAt: base.Add(-time.Hour), ActorDisplay: "Dana", Kind: database.KindMessage, Text: "TRK-1 stuck waiting on vendor", Permalink: "https://slack.test/p1"}
	db.InsertEvent(msg, link)
	done := &database.Event{SourceType: database.SourceJira, SourceRef: "TRK-2:status:1:0", OccurredAt: base.Add(-10 * 24 * time.Hour), ActorDisplay: "Ravi", Kind: database.KindStatusChange, Text: "TRK-2 status changed: In Review → Done"}
	db.InsertEvent(done, link)

	snap := &database.Snapshot{ID: "snap_p_20260310_1200", ProjectID: "p", SnapshotAt: base, WindowStart: base.AddDate(0, 0, -7), WindowEnd: base}
	snap.Status.Headline = "Payments: 1 blocker(s)"
	snap.Status.Blockers = []database.StatusItem{{Text: msg.Text, Owner: "Dana", EventIDs: []string{msg.ID}}}
	if err := db.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	return db
}

func TestListProjectsTool(t *testing.T) {
	db := seed(t)
	tool := NewListProjectsTool(db)
	if tool.Definition().Name != "list_projects" {
		t.Errorf("unexpected tool name %q", tool.Definition().Name)
	}

	res, err := tool.Handle(context.Background(), makeReq(nil))
	if err != nil || res.IsError {
		t.Fatalf("unexpected error: %v %+v", err, res)
	}
	if !strings.Contains(resultText(res), "**Payments** (`p`)") {
		t.Errorf("unexpected text %q", resultText(res))
	}
}

func TestPulseTool(t *testing.T) {
	db := seed(t)
	tool := NewPulseTool(db)

	def := tool.Definition()
	if len(def.InputSchema.Required) != 1 || def.InputSchema.Required[0] != "project_id" {
		t.Errorf("expected project_id required, got %v", def.InputSchema.Required)
	}

	res, _ := tool.Handle(context.Background(), makeReq(map[string]any{"project_id": "p"}))
	text := resultText(res)
	if !strings.Contains(text, "## Blockers") || !strings.Contains(text, "https://slack.test/p1") {
		t.Errorf("expected pulse with evidence, got %q", text)
	}

	res, _ = tool.Handle(context.Background(), makeReq(map[string]any{"project_id": "nope"}))
	if !res.IsError || !strings.Contains(resultText(res), "not found") {
		t.Errorf("expected not found error, got %+v", res)
	}

	res, _ = tool.Handle(context.Background(), makeReq(map[string]any{}))
	if !res.IsError {
		t.Error("expected error without project_id")
	}
}

func TestPulseToolDoesNotMarkViewed(t *testing.T) {
	db := seed(t)
	NewPulseTool(db).Handle(context.Background(), makeReq(map[string]any{"project_id": "p"}))
	if cp, _ := db.GetCheckpoint("p"); cp != nil && cp.LastViewedAt != nil {
		t.Error("expected tool reads to leave last_viewed_at alone")
	}
}

func TestEventsTool(t *testing.T) {
	db := seed(t)
	tool := NewEventsTool(db)

	res, _ := tool.Handle(context.Background(), makeReq(map[string]any{"project_id": "p", "source_type": "slack", "limit": float64(5)}))
	text := resultText(res)
	if !strings.Contains(text, "Recent Events (1 total)") || !strings.Contains(text, "entity_match (confidence 90%)") {
		t.Errorf("unexpected feed %q", text)
	}

	res, _ = tool.Handle(context.Background(), makeReq(map[string]any{"project_id": "p", "source_type": "email"}))
	if !res.IsError {
		t.Error("expected error for unknown source_type")
	}
}

func TestChangesTool(t *testing.T) {
	db := seed(t)
	tool := NewChangesTool(db, func() time.Time { return base })

	res, _ := tool.Handle(context.Background(), makeReq(map[string]any{"project_id": "p", "since": "2026-02-20"}))
	text := resultText(res)
	if !strings.Contains(text, "## Newly Completed") || !strings.Contains(text, "## New Blockers") {
		t.Errorf("expected both buckets, got %q", text)
	}

	// Without since, the window starts seven days back and excludes the old completion.
	res, _ = tool.Handle(context.Background(), makeReq(map[string]any{"project_id": "p"}))
	text = resultText(res)
	if strings.Contains(text, "Newly Completed") || !strings.Contains(text, "*1 events detected*") {
		t.Errorf("expected default seven-day window, got %q", text)
	}

	// A recorded visit becomes the default bound.
	db.AdvanceCheckpoint("p", database.CheckpointViewed, base.Add(-30*time.Minute))
	res, _ = tool.Handle(context.Background(), makeReq(map[string]any{"project_id": "p"}))
	if !strings.Contains(resultText(res), "No changes found") {
		t.Errorf("expected nothing since last visit, got %q", resultText(res))
	}

	res, _ = tool.Handle(context.Background(), makeReq(map[string]any{"project_id": "p", "since": "last week"}))
	if !res.IsError {
		t.Error("expected error for unparseable since")
	}
}

func TestBlockersTool(t *testing.T) {
	db := seed(t)
	res, _ := NewBlockersTool(db).Handle(context.Background(), makeReq(map[string]any{"project_id": "p"}))
	text := resultText(res)
	if !strings.Contains(text, "Blockers (1)") || !strings.Contains(text, "[snapshot") {
		t.Errorf("unexpected blockers %q", text)
	}
}

func TestNewServerRegistersTools(t *testing.T) {
	s := NewServer(openTestDB(t), "test")
	tools := s.ListTools()
	for _, name := range []string{"list_projects", "get_project_pulse", "get_project_events", "get_project_changes", "get_project_blockers"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("expected tool %s registered", name)
		}
	}
}
