package mcptools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/TobiSchelling/projectpulse/internal/compose"
	"github.com/TobiSchelling/projectpulse/internal/database"
)

// ChangesTool handles the get_project_changes MCP tool.
type ChangesTool struct {
	db  *database.DB
	now func() time.Time
}

// NewChangesTool creates a ChangesTool.
func NewChangesTool(db *database.DB, now func() time.Time) *ChangesTool {
	if now == nil {
		now = time.Now
	}
	return &ChangesTool{db: db, now: now}
}

// Definition returns the MCP tool definition for get_project_changes.
func (t *ChangesTool) Definition() mcp.Tool {
	return mcp.NewTool("get_project_changes",
		mcp.WithDescription(
			"Get a \"what changed\" changelog for a project: newly completed items, new blockers, "+
				"new decisions and an activity summary. Use this for \"what changed since Monday\" "+
				"or \"catch me up on what I missed\".",
		),
		withProjectID(),
		mcp.WithString("since",
			mcp.Description("ISO-8601 date or datetime to look back from (e.g. \"2026-02-23\"). "+
				"Defaults to the last time the project's pulse was viewed, or seven days ago."),
		),
	)
}

// Handle processes the get_project_changes tool call.
func (t *ChangesTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("project_id", "")
	if projectID == "" {
		return mcp.NewToolResultError("'project_id' is required"), nil
	}

	var since time.Time
	if raw := req.GetString("since", ""); raw != "" {
		parsed, err := compose.ParseSince(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since %q: expected an ISO-8601 date or datetime", raw)), nil
		}
		since = parsed
	} else {
		since = t.now().UTC().AddDate(0, 0, -7)
		if cp, err := t.db.GetCheckpoint(projectID); err == nil && cp != nil && cp.LastViewedAt != nil {
			since = *cp.LastViewedAt
		}
	}

	changes, err := compose.BuildChanges(t.db, projectID, since)
	if err != nil {
		return lookupError(projectID, err), nil
	}
	return mcp.NewToolResultText(compose.ChangesMarkdown(changes)), nil
}
