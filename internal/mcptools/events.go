package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/TobiSchelling/projectpulse/internal/compose"
	"github.com/TobiSchelling/projectpulse/internal/database"
)

const maxEvents = 200

// EventsTool handles the get_project_events MCP tool.
type EventsTool struct {
	db *database.DB
}

// NewEventsTool creates an EventsTool.
func NewEventsTool(db *database.DB) *EventsTool {
	return &EventsTool{db: db}
}

// Definition returns the MCP tool definition for get_project_events.
func (t *EventsTool) Definition() mcp.Tool {
	return mcp.NewTool("get_project_events",
		mcp.WithDescription(
			"Get the raw event feed for a project: recent Slack messages, Jira status changes "+
				"and comments attributed to it, newest first, with the reason each was attributed.",
		),
		withProjectID(),
		mcp.WithString("source_type",
			mcp.Description("Optional source filter"),
			mcp.Enum(database.SourceSlack, database.SourceJira),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max number of events to return (default: 20, max: 200)"),
		),
	)
}

// Handle processes the get_project_events tool call.
func (t *EventsTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("project_id", "")
	if projectID == "" {
		return mcp.NewToolResultError("'project_id' is required"), nil
	}
	p, err := t.db.GetProject(projectID)
	if err != nil {
		return lookupError(projectID, err), nil
	}
	if p == nil {
		return lookupError(projectID, compose.ErrProjectNotFound), nil
	}

	f := database.FeedFilter{Limit: intArg(req, "limit", 20)}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > maxEvents {
		f.Limit = maxEvents
	}
	switch st := req.GetString("source_type", ""); st {
	case "", database.SourceSlack, database.SourceJira:
		f.SourceType = st
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown source_type %q: use slack or jira", st)), nil
	}

	total, err := t.db.CountProjectFeed(projectID, f)
	if err != nil {
		return lookupError(projectID, err), nil
	}
	feed, err := t.db.GetProjectFeed(projectID, f)
	if err != nil {
		return lookupError(projectID, err), nil
	}
	events := make([]compose.FeedEvent, 0, len(feed))
	for _, pe := range feed {
		events = append(events, compose.NewFeedEvent(pe))
	}
	return mcp.NewToolResultText(compose.FeedMarkdown(p.Name, total, events)), nil
}
