package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/TobiSchelling/projectpulse/internal/compose"
	"github.com/TobiSchelling/projectpulse/internal/database"
)

// BlockersTool handles the get_project_blockers MCP tool.
type BlockersTool struct {
	db *database.DB
}

// NewBlockersTool creates a BlockersTool.
func NewBlockersTool(db *database.DB) *BlockersTool {
	return &BlockersTool{db: db}
}

// Definition returns the MCP tool definition for get_project_blockers.
func (t *BlockersTool) Definition() mcp.Tool {
	return mcp.NewTool("get_project_blockers",
		mcp.WithDescription(
			"List what is blocking a project: blockers from the latest snapshot plus recent "+
				"events that look like impediments, most recently active first.",
		),
		withProjectID(),
	)
}

// Handle processes the get_project_blockers tool call.
func (t *BlockersTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("project_id", "")
	if projectID == "" {
		return mcp.NewToolResultError("'project_id' is required"), nil
	}
	bl, err := compose.BuildBlockers(t.db, projectID)
	if err != nil {
		return lookupError(projectID, err), nil
	}
	return mcp.NewToolResultText(compose.BlockersMarkdown(bl)), nil
}
