package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/TobiSchelling/projectpulse/internal/compose"
	"github.com/TobiSchelling/projectpulse/internal/database"
)

// ListProjectsTool handles the list_projects MCP tool.
type ListProjectsTool struct {
	db *database.DB
}

// NewListProjectsTool creates a ListProjectsTool.
func NewListProjectsTool(db *database.DB) *ListProjectsTool {
	return &ListProjectsTool{db: db}
}

// Definition returns the MCP tool definition for list_projects.
func (t *ListProjectsTool) Definition() mcp.Tool {
	return mcp.NewTool("list_projects",
		mcp.WithDescription(
			"List all active projects tracked by ProjectPulse with their IDs, names and descriptions. "+
				"Use this when the user asks which projects exist, or to find a project ID.",
		),
	)
}

// Handle processes the list_projects tool call.
func (t *ListProjectsTool) Handle(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := t.db.ListProjects(true)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list projects: %v", err)), nil
	}
	return mcp.NewToolResultText(compose.ProjectsMarkdown(projects)), nil
}
