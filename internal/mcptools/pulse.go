package mcptools

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/TobiSchelling/projectpulse/internal/compose"
	"github.com/TobiSchelling/projectpulse/internal/database"
)

// PulseTool handles the get_project_pulse MCP tool.
type PulseTool struct {
	db *database.DB
}

// NewPulseTool creates a PulseTool.
func NewPulseTool(db *database.DB) *PulseTool {
	return &PulseTool{db: db}
}

// Definition returns the MCP tool definition for get_project_pulse.
func (t *PulseTool) Definition() mcp.Tool {
	return mcp.NewTool("get_project_pulse",
		mcp.WithDescription(
			"Get the current status pulse for a project: a structured summary with progress, "+
				"blockers, decisions, next steps and risks. Each bullet cites its evidence "+
				"(Slack permalinks or Jira URLs). Use this for questions like "+
				"\"what's the status of X\" or \"bring me up to speed on X\".",
		),
		withProjectID(),
	)
}

// Handle processes the get_project_pulse tool call.
func (t *PulseTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("project_id", "")
	if projectID == "" {
		return mcp.NewToolResultError("'project_id' is required"), nil
	}
	pulse, err := compose.BuildPulse(t.db, projectID)
	if err != nil {
		return lookupError(projectID, err), nil
	}
	return mcp.NewToolResultText(compose.PulseMarkdown(pulse)), nil
}
