// Package mcptools exposes the project store to LLM agents as MCP tools.
//
// Each tool is a struct holding its dependencies with a Definition that
// returns the tool schema and a Handle that serves calls. Tools only read;
// they never advance checkpoints.
package mcptools

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/TobiSchelling/projectpulse/internal/compose"
)

// intArg extracts an integer argument from a tool request, returning
// defaultVal if the key is missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// lookupError turns a compose error into a tool result.
func lookupError(projectID string, err error) *mcp.CallToolResult {
	if errors.Is(err, compose.ErrProjectNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("Project `%s` not found. Use list_projects to see available projects.", projectID))
	}
	return mcp.NewToolResultError(fmt.Sprintf("failed to read project %s: %v", projectID, err))
}

func withProjectID() mcp.ToolOption {
	return mcp.WithString("project_id",
		mcp.Required(),
		mcp.Description("The project identifier (e.g. \"proj_payments\"). Use list_projects first if you don't know the ID."),
	)
}
