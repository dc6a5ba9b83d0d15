package mcptools

import (
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/TobiSchelling/projectpulse/internal/database"
)

const instructions = `ProjectPulse answers questions about project status from attributed Slack and Jira activity.
Start with list_projects to find project IDs. get_project_pulse returns the latest status snapshot
with evidence links; get_project_changes returns what changed since a date; get_project_events
returns the raw feed; get_project_blockers lists current impediments. Always cite the evidence links.`

// NewServer creates an MCP server with every ProjectPulse tool registered.
func NewServer(db *database.DB, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"projectpulse",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	listTool := NewListProjectsTool(db)
	s.AddTool(listTool.Definition(), listTool.Handle)

	pulseTool := NewPulseTool(db)
	s.AddTool(pulseTool.Definition(), pulseTool.Handle)

	eventsTool := NewEventsTool(db)
	s.AddTool(eventsTool.Definition(), eventsTool.Handle)

	changesTool := NewChangesTool(db, time.Now)
	s.AddTool(changesTool.Definition(), changesTool.Handle)

	blockersTool := NewBlockersTool(db)
	s.AddTool(blockersTool.Definition(), blockersTool.Handle)

	return s
}

// ServeStdio runs the tool server over stdin/stdout until the client hangs up.
func ServeStdio(db *database.DB, version string) error {
	return server.ServeStdio(NewServer(db, version))
}
