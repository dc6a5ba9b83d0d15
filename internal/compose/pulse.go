// Package compose assembles read models over the event store: the latest
// project pulse with resolved evidence, change logs and blocker lists, and
// renders them as markdown.
package compose

import (
	"errors"
	"fmt"
	"time"

	"github.com/TobiSchelling/projectpulse/internal/database"
)

// ErrProjectNotFound is returned for an unknown project id.
var ErrProjectNotFound = errors.New("project not found")

// SectionLabels are the display names of snapshot sections.
var SectionLabels = map[string]string{
	database.SectionProgress:  "Progress",
	database.SectionBlockers:  "Blockers",
	database.SectionDecisions: "Decisions",
	database.SectionNextSteps: "Upcoming / Next Steps",
	database.SectionRisks:     "Risks",
}

// Evidence is an event cited by a pulse item.
type Evidence struct {
	EventID    string    `json:"event_id"`
	SourceType string    `json:"source_type"`
	Actor      string    `json:"actor"`
	OccurredAt time.Time `json:"occurred_at"`
	Permalink  string    `json:"permalink,omitempty"`
	Snippet    string    `json:"snippet"`
}

// PulseItem is a snapshot item with its evidence resolved.
type PulseItem struct {
	Text     string     `json:"text"`
	Owner    string     `json:"owner,omitempty"`
	Evidence []Evidence `json:"evidence"`
}

// Window is the time range a snapshot covers.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Pulse is the latest status of a project.
type Pulse struct {
	ProjectID   string                 `json:"project_id"`
	ProjectName string                 `json:"project_name"`
	SnapshotID  string                 `json:"snapshot_id,omitempty"`
	SnapshotAt  *time.Time             `json:"snapshot_at"`
	Window      *Window                `json:"window"`
	Headline    string                 `json:"headline,omitempty"`
	Sections    map[string][]PulseItem `json:"sections"`
	Message     string                 `json:"message,omitempty"`
}

// BuildPulse loads a project's latest snapshot and resolves the evidence of
// every item. A project without snapshots gets a pulse with a message and
// no sections.
func BuildPulse(db *database.DB, projectID string) (*Pulse, error) {
	p, err := lookupProject(db, projectID)
	if err != nil {
		return nil, err
	}
	pulse := &Pulse{ProjectID: p.ID, ProjectName: p.Name, Sections: map[string][]PulseItem{}}

	snap, err := db.GetLatestSnapshot(p.ID)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	if snap == nil {
		pulse.Message = "No status snapshot available yet for this project."
		return pulse, nil
	}

	pulse.SnapshotID = snap.ID
	pulse.SnapshotAt = &snap.SnapshotAt
	pulse.Window = &Window{Start: snap.WindowStart, End: snap.WindowEnd}
	pulse.Headline = snap.Status.Headline

	cache := make(map[string]*Evidence)
	for _, name := range database.Sections {
		items := snap.Status.Section(name)
		if len(items) == 0 {
			continue
		}
		resolved := make([]PulseItem, 0, len(items))
		for _, it := range items {
			pi := PulseItem{Text: it.Text, Owner: it.Owner, Evidence: []Evidence{}}
			for _, id := range it.EventIDs {
				ev, err := resolveEvidence(db, id, cache)
				if err != nil {
					return nil, err
				}
				if ev != nil {
					pi.Evidence = append(pi.Evidence, *ev)
				}
			}
			resolved = append(resolved, pi)
		}
		pulse.Sections[name] = resolved
	}
	return pulse, nil
}

func resolveEvidence(db *database.DB, id string, cache map[string]*Evidence) (*Evidence, error) {
	if ev, ok := cache[id]; ok {
		return ev, nil
	}
	e, err := db.GetEvent(id)
	if err != nil {
		return nil, fmt.Errorf("loading event %s: %w", id, err)
	}
	var ev *Evidence
	if e != nil {
		ev = &Evidence{
			EventID:    e.ID,
			SourceType: e.SourceType,
			Actor:      e.ActorDisplay,
			OccurredAt: e.OccurredAt,
			Permalink:  e.Permalink,
			Snippet:    snippet(e.Text),
		}
	}
	cache[id] = ev
	return ev, nil
}

func lookupProject(db *database.DB, id string) (*database.Project, error) {
	p, err := db.GetProject(id)
	if err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return p, nil
}

func snippet(s string) string {
	r := []rune(s)
	if len(r) <= 200 {
		return s
	}
	return string(r[:200]) + "…"
}
