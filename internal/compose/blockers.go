package compose

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/TobiSchelling/projectpulse/internal/database"
)

var detectBlockerKeywords = []string{
	"block", "blocked", "blocking", "waiting", "stuck", "flaky",
	"regression", "fail", "failed", "broken", "down", "pending",
	"unresolved", "investigate", "investigating",
}

// Blocker is an open impediment, either cited by the latest snapshot or
// detected in the feed.
type Blocker struct {
	Summary      string     `json:"summary"`
	Owner        string     `json:"owner,omitempty"`
	Source       string     `json:"source"`
	LastActivity *time.Time `json:"last_activity"`
	Evidence     []Evidence `json:"evidence"`
}

// Blockers lists a project's blockers, most recently active first.
type Blockers struct {
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name"`
	Total       int       `json:"total_blockers"`
	Blockers    []Blocker `json:"blockers"`
}

// BuildBlockers merges the latest snapshot's blockers with feed events that
// look like blockers and are not already cited.
func BuildBlockers(db *database.DB, projectID string) (*Blockers, error) {
	pulse, err := BuildPulse(db, projectID)
	if err != nil {
		return nil, err
	}

	out := &Blockers{ProjectID: pulse.ProjectID, ProjectName: pulse.ProjectName, Blockers: []Blocker{}}
	cited := make(map[string]bool)
	for _, it := range pulse.Sections[database.SectionBlockers] {
		b := Blocker{Summary: it.Text, Owner: it.Owner, Source: "snapshot", Evidence: it.Evidence}
		for i := range it.Evidence {
			ev := &it.Evidence[i]
			cited[ev.EventID] = true
			if b.LastActivity == nil || ev.OccurredAt.After(*b.LastActivity) {
				b.LastActivity = &ev.OccurredAt
			}
		}
		out.Blockers = append(out.Blockers, b)
	}

	feed, err := db.GetProjectFeed(pulse.ProjectID, database.FeedFilter{})
	if err != nil {
		return nil, fmt.Errorf("loading feed: %w", err)
	}
	for _, pe := range feed {
		if cited[pe.ID] || !looksBlocked(pe.Kind, pe.Text) {
			continue
		}
		at := pe.OccurredAt
		out.Blockers = append(out.Blockers, Blocker{
			Summary:      pe.Text,
			Owner:        pe.ActorDisplay,
			Source:       pe.SourceType,
			LastActivity: &at,
			Evidence: []Evidence{{
				EventID:    pe.ID,
				SourceType: pe.SourceType,
				Actor:      pe.ActorDisplay,
				OccurredAt: pe.OccurredAt,
				Permalink:  pe.Permalink,
				Snippet:    snippet(pe.Text),
			}},
		})
	}

	sort.SliceStable(out.Blockers, func(i, j int) bool {
		a, b := out.Blockers[i].LastActivity, out.Blockers[j].LastActivity
		if a == nil || b == nil {
			return b == nil && a != nil
		}
		return a.After(*b)
	})
	out.Total = len(out.Blockers)
	return out, nil
}

func looksBlocked(kind, text string) bool {
	lower := strings.ToLower(text)
	if kind == database.KindStatusChange && strings.Contains(lower, "block") {
		return true
	}
	return matchesAny(lower, detectBlockerKeywords)
}
