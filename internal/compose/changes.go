package compose

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/TobiSchelling/projectpulse/internal/attribution"
	"github.com/TobiSchelling/projectpulse/internal/database"
)

// Change log buckets, in display order.
const (
	BucketCompleted = "newly_completed"
	BucketBlockers  = "new_blockers"
	BucketDecisions = "new_decisions"
	BucketOther     = "other_activity"
)

// Buckets lists the change log buckets in display order.
var Buckets = []string{BucketCompleted, BucketBlockers, BucketDecisions, BucketOther}

// BucketLabels are the display names of change log buckets.
var BucketLabels = map[string]string{
	BucketCompleted: "Newly Completed",
	BucketBlockers:  "New Blockers",
	BucketDecisions: "New Decisions",
	BucketOther:     "Other Activity",
}

var (
	changeBlockerKeywords    = []string{"block", "waiting", "stuck", "flaky", "regression", "fail", "broken", "down"}
	changeDecisionKeywords   = []string{"decision", "decided", "adopt", "switch", "selected", "chose", "agreed"}
	changeCompletionKeywords = []string{"done", "completed", "merged", "resolved", "shipped", "closed"}
)

// Attribution describes why an event is in a project's feed.
type Attribution struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
}

// FeedEvent is one row of a project feed.
type FeedEvent struct {
	EventID       string      `json:"event_id"`
	SourceType    string      `json:"source_type"`
	OccurredAt    time.Time   `json:"occurred_at"`
	ContainerName string      `json:"container_name,omitempty"`
	Actor         string      `json:"actor"`
	Kind          string      `json:"event_kind"`
	Title         string      `json:"title,omitempty"`
	Text          string      `json:"text"`
	Permalink     string      `json:"permalink,omitempty"`
	Attribution   Attribution `json:"attribution"`
}

// NewFeedEvent converts a feed row.
func NewFeedEvent(pe database.ProjectEvent) FeedEvent {
	return FeedEvent{
		EventID:       pe.ID,
		SourceType:    pe.SourceType,
		OccurredAt:    pe.OccurredAt,
		ContainerName: pe.ContainerName,
		Actor:         pe.ActorDisplay,
		Kind:          pe.Kind,
		Title:         pe.Title,
		Text:          pe.Text,
		Permalink:     pe.Permalink,
		Attribution: Attribution{
			Type:       pe.AttributionType,
			Confidence: pe.Confidence,
			Rationale:  pe.Rationale,
		},
	}
}

// ActivitySummary counts change log events.
type ActivitySummary struct {
	Total    int            `json:"total"`
	BySource map[string]int `json:"by_source"`
	ByKind   map[string]int `json:"by_kind"`
}

// Changes is a project change log since a point in time.
type Changes struct {
	ProjectID   string                 `json:"project_id"`
	ProjectName string                 `json:"project_name"`
	Since       time.Time              `json:"since"`
	TotalEvents int                    `json:"total_events"`
	Sections    map[string][]FeedEvent `json:"sections"`
	Summary     ActivitySummary        `json:"activity_summary"`
}

// BuildChanges buckets every event linked to the project that occurred at
// or after since. Empty buckets are omitted.
func BuildChanges(db *database.DB, projectID string, since time.Time) (*Changes, error) {
	p, err := lookupProject(db, projectID)
	if err != nil {
		return nil, err
	}
	feed, err := db.GetProjectFeed(p.ID, database.FeedFilter{Since: &since})
	if err != nil {
		return nil, fmt.Errorf("loading feed: %w", err)
	}

	c := &Changes{
		ProjectID:   p.ID,
		ProjectName: p.Name,
		Since:       since.UTC(),
		TotalEvents: len(feed),
		Sections:    map[string][]FeedEvent{},
		Summary: ActivitySummary{
			Total:    len(feed),
			BySource: map[string]int{},
			ByKind:   map[string]int{},
		},
	}
	for _, pe := range feed {
		bucket := ChangeBucket(pe.Kind, pe.Text)
		c.Sections[bucket] = append(c.Sections[bucket], NewFeedEvent(pe))
		c.Summary.BySource[pe.SourceType]++
		c.Summary.ByKind[pe.Kind]++
	}
	return c, nil
}

// ParseSince accepts an RFC 3339 timestamp or a bare date.
func ParseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}

// ChangeBucket assigns an event to a change log bucket. Completion only
// counts for status changes.
func ChangeBucket(kind, text string) string {
	lower := strings.ToLower(text)
	switch {
	case kind == database.KindStatusChange && matchesAny(lower, changeCompletionKeywords):
		return BucketCompleted
	case matchesAny(lower, changeBlockerKeywords):
		return BucketBlockers
	case matchesAny(lower, changeDecisionKeywords):
		return BucketDecisions
	}
	return BucketOther
}

func matchesAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if attribution.ContainsKeyword(lower, kw) {
			return true
		}
	}
	return false
}

// sortedCounts renders a count map as "n key" parts, largest first.
func sortedCounts(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%d %s", m[k], k)
	}
	return parts
}
