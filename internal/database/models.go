package database

import "time"

// Source kinds.
const (
	SourceSlack = "slack"
	SourceJira  = "jira"
)

// Scope kinds.
const (
	ScopeSlackChannel = "slack_channel"
	ScopeJiraEpic     = "jira_epic"
	ScopeJiraProject  = "jira_project"
	ScopeKeyword      = "keyword"
)

// Event kinds.
const (
	KindMessage      = "message"
	KindComment      = "comment"
	KindStatusChange = "status_change"
	KindIssueUpdate  = "issue_update"
)

// Attribution types.
const (
	AttrScopeRule      = "scope_rule"
	AttrEntityMatch    = "entity_match"
	AttrKeywordMatch   = "keyword_match"
	AttrOracleClassify = "oracle_classify"
	AttrManual         = "manual"
)

// Snapshot sections, in display order.
const (
	SectionProgress  = "progress"
	SectionBlockers  = "blockers"
	SectionDecisions = "decisions"
	SectionNextSteps = "next_steps"
	SectionRisks     = "risks"
)

// Sections lists every snapshot section in display order.
var Sections = []string{SectionProgress, SectionBlockers, SectionDecisions, SectionNextSteps, SectionRisks}

// Project is a tracked unit of work.
type Project struct {
	ID          string
	Name        string
	Description *string
	IsActive    bool
	CreatedAt   *string
}

// Scope binds a project to a source container or pattern.
type Scope struct {
	ID         string
	ProjectID  string
	SourceType string
	ScopeKind  string
	ScopeValue string
	CreatedAt  *string
}

// Event is one normalized unit of activity. Events are append-only.
type Event struct {
	ID            string
	SourceType    string
	SourceRef     string
	OccurredAt    time.Time
	IngestedAt    time.Time
	ContainerID   string
	ContainerName string
	ActorID       string
	ActorDisplay  string
	Kind          string
	Title         string
	Text          string
	Permalink     string
	RawJSON       string
}

// Link attributes an event to a project.
type Link struct {
	EventID         string
	ProjectID       string
	AttributionType string
	Confidence      float64
	Rationale       string
	CreatedAt       *string
}

// ProjectEvent is a row of the project-scoped event feed.
type ProjectEvent struct {
	Event
	ProjectID       string
	AttributionType string
	Confidence      float64
	Rationale       string
	LinkedAt        *string
}

// StatusItem is one line of a snapshot section.
type StatusItem struct {
	Text     string   `json:"text"`
	Owner    string   `json:"owner,omitempty"`
	EventIDs []string `json:"event_ids"`
}

// Status is the structured payload of a snapshot.
type Status struct {
	Headline  string       `json:"headline"`
	Progress  []StatusItem `json:"progress"`
	Blockers  []StatusItem `json:"blockers"`
	Decisions []StatusItem `json:"decisions"`
	NextSteps []StatusItem `json:"next_steps"`
	Risks     []StatusItem `json:"risks"`
}

// Section returns the items of the named section.
func (s *Status) Section(name string) []StatusItem {
	switch name {
	case SectionProgress:
		return s.Progress
	case SectionBlockers:
		return s.Blockers
	case SectionDecisions:
		return s.Decisions
	case SectionNextSteps:
		return s.NextSteps
	case SectionRisks:
		return s.Risks
	}
	return nil
}

// SetSection replaces the items of the named section.
func (s *Status) SetSection(name string, items []StatusItem) {
	switch name {
	case SectionProgress:
		s.Progress = items
	case SectionBlockers:
		s.Blockers = items
	case SectionDecisions:
		s.Decisions = items
	case SectionNextSteps:
		s.NextSteps = items
	case SectionRisks:
		s.Risks = items
	}
}

// Snapshot is a point-in-time status synthesis for one project.
type Snapshot struct {
	ID          string
	ProjectID   string
	SnapshotAt  time.Time
	WindowStart time.Time
	WindowEnd   time.Time
	Status      Status
	CreatedAt   *string
}

// Evidence ties a snapshot section to a backing event.
type Evidence struct {
	SnapshotID string
	EventID    string
	Section    string
}

// Checkpoint is the per-project cursor row.
type Checkpoint struct {
	ProjectID      string
	LastViewedAt   *time.Time
	LastIngestedAt *time.Time
	LastSnapshotAt *time.Time
}

// Checkpoint fields that AdvanceCheckpoint may write.
const (
	CheckpointViewed   = "last_viewed_at"
	CheckpointIngested = "last_ingested_at"
	CheckpointSnapshot = "last_snapshot_at"
)

// Stats contains aggregate database statistics.
type Stats struct {
	TotalProjects  int
	ActiveProjects int
	Scopes         int
	Events         int
	EventsBySource map[string]int
	LinkedEvents   int
	UnlinkedEvents int
	Links          int
	Snapshots      int
	EvidenceRows   int
}
