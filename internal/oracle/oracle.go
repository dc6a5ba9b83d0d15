// Package oracle is the optional text classifier consulted during
// attribution and snapshot synthesis. Every call degrades to an empty
// result on failure; callers always keep a deterministic fallback.
package oracle

import "context"

// Candidate is a project offered to the oracle for classification.
type Candidate struct {
	ID          string
	Name        string
	Description string
}

// ProjectMatch is one proposed attribution.
type ProjectMatch struct {
	ProjectID  string  `json:"project_id"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// StatusItem is one status line extracted from a chat message.
type StatusItem struct {
	Section    string   `json:"section"`
	Text       string   `json:"text"`
	Owner      string   `json:"owner"`
	ProjectIDs []string `json:"project_ids"`
}

// Classification is the section assignment of one tracker activity.
type Classification struct {
	Section string `json:"section"`
	Summary string `json:"summary"`
}

// Oracle classifies free text.
type Oracle interface {
	// ClassifyProjects proposes project matches for a message, restricted to eligible ids.
	ClassifyProjects(ctx context.Context, text string, candidates []Candidate, eligible []string) []ProjectMatch
	// ExtractStatus splits a chat message into section items.
	ExtractStatus(ctx context.Context, text, actor string, candidates []Candidate) []StatusItem
	// ClassifyActivity assigns a tracker comment or update to a section; nil means unclassified.
	ClassifyActivity(ctx context.Context, text, kind, actor, issueKey string) *Classification
	// FormatMessage returns a cleaned-up rendition of a chat message, or "" to keep the original.
	FormatMessage(ctx context.Context, text string) string
	Enabled() bool
}

// Disabled is the oracle used when classification is turned off.
type Disabled struct{}

func (Disabled) ClassifyProjects(context.Context, string, []Candidate, []string) []ProjectMatch {
	return nil
}

func (Disabled) ExtractStatus(context.Context, string, string, []Candidate) []StatusItem {
	return nil
}

func (Disabled) ClassifyActivity(context.Context, string, string, string, string) *Classification {
	return nil
}

func (Disabled) FormatMessage(context.Context, string) string { return "" }

func (Disabled) Enabled() bool { return false }

// ValidSection reports whether s names a snapshot section.
func ValidSection(s string) bool {
	switch s {
	case "progress", "blockers", "decisions", "next_steps", "risks":
		return true
	}
	return false
}
