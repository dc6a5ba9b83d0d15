package synthesize

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/TobiSchelling/projectpulse/internal/attribution"
	"github.com/TobiSchelling/projectpulse/internal/database"
)

// Target states of a status transition.
var (
	blockedStatuses = map[string]bool{"blocked": true}
	doneStatuses    = map[string]bool{"done": true, "closed": true, "resolved": true, "to verify": true}
	activeStatuses  = map[string]bool{"in progress": true, "in review": true, "to do": true}
)

// Keyword sweep, checked in this order.
var (
	blockerKeywords  = []string{"blocked", "waiting", "stuck", "blocker", "blocking"}
	decisionKeywords = []string{"decision", "decided", "agreed", "we will", "we'll", "adopt"}
	riskKeywords     = []string{"risk", "delay", "dependency", "may delay", "could delay"}
	nextStepKeywords = []string{"pr", "raised", "open", "review", "merge", "deploy"}
	chatNextKeywords = []string{"implement", "create", "update", "connect", "coordinate", "meeting", "ticket", "sprint", "work with"}
)

var (
	arrowRe    = regexp.MustCompile(`→\s*(\w+(?:\s+\w+)?)`)
	issueKeyRe = regexp.MustCompile(`([A-Z][A-Z0-9]+-\d+)`)
)

// transitionTarget returns the lowercased target state of a status change,
// preferring the structured changelog item over the rendered text.
func transitionTarget(ev *database.Event) string {
	var raw struct {
		Item struct {
			ToString string `json:"toString"`
		} `json:"item"`
	}
	if ev.RawJSON != "" && json.Unmarshal([]byte(ev.RawJSON), &raw) == nil {
		if to := strings.TrimSpace(raw.Item.ToString); to != "" {
			return strings.ToLower(to)
		}
	}
	if m := arrowRe.FindStringSubmatch(ev.Text); m != nil {
		return strings.ToLower(strings.TrimSpace(m[1]))
	}
	return ""
}

// classifyTransition maps a status change to a section, or "".
func classifyTransition(ev *database.Event) string {
	to := transitionTarget(ev)
	switch {
	case blockedStatuses[to]:
		return database.SectionBlockers
	case doneStatuses[to]:
		return database.SectionProgress
	case activeStatuses[to]:
		return database.SectionNextSteps
	}
	return ""
}

// classifyText runs the keyword sweep. Chat text also gets the chat-only
// next-step keywords and the long-message fallback.
func classifyText(text string, chat bool, substantial int) string {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, blockerKeywords):
		return database.SectionBlockers
	case containsAny(lower, decisionKeywords):
		return database.SectionDecisions
	case containsAny(lower, riskKeywords):
		return database.SectionRisks
	case containsAny(lower, nextStepKeywords):
		return database.SectionNextSteps
	}
	if chat {
		if containsAny(lower, chatNextKeywords) {
			return database.SectionNextSteps
		}
		if len([]rune(lower)) > substantial {
			return database.SectionNextSteps
		}
	}
	return ""
}

// sweepText is the part of an event the keyword sweep reads. Comment events
// are rendered as "<KEY> comment by <author>: <body>", so only the body
// counts and an author's name cannot pick a section.
func sweepText(ev *database.Event) string {
	if ev.Kind != database.KindComment {
		return ev.Text
	}
	if _, body, ok := strings.Cut(ev.Text, ": "); ok {
		return body
	}
	return ev.Text
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if attribution.ContainsKeyword(lower, kw) {
			return true
		}
	}
	return false
}

// issueKey finds the tracker issue an event belongs to.
func issueKey(ev *database.Event) string {
	if m := issueKeyRe.FindString(ev.Text); m != "" {
		return m
	}
	if key, _, ok := strings.Cut(ev.SourceRef, ":"); ok && issueKeyRe.MatchString(key) {
		return key
	}
	return ""
}
