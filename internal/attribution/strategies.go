package attribution

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/TobiSchelling/projectpulse/internal/config"
	"github.com/TobiSchelling/projectpulse/internal/database"
	"github.com/TobiSchelling/projectpulse/internal/oracle"
)

// Chain builds the strategy chain for a chat run: scope rule (when every
// message in scope is linked), oracle, entity and keyword matching.
func Chain(rc config.RunConfig, cat *Catalog, o oracle.Oracle) *Engine {
	var strategies []Strategy
	if rc.LinkAllInScope {
		strategies = append(strategies, ScopeRule{})
	}
	if rc.OracleEnabled && o != nil && o.Enabled() {
		strategies = append(strategies, &OracleClassify{Oracle: o, Catalog: cat, MinConfidence: rc.MinOracleConfidence})
	}
	strategies = append(strategies,
		&EntityMatch{Catalog: cat, Confidence: rc.EntityConfidence},
		&KeywordMatch{Catalog: cat, Confidence: rc.KeywordConfidence},
	)
	return NewEngine(rc.RunAllStrategies, strategies...)
}

// ScopeRule links every eligible project unconditionally.
type ScopeRule struct {
	// Rationale overrides the default channel rationale.
	Rationale string
}

func (ScopeRule) Name() string   { return database.AttrScopeRule }
func (ScopeRule) Decisive() bool { return true }

func (s ScopeRule) Attempt(_ context.Context, c Candidate) []database.Link {
	rationale := s.Rationale
	if rationale == "" {
		rationale = fmt.Sprintf("Message in channel %s (slack_channel scope)", c.ContainerName)
	}
	links := make([]database.Link, 0, len(c.Eligible))
	for _, id := range c.Eligible {
		links = append(links, database.Link{
			ProjectID:       id,
			AttributionType: database.AttrScopeRule,
			Confidence:      1.0,
			Rationale:       rationale,
		})
	}
	return links
}

// OracleClassify asks the oracle which eligible projects a message concerns.
type OracleClassify struct {
	Oracle        oracle.Oracle
	Catalog       *Catalog
	MinConfidence float64
}

func (*OracleClassify) Name() string   { return database.AttrOracleClassify }
func (*OracleClassify) Decisive() bool { return true }

func (s *OracleClassify) Attempt(ctx context.Context, c Candidate) []database.Link {
	matches := s.Oracle.ClassifyProjects(ctx, c.Text, s.Catalog.Projects, c.Eligible)
	var links []database.Link
	for _, m := range matches {
		if m.Confidence < s.MinConfidence {
			continue
		}
		links = append(links, database.Link{
			ProjectID:       m.ProjectID,
			AttributionType: database.AttrOracleClassify,
			Confidence:      m.Confidence,
			Rationale:       m.Rationale,
		})
	}
	return links
}

// EntityMatch links projects whose tracker keys appear in the text.
type EntityMatch struct {
	Catalog    *Catalog
	Confidence float64
}

func (*EntityMatch) Name() string   { return database.AttrEntityMatch }
func (*EntityMatch) Decisive() bool { return false }

func (s *EntityMatch) Attempt(_ context.Context, c Candidate) []database.Link {
	var links []database.Link
	seen := make(map[string]bool)
	for _, key := range issueKeyRe.FindAllString(c.Text, -1) {
		prefix, _, _ := strings.Cut(key, "-")
		ids := append(append([]string(nil), s.Catalog.IssueKeys[key]...), s.Catalog.KeyPrefixes[prefix]...)
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			links = append(links, database.Link{
				ProjectID:       id,
				AttributionType: database.AttrEntityMatch,
				Confidence:      s.Confidence,
				Rationale:       fmt.Sprintf("Contains Jira issue key %s (maps to project)", key),
			})
		}
	}
	return links
}

// KeywordMatch links eligible projects whose keywords appear in the text.
// The first keyword found wins.
type KeywordMatch struct {
	Catalog    *Catalog
	Confidence float64
}

func (*KeywordMatch) Name() string   { return database.AttrKeywordMatch }
func (*KeywordMatch) Decisive() bool { return false }

func (s *KeywordMatch) Attempt(_ context.Context, c Candidate) []database.Link {
	lower := strings.ToLower(c.Text)
	var links []database.Link
	for _, id := range c.Eligible {
		for _, kw := range s.Catalog.Keywords[id] {
			if ContainsKeyword(lower, kw) {
				links = append(links, database.Link{
					ProjectID:       id,
					AttributionType: database.AttrKeywordMatch,
					Confidence:      s.Confidence,
					Rationale:       fmt.Sprintf("Contains project keyword '%s'", kw),
				})
				break
			}
		}
	}
	return links
}

// ContainsKeyword reports whether lowercase text contains kw. Keywords
// shorter than four characters only match whole words.
func ContainsKeyword(text, kw string) bool {
	if len(kw) >= 4 {
		return strings.Contains(text, kw)
	}
	if re, ok := wordPatterns.Load(kw); ok {
		return re.(*regexp.Regexp).MatchString(text)
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)
	wordPatterns.Store(kw, re)
	return re.MatchString(text)
}

var wordPatterns sync.Map
