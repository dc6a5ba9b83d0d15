package attribution

import (
	"context"
	"strings"
	"testing"

	"github.com/TobiSchelling/projectpulse/internal/config"
	"github.com/TobiSchelling/projectpulse/internal/database"
	"github.com/TobiSchelling/projectpulse/internal/oracle"
)

// mockOracle implements oracle.Oracle for testing.
type mockOracle struct {
	matches []oracle.ProjectMatch
	calls   int
}

func (m *mockOracle) ClassifyProjects(context.Context, string, []oracle.Candidate, []string) []oracle.ProjectMatch {
	m.calls++
	return m.matches
}

func (m *mockOracle) ExtractStatus(context.Context, string, string, []oracle.Candidate) []oracle.StatusItem {
	return nil
}

func (m *mockOracle) ClassifyActivity(context.Context, string, string, string, string) *oracle.Classification {
	return nil
}

func (m *mockOracle) FormatMessage(context.Context, string) string { return "" }
func (m *mockOracle) Enabled() bool                                { return true }

func testCatalog() *Catalog {
	desc := "Checkout and card flows"
	projects := []database.Project{
		{ID: "payments", Name: "Payments Platform", Description: &desc, IsActive: true},
		{ID: "search", Name: "Search Revamp", IsActive: true},
		{ID: "legacy", Name: "Legacy Billing", IsActive: false},
	}
	scopes := []database.Scope{
		{ProjectID: "payments", SourceType: database.SourceJira, ScopeKind: database.ScopeJiraEpic, ScopeValue: "TRK-1"},
		{ProjectID: "search", SourceType: database.SourceSlack, ScopeKind: database.ScopeKeyword, ScopeValue: "ranking"},
		{ProjectID: "legacy", SourceType: database.SourceJira, ScopeKind: database.ScopeJiraProject, ScopeValue: "OLD"},
	}
	return NewCatalog(projects, scopes, map[string][]string{"SRCH-4": {"search"}}, 4)
}

func linkFor(links []database.Link, projectID string) *database.Link {
	for i := range links {
		if links[i].ProjectID == projectID {
			return &links[i]
		}
	}
	return nil
}

func TestCatalogKeywords(t *testing.T) {
	cat := testCatalog()
	want := []string{"payments", "platform", "trk"}
	got := cat.Keywords["payments"]
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected keywords %v, got %v", want, got)
	}
	if _, ok := cat.KeyPrefixes["OLD"]; ok {
		t.Error("expected inactive project scopes to be ignored")
	}
	if len(cat.IssueKeys["TRK-1"]) != 1 || len(cat.IssueKeys["SRCH-4"]) != 1 {
		t.Errorf("unexpected issue keys: %v", cat.IssueKeys)
	}
}

func TestEntityMatchScenario(t *testing.T) {
	e := Chain(config.DefaultRunConfig(), testCatalog(), oracle.Disabled{})
	links := e.Attribute(context.Background(), Candidate{
		Text:     "Blocked waiting on API access for TRK-100",
		Eligible: []string{"payments", "search"},
	})
	if len(links) != 1 {
		t.Fatalf("expected one link, got %+v", links)
	}
	l := links[0]
	if l.ProjectID != "payments" || l.AttributionType != database.AttrEntityMatch || l.Confidence != 1.0 {
		t.Errorf("unexpected link %+v", l)
	}
	if !strings.Contains(l.Rationale, "TRK-100") {
		t.Errorf("expected rationale to cite the key, got %q", l.Rationale)
	}
}

func TestEntityBeatsKeywordForSameProject(t *testing.T) {
	e := Chain(config.DefaultRunConfig(), testCatalog(), oracle.Disabled{})
	links := e.Attribute(context.Background(), Candidate{
		Text:     "payments rollout tracked in TRK-5, ranking tweaks next",
		Eligible: []string{"payments", "search"},
	})
	if len(links) != 2 {
		t.Fatalf("expected two links, got %+v", links)
	}
	if l := linkFor(links, "payments"); l == nil || l.AttributionType != database.AttrEntityMatch {
		t.Errorf("expected entity match for payments, got %+v", l)
	}
	if l := linkFor(links, "search"); l == nil || l.AttributionType != database.AttrKeywordMatch || l.Confidence != 0.75 {
		t.Errorf("expected keyword match for search, got %+v", l)
	}
}

func TestExactIssueKeyMatch(t *testing.T) {
	e := Chain(config.DefaultRunConfig(), testCatalog(), oracle.Disabled{})
	links := e.Attribute(context.Background(), Candidate{Text: "see SRCH-4", Eligible: []string{"payments", "search"}})
	if len(links) != 1 || links[0].ProjectID != "search" || links[0].AttributionType != database.AttrEntityMatch {
		t.Errorf("unexpected links %+v", links)
	}
}

func TestIneligibleProjectsDropped(t *testing.T) {
	e := Chain(config.DefaultRunConfig(), testCatalog(), oracle.Disabled{})
	links := e.Attribute(context.Background(), Candidate{Text: "TRK-9 done", Eligible: []string{"search"}})
	if len(links) != 0 {
		t.Errorf("expected no links outside eligible projects, got %+v", links)
	}
}

func TestShortKeywordWholeWord(t *testing.T) {
	e := Chain(config.DefaultRunConfig(), testCatalog(), oracle.Disabled{})
	if links := e.Attribute(context.Background(), Candidate{Text: "strkfoo", Eligible: []string{"payments"}}); len(links) != 0 {
		t.Errorf("expected short key to need a whole word, got %+v", links)
	}
	if links := e.Attribute(context.Background(), Candidate{Text: "the trk board", Eligible: []string{"payments"}}); len(links) != 1 {
		t.Errorf("expected whole-word short key to match, got %+v", links)
	}
}

func TestOracleDecisive(t *testing.T) {
	rc := config.DefaultRunConfig()
	rc.OracleEnabled = true
	o := &mockOracle{matches: []oracle.ProjectMatch{
		{ProjectID: "search", Confidence: 0.8, Rationale: "about ranking"},
		{ProjectID: "payments", Confidence: 0.3, Rationale: "weak"},
	}}
	e := Chain(rc, testCatalog(), o)

	links := e.Attribute(context.Background(), Candidate{Text: "payments and TRK-3", Eligible: []string{"payments", "search"}})
	if len(links) != 1 || links[0].ProjectID != "search" || links[0].AttributionType != database.AttrOracleClassify {
		t.Errorf("expected only the accepted oracle match, got %+v", links)
	}
}

func TestOracleFallsBackWhenNothingAccepted(t *testing.T) {
	rc := config.DefaultRunConfig()
	rc.OracleEnabled = true
	o := &mockOracle{matches: []oracle.ProjectMatch{{ProjectID: "search", Confidence: 0.2}}}
	e := Chain(rc, testCatalog(), o)

	links := e.Attribute(context.Background(), Candidate{Text: "TRK-3 merged", Eligible: []string{"payments", "search"}})
	if o.calls != 1 {
		t.Errorf("expected one oracle call, got %d", o.calls)
	}
	if len(links) != 1 || links[0].AttributionType != database.AttrEntityMatch {
		t.Errorf("expected deterministic fallback, got %+v", links)
	}
}

func TestRunAllKeepsEarlierLink(t *testing.T) {
	rc := config.DefaultRunConfig()
	rc.OracleEnabled = true
	rc.RunAllStrategies = true
	o := &mockOracle{matches: []oracle.ProjectMatch{{ProjectID: "payments", Confidence: 0.6, Rationale: "oracle"}}}
	e := Chain(rc, testCatalog(), o)

	links := e.Attribute(context.Background(), Candidate{Text: "TRK-3 and ranking", Eligible: []string{"payments", "search"}})
	if len(links) != 2 {
		t.Fatalf("expected two links, got %+v", links)
	}
	if l := linkFor(links, "payments"); l.AttributionType != database.AttrOracleClassify || l.Confidence != 0.6 {
		t.Errorf("expected oracle link kept for payments, got %+v", l)
	}
}

func TestScopeRuleLinksEverything(t *testing.T) {
	rc := config.DefaultRunConfig()
	rc.LinkAllInScope = true
	e := Chain(rc, testCatalog(), oracle.Disabled{})
	if got := e.Strategies(); got[0] != database.AttrScopeRule {
		t.Errorf("expected scope rule first, got %v", got)
	}

	links := e.Attribute(context.Background(), Candidate{Text: "hello", ContainerName: "team", Eligible: []string{"payments", "search"}})
	if len(links) != 2 {
		t.Fatalf("expected every eligible project linked, got %+v", links)
	}
	for _, l := range links {
		if l.AttributionType != database.AttrScopeRule || !strings.Contains(l.Rationale, "team") {
			t.Errorf("unexpected link %+v", l)
		}
	}
}
