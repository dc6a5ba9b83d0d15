package attribution

import (
	"regexp"
	"strings"

	"github.com/TobiSchelling/projectpulse/internal/database"
	"github.com/TobiSchelling/projectpulse/internal/oracle"
)

var (
	issueKeyRe = regexp.MustCompile(`\b([A-Z][A-Z0-9]+-\d+)\b`)
	wordRe     = regexp.MustCompile(`[A-Za-z0-9]+`)
)

// Catalog is the matching metadata of all active projects.
type Catalog struct {
	Projects []oracle.Candidate
	// KeyPrefixes maps tracker project keys ("TRK") to projects.
	KeyPrefixes map[string][]string
	// IssueKeys maps individual issue keys ("TRK-12") to projects.
	IssueKeys map[string][]string
	// Keywords holds the lowercase keywords of each project in match order.
	Keywords map[string][]string
}

// LoadCatalog builds a catalog from active projects, their scopes and the
// issue keys already seen by the tracker adapter.
func LoadCatalog(db *database.DB, minKeywordLength int) (*Catalog, error) {
	projects, err := db.ListProjects(true)
	if err != nil {
		return nil, err
	}
	trackerScopes, err := db.ListScopes(database.SourceJira, database.ScopeJiraEpic, database.ScopeJiraProject)
	if err != nil {
		return nil, err
	}
	keywordScopes, err := db.ListScopes(database.SourceSlack, database.ScopeKeyword)
	if err != nil {
		return nil, err
	}
	issueKeys, err := db.TrackerIssueKeys()
	if err != nil {
		return nil, err
	}
	return NewCatalog(projects, append(trackerScopes, keywordScopes...), issueKeys, minKeywordLength), nil
}

// NewCatalog builds a catalog from already loaded rows.
func NewCatalog(projects []database.Project, scopes []database.Scope, issueKeys map[string][]string, minKeywordLength int) *Catalog {
	if minKeywordLength <= 0 {
		minKeywordLength = 4
	}
	c := &Catalog{
		KeyPrefixes: make(map[string][]string),
		IssueKeys:   make(map[string][]string),
		Keywords:    make(map[string][]string),
	}

	active := make(map[string]bool)
	for _, p := range projects {
		if !p.IsActive {
			continue
		}
		active[p.ID] = true
		desc := ""
		if p.Description != nil {
			desc = *p.Description
		}
		c.Projects = append(c.Projects, oracle.Candidate{ID: p.ID, Name: p.Name, Description: desc})
		for _, w := range wordRe.FindAllString(p.Name, -1) {
			if len(w) >= minKeywordLength {
				c.addKeyword(p.ID, w)
			}
		}
	}

	for _, s := range scopes {
		if !active[s.ProjectID] {
			continue
		}
		switch s.ScopeKind {
		case database.ScopeJiraEpic:
			key := strings.ToUpper(s.ScopeValue)
			c.IssueKeys[key] = appendUnique(c.IssueKeys[key], s.ProjectID)
			if prefix, _, ok := strings.Cut(key, "-"); ok {
				c.KeyPrefixes[prefix] = appendUnique(c.KeyPrefixes[prefix], s.ProjectID)
				c.addKeyword(s.ProjectID, prefix)
			}
		case database.ScopeJiraProject:
			key := strings.ToUpper(s.ScopeValue)
			c.KeyPrefixes[key] = appendUnique(c.KeyPrefixes[key], s.ProjectID)
			c.addKeyword(s.ProjectID, key)
		case database.ScopeKeyword:
			c.addKeyword(s.ProjectID, s.ScopeValue)
		}
	}

	for key, ids := range issueKeys {
		for _, id := range ids {
			if active[id] {
				c.IssueKeys[key] = appendUnique(c.IssueKeys[key], id)
			}
		}
	}
	return c
}

func (c *Catalog) addKeyword(projectID, kw string) {
	kw = strings.ToLower(strings.TrimSpace(kw))
	if kw == "" {
		return
	}
	c.Keywords[projectID] = appendUnique(c.Keywords[projectID], kw)
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
