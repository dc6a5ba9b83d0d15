package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/andygrunwald/go-jira"

	"github.com/TobiSchelling/projectpulse/internal/adf"
	"github.com/TobiSchelling/projectpulse/internal/attribution"
	"github.com/TobiSchelling/projectpulse/internal/config"
	"github.com/TobiSchelling/projectpulse/internal/database"
)

const (
	maxCommentChars = 2000
	parentBatch     = 50
)

var searchFields = []string{"summary", "issuetype", "project", "subtasks", "updated"}

// JiraComment is one issue comment. Body is a document tree, kept raw
// because the v2 client models it as a string.
type JiraComment struct {
	ID      string          `json:"id"`
	Created string          `json:"created"`
	Author  jira.User       `json:"author"`
	Body    json.RawMessage `json:"body"`

	raw json.RawMessage
}

// JiraClient wraps a go-jira client with paging and limits.
type JiraClient struct {
	baseURL  string
	email    string
	token    string
	pageSize int
	api      *jira.Client
}

// NewJiraClient creates a client with credentials from the environment
// variables named in cfg.
func NewJiraClient(cfg config.JiraConfig) *JiraClient {
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 50
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &JiraClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		email:    os.Getenv(cfg.EmailEnv),
		token:    os.Getenv(cfg.TokenEnv),
		pageSize: pageSize,
	}
	if c.baseURL == "" {
		return c
	}
	tp := jira.BasicAuthTransport{Username: c.email, Password: c.token}
	hc := tp.Client()
	hc.Timeout = timeout
	api, err := jira.NewClient(hc, c.baseURL)
	if err != nil {
		log.Printf("Error creating tracker client for %s: %v", c.baseURL, err)
		return c
	}
	c.api = api
	return c
}

// IsConfigured returns whether base URL and credentials are available.
func (c *JiraClient) IsConfigured() bool {
	return c != nil && c.api != nil && c.email != "" && c.token != ""
}

// Search runs a JQL query, following pages until exhausted or max issues.
func (c *JiraClient) Search(ctx context.Context, jql string, max int) ([]jira.Issue, error) {
	var issues []jira.Issue
	for {
		opts := &jira.SearchOptions{StartAt: len(issues), MaxResults: c.pageSize, Fields: searchFields}
		page, resp, err := c.api.Issue.SearchWithContext(ctx, jql, opts)
		if err != nil {
			return issues, fmt.Errorf("jira search %q: %w", jql, err)
		}
		issues = append(issues, page...)
		if len(page) == 0 || len(issues) >= resp.Total || (max > 0 && len(issues) >= max) {
			break
		}
	}
	if max > 0 && len(issues) > max {
		issues = issues[:max]
	}
	return issues, nil
}

// Issue fetches one issue with its changelog.
func (c *JiraClient) Issue(ctx context.Context, key string) (*jira.Issue, error) {
	opts := &jira.GetQueryOptions{Fields: strings.Join(searchFields, ","), Expand: "changelog"}
	issue, _, err := c.api.Issue.GetWithContext(ctx, key, opts)
	if err != nil {
		return nil, fmt.Errorf("jira issue %s: %w", key, err)
	}
	if issue.Key == "" {
		issue.Key = key
	}
	if issue.Fields == nil {
		issue.Fields = &jira.IssueFields{}
	}
	if issue.Changelog == nil {
		issue.Changelog = &jira.Changelog{}
	}
	return issue, nil
}

// Comments fetches the comments of an issue, up to max. They come from the
// v3 endpoint so bodies arrive as document trees.
func (c *JiraClient) Comments(ctx context.Context, key string, max int) ([]JiraComment, error) {
	var comments []JiraComment
	startAt := 0
	for {
		var page struct {
			Comments []json.RawMessage `json:"comments"`
			Total    int               `json:"total"`
		}
		params := url.Values{
			"startAt":    {strconv.Itoa(startAt)},
			"maxResults": {strconv.Itoa(c.pageSize)},
		}
		endpoint := "rest/api/3/issue/" + url.PathEscape(key) + "/comment?" + params.Encode()
		req, err := c.api.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return comments, err
		}
		if _, err := c.api.Do(req, &page); err != nil {
			return comments, fmt.Errorf("jira comments %s: %w", key, err)
		}
		for _, raw := range page.Comments {
			var cm JiraComment
			if err := json.Unmarshal(raw, &cm); err != nil {
				log.Printf("  Skipping malformed comment on %s: %v", key, err)
				continue
			}
			cm.raw = raw
			comments = append(comments, cm)
		}
		startAt += len(page.Comments)
		if len(page.Comments) == 0 || startAt >= page.Total || (max > 0 && len(comments) >= max) {
			break
		}
	}
	if max > 0 && len(comments) > max {
		comments = comments[:max]
	}
	return comments, nil
}

// parseJiraTime accepts Jira's "2024-01-15T10:30:00.000+0000" and RFC 3339.
func parseJiraTime(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05-0700", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// jqlTime formats a bound for an `updated >=` clause.
func jqlTime(t time.Time) string {
	return t.UTC().Format("2006/01/02 15:04")
}

// JiraIngester ingests comments and changelog activity for every tracker scope.
type JiraIngester struct {
	db            *database.DB
	client        *JiraClient
	rc            config.RunConfig
	maxIssues     int
	maxComments   int
	trackedFields map[string]bool
	bounds        Bounds
}

// NewJiraIngester creates a tracker ingester.
func NewJiraIngester(db *database.DB, client *JiraClient, rc config.RunConfig, cfg config.JiraConfig) *JiraIngester {
	tracked := make(map[string]bool)
	for _, f := range cfg.TrackedFields {
		tracked[strings.ToLower(f)] = true
	}
	return &JiraIngester{
		db:            db,
		client:        client,
		rc:            rc,
		maxIssues:     cfg.MaxIssues,
		maxComments:   cfg.MaxCommentsPerIssue,
		trackedFields: tracked,
	}
}

// SetBounds pins the incremental bounds instead of reading them at Run.
func (j *JiraIngester) SetBounds(b Bounds) {
	j.bounds = b
}

// scopeGroup is one tracker scope shared by every project naming it.
type scopeGroup struct {
	kind     string
	value    string
	projects []string
}

// scopeRun carries the per-group state of one tracker run.
type scopeRun struct {
	group     *scopeGroup
	bound     *time.Time
	links     []database.Link
	startedAt time.Time
}

// groupScopes merges scopes of the same kind and key, so an epic scoped to
// several projects is fetched once and linked to all of them.
func groupScopes(scopes []database.Scope) []*scopeGroup {
	var groups []*scopeGroup
	byKey := make(map[string]*scopeGroup)
	for _, sc := range scopes {
		value := strings.ToUpper(strings.TrimSpace(sc.ScopeValue))
		k := sc.ScopeKind + "|" + value
		g, ok := byKey[k]
		if !ok {
			g = &scopeGroup{kind: sc.ScopeKind, value: value}
			byKey[k] = g
			groups = append(groups, g)
		}
		if !slices.Contains(g.projects, sc.ProjectID) {
			g.projects = append(g.projects, sc.ProjectID)
		}
	}
	return groups
}

// Run ingests every epic and project scope. A failing scope is logged and
// skipped; a failing issue only loses that issue.
func (j *JiraIngester) Run(ctx context.Context) (*Result, error) {
	if !j.client.IsConfigured() {
		return nil, fmt.Errorf("tracker: %w", ErrMissingCredentials)
	}
	scopes, err := j.db.ListScopes(database.SourceJira, database.ScopeJiraEpic, database.ScopeJiraProject)
	if err != nil {
		return nil, fmt.Errorf("listing tracker scopes: %w", err)
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("tracker: %w", ErrNoScopes)
	}

	bounds := j.bounds
	if bounds == nil && j.rc.Incremental {
		if bounds, err = LoadBounds(j.db); err != nil {
			return nil, fmt.Errorf("loading checkpoints: %w", err)
		}
	}

	startedAt := j.rc.Clock()
	r := &Result{}
	groups := groupScopes(scopes)
	log.Printf("Ingesting %d tracker scopes...", len(groups))

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		r.Containers++
		run := &scopeRun{group: g, startedAt: startedAt}
		if j.rc.Incremental {
			run.bound = bounds.earliest(g.projects)
		}
		rationale := fmt.Sprintf("Issue belongs to epic %s (jira_epic scope)", g.value)
		if g.kind == database.ScopeJiraProject {
			rationale = fmt.Sprintf("Issue belongs to project %s (jira_project scope)", g.value)
		}
		run.links = attribution.ScopeRule{Rationale: rationale}.Attempt(ctx, attribution.Candidate{Eligible: g.projects})

		keys, err := j.issueKeys(ctx, g, run.bound)
		if err != nil {
			log.Printf("  Scope %s failed: %v", g.value, err)
			r.Failed++
			continue
		}
		log.Printf("  %s %s: %d issues (%s)", g.kind, g.value, len(keys), strings.Join(g.projects, ", "))

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return r, err
			}
			if err := j.ingestIssue(ctx, key, run, r); err != nil {
				log.Printf("  Issue %s failed: %v", key, err)
				r.FailedItems++
			}
		}
		markIngested(j.db, g.projects, startedAt)
	}

	log.Printf("Tracker ingestion complete: %s", r)
	return r, nil
}

// issueKeys lists the issues under a scope, sorted. Only the project query
// takes the bound: an epic's parents may be unchanged while a subtask moved,
// so epic discovery is always complete and write filters by time instead.
func (j *JiraIngester) issueKeys(ctx context.Context, g *scopeGroup, bound *time.Time) ([]string, error) {
	found := make(map[string]bool)
	if g.kind == database.ScopeJiraProject {
		jql := "project = " + g.value
		if bound != nil {
			jql += fmt.Sprintf(` AND updated >= "%s"`, jqlTime(*bound))
		}
		issues, err := j.client.Search(ctx, jql, j.maxIssues)
		if err != nil {
			return nil, err
		}
		for _, is := range issues {
			found[is.Key] = true
		}
		return sortedKeys(found), nil
	}

	if err := j.expandEpic(ctx, g.value, found); err != nil {
		return nil, err
	}
	return sortedKeys(found), nil
}

// expandEpic collects the epic, its children and their subtasks until no
// new keys appear.
func (j *JiraIngester) expandEpic(ctx context.Context, epic string, found map[string]bool) error {
	found[epic] = true
	var frontier []string
	add := func(issues []jira.Issue) {
		for _, is := range issues {
			for _, k := range append([]string{is.Key}, subtaskKeys(is)...) {
				if k != "" && !found[k] && !j.full(found) {
					found[k] = true
					frontier = append(frontier, k)
				}
			}
		}
	}

	succeeded := 0
	for _, jql := range []string{
		fmt.Sprintf(`"Epic Link" = %s`, epic),
		fmt.Sprintf(`parentEpic = %s`, epic),
		fmt.Sprintf(`parent = %s`, epic),
	} {
		issues, err := j.client.Search(ctx, jql, j.maxIssues)
		if err != nil {
			log.Printf("  Query %q failed: %v", jql, err)
			continue
		}
		succeeded++
		add(issues)
	}
	if succeeded == 0 {
		return fmt.Errorf("every query for epic %s failed", epic)
	}

	for len(frontier) > 0 && !j.full(found) {
		batch := frontier
		frontier = nil
		for start := 0; start < len(batch); start += parentBatch {
			end := min(start+parentBatch, len(batch))
			jql := fmt.Sprintf("parent in (%s)", strings.Join(batch[start:end], ", "))
			issues, err := j.client.Search(ctx, jql, j.maxIssues)
			if err != nil {
				log.Printf("  Query %q failed: %v", jql, err)
				continue
			}
			add(issues)
		}
	}
	return nil
}

func (j *JiraIngester) full(found map[string]bool) bool {
	return j.maxIssues > 0 && len(found) >= j.maxIssues
}

func subtaskKeys(is jira.Issue) []string {
	if is.Fields == nil {
		return nil
	}
	keys := make([]string, 0, len(is.Fields.Subtasks))
	for _, st := range is.Fields.Subtasks {
		if st != nil {
			keys = append(keys, st.Key)
		}
	}
	return keys
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (j *JiraIngester) ingestIssue(ctx context.Context, key string, run *scopeRun, r *Result) error {
	issue, err := j.client.Issue(ctx, key)
	if err != nil {
		return err
	}
	r.Fetched++
	base := database.Event{
		SourceType:    database.SourceJira,
		ContainerID:   issue.Fields.Project.Key,
		ContainerName: issue.Fields.Project.Name,
		Permalink:     j.client.baseURL + "/browse/" + key,
	}

	comments, err := j.client.Comments(ctx, key, j.maxComments)
	if err != nil {
		log.Printf("  Comments of %s unavailable: %v", key, err)
	}
	for _, c := range comments {
		if c.ID == "" {
			r.SkippedFilter++
			continue
		}
		plain := adf.FromJSON(c.Body, maxCommentChars)
		if plain == "" {
			plain = "(no text)"
		}
		ev := base
		ev.SourceRef = key + ":comment:" + c.ID
		ev.OccurredAt = j.occurred(c.Created, run)
		ev.ActorID = c.Author.AccountID
		ev.ActorDisplay = c.Author.DisplayName
		ev.Kind = database.KindComment
		ev.Title = key + " comment"
		ev.Text = fmt.Sprintf("%s comment by %s: %s", key, c.Author.DisplayName, plain)
		ev.RawJSON = rawJSON(map[string]any{"issueKey": key, "comment": c.raw})
		if err := j.write(&ev, run, r); err != nil {
			return err
		}
	}

	for _, h := range issue.Changelog.Histories {
		for idx, it := range h.Items {
			field := strings.ToLower(it.Field)
			ev := base
			ev.OccurredAt = j.occurred(h.Created, run)
			ev.ActorID = h.Author.AccountID
			ev.ActorDisplay = h.Author.DisplayName
			ev.RawJSON = rawJSON(map[string]any{"issueKey": key, "history": h, "item": it})
			switch {
			case field == "status":
				ev.SourceRef = fmt.Sprintf("%s:status:%s:%d", key, h.Id, idx)
				ev.Kind = database.KindStatusChange
				ev.Title = key + " status"
				ev.Text = fmt.Sprintf("%s status changed: %s → %s", key, orNone(it.FromString), orNone(it.ToString))
			case j.trackedFields[field]:
				ev.SourceRef = fmt.Sprintf("%s:field:%s:%d", key, h.Id, idx)
				ev.Kind = database.KindIssueUpdate
				ev.Title = key + " " + it.Field
				ev.Text = fmt.Sprintf("%s %s changed: %s → %s", key, it.Field, orNone(it.FromString), orNone(it.ToString))
			default:
				continue
			}
			if err := j.write(&ev, run, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// write stores one tracker event unless it predates the incremental bound.
func (j *JiraIngester) write(ev *database.Event, run *scopeRun, r *Result) error {
	if run.bound != nil && ev.OccurredAt.Before(*run.bound) {
		r.SkippedFilter++
		return nil
	}
	exists, err := j.db.EventExists(ev.SourceType, ev.SourceRef)
	if err != nil {
		return err
	}
	if exists {
		r.SkippedExisting++
		return nil
	}
	return store(j.db, ev, run.links, r)
}

func (j *JiraIngester) occurred(s string, run *scopeRun) time.Time {
	if t, ok := parseJiraTime(s); ok {
		return t
	}
	return run.startedAt
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func rawJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
