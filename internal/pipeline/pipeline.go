package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/TobiSchelling/projectpulse/internal/collect"
	"github.com/TobiSchelling/projectpulse/internal/config"
	"github.com/TobiSchelling/projectpulse/internal/database"
	"github.com/TobiSchelling/projectpulse/internal/llm"
	"github.com/TobiSchelling/projectpulse/internal/oracle"
	"github.com/TobiSchelling/projectpulse/internal/synthesize"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Skipped bool
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	Steps []StepResult
}

// Failed reports whether any step returned an error.
func (r *Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Pipeline runs tracker ingestion, chat ingestion and snapshot synthesis.
// Tracker events go first so chat attribution sees their issue keys.
type Pipeline struct {
	cfg    *config.Config
	db     *database.DB
	rc     config.RunConfig
	oracle oracle.Oracle
	bounds collect.Bounds
}

// New creates a new pipeline. The oracle is built from cfg when enabled.
func New(cfg *config.Config, db *database.DB, rc config.RunConfig) *Pipeline {
	var o oracle.Oracle = oracle.Disabled{}
	if rc.OracleEnabled {
		o = BuildOracle(cfg)
	}
	return &Pipeline{cfg: cfg, db: db, rc: rc, oracle: o}
}

// BuildOracle creates the LLM-backed oracle, or Disabled when no provider
// is reachable.
func BuildOracle(cfg *config.Config) oracle.Oracle {
	oc := cfg.Oracle
	provider := llm.CreateProvider(oc.Provider, oc.Model, oc.OllamaURL, oc.OpenAIModel, oc.APIKeyEnv)
	if provider == nil {
		return oracle.Disabled{}
	}
	o, err := oracle.NewLLMOracle(provider, cfg.OracleTimeout(), oc.MaxTokens)
	if err != nil {
		log.Printf("Oracle disabled: %v", err)
		return oracle.Disabled{}
	}
	return o
}

// Run executes every step. A step skipped for missing credentials or
// scopes does not stop the run.
func (p *Pipeline) Run(ctx context.Context) *Result {
	p.pinBounds()
	r := &Result{}
	for _, step := range []func(context.Context) StepResult{p.Tracker, p.Chat, p.Snapshot} {
		if ctx.Err() != nil {
			break
		}
		r.Steps = append(r.Steps, step(ctx))
	}
	return r
}

// Ingest runs both ingestion steps without synthesis.
func (p *Pipeline) Ingest(ctx context.Context) *Result {
	p.pinBounds()
	r := &Result{}
	r.Steps = append(r.Steps, p.Tracker(ctx))
	if ctx.Err() == nil {
		r.Steps = append(r.Steps, p.Chat(ctx))
	}
	return r
}

// pinBounds reads ingest checkpoints once so the chat step is not bounded
// by the tracker step that ran just before it.
func (p *Pipeline) pinBounds() {
	if !p.rc.Incremental {
		return
	}
	b, err := collect.LoadBounds(p.db)
	if err != nil {
		log.Printf("Warning: could not load checkpoints: %v", err)
		return
	}
	p.bounds = b
}

// Tracker ingests issue tracker activity.
func (p *Pipeline) Tracker(ctx context.Context) StepResult {
	log.Println("Step 1/3: Ingesting tracker activity...")
	client := collect.NewJiraClient(p.cfg.Sources.Jira)
	ing := collect.NewJiraIngester(p.db, client, p.rc, p.cfg.Sources.Jira)
	ing.SetBounds(p.bounds)
	res, err := ing.Run(ctx)
	return ingestStep("Tracker", res, err)
}

// Chat ingests chat messages and attributes them.
func (p *Pipeline) Chat(ctx context.Context) StepResult {
	log.Println("Step 2/3: Ingesting chat activity...")
	client := collect.NewSlackClient(p.cfg.Sources.Slack)
	ing := collect.NewSlackIngester(p.db, client, p.oracle, p.rc, p.cfg.Sources.Slack.MaxMessages)
	ing.SetBounds(p.bounds)
	res, err := ing.Run(ctx)
	return ingestStep("Chat", res, err)
}

// Snapshot synthesizes a snapshot for every active project.
func (p *Pipeline) Snapshot(ctx context.Context) StepResult {
	log.Println("Step 3/3: Synthesizing snapshots...")
	res := synthesize.NewSynthesizer(p.db, p.oracle, p.rc).Run(ctx)
	step := StepResult{
		Name:    "Snapshot",
		Summary: fmt.Sprintf("Created %d snapshots, %d projects without activity, %d errors", res.Created, res.SkippedEmpty, res.Errors),
	}
	if res.Errors > 0 {
		step.Err = fmt.Errorf("%d projects failed to synthesize", res.Errors)
	}
	return step
}

func ingestStep(name string, res *collect.Result, err error) StepResult {
	switch {
	case errors.Is(err, collect.ErrMissingCredentials), errors.Is(err, collect.ErrNoScopes):
		log.Printf("  %s skipped: %v", name, err)
		return StepResult{Name: name, Summary: "Skipped: " + err.Error(), Skipped: true}
	case err != nil:
		step := StepResult{Name: name, Err: err}
		if res != nil {
			step.Summary = res.String()
		}
		return step
	}
	return StepResult{
		Name:    name,
		Summary: fmt.Sprintf("Stored %d new events (%d linked, %d unlinked), %d already known, %d failed containers", res.Stored(), res.Accepted, res.Unlinked, res.SkippedExisting, res.Failed),
	}
}

// DryRun shows what would be done without executing.
func (p *Pipeline) DryRun() *Result {
	r := &Result{}

	tracker, _ := p.db.ListScopes(database.SourceJira, database.ScopeJiraEpic, database.ScopeJiraProject)
	r.Steps = append(r.Steps, StepResult{
		Name:    "Tracker",
		Summary: fmt.Sprintf("[dry-run] %d tracker scopes, credentials %s", len(tracker), configured(collect.NewJiraClient(p.cfg.Sources.Jira).IsConfigured())),
	})

	channels, _ := p.db.ListScopes(database.SourceSlack, database.ScopeSlackChannel)
	r.Steps = append(r.Steps, StepResult{
		Name:    "Chat",
		Summary: fmt.Sprintf("[dry-run] %d channel scopes, credentials %s", len(channels), configured(collect.NewSlackClient(p.cfg.Sources.Slack).IsConfigured())),
	})

	projects, _ := p.db.ListProjects(true)
	now := p.rc.Clock()
	windowDays := p.rc.WindowDays
	if windowDays <= 0 {
		windowDays = 7
	}
	withEvents := 0
	for _, proj := range projects {
		events, _ := p.db.GetProjectEvents(proj.ID, now.AddDate(0, 0, -windowDays), now)
		if len(events) > 0 {
			withEvents++
		}
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Snapshot",
		Summary: fmt.Sprintf("[dry-run] %d of %d active projects have events in the last %d days", withEvents, len(projects), windowDays),
	})
	return r
}

func configured(ok bool) string {
	if ok {
		return "set"
	}
	return "missing"
}

// Elapsed formats a step duration the way the CLI prints it.
func Elapsed(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}
