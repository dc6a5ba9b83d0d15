package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/TobiSchelling/projectpulse/internal/llm"
)

const systemPrompt = `You classify engineering team activity for a project status tracker. Respond with JSON only.`

const classifyProjectsPrompt = `Decide which projects this chat message is about.

Projects:
%s

Message:
---
%s
---

Respond with ONLY this JSON:
{"matches": [{"project_id": "...", "confidence": 0.0-1.0, "rationale": "brief reason"}]}

Only include projects that are clearly relevant. Use confidence 0.9+ for a strong match, 0.6-0.8 for likely, 0.5 for possible. Return {"matches": []} if none apply.`

const extractStatusPrompt = `Extract project status updates from this chat message.

Sections:
- progress: completed work, shipped items, delivered
- blockers: blocked, waiting, stuck
- decisions: decisions made, agreements
- next_steps: planned work, in progress, PRs, tickets to create
- risks: risks, delays, dependencies

Message (from %s):
---
%s
---
%s
Give each item a brief summary of one or two sentences. Keep the owner when the message has per-person sections.

Respond with ONLY this JSON:
{"items": [{"section": "progress|blockers|decisions|next_steps|risks", "text": "summary", "owner": "name or null"%s}]}

Skip casual chat. Return {"items": []} if nothing is project-relevant.`

const projectAssignment = `
The message is linked to these projects. Assign each item to the project ids it concerns; use [] for generic items.
Projects:
%s
`

const classifyActivityPrompt = `Classify this issue tracker activity into exactly one status section.

Sections:
- progress: completed work, shipped items, delivered, closed, done
- blockers: blocked, waiting, stuck, dependencies
- decisions: decisions made, agreements, we will
- next_steps: planned work, in progress, PRs, tickets to create
- risks: risks, delays, dependencies, may delay

%s%s (by %s):
---
%s
---

Respond with ONLY this JSON:
{"section": "progress|blockers|decisions|next_steps|risks", "summary": "1-2 sentence summary"}
If the content is not project status (for example a bare "LGTM"), respond {"section": null, "summary": null}.`

const formatMessagePrompt = `Format this chat message for display in a project status view. Keep it concise and readable.

Rules:
- Preserve all project-relevant content: standup updates, blockers, decisions, next steps
- Keep per-person sections if present
- Normalize bullets and structure
- Remove greetings and casual chat
- If the message is purely casual, return exactly: [CASUAL]
- Output the formatted text only. Max 2000 characters.

Raw message:
---
%s
---`

// LLMOracle implements Oracle on top of an llm.Provider.
type LLMOracle struct {
	provider  llm.Provider
	timeout   time.Duration
	maxTokens int
	schemas   *schemas
}

// NewLLMOracle creates an oracle whose calls are bounded by timeout.
func NewLLMOracle(provider llm.Provider, timeout time.Duration, maxTokens int) (*LLMOracle, error) {
	if provider == nil {
		return nil, fmt.Errorf("no LLM provider")
	}
	s, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if maxTokens <= 0 {
		maxTokens = 800
	}
	return &LLMOracle{provider: provider, timeout: timeout, maxTokens: maxTokens, schemas: s}, nil
}

// Enabled reports true; a disabled deployment uses Disabled instead.
func (o *LLMOracle) Enabled() bool { return true }

// ClassifyProjects implements Oracle.
func (o *LLMOracle) ClassifyProjects(ctx context.Context, text string, candidates []Candidate, eligible []string) []ProjectMatch {
	text = strings.TrimSpace(text)
	if text == "" || len(eligible) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		allowed[id] = true
	}
	var offered []Candidate
	for _, c := range candidates {
		if allowed[c.ID] {
			offered = append(offered, c)
		}
	}
	if len(offered) == 0 {
		return nil
	}

	prompt := fmt.Sprintf(classifyProjectsPrompt, formatCandidates(offered, 200), clip(text, 3000))
	var out struct {
		Matches []ProjectMatch `json:"matches"`
	}
	if !o.call(ctx, "classify projects", prompt, o.schemas.projectMatches, &out) {
		return nil
	}

	seen := make(map[string]bool)
	var matches []ProjectMatch
	for _, m := range out.Matches {
		if !allowed[m.ProjectID] || seen[m.ProjectID] {
			continue
		}
		seen[m.ProjectID] = true
		m.Confidence = clamp(m.Confidence)
		m.Rationale = clip(strings.TrimSpace(m.Rationale), 200)
		if m.Rationale == "" {
			m.Rationale = "Oracle classification"
		}
		matches = append(matches, m)
	}
	return matches
}

// ExtractStatus implements Oracle.
func (o *LLMOracle) ExtractStatus(ctx context.Context, text, actor string, candidates []Candidate) []StatusItem {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if actor == "" {
		actor = "Unknown"
	}
	assignment, idField := "", ""
	if len(candidates) > 1 {
		assignment = fmt.Sprintf(projectAssignment, formatCandidates(candidates, 60))
		idField = `, "project_ids": ["..."]`
	}

	prompt := fmt.Sprintf(extractStatusPrompt, actor, clip(text, 4000), assignment, idField)
	var out struct {
		Items []struct {
			Section    string   `json:"section"`
			Text       string   `json:"text"`
			Owner      *string  `json:"owner"`
			ProjectIDs []string `json:"project_ids"`
		} `json:"items"`
	}
	if !o.call(ctx, "extract status", prompt, o.schemas.statusItems, &out) {
		return nil
	}

	var items []StatusItem
	for _, it := range out.Items {
		t := strings.TrimSpace(it.Text)
		if t == "" || !ValidSection(it.Section) {
			continue
		}
		owner := actor
		if it.Owner != nil && strings.TrimSpace(*it.Owner) != "" {
			owner = strings.TrimSpace(*it.Owner)
		}
		items = append(items, StatusItem{
			Section:    it.Section,
			Text:       clip(t, 500),
			Owner:      owner,
			ProjectIDs: it.ProjectIDs,
		})
	}
	return items
}

// ClassifyActivity implements Oracle.
func (o *LLMOracle) ClassifyActivity(ctx context.Context, text, kind, actor, issueKey string) *Classification {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if actor == "" {
		actor = "Unknown"
	}
	ref := ""
	if issueKey != "" {
		ref = " on " + issueKey
	}

	prompt := fmt.Sprintf(classifyActivityPrompt, strings.ReplaceAll(kind, "_", " "), ref, actor, clip(text, 2000))
	var out struct {
		Section *string `json:"section"`
		Summary *string `json:"summary"`
	}
	if !o.call(ctx, "classify activity", prompt, o.schemas.activity, &out) {
		return nil
	}
	if out.Section == nil || out.Summary == nil || strings.TrimSpace(*out.Summary) == "" {
		return nil
	}
	return &Classification{Section: *out.Section, Summary: clip(strings.TrimSpace(*out.Summary), 500)}
}

// FormatMessage implements Oracle.
func (o *LLMOracle) FormatMessage(ctx context.Context, text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	reply, err := o.complete(ctx, fmt.Sprintf(formatMessagePrompt, clip(text, 4000)), false)
	if err != nil {
		log.Printf("Oracle format message failed: %v", err)
		return ""
	}
	reply = strings.TrimSpace(reply)
	if reply == "[CASUAL]" {
		return clip(text, 500)
	}
	return clip(reply, 2000)
}

// call runs one JSON request and decodes it into out if the reply passes
// schema validation. Failures are logged and reported as false.
func (o *LLMOracle) call(ctx context.Context, op, prompt string, sch *jsonschema.Schema, out any) bool {
	reply, err := o.complete(ctx, prompt, true)
	if err != nil {
		log.Printf("Oracle %s failed: %v", op, err)
		return false
	}
	raw, ok := llm.ExtractJSON(reply)
	if !ok {
		log.Printf("Oracle %s: no JSON in reply", op)
		return false
	}
	if err := validate(sch, raw); err != nil {
		log.Printf("Oracle %s: reply rejected by schema: %v", op, err)
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		log.Printf("Oracle %s: decoding reply: %v", op, err)
		return false
	}
	return true
}

func (o *LLMOracle) complete(ctx context.Context, prompt string, asJSON bool) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	return o.provider.Complete(ctx, llm.Request{
		System:    systemPrompt,
		Prompt:    prompt,
		MaxTokens: o.maxTokens,
		JSON:      asJSON,
	})
}

func formatCandidates(cs []Candidate, descLen int) string {
	var lines []string
	for _, c := range cs {
		line := fmt.Sprintf("- %s: %s", c.ID, c.Name)
		if c.Description != "" {
			line += " - " + clip(c.Description, descLen)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
