// Package attribution assigns ingested events to projects through an ordered
// chain of strategies.
package attribution

import (
	"context"

	"github.com/TobiSchelling/projectpulse/internal/database"
)

// Candidate is an event offered for attribution together with the projects
// whose scopes cover its container.
type Candidate struct {
	Text          string
	ContainerName string
	Eligible      []string
}

// Strategy proposes links for a candidate. A decisive strategy that
// produces links ends the chain.
type Strategy interface {
	Name() string
	Decisive() bool
	Attempt(ctx context.Context, c Candidate) []database.Link
}

// Engine runs strategies in order and keeps one link per project.
type Engine struct {
	strategies []Strategy
	runAll     bool
}

// NewEngine creates an engine over the given strategies. With runAll set,
// decisive strategies do not stop the chain.
func NewEngine(runAll bool, strategies ...Strategy) *Engine {
	return &Engine{strategies: strategies, runAll: runAll}
}

// Strategies returns the strategy names in evaluation order.
func (e *Engine) Strategies() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = s.Name()
	}
	return names
}

// Attribute returns the links for c. When two strategies derive the same
// project, the link from the earlier strategy is kept.
func (e *Engine) Attribute(ctx context.Context, c Candidate) []database.Link {
	if len(c.Eligible) == 0 {
		return nil
	}
	eligible := make(map[string]bool, len(c.Eligible))
	for _, id := range c.Eligible {
		eligible[id] = true
	}

	var links []database.Link
	linked := make(map[string]bool)
	for _, s := range e.strategies {
		produced := false
		for _, l := range s.Attempt(ctx, c) {
			if !eligible[l.ProjectID] || linked[l.ProjectID] {
				continue
			}
			linked[l.ProjectID] = true
			links = append(links, l)
			produced = true
		}
		if produced && s.Decisive() && !e.runAll {
			break
		}
	}
	return links
}
