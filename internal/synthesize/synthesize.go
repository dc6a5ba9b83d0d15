// Package synthesize turns a project's attributed events into a bounded
// status snapshot with evidence.
package synthesize

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/TobiSchelling/projectpulse/internal/config"
	"github.com/TobiSchelling/projectpulse/internal/database"
	"github.com/TobiSchelling/projectpulse/internal/oracle"
)

const (
	maxItemChars = 500
	dedupChars   = 80
)

// Result holds the results of a synthesis run.
type Result struct {
	Created      int
	SkippedEmpty int
	Errors       int
	Snapshots    []string
}

// Synthesizer builds snapshots for active projects.
type Synthesizer struct {
	db     *database.DB
	oracle oracle.Oracle
	rc     config.RunConfig

	candidates map[string]oracle.Candidate
	extracted  map[string][]oracle.StatusItem
}

// NewSynthesizer creates a snapshot synthesizer. A nil oracle disables
// oracle classification.
func NewSynthesizer(db *database.DB, o oracle.Oracle, rc config.RunConfig) *Synthesizer {
	if o == nil || !rc.OracleEnabled {
		o = oracle.Disabled{}
	}
	return &Synthesizer{db: db, oracle: o, rc: rc}
}

// Run synthesizes one snapshot per active project. Projects without events
// in the window get no snapshot.
func (s *Synthesizer) Run(ctx context.Context) *Result {
	r := &Result{}
	projects, err := s.db.ListProjects(true)
	if err != nil {
		log.Printf("Error listing projects: %v", err)
		r.Errors++
		return r
	}

	s.candidates = make(map[string]oracle.Candidate, len(projects))
	for _, p := range projects {
		s.candidates[p.ID] = candidate(p)
	}
	s.extracted = make(map[string][]oracle.StatusItem)

	now := s.rc.Clock().Truncate(time.Second)
	for _, p := range projects {
		if ctx.Err() != nil {
			break
		}
		snap, err := s.Synthesize(ctx, p, now)
		switch {
		case err != nil:
			log.Printf("  %s: %v", p.Name, err)
			r.Errors++
		case snap == nil:
			r.SkippedEmpty++
		default:
			log.Printf("  %s", snap.Status.Headline)
			r.Created++
			r.Snapshots = append(r.Snapshots, snap.ID)
		}
	}

	log.Printf("Synthesis complete: %d snapshots, %d without activity, %d errors", r.Created, r.SkippedEmpty, r.Errors)
	return r
}

// SnapshotID is derived from the project and the run minute, so a rerun
// within the same minute replaces the earlier snapshot.
func SnapshotID(projectID string, at time.Time) string {
	return fmt.Sprintf("snap_%s_%s", projectID, at.UTC().Format("20060102_1504"))
}

// Synthesize builds and stores the snapshot of one project for the window
// ending at now. Returns nil when the window holds no events.
func (s *Synthesizer) Synthesize(ctx context.Context, p database.Project, now time.Time) (*database.Snapshot, error) {
	windowDays := s.rc.WindowDays
	if windowDays <= 0 {
		windowDays = 7
	}
	start := now.AddDate(0, 0, -windowDays)

	events, err := s.db.GetProjectEvents(p.ID, start, now)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	sections := make(map[string]*section, len(database.Sections))
	for _, name := range database.Sections {
		sections[name] = newSection()
	}

	for i := range events {
		ev := &events[i].Event
		actor := ev.ActorDisplay
		if actor == "" {
			actor = "Unknown"
		}
		switch ev.Kind {
		case database.KindStatusChange:
			if name := classifyTransition(ev); name != "" {
				sections[name].add(ev.Text, actor, ev.ID)
			}
		case database.KindMessage:
			if s.fromOracle(ctx, p.ID, ev, actor, sections) {
				continue
			}
			if name := classifyText(ev.Text, true, s.substantial()); name != "" {
				sections[name].add(ev.Text, actor, ev.ID)
			}
		default:
			if c := s.oracle.ClassifyActivity(ctx, ev.Text, ev.Kind, actor, issueKey(ev)); c != nil && oracle.ValidSection(c.Section) {
				sections[c.Section].add(c.Summary, actor, ev.ID)
				continue
			}
			if name := classifyText(sweepText(ev), false, 0); name != "" {
				sections[name].add(ev.Text, actor, ev.ID)
			}
		}
	}

	snap := &database.Snapshot{
		ID:          SnapshotID(p.ID, now),
		ProjectID:   p.ID,
		SnapshotAt:  now,
		WindowStart: start,
		WindowEnd:   now,
	}
	snap.Status.Headline = headline(p.Name, sections)
	for _, name := range database.Sections {
		snap.Status.SetSection(name, sections[name].capped(s.rc.Cap(name)))
	}

	if err := s.db.SaveSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// fromOracle distributes oracle-extracted items of a chat message. It
// reports false when the oracle produced nothing for this project.
func (s *Synthesizer) fromOracle(ctx context.Context, projectID string, ev *database.Event, actor string, sections map[string]*section) bool {
	if !s.oracle.Enabled() {
		return false
	}
	items, ok := s.extracted[ev.ID]
	if !ok {
		items = s.oracle.ExtractStatus(ctx, ev.Text, actor, s.linkedCandidates(ev.ID))
		if s.extracted != nil {
			s.extracted[ev.ID] = items
		}
	}

	added := false
	for _, it := range items {
		if len(it.ProjectIDs) > 0 && !contains(it.ProjectIDs, projectID) {
			continue
		}
		sec, ok := sections[it.Section]
		if !ok {
			continue
		}
		sec.add(it.Text, it.Owner, ev.ID)
		added = true
	}
	return added
}

// linkedCandidates returns the projects an event is linked to when there
// is more than one of them.
func (s *Synthesizer) linkedCandidates(eventID string) []oracle.Candidate {
	links, err := s.db.GetEventLinks(eventID)
	if err != nil || len(links) < 2 {
		return nil
	}
	var out []oracle.Candidate
	for _, l := range links {
		if c, ok := s.candidates[l.ProjectID]; ok {
			out = append(out, c)
		} else if p, _ := s.db.GetProject(l.ProjectID); p != nil {
			out = append(out, candidate(*p))
		}
	}
	return out
}

func (s *Synthesizer) substantial() int {
	if s.rc.SubstantialChars > 0 {
		return s.rc.SubstantialChars
	}
	return 150
}

func headline(name string, sections map[string]*section) string {
	var parts []string
	if n := len(sections[database.SectionProgress].items); n > 0 {
		parts = append(parts, fmt.Sprintf("%d completed", n))
	}
	if n := len(sections[database.SectionBlockers].items); n > 0 {
		parts = append(parts, fmt.Sprintf("%d blocker(s)", n))
	}
	if n := len(sections[database.SectionNextSteps].items); n > 0 {
		parts = append(parts, fmt.Sprintf("%d in progress", n))
	}
	if len(parts) == 0 {
		return name + ": Activity in window"
	}
	return name + ": " + strings.Join(parts, "; ")
}

func candidate(p database.Project) oracle.Candidate {
	c := oracle.Candidate{ID: p.ID, Name: p.Name}
	if p.Description != nil {
		c.Description = *p.Description
	}
	return c
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
