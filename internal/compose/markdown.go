package compose

import (
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/projectpulse/internal/database"
)

const dateLayout = "2006-01-02 15:04 UTC"

// PulseMarkdown renders a pulse with evidence links under each item.
func PulseMarkdown(p *Pulse) string {
	if p.SnapshotAt == nil {
		return fmt.Sprintf("No status snapshot available yet for **%s**.\n", p.ProjectName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s: Status Pulse\n\n", p.ProjectName)
	fmt.Fprintf(&b, "*Snapshot: %s*  \n", p.SnapshotAt.UTC().Format(dateLayout))
	if p.Window != nil {
		fmt.Fprintf(&b, "*Window: %s to %s*\n\n", p.Window.Start.UTC().Format(dateLayout), p.Window.End.UTC().Format(dateLayout))
	}
	fmt.Fprintf(&b, "**%s**\n\n", p.Headline)

	empty := true
	for _, name := range database.Sections {
		items := p.Sections[name]
		if len(items) == 0 {
			continue
		}
		empty = false
		fmt.Fprintf(&b, "## %s\n\n", SectionLabels[name])
		for _, it := range items {
			b.WriteString("- " + it.Text)
			if it.Owner != "" {
				fmt.Fprintf(&b, " (Owner: %s)", it.Owner)
			}
			b.WriteString("\n")
			for _, ev := range it.Evidence {
				b.WriteString("  - " + evidenceLine(ev) + "\n")
			}
		}
		b.WriteString("\n")
	}
	if empty {
		b.WriteString("_No notable progress, blockers, decisions, next steps or risks in this window._\n")
	}
	return b.String()
}

// ChangesMarkdown renders a change log.
func ChangesMarkdown(c *Changes) string {
	since := c.Since.Format(dateLayout)
	if c.TotalEvents == 0 {
		return fmt.Sprintf("No changes found for **%s** since %s.\n", c.ProjectName, since)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s: Changes Since %s\n\n", c.ProjectName, since)
	fmt.Fprintf(&b, "*%d events detected*\n\n", c.TotalEvents)
	for _, name := range Buckets {
		events := c.Sections[name]
		if len(events) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", BucketLabels[name])
		for _, ev := range events {
			fmt.Fprintf(&b, "- %s (%s)\n", ev.Text, ev.Actor)
			if ev.Permalink != "" {
				fmt.Fprintf(&b, "  - [%s](%s)\n", sourceLabel(ev.SourceType), ev.Permalink)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Activity Summary\n\n")
	if len(c.Summary.BySource) > 0 {
		fmt.Fprintf(&b, "- By source: %s\n", strings.Join(sortedCounts(c.Summary.BySource), ", "))
	}
	if len(c.Summary.ByKind) > 0 {
		fmt.Fprintf(&b, "- By type: %s\n", strings.Join(sortedCounts(c.Summary.ByKind), ", "))
	}
	return b.String()
}

// FeedMarkdown renders a page of the event feed.
func FeedMarkdown(projectName string, total int, events []FeedEvent) string {
	if len(events) == 0 {
		return fmt.Sprintf("No events found for **%s**.\n", projectName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s: Recent Events (%d total)\n\n", projectName, total)
	for _, ev := range events {
		fmt.Fprintf(&b, "- **[%s]** %s | %s | %s", sourceLabel(ev.SourceType), ev.OccurredAt.UTC().Format(dateLayout), ev.Actor, ev.Kind)
		if ev.Title != "" {
			b.WriteString(" | " + ev.Title)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "  %s\n", ev.Text)
		if ev.Permalink != "" {
			fmt.Fprintf(&b, "  [Link](%s)\n", ev.Permalink)
		}
		fmt.Fprintf(&b, "  _Attribution: %s (confidence %.0f%%)_\n\n", ev.Attribution.Type, ev.Attribution.Confidence*100)
	}
	return b.String()
}

// BlockersMarkdown renders a blocker list.
func BlockersMarkdown(bl *Blockers) string {
	if bl.Total == 0 {
		return fmt.Sprintf("No open blockers found for **%s**.\n", bl.ProjectName)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s: Blockers (%d)\n\n", bl.ProjectName, bl.Total)
	for _, x := range bl.Blockers {
		b.WriteString("- " + x.Summary)
		if x.Owner != "" {
			fmt.Fprintf(&b, " (Owner: %s)", x.Owner)
		}
		fmt.Fprintf(&b, " [%s", x.Source)
		if x.LastActivity != nil {
			fmt.Fprintf(&b, ", last activity %s", x.LastActivity.UTC().Format(dateLayout))
		}
		b.WriteString("]\n")
		for _, ev := range x.Evidence {
			b.WriteString("  - " + evidenceLine(ev) + "\n")
		}
	}
	return b.String()
}

// ProjectsMarkdown renders the project list.
func ProjectsMarkdown(projects []database.Project) string {
	if len(projects) == 0 {
		return "No active projects found.\n"
	}
	var b strings.Builder
	b.WriteString("Active projects:\n")
	for _, p := range projects {
		desc := "No description"
		if p.Description != nil && *p.Description != "" {
			desc = *p.Description
		}
		fmt.Fprintf(&b, "- **%s** (`%s`): %s\n", p.Name, p.ID, desc)
	}
	return b.String()
}

func evidenceLine(ev Evidence) string {
	label := sourceLabel(ev.SourceType)
	when := ev.OccurredAt.UTC().Format(time.DateOnly)
	if ev.Permalink != "" {
		return fmt.Sprintf("[%s](%s) %s, %s: _%s_", label, ev.Permalink, ev.Actor, when, oneLine(ev.Snippet))
	}
	return fmt.Sprintf("%s %s, %s: _%s_", label, ev.Actor, when, oneLine(ev.Snippet))
}

func sourceLabel(sourceType string) string {
	switch sourceType {
	case database.SourceSlack:
		return "Slack"
	case database.SourceJira:
		return "Jira"
	}
	return sourceType
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
