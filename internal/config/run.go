package config

import "time"

// RunConfig holds the toggles and thresholds of one ingestion or synthesis
// run. It is built from Config plus command-line overrides and passed
// explicitly to every stage.
type RunConfig struct {
	Incremental         bool
	LinkAllInScope      bool
	RunAllStrategies    bool
	OracleEnabled       bool
	FormatMessages      bool
	EntityConfidence    float64
	KeywordConfidence   float64
	MinOracleConfidence float64
	MinKeywordLength    int
	WindowDays          int
	SubstantialChars    int
	SectionCaps         map[string]int
	Now                 func() time.Time
}

// RunConfig derives the run configuration from the file configuration.
func (c *Config) RunConfig() RunConfig {
	return RunConfig{
		Incremental:         c.Ingest.Incremental,
		LinkAllInScope:      c.Attribution.LinkAllInScope,
		RunAllStrategies:    c.Attribution.RunAllStrategies,
		OracleEnabled:       c.Oracle.Enabled,
		FormatMessages:      c.Sources.Slack.FormatMessages,
		EntityConfidence:    c.Attribution.EntityConfidence,
		KeywordConfidence:   c.Attribution.KeywordConfidence,
		MinOracleConfidence: c.Attribution.MinOracleConfidence,
		MinKeywordLength:    c.Attribution.MinKeywordLength,
		WindowDays:          c.Snapshot.WindowDays,
		SubstantialChars:    c.Snapshot.SubstantialChars,
		SectionCaps: map[string]int{
			"progress":   c.Snapshot.MaxProgress,
			"blockers":   c.Snapshot.MaxBlockers,
			"decisions":  c.Snapshot.MaxDecisions,
			"next_steps": c.Snapshot.MaxNextSteps,
			"risks":      c.Snapshot.MaxRisks,
		},
		Now: time.Now,
	}
}

// DefaultRunConfig is the run configuration of a default config file.
func DefaultRunConfig() RunConfig {
	return Default().RunConfig()
}

// Clock returns the run's time source, falling back to time.Now.
func (r RunConfig) Clock() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

// sectionLimits are the item ceilings of each snapshot section.
var sectionLimits = map[string]int{
	"progress":   10,
	"blockers":   5,
	"decisions":  5,
	"next_steps": 10,
	"risks":      5,
}

// Cap returns the item cap for a snapshot section, never above its ceiling.
func (r RunConfig) Cap(section string) int {
	limit, ok := sectionLimits[section]
	if !ok {
		limit = 5
	}
	if n := r.SectionCaps[section]; n > 0 && n < limit {
		return n
	}
	return limit
}
