package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Sources     Sources     `yaml:"sources"`
	Ingest      Ingest      `yaml:"ingest"`
	Attribution Attribution `yaml:"attribution"`
	Oracle      Oracle      `yaml:"oracle"`
	Snapshot    Snapshot    `yaml:"snapshot"`
	Output      Output      `yaml:"output"`
	Server      Server      `yaml:"server"`
	Logging     Logging     `yaml:"logging"`
}

type Sources struct {
	Slack SlackConfig `yaml:"slack"`
	Jira  JiraConfig  `yaml:"jira"`
}

type SlackConfig struct {
	TokenEnv       string `yaml:"token_env"`
	BaseURL        string `yaml:"base_url"`
	PageSize       int    `yaml:"page_size"`
	MaxMessages    int    `yaml:"max_messages_per_channel"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	FormatMessages bool   `yaml:"format_messages"`
}

type JiraConfig struct {
	BaseURL             string   `yaml:"base_url"`
	EmailEnv            string   `yaml:"email_env"`
	TokenEnv            string   `yaml:"token_env"`
	PageSize            int      `yaml:"page_size"`
	MaxIssues           int      `yaml:"max_issues"`
	MaxCommentsPerIssue int      `yaml:"max_comments_per_issue"`
	TimeoutSeconds      int      `yaml:"timeout_seconds"`
	TrackedFields       []string `yaml:"tracked_fields"`
}

type Ingest struct {
	Incremental bool `yaml:"incremental"`
}

type Attribution struct {
	LinkAllInScope      bool    `yaml:"link_all_in_scope"`
	RunAllStrategies    bool    `yaml:"run_all_strategies"`
	EntityConfidence    float64 `yaml:"entity_confidence"`
	KeywordConfidence   float64 `yaml:"keyword_confidence"`
	MinOracleConfidence float64 `yaml:"min_oracle_confidence"`
	MinKeywordLength    int     `yaml:"min_keyword_length"`
}

type Oracle struct {
	Enabled        bool   `yaml:"enabled"`
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	OllamaURL      string `yaml:"ollama_url"`
	OpenAIModel    string `yaml:"openai_model"`
	APIKeyEnv      string `yaml:"api_key_env"`
	MaxTokens      int    `yaml:"max_tokens"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Snapshot struct {
	WindowDays       int `yaml:"window_days"`
	MaxProgress      int `yaml:"max_progress"`
	MaxBlockers      int `yaml:"max_blockers"`
	MaxDecisions     int `yaml:"max_decisions"`
	MaxNextSteps     int `yaml:"max_next_steps"`
	MaxRisks         int `yaml:"max_risks"`
	SubstantialChars int `yaml:"substantial_chars"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for projectpulse.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "projectpulse")
}

// DataDir returns the XDG data directory for projectpulse.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "projectpulse")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/projectpulse/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'projectpulse init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the configuration with every default applied.
func Default() *Config {
	return &Config{
		Sources: Sources{
			Slack: SlackConfig{
				TokenEnv:       "SLACK_BOT_TOKEN",
				BaseURL:        "https://slack.com/api",
				PageSize:       200,
				MaxMessages:    5000,
				TimeoutSeconds: 30,
			},
			Jira: JiraConfig{
				EmailEnv:            "JIRA_EMAIL",
				TokenEnv:            "JIRA_API_TOKEN",
				PageSize:            50,
				MaxIssues:           500,
				MaxCommentsPerIssue: 500,
				TimeoutSeconds:      30,
				TrackedFields:       []string{"assignee", "priority", "resolution", "duedate", "Fix Version", "Sprint"},
			},
		},
		Ingest: Ingest{Incremental: true},
		Attribution: Attribution{
			EntityConfidence:    1.0,
			KeywordConfidence:   0.75,
			MinOracleConfidence: 0.5,
			MinKeywordLength:    4,
		},
		Oracle: Oracle{
			Provider:       "ollama",
			Model:          "qwen2.5:7b",
			OllamaURL:      "http://localhost:11434",
			OpenAIModel:    "gpt-4o-mini",
			APIKeyEnv:      "OPENAI_API_KEY",
			MaxTokens:      800,
			TimeoutSeconds: 30,
		},
		Snapshot: Snapshot{
			WindowDays:       7,
			MaxProgress:      10,
			MaxBlockers:      5,
			MaxDecisions:     5,
			MaxNextSteps:     10,
			MaxRisks:         5,
			SubstantialChars: 150,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	a := c.Attribution
	for name, v := range map[string]float64{
		"attribution.entity_confidence":     a.EntityConfidence,
		"attribution.keyword_confidence":    a.KeywordConfidence,
		"attribution.min_oracle_confidence": a.MinOracleConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	if c.Snapshot.WindowDays <= 0 {
		return fmt.Errorf("snapshot.window_days must be positive, got %d", c.Snapshot.WindowDays)
	}
	sn := c.Snapshot
	for _, sc := range []struct {
		key     string
		section string
		v       int
	}{
		{"max_progress", "progress", sn.MaxProgress},
		{"max_blockers", "blockers", sn.MaxBlockers},
		{"max_decisions", "decisions", sn.MaxDecisions},
		{"max_next_steps", "next_steps", sn.MaxNextSteps},
		{"max_risks", "risks", sn.MaxRisks},
	} {
		if limit := sectionLimits[sc.section]; sc.v <= 0 || sc.v > limit {
			return fmt.Errorf("snapshot.%s must be within [1, %d], got %d", sc.key, limit, sc.v)
		}
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// OracleTimeout returns the per-call oracle timeout.
func (c *Config) OracleTimeout() time.Duration {
	return seconds(c.Oracle.TimeoutSeconds, 30)
}

func seconds(n, fallback int) time.Duration {
	if n <= 0 {
		n = fallback
	}
	return time.Duration(n) * time.Second
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
