package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/projectpulse/internal/compose"
	"github.com/TobiSchelling/projectpulse/internal/config"
	"github.com/TobiSchelling/projectpulse/internal/database"
	"github.com/TobiSchelling/projectpulse/internal/mcptools"
	"github.com/TobiSchelling/projectpulse/internal/oracle"
	"github.com/TobiSchelling/projectpulse/internal/pipeline"
	"github.com/TobiSchelling/projectpulse/internal/server"
	"github.com/TobiSchelling/projectpulse/internal/synthesize"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "projectpulse",
	Short:   "Project status from Slack and Jira activity",
	Long:    "ProjectPulse ingests Slack and Jira activity, attributes it to projects, and synthesizes evidence-backed status snapshots.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			setLogFlags("")
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		setLogFlags(cfg.Logging.Level)
		return nil
	},
}

func setLogFlags(level string) {
	if verbose || strings.EqualFold(level, "DEBUG") {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	} else {
		log.SetFlags(log.LstdFlags)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(projectsCmd)
	rootCmd.AddCommand(scopesCmd)
	rootCmd.AddCommand(linkCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pulseCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("projectpulse", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/projectpulse/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure Slack, Jira and the oracle provider.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Projects:")
		fmt.Printf("  Total: %d\n", stats.TotalProjects)
		fmt.Printf("  Active: %d\n", stats.ActiveProjects)
		fmt.Printf("  Scopes: %d\n", stats.Scopes)
		fmt.Println("\nEvents:")
		fmt.Printf("  Total: %d\n", stats.Events)
		sources := make([]string, 0, len(stats.EventsBySource))
		for s := range stats.EventsBySource {
			sources = append(sources, s)
		}
		sort.Strings(sources)
		for _, s := range sources {
			fmt.Printf("  %s: %d\n", s, stats.EventsBySource[s])
		}
		fmt.Printf("  Linked: %d (%d links)\n", stats.LinkedEvents, stats.Links)
		fmt.Printf("  Unlinked: %d\n", stats.UnlinkedEvents)
		fmt.Println("\nSnapshots:")
		fmt.Printf("  Total: %d\n", stats.Snapshots)
		fmt.Printf("  Evidence rows: %d\n", stats.EvidenceRows)
		return nil
	},
}

// --- projects command ---

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage projects",
}

var projectsAll bool

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects with their checkpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		projects, err := db.ListProjects(!projectsAll)
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Println("No projects defined. Add one with: projectpulse projects add")
			return nil
		}

		for _, p := range projects {
			icon := " "
			if p.IsActive {
				icon = "*"
			}
			fmt.Printf("  %s %s (%s)\n", icon, p.Name, p.ID)
			cp, err := db.GetCheckpoint(p.ID)
			if err != nil {
				return err
			}
			if cp != nil {
				fmt.Printf("      ingested %s, snapshot %s, viewed %s\n",
					formatCheckpoint(cp.LastIngestedAt), formatCheckpoint(cp.LastSnapshotAt), formatCheckpoint(cp.LastViewedAt))
			}
		}
		return nil
	},
}

var projectsAddCmd = &cobra.Command{
	Use:   "add [id] [name] [description]",
	Short: "Add a project",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		description := ""
		if len(args) > 2 {
			description = args[2]
		}
		created, err := db.InsertProject(args[0], args[1], description)
		if err != nil {
			return err
		}
		if !created {
			fmt.Printf("Project %s already exists\n", args[0])
			return nil
		}
		fmt.Printf("Added project %s: %s\n", args[0], args[1])
		return nil
	},
}

var projectsToggleCmd = &cobra.Command{
	Use:   "toggle [id]",
	Short: "Toggle a project's active state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		p, err := db.GetProject(args[0])
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("project %s not found", args[0])
		}
		if err := db.SetProjectActive(p.ID, !p.IsActive); err != nil {
			return err
		}
		newState := "disabled"
		if !p.IsActive {
			newState = "enabled"
		}
		fmt.Printf("Project %s: %s\n", p.ID, newState)
		return nil
	},
}

func init() {
	projectsListCmd.Flags().BoolVar(&projectsAll, "all", false, "Include inactive projects")
	projectsCmd.AddCommand(projectsListCmd)
	projectsCmd.AddCommand(projectsAddCmd)
	projectsCmd.AddCommand(projectsToggleCmd)
}

// --- scopes command ---

var scopeSources = map[string]string{
	database.ScopeSlackChannel: database.SourceSlack,
	database.ScopeKeyword:      database.SourceSlack,
	database.ScopeJiraEpic:     database.SourceJira,
	database.ScopeJiraProject:  database.SourceJira,
}

var scopesCmd = &cobra.Command{
	Use:   "scopes",
	Short: "Manage project scopes",
}

var scopesListCmd = &cobra.Command{
	Use:   "list [project]",
	Short: "List the scopes of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		scopes, err := db.ListScopesForProject(args[0])
		if err != nil {
			return err
		}
		if len(scopes) == 0 {
			fmt.Printf("No scopes for %s. Add one with: projectpulse scopes add\n", args[0])
			return nil
		}
		for _, s := range scopes {
			fmt.Printf("  %-14s %s\n", s.ScopeKind, s.ScopeValue)
		}
		return nil
	},
}

var scopesAddCmd = &cobra.Command{
	Use:   "add [project] [kind] [value]",
	Short: "Add a scope (slack_channel, keyword, jira_epic, jira_project)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, ok := scopeSources[args[1]]
		if !ok {
			return fmt.Errorf("unknown scope kind %q", args[1])
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		p, err := db.GetProject(args[0])
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("project %s not found", args[0])
		}
		id, err := db.InsertScope(p.ID, source, args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("Scope %s: %s %s -> %s\n", id, args[1], args[2], p.ID)
		return nil
	},
}

func init() {
	scopesCmd.AddCommand(scopesListCmd)
	scopesCmd.AddCommand(scopesAddCmd)
}

// --- link command ---

var linkCmd = &cobra.Command{
	Use:   "link [event-id] [project] [rationale]",
	Short: "Manually attribute an event to a project",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		rationale := "Linked manually"
		if len(args) > 2 {
			rationale = args[2]
		}
		added, err := db.AddManualLink(args[0], args[1], rationale)
		if err != nil {
			return err
		}
		if !added {
			fmt.Printf("Event %s is already linked to %s\n", args[0], args[1])
			return nil
		}
		fmt.Printf("Linked %s -> %s\n", args[0], args[1])
		return nil
	},
}

// --- ingest command ---

var (
	fullRefresh bool
	incremental bool
	noOracle    bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [chat|tracker|all]",
	Short: "Ingest activity from Slack and Jira",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		which := "all"
		if len(args) > 0 {
			which = args[0]
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if fullRefresh && !confirm("Full refresh refetches every scope from the beginning and uses more API calls. Continue? [y/N]: ") {
			return fmt.Errorf("aborted")
		}

		pipe := pipeline.New(cfg, db, runConfig())
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var result *pipeline.Result
		switch which {
		case "chat":
			result = &pipeline.Result{Steps: []pipeline.StepResult{pipe.Chat(ctx)}}
		case "tracker":
			result = &pipeline.Result{Steps: []pipeline.StepResult{pipe.Tracker(ctx)}}
		case "all":
			result = pipe.Ingest(ctx)
		default:
			return fmt.Errorf("unknown source %q: expected chat, tracker or all", which)
		}
		return printSteps(result)
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&fullRefresh, "full-refresh", false, "Ignore checkpoints and refetch everything")
	ingestCmd.Flags().BoolVar(&incremental, "incremental", false, "Fetch only activity since the last checkpoint, overriding config")
	ingestCmd.MarkFlagsMutuallyExclusive("full-refresh", "incremental")
	ingestCmd.Flags().BoolVar(&noOracle, "no-oracle", false, "Disable the LLM oracle for this run")
}

// --- snapshot command ---

var (
	windowDays      int
	snapshotProject string
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Synthesize status snapshots from ingested events",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		rc := runConfig()
		var o oracle.Oracle
		if rc.OracleEnabled {
			o = pipeline.BuildOracle(cfg)
		}
		synth := synthesize.NewSynthesizer(db, o, rc)
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		if snapshotProject == "" {
			res := synth.Run(ctx)
			fmt.Printf("Created %d snapshots, %d projects without activity, %d errors\n", res.Created, res.SkippedEmpty, res.Errors)
			if res.Errors > 0 {
				return fmt.Errorf("%d projects failed to synthesize", res.Errors)
			}
			return nil
		}

		p, err := db.GetProject(snapshotProject)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("project %s not found", snapshotProject)
		}
		snap, err := synth.Synthesize(ctx, *p, rc.Clock().Truncate(time.Second))
		if err != nil {
			return err
		}
		if snap == nil {
			fmt.Printf("No events for %s in the last %d days\n", p.Name, rc.WindowDays)
			return nil
		}
		fmt.Printf("%s: %s\n", snap.ID, snap.Status.Headline)
		return nil
	},
}

func init() {
	snapshotCmd.Flags().IntVar(&windowDays, "window-days", 0, "Override the snapshot window (days)")
	snapshotCmd.Flags().StringVarP(&snapshotProject, "project", "p", "", "Synthesize a single project")
	snapshotCmd.Flags().BoolVar(&noOracle, "no-oracle", false, "Disable the LLM oracle for this run")
}

// --- run command ---

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: ingest tracker -> ingest chat -> snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pipe := pipeline.New(cfg, db, runConfig())
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		start := time.Now()
		var result *pipeline.Result
		if dryRun {
			result = pipe.DryRun()
		} else {
			result = pipe.Run(ctx)
		}

		err = printSteps(result)
		if !dryRun {
			fmt.Printf("\nPipeline complete in %s. Run 'projectpulse serve' to view the pulse.\n", pipeline.Elapsed(start))
		}
		return err
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
	runCmd.Flags().BoolVar(&fullRefresh, "full-refresh", false, "Ignore checkpoints and refetch everything")
	runCmd.Flags().BoolVar(&noOracle, "no-oracle", false, "Disable the LLM oracle for this run")
	runCmd.Flags().IntVar(&windowDays, "window-days", 0, "Override the snapshot window (days)")
}

// --- pulse command ---

var (
	pulseChanges string
	markViewed   bool
)

var pulseCmd = &cobra.Command{
	Use:   "pulse [project]",
	Short: "Print the latest status pulse of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pulse, err := compose.BuildPulse(db, args[0])
		if err != nil {
			return err
		}
		fmt.Println(compose.PulseMarkdown(pulse))

		if pulseChanges != "" {
			since, err := compose.ParseSince(pulseChanges)
			if err != nil {
				return fmt.Errorf("invalid --changes-since %q: %w", pulseChanges, err)
			}
			changes, err := compose.BuildChanges(db, args[0], since)
			if err != nil {
				return err
			}
			fmt.Println()
			fmt.Println(compose.ChangesMarkdown(changes))
		}

		if markViewed {
			return db.MarkViewed(args[0])
		}
		return nil
	},
}

func init() {
	pulseCmd.Flags().StringVar(&pulseChanges, "changes-since", "", "Also print changes since a date or RFC 3339 time")
	pulseCmd.Flags().BoolVar(&markViewed, "mark-viewed", false, "Record this as a visit")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(db, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default from config)")
}

// --- mcp command ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve read-only project tools over MCP stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		// stdout carries the protocol
		log.SetOutput(os.Stderr)
		return mcptools.ServeStdio(db, version)
	},
}

// runConfig applies command-line overrides to the configured run settings.
func runConfig() config.RunConfig {
	rc := cfg.RunConfig()
	if incremental {
		rc.Incremental = true
	}
	if fullRefresh {
		rc.Incremental = false
	}
	if noOracle {
		rc.OracleEnabled = false
	}
	if windowDays > 0 {
		rc.WindowDays = windowDays
	}
	return rc
}

func printSteps(result *pipeline.Result) error {
	for i, step := range result.Steps {
		fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
		if step.Err != nil {
			fmt.Printf("  Error: %v\n", step.Err)
			if step.Summary != "" {
				fmt.Printf("  %s\n", step.Summary)
			}
		} else {
			fmt.Printf("  %s\n", step.Summary)
		}
	}
	if result.Failed() {
		return fmt.Errorf("pipeline finished with errors")
	}
	return nil
}

func formatCheckpoint(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "y" || answer == "yes"
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "projectpulse.db")
	return database.Open(dbPath)
}
