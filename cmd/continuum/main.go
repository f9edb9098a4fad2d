// Package main is the CLI entry point for Continuum — a compliance service
// that evaluates submitted source code against built-in pattern detectors
// and configurable regulatory rules, and records every evaluation on a
// tamper-evident hash-chained audit ledger.
//
// Architecture overview:
//
//	client --> HTTP API (:8460) --> checker (detectors + rule engine
//	            |                     + optional collaborators)
//	            |                             |
//	            |                             v
//	            +------ audit ledger (hash-chained, SQLite) <-- verify/purge
//
// CLI commands (cobra):
//
//	continuum serve       - Run the compliance API server
//	continuum check       - Evaluate a local file and record the verdict
//	continuum audit       - Query/verify/purge the audit ledger
//	continuum rules       - Manage regulatory rules
//	continuum config      - Manage configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/continuum/continuum/internal/audit"
	"github.com/continuum/continuum/internal/checker"
	"github.com/continuum/continuum/internal/config"
	"github.com/continuum/continuum/internal/policy"
	"github.com/continuum/continuum/internal/rules"
	"github.com/continuum/continuum/internal/server"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.continuum/ where all runtime state
// lives: config.yaml, rules.yaml, and the audit/ directory.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to current directory if home dir can't be determined.
		return ".continuum"
	}
	return filepath.Join(home, ".continuum")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// configDir is the global flag for the Continuum config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "continuum",
	Short: "Continuum — compliance evaluation with a tamper-evident audit trail",
	Long: `Continuum evaluates submitted source code for PII exposure, security
vulnerabilities, GDPR violations, discriminatory logic, and configurable
regulatory rules. Every evaluation is recorded on an append-only,
hash-chained audit ledger whose integrity can be verified at any time.

Run 'continuum serve' to start the API server, or 'continuum check' to
evaluate a file from the command line.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to Continuum config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(configCmd)
}

// openStack loads the config and opens the ledger, rule store, and checker
// service against the config directory. Shared by serve and check.
func openStack() (*config.Config, *audit.Ledger, *rules.FileStore, *checker.Service, error) {
	if err := os.MkdirAll(filepath.Join(configDir, "audit"), 0o755); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("creating config directory %s: %w", configDir, err)
	}

	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, nil, nil, nil, err
	}

	ledger, err := audit.Open(filepath.Join(configDir, "audit", "ledger.db"), cfg.Audit.ChainSeed)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("opening audit ledger: %w", err)
	}

	ruleStore, err := rules.NewFileStore(filepath.Join(configDir, "rules.yaml"))
	if err != nil {
		ledger.Close()
		return nil, nil, nil, nil, err
	}

	agg := &checker.Aggregator{Timeout: cfg.Collaborators.Timeout()}
	if cfg.Features.PolicyEngine {
		agg.Policy = policy.New(ruleStore)
	}
	if cfg.Features.ExternalScan {
		agg.Scanner = checker.NewHTTPScanner(cfg.Collaborators.ScannerURL, cfg.Collaborators.Timeout())
	}
	if cfg.Features.RiskScoring {
		agg.RiskScorer = checker.NewHTTPRiskScorer(cfg.Collaborators.RiskScorerURL, cfg.Collaborators.Timeout())
	}

	svc := &checker.Service{Aggregator: agg, Ledger: ledger}
	return cfg, ledger, ruleStore, svc, nil
}

// ============================================================================
// continuum serve — Run the API server
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compliance API server",
	Long: `Run the Continuum API server. The server evaluates compliance checks,
serves the audit query/verify/purge endpoints, manages regulatory rules,
and streams appended ledger entries over a websocket.

The server binds to the address configured in ~/.continuum/config.yaml
(default: 127.0.0.1:8460). Edits to rules.yaml take effect without a
restart — the config directory is file-watched.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, ledger, ruleStore, svc, err := openStack()
	if err != nil {
		return err
	}
	defer ledger.Close()

	// Edits to rules.yaml (external editor, another process) take effect
	// on the next evaluation via reload.
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnRulesChange: func() {
			if reloadErr := ruleStore.Reload(); reloadErr != nil {
				fmt.Fprintf(os.Stderr, "[continuum] Warning: failed to reload rules: %v\n", reloadErr)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	defer watcher.Close()

	srv := server.New(cfg, svc, ledger, ruleStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("[continuum] Serving on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println("[continuum] Press Ctrl+C to stop")
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	fmt.Println("[continuum] Stopped")
	return nil
}

// ============================================================================
// continuum check — Evaluate a local file
// ============================================================================

var (
	checkActor    string
	checkResource string
	checkJSONOut  bool
)

var checkCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Evaluate a file and record the verdict on the ledger",
	Long: `Evaluate a local source file against the built-in detectors and the
enabled regulatory rules. The verdict is recorded as an ACCESS entry on
the audit ledger, exactly as an API check would be.

Example:
  continuum check src/app.py --actor alice`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkActor, "actor", "cli", "Actor recorded on the audit entry")
	checkCmd.Flags().StringVar(&checkResource, "resource", "", "Resource ID (defaults to the file path)")
	checkCmd.Flags().BoolVar(&checkJSONOut, "json", false, "Print the full result as JSON")
}

func runCheck(cmd *cobra.Command, args []string) error {
	path := args[0]
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	resource := checkResource
	if resource == "" {
		resource = path
	}

	_, ledger, _, svc, err := openStack()
	if err != nil {
		return err
	}
	defer ledger.Close()

	resp, err := svc.Check(cmd.Context(), checker.CheckRequest{
		Code:       string(code),
		ActorID:    checkActor,
		ResourceID: resource,
	})
	if err != nil {
		return err
	}

	if checkJSONOut {
		out, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	r := resp.Result
	fmt.Printf("[continuum] %s: %s (audit seq %d)\n", path, r.Status, resp.Entry.Seq)
	printFindings("PII", r.PII)
	printFindings("Vulnerabilities", r.Vulnerabilities)
	printFindings("GDPR", r.GDPR)
	printFindings("Discrimination", r.Discrimination)
	for _, v := range r.RegulatoryRuleViolations {
		fmt.Printf("  Rule %s (%s): %d match(es)\n", v.Name, v.RuleID, len(v.Matches))
	}
	if r.ExternalScan != nil && r.ExternalScan.Available {
		printFindings("External scan", r.ExternalScan.Findings)
	}
	if r.RiskScore != nil && r.RiskScore.Available {
		fmt.Printf("  Risk score: %.2f (confidence %.2f)\n", r.RiskScore.RiskScore, r.RiskScore.Confidence)
	}

	if r.Status == audit.StatusNonCompliant {
		// Non-zero exit so CI pipelines can gate on the verdict.
		os.Exit(1)
	}
	return nil
}

func printFindings(label string, findings []string) {
	for _, f := range findings {
		fmt.Printf("  %s: %s\n", label, f)
	}
}

// ============================================================================
// continuum audit — Query, verify, and purge the ledger
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the audit ledger",
	Long: `The audit ledger records every compliance evaluation. Entries are
hash-chained: each entry's hash covers its contents and the previous
entry's hash, making any tampering detectable.`,
}

func init() {
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditPurgeCmd)
}

var (
	auditTailLimit  int
	auditTailUser   string
	auditFollowMode bool
)

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent ledger entries",
	Long:  `Show the most recent ledger entries. Use -f to follow in real-time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ledger, _, _, err := openStack()
		if err != nil {
			return err
		}
		defer ledger.Close()

		entries, err := ledger.Query(audit.Filter{UserID: auditTailUser, Limit: auditTailLimit})
		if err != nil {
			return fmt.Errorf("reading ledger: %w", err)
		}
		// Query returns newest first; tail prints oldest first.
		for i := len(entries) - 1; i >= 0; i-- {
			printAuditEntry(entries[i])
		}

		if auditFollowMode {
			return ledger.Follow(cmd.Context(), printAuditEntry)
		}
		return nil
	},
}

func init() {
	auditTailCmd.Flags().IntVarP(&auditTailLimit, "limit", "n", 20, "Number of recent entries to show")
	auditTailCmd.Flags().StringVar(&auditTailUser, "user", "", "Filter by user ID")
	auditTailCmd.Flags().BoolVarP(&auditFollowMode, "follow", "f", false, "Follow new entries in real-time")
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Walk the ledger oldest-first, recomputing each entry's hash and checking
its link to the previous entry. If any entry has been tampered with, the
chain breaks and this command reports where.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, ledger, _, _, err := openStack()
		if err != nil {
			return err
		}
		defer ledger.Close()

		result, err := ledger.VerifyChain(0, 0)
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		if result.Valid {
			fmt.Printf("[continuum] Hash chain VALID (%d entries verified)\n", result.EntriesChecked)
			return nil
		}
		fmt.Printf("[continuum] Hash chain BROKEN at entry #%d: %s\n", result.BrokenSeq, result.Reason)
		fmt.Printf("  Expected hash: %s\n", result.ExpectedHash)
		fmt.Printf("  Actual hash:   %s\n", result.ActualHash)
		return fmt.Errorf("audit chain integrity violation detected")
	},
}

var purgeOlderThan string

var auditPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge entries past the retention window",
	Long: `Remove the oldest contiguous run of ledger entries older than the
retention window (audit.retention_years in config.yaml, or --older-than).
The chain boundary is re-anchored so 'continuum audit verify' still
passes over the surviving entries.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, ledger, _, _, err := openStack()
		if err != nil {
			return err
		}
		defer ledger.Close()

		olderThan := cfg.Audit.Retention()
		if purgeOlderThan != "" {
			d, err := time.ParseDuration(purgeOlderThan)
			if err != nil {
				return fmt.Errorf("invalid --older-than %q: %w", purgeOlderThan, err)
			}
			olderThan = d
		}

		removed, err := ledger.Purge(olderThan)
		if err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}
		fmt.Printf("[continuum] Purged %d entries\n", removed)
		return nil
	},
}

func init() {
	auditPurgeCmd.Flags().StringVar(&purgeOlderThan, "older-than", "", "Override the retention window (e.g. 720h)")
}

// printAuditEntry formats one ledger entry for the terminal.
func printAuditEntry(e audit.Entry) {
	status := string(e.ComplianceStatus)
	fmt.Printf("[%s] #%d user=%-12s action=%-7s resource=%-20s %s\n",
		e.Timestamp, e.Seq, e.UserID, e.ActionType, e.ResourceID, status)
}

// ============================================================================
// continuum rules — Manage regulatory rules
// ============================================================================

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage regulatory rules",
	Long: `View, add, remove, and test regulatory rules. Each rule is a regex
pattern evaluated against submitted code; a match makes the verdict
NON_COMPLIANT. Rules live in ~/.continuum/rules.yaml and are hot-reloaded
by a running server.`,
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesRemoveCmd)
	rulesCmd.AddCommand(rulesEnableCmd)
	rulesCmd.AddCommand(rulesDisableCmd)
	rulesCmd.AddCommand(rulesTestCmd)
}

func openRuleStore() (*rules.FileStore, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}
	return rules.NewFileStore(filepath.Join(configDir, "rules.yaml"))
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all regulatory rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openRuleStore()
		if err != nil {
			return err
		}

		all, err := store.List(cmd.Context(), false)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("No rules configured.")
			return nil
		}

		fmt.Printf("%-38s %-20s %-9s %s\n", "ID", "NAME", "ENABLED", "PATTERN")
		fmt.Printf("%-38s %-20s %-9s %s\n", "--", "----", "-------", "-------")
		for _, r := range all {
			fmt.Printf("%-38s %-20s %-9t %s\n", r.ID, r.Name, r.Enabled, r.Pattern)
		}
		return nil
	},
}

var (
	addRuleName        string
	addRulePattern     string
	addRuleDescription string
	addRuleResources   []string
	addRuleDisabled    bool
)

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a regulatory rule",
	Long: `Add a new regulatory rule. The pattern is a regex evaluated in
multi-line mode against submitted code.

Example:
  continuum rules add --name no-todos --pattern 'TODO' --resources 'src/**'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openRuleStore()
		if err != nil {
			return err
		}

		added, err := store.Add(rules.Rule{
			Name:        addRuleName,
			Description: addRuleDescription,
			Pattern:     addRulePattern,
			Resources:   addRuleResources,
			Enabled:     !addRuleDisabled,
		})
		if err != nil {
			return fmt.Errorf("adding rule: %w", err)
		}
		fmt.Printf("[continuum] Rule added: %s (%s)\n", added.Name, added.ID)
		return nil
	},
}

func init() {
	rulesAddCmd.Flags().StringVar(&addRuleName, "name", "", "Rule name (required)")
	rulesAddCmd.Flags().StringVar(&addRulePattern, "pattern", "", "Regex pattern (required)")
	rulesAddCmd.Flags().StringVar(&addRuleDescription, "description", "", "Human-readable description")
	rulesAddCmd.Flags().StringSliceVar(&addRuleResources, "resources", nil, "Resource globs the rule is scoped to")
	rulesAddCmd.Flags().BoolVar(&addRuleDisabled, "disabled", false, "Create the rule disabled")
	rulesAddCmd.MarkFlagRequired("name")
	rulesAddCmd.MarkFlagRequired("pattern")
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove <rule-id>",
	Short: "Remove a rule by ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openRuleStore()
		if err != nil {
			return err
		}
		if err := store.Remove(args[0]); err != nil {
			return err
		}
		fmt.Printf("[continuum] Rule %s removed\n", args[0])
		return nil
	},
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable <rule-id>",
	Short: "Enable a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleRule(args[0], true) },
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable <rule-id>",
	Short: "Disable a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return toggleRule(args[0], false) },
}

func toggleRule(id string, enabled bool) error {
	store, err := openRuleStore()
	if err != nil {
		return err
	}
	if err := store.SetEnabled(id, enabled); err != nil {
		return err
	}
	fmt.Printf("[continuum] Rule %s enabled=%t\n", id, enabled)
	return nil
}

var rulesTestCmd = &cobra.Command{
	Use:   "test <file>",
	Short: "Test the enabled rules against a file",
	Long: `Evaluate a file against the enabled regulatory rules without touching
the audit ledger. Useful for verifying a new rule before it gates real
checks.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}

		store, err := openRuleStore()
		if err != nil {
			return err
		}

		violations, err := policy.New(store).Evaluate(cmd.Context(), string(code), args[0])
		if err != nil {
			return err
		}
		if len(violations) == 0 {
			fmt.Println("[continuum] No rule violations")
			return nil
		}
		for _, v := range violations {
			fmt.Printf("[continuum] VIOLATION %s (%s): %v\n", v.Name, v.RuleID, v.Matches)
		}
		return nil
	},
}

// ============================================================================
// continuum config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage the Continuum configuration. The config file lives at
~/.continuum/config.yaml and defines the server bind address, feature
toggles, collaborator endpoints, and audit retention.`,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		path := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists at %s", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
		fmt.Printf("[continuum] Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s (defaults apply)\n", path)
				fmt.Println("Run 'continuum config init' to write one.")
				return nil
			}
			return fmt.Errorf("reading config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}
