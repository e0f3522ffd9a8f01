package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/acurioustractor/ledger-insights/internal/api"
	"github.com/acurioustractor/ledger-insights/internal/authz"
	"github.com/acurioustractor/ledger-insights/internal/cache"
	"github.com/acurioustractor/ledger-insights/internal/config"
	"github.com/acurioustractor/ledger-insights/internal/dispatch"
	"github.com/acurioustractor/ledger-insights/internal/ingest"
	"github.com/acurioustractor/ledger-insights/internal/pipeline"
	"github.com/acurioustractor/ledger-insights/internal/storage"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once in this process",
	Long: `Run the pipeline once in this process: analyze eligible units, then roll
up persons, groups, organizations and the platform.

A run that follows a failed or cancelled run resumes at the stage that
failed unless --fresh is given. Interrupting the command stops the run at
the next stage boundary.

Examples:
  insights run
  insights run --org org-42
  insights run --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		opts := runOptions(cmd)

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		run, err := a.orchestrator.Run(ctx, authz.System(), opts)
		if run.ID != "" {
			writeRun(os.Stdout, run)
		}
		if errors.Is(err, pipeline.ErrCancelled) {
			printWarning("Run cancelled; the next run resumes at %s", run.FailedStage)
			return nil
		}
		return err
	},
}

func runOptions(cmd *cobra.Command) pipeline.Options {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	org, _ := cmd.Flags().GetString("org")
	fresh, _ := cmd.Flags().GetBool("fresh")
	return pipeline.Options{DryRun: dryRun, OrganizationID: org, Fresh: fresh}
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("dry-run", false, "compute without persisting analyses or aggregates")
	cmd.Flags().String("org", "", "restrict the run to one organization")
	cmd.Flags().Bool("fresh", false, "start from the first stage even after a failed run")
}

func init() {
	addRunFlags(runCmd)
}

// --- trigger / status / aggregate / enqueue ---

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask the running server to start a pipeline run",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := runOptions(cmd)
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/runs", api.TriggerRequest{
			DryRun:         opts.DryRun,
			OrganizationID: opts.OrganizationID,
			Fresh:          opts.Fresh,
		})
		if err != nil {
			return err
		}
		var started map[string]string
		if err := decodeJSON(resp, &started); err != nil {
			return err
		}
		runID := started["run_id"]
		printSuccess("Started run %s", runID)
		if !wait {
			return nil
		}

		run, err := waitForRun(cmd, client, runID, time.Second)
		if err != nil {
			return err
		}
		writeRun(os.Stdout, run)
		return nil
	},
}

func waitForRun(cmd *cobra.Command, client *apiClient, runID string, every time.Duration) (storage.PipelineRun, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		run, err := fetchRun(cmd, client, runID)
		if err != nil {
			return storage.PipelineRun{}, err
		}
		switch run.Status {
		case storage.RunCompleted, storage.RunFailed, storage.RunCancelled:
			return run, nil
		}
		select {
		case <-cmd.Context().Done():
			return run, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}

func fetchRun(cmd *cobra.Command, client *apiClient, runID string) (storage.PipelineRun, error) {
	resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(runID))
	if err != nil {
		return storage.PipelineRun{}, err
	}
	var run storage.PipelineRun
	if err := decodeJSON(resp, &run); err != nil {
		return storage.PipelineRun{}, err
	}
	return run, nil
}

func init() {
	addRunFlags(triggerCmd)
	triggerCmd.Flags().Bool("wait", false, "wait for the run to finish and print it")
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the status of a pipeline run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		run, err := fetchRun(cmd, client, args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(run)
		}
		writeRun(os.Stdout, run)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Stop a run at its next stage boundary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/runs/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Cancelling run %s", args[0])
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the raw run record")
	statusCmd.AddCommand(cancelCmd)
}

var aggregateCmd = &cobra.Command{
	Use:   "aggregate <level> [scope-id]",
	Short: "Show the current aggregate of a scope",
	Long: `Show the current aggregate of a scope. Level is one of person, group,
organization or platform; the platform takes no scope id.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/aggregates/" + url.PathEscape(args[0])
		if len(args) == 2 {
			path += "/" + url.PathEscape(args[1])
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var view api.AggregateView
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		if view.StaleAfterRun != "" {
			printWarning("Run %s has not completed since this aggregate was generated", view.StaleAfterRun)
		}
		return printJSON(view)
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <unit-id>",
	Short: "Queue background analysis of one unit on the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/units/"+url.PathEscape(args[0])+"/enqueue", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued job %s", result["job_id"])
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- units ---

var unitsCmd = &cobra.Command{
	Use:   "units",
	Short: "Manage content units in the local record store",
}

var unitsImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a transcript file (.txt, .md or .pdf) as a content unit",
	Long: `Import a transcript file (.txt, .md or .pdf) as a content unit.

Examples:
  insights units import --file interview.md --person p-17 --consent
  insights units import --file talk.pdf --person p-17 --id unit-3 --consent --enqueue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		person, _ := cmd.Flags().GetString("person")
		id, _ := cmd.Flags().GetString("id")
		consent, _ := cmd.Flags().GetBool("consent")
		enqueue, _ := cmd.Flags().GetBool("enqueue")
		if file == "" || person == "" {
			return fmt.Errorf("--file and --person are required")
		}

		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		u, err := ingest.Import(store, file, ingest.ImportOptions{UnitID: id, PersonID: person, Consent: consent})
		if err != nil {
			return err
		}
		printSuccess("Imported unit %s (%q, %d chars)", u.ID, u.Title, len(u.Text))

		if enqueue {
			if !consent {
				printWarning("Unit %s has no analysis consent; not queued", u.ID)
				return nil
			}
			jobID, err := dispatch.Enqueue(store, u.ID, cfg.Dispatch.MaxAttempts)
			if err != nil {
				return err
			}
			printSuccess("Queued job %s", jobID)
		}
		return nil
	},
}

var unitsConsentCmd = &cobra.Command{
	Use:   "consent <unit-id>",
	Short: "Grant or revoke analysis consent for a unit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		grant, _ := cmd.Flags().GetBool("grant")
		revoke, _ := cmd.Flags().GetBool("revoke")
		if grant == revoke {
			return fmt.Errorf("exactly one of --grant or --revoke is required")
		}

		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetConsent(args[0], grant); err != nil {
			return fmt.Errorf("updating consent of %s: %w", args[0], err)
		}
		if grant {
			printSuccess("Granted analysis consent for %s", args[0])
		} else {
			printSuccess("Revoked analysis consent for %s; it drops out of aggregates on the next run", args[0])
		}
		return nil
	},
}

func init() {
	unitsImportCmd.Flags().String("file", "", "transcript file to import")
	unitsImportCmd.Flags().String("person", "", "id of the person the transcript belongs to")
	unitsImportCmd.Flags().String("id", "", "unit id (default: random UUID)")
	unitsImportCmd.Flags().Bool("consent", false, "record analysis consent")
	unitsImportCmd.Flags().Bool("enqueue", false, "queue analysis of the unit for the dispatcher")
	unitsConsentCmd.Flags().Bool("grant", false, "grant consent")
	unitsConsentCmd.Flags().Bool("revoke", false, "revoke consent")
	unitsCmd.AddCommand(unitsImportCmd)
	unitsCmd.AddCommand(unitsConsentCmd)
}

// --- members ---

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Manage the person, group and organization hierarchy",
}

var membersAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a person to a group or a group to an organization",
	Long: `Add a person to a group or a group to an organization.

Examples:
  insights members add --person p-17 --group g-3
  insights members add --group g-3 --org org-42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		person, _ := cmd.Flags().GetString("person")
		group, _ := cmd.Flags().GetString("group")
		org, _ := cmd.Flags().GetString("org")

		if group == "" || (person == "") == (org == "") {
			return fmt.Errorf("use --person with --group, or --group with --org")
		}

		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if person != "" {
			if err := store.AddGroupMember(group, person); err != nil {
				return err
			}
			printSuccess("Added person %s to group %s", person, group)
			return nil
		}
		if err := store.AddOrganizationGroup(org, group); err != nil {
			return err
		}
		printSuccess("Added group %s to organization %s", group, org)
		return nil
	},
}

func init() {
	membersAddCmd.Flags().String("person", "", "person id")
	membersAddCmd.Flags().String("group", "", "group id")
	membersAddCmd.Flags().String("org", "", "organization id")
	membersCmd.AddCommand(membersAddCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Maintain the fingerprint cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cache entries older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		olderThan := cfg.Cache.Retention
		if cmd.Flags().Changed("older-than") {
			olderThan, _ = cmd.Flags().GetDuration("older-than")
		}
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		n, err := cache.NewSQLite(store).Prune(olderThan)
		if err != nil {
			return err
		}
		printSuccess("Pruned %d cache entries older than %s", n, olderThan)
		return nil
	},
}

func init() {
	cachePruneCmd.Flags().Duration("older-than", 0, "age cutoff (default: cache.retention)")
	cacheCmd.AddCommand(cachePruneCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("  %s\n", colorize(colorCyan, config.FilePath()))
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		for _, t := range cfg.Auth.Tokens {
			fmt.Printf("  %s %s (%s) %v\n", colorize(colorBold, "principal"), t.Subject, t.Role, t.Organizations)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <name> <value>",
	Short: "Store a secret in the secrets file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if !slices.Contains(config.SecretKeys(), name) {
			return fmt.Errorf("unknown secret %q (valid: %v)", name, config.SecretKeys())
		}
		if err := config.SetSecret(name, args[1]); err != nil {
			return err
		}
		printSuccess("Stored secret %s", name)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
