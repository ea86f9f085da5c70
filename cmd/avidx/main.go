package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"avidx/internal/app"
	"avidx/internal/config"
	"avidx/internal/database"
	"avidx/internal/engine"
	"avidx/internal/model"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "RefreshRecord", "Scan").
func newApp(operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// printJSON renders command results in a stable machine-readable form.
func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "avidx",
	Short: "Freshness and consistency engine for an AT-protocol record index",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:      %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		fmt.Printf("Database:      %s\n", cfg.Database.Type)
		fmt.Printf("Scan Interval: %s\n", cfg.Scanner.Interval.Duration)
		if cfg.Governance.PDSURL != "" {
			fmt.Printf("Governance:    %s (%s)\n", cfg.Governance.PDSURL, cfg.Governance.RepoDID)
		} else {
			fmt.Println("Governance:    not configured")
		}
		return nil
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		store, err := database.NewStoreFromConfig(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer store.Close()

		if err := store.MigrateUp(); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}

		fmt.Printf("Database migrated: %s\n", store.Path())
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scan scheduler and freshness workers until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Run")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Println("avidx running, Ctrl-C to stop")
		if err := a.Run(ctx); err != nil {
			a.SetOperationStatus("error")
			return err
		}
		return nil
	},
}

// scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single staleness scan and process the resulting jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Scan")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.ScanOnce(cmd.Context())
		if err != nil {
			a.SetOperationStatus("error")
			return err
		}

		fmt.Printf("Scanned in %s: urgent=%d recent=%d normal=%d background=%d\n",
			result.Duration.Truncate(time.Millisecond),
			result.Counts.Urgent,
			result.Counts.Recent,
			result.Counts.Normal,
			result.Counts.Background,
		)
		return nil
	},
}

// check command
var checkCmd = &cobra.Command{
	Use:   "check URI",
	Short: "Check whether an indexed record is stale",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("CheckStaleness")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.CheckStaleness(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

// refresh command
var refreshCmd = &cobra.Command{
	Use:   "refresh URI",
	Short: "Re-fetch a record from its PDS and update the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("RefreshRecord")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.RefreshRecord(cmd.Context(), args[0])
		if err != nil {
			a.SetOperationStatus("error")
			if !renderableRefresh(result, err) {
				return err
			}
		}
		return printJSON(result)
	},
}

// renderableRefresh reports whether a failed refresh still produced a result
// worth printing. Transient failures carry a structured outcome with the error
// inline; missing records and bad input exit with the error instead.
func renderableRefresh(result *engine.RefreshResult, err error) bool {
	return engine.IsTransient(err) && result != nil
}

// verify command
var verifyCmd = &cobra.Command{
	Use:   "verify URI",
	Short: "Report consistency metadata for a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Verify")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Verify(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

// delete command
var deleteCmd = &cobra.Command{
	Use:   "delete URI",
	Short: "Tombstone a record in the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source")

		a, err := newApp("MarkDeleted")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.MarkDeleted(cmd.Context(), args[0], model.DeletionSource(source)); err != nil {
			a.SetOperationStatus("error")
			return err
		}

		fmt.Printf("Deleted %s (source: %s)\n", args[0], source)
		return nil
	},
}

// version command
var versionCmd = &cobra.Command{
	Use:   "version URI",
	Short: "Compute the next semantic version and concurrency token for a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bump, _ := cmd.Flags().GetString("bump")
		currentStr, _ := cmd.Flags().GetString("current")

		var current *model.SemanticVersion
		if currentStr != "" {
			var v model.SemanticVersion
			if _, err := fmt.Sscanf(currentStr, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch); err != nil {
				return fmt.Errorf("invalid version %q, want MAJOR.MINOR.PATCH", currentStr)
			}
			current = &v
		}

		a, err := newApp("NextVersion")
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.NextVersion(cmd.Context(), args[0], current, model.BumpKind(bump))
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

// reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Manage import reconciliations",
}

var reconcileCreateCmd = &cobra.Command{
	Use:   "create IMPORT_URI CANONICAL_URI",
	Short: "Link an imported record to its canonical counterpart",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("type")
		verifiedBy, _ := cmd.Flags().GetString("verified-by")
		notes, _ := cmd.Flags().GetString("notes")
		evidenceJSON, _ := cmd.Flags().GetString("evidence")

		var evidence []model.Evidence
		if evidenceJSON != "" {
			if err := json.Unmarshal([]byte(evidenceJSON), &evidence); err != nil {
				return fmt.Errorf("invalid evidence JSON: %w", err)
			}
		}

		a, err := newApp("CreateReconciliation")
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.CreateReconciliation(cmd.Context(), engine.CreateReconciliationInput{
			ImportURI:    args[0],
			CanonicalURI: args[1],
			Type:         model.ReconciliationType(kind),
			Evidence:     evidence,
			VerifiedBy:   verifiedBy,
			Notes:        notes,
		})
		if err != nil {
			a.SetOperationStatus("error")
			return err
		}
		return printJSON(rec)
	},
}

var reconcileGetCmd = &cobra.Command{
	Use:   "get IMPORT_URI",
	Short: "Show the reconciliation for an imported record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("GetReconciliation")
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.GetReconciliationByImportURI(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Println("No reconciliation found.")
			return nil
		}
		return printJSON(rec)
	},
}

var reconcileSetStatusCmd = &cobra.Command{
	Use:   "set-status ID STATUS",
	Short: "Change the review status of a reconciliation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")

		a, err := newApp("SetReconciliationStatus")
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.SetReconciliationStatus(cmd.Context(), args[0], model.ReconciliationStatus(args[1]), notes)
		if err != nil {
			a.SetOperationStatus("error")
			return err
		}
		return printJSON(rec)
	},
}

var reconcilePublishCmd = &cobra.Command{
	Use:   "publish ID",
	Short: "Publish a reconciliation to the governance repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("PublishReconciliation")
		if err != nil {
			return err
		}
		defer a.Close()

		published, err := a.PublishReconciliation(cmd.Context(), args[0])
		if err != nil {
			a.SetOperationStatus("error")
			return err
		}
		return printJSON(published)
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-PDS sync counters and the last scan run",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("Status")
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("History")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				d := op.FinishedAt.Time.Sub(op.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-22s  %s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
			)
		}
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// reconcile subcommands
	reconcileCmd.AddCommand(reconcileCreateCmd)
	reconcileCreateCmd.Flags().String("type", string(model.ReconciliationClaim), "Reconciliation type")
	reconcileCreateCmd.Flags().String("verified-by", "", "DID of the verifying actor")
	reconcileCreateCmd.Flags().String("notes", "", "Free-form notes")
	reconcileCreateCmd.Flags().String("evidence", "", "Evidence entries as a JSON array")
	reconcileCmd.AddCommand(reconcileGetCmd)
	reconcileCmd.AddCommand(reconcileSetStatusCmd)
	reconcileSetStatusCmd.Flags().String("notes", "", "Reason for the status change")
	reconcileCmd.AddCommand(reconcilePublishCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(deleteCmd)
	deleteCmd.Flags().String("source", string(model.DeletionSourceAdmin), "Deletion source to record")
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().String("bump", string(model.BumpPatch), "Version bump kind: major, minor, or patch")
	versionCmd.Flags().String("current", "", "Current version as MAJOR.MINOR.PATCH (omit for a new record)")
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
