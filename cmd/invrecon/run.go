package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/cuemby/invrecon/pkg/auditlog"
	"github.com/cuemby/invrecon/pkg/reconciler"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one cadence once",
	Long: `Run the pipeline once for a cadence, under the same lease as the
scheduler, and print the run report.

Examples:
  # Reconcile the previous day now
  invrecon run --cadence daily

  # Investigate a specific hour without touching the channel
  invrecon run --cadence hourly --from 2026-01-20T10:00:00Z --to 2026-01-20T11:00:00Z --dry-run

  # Replay a captured audit log
  invrecon run --cadence hourly --fixture replay.json --dry-run`,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().String("cadence", "hourly", "Cadence to run")
	runCmd.Flags().String("from", "", "Window start (RFC 3339), overrides the cadence window")
	runCmd.Flags().String("to", "", "Window end (RFC 3339)")
	runCmd.Flags().Bool("dry-run", false, "Stop before dispatching remediation")
	runCmd.Flags().String("fixture", "", "Read the audit log from a JSON fixture instead of Postgres")
	runCmd.Flags().Bool("json", false, "Print the full report as JSON")
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cadence, _ := cmd.Flags().GetString("cadence")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	fixture, _ := cmd.Flags().GetString("fixture")
	asJSON, _ := cmd.Flags().GetBool("json")

	window, err := parseWindow(from, to)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, fixture)
	if err != nil {
		return err
	}
	defer p.Close()

	// a fixture without an explicit window is replayed whole
	if window == nil {
		if mem, ok := p.source.(*auditlog.MemoryLog); ok {
			span := mem.Span()
			window = &span
		}
	}

	report, runErr := p.scheduler.Trigger(ctx, cadence, window, dryRun)
	if report != nil {
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			printReport(report)
		}
	}
	return runErr
}

func parseWindow(from, to string) (*types.Window, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	if from == "" || to == "" {
		return nil, errors.New("--from and --to must be given together")
	}
	f, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return nil, fmt.Errorf("invalid --from: %w", err)
	}
	t, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return nil, fmt.Errorf("invalid --to: %w", err)
	}
	if !t.After(f) {
		return nil, errors.New("--to must be after --from")
	}
	return &types.Window{From: f.UTC(), To: t.UTC()}, nil
}

func printReport(report *reconciler.Report) {
	run := report.Run
	s := run.Stats

	fmt.Printf("Run %s (%s) %s\n", run.ID, run.Cadence, run.Status)
	fmt.Printf("  Window:      %s\n", run.Window)
	if run.DryRun {
		fmt.Println("  Dry run:     yes")
	}
	fmt.Printf("  Rows:        %d read, %d discarded, %d irrelevant, %d relevant\n", s.Rows, s.Discarded, s.Irrelevant, s.Relevant)
	reasons := make([]string, 0, len(s.DiscardReasons))
	for reason := range s.DiscardReasons {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Printf("               %d %s\n", s.DiscardReasons[reason], reason)
	}
	fmt.Printf("  Deletions:   %d unresolved, %d partial\n", s.Unresolved, s.Partial)
	fmt.Printf("  Triggers:    %d notified, %d missing, %d already remediated\n", s.Notified, s.Missing, s.AlreadyFixed)
	fmt.Printf("  Groups:      %d (%d dispatched, %d failed)\n", s.Groups, s.Dispatched, s.Failed)
	fmt.Printf("  Query time:  %s in %d queries", run.QueryDuration, report.Query.Queries)
	if run.Budget > 0 {
		fmt.Printf(" (budget %s)", run.Budget)
	}
	if run.OverBudget {
		fmt.Print(" OVER BUDGET")
	}
	fmt.Println()
	if run.Error != "" {
		fmt.Printf("  Error:       %s\n", run.Error)
	}

	if len(report.Groups) > 0 {
		fmt.Println()
		printGroups(report.Groups)
	}
}
