package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/invrecon/pkg/storage"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// openStore opens the local state database read by the inspection commands
func openStore(cmd *cobra.Command) (*storage.BoltStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewBoltStore(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("%w (is invrecon serve holding the database? use the ops API instead)", err)
	}
	return store, nil
}

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeader(header)
	return table
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// Review commands
var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Inspect cascade deletions that need manual review",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deletions waiting for review",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		items, err := store.ListReviewItems()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Review queue is empty")
			return nil
		}

		table := newTable("LOG ID", "HOTEL", "RESERVATION", "RESOLUTION", "FOUND", "EXPECTED", "LOG TIME", "RUN")
		for _, it := range items {
			expected := "-"
			if it.Expected > 0 {
				expected = strconv.Itoa(it.Expected)
			}
			table.Append([]string{
				strconv.FormatInt(it.LogID, 10),
				strconv.FormatInt(it.HotelID, 10),
				strconv.FormatInt(it.RecordID, 10),
				string(it.Resolution),
				strconv.Itoa(it.Found),
				expected,
				formatTime(it.LogTime),
				it.RunID,
			})
		}
		table.Render()
		return nil
	},
}

var reviewResolveCmd = &cobra.Command{
	Use:   "resolve LOG_ID",
	Short: "Remove a handled deletion from the review queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid log id %q", args[0])
		}
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.ResolveReviewItem(logID, time.Now()); err != nil {
			return err
		}
		fmt.Printf("✓ Review item %d resolved\n", logID)
		return nil
	},
}

func init() {
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewResolveCmd)
	rootCmd.AddCommand(reviewCmd)
}

// Outcome commands
var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Inspect the dispatch outcome log",
}

var outcomesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dispatch attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		hotel, _ := cmd.Flags().GetInt64("hotel")
		runID, _ := cmd.Flags().GetString("run")
		failed, _ := cmd.Flags().GetBool("failed")

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		var outcomes []*types.DispatchOutcome
		switch {
		case hotel > 0:
			outcomes, err = store.ListOutcomesByHotel(hotel)
		case runID != "":
			outcomes, err = store.ListOutcomesByRun(runID)
		default:
			outcomes, err = store.ListOutcomes()
		}
		if err != nil {
			return err
		}

		table := newTable("TIME", "HOTEL", "CHECK IN", "CHECK OUT", "ATTEMPT", "RESULT", "STATUS", "LOG IDS", "ERROR")
		shown := 0
		for _, o := range outcomes {
			if failed && o.Result != types.DispatchPermanentFailure {
				continue
			}
			status := "-"
			if o.StatusCode > 0 {
				status = strconv.Itoa(o.StatusCode)
			}
			table.Append([]string{
				formatTime(o.AttemptedAt),
				strconv.FormatInt(o.HotelID, 10),
				o.CheckIn.String(),
				o.CheckOut.String(),
				strconv.Itoa(o.Attempt),
				string(o.Result),
				status,
				joinIDs(o.LogIDs),
				o.Error,
			})
			shown++
		}
		if shown == 0 {
			fmt.Println("No dispatch outcomes")
			return nil
		}
		table.Render()
		return nil
	},
}

func init() {
	outcomesListCmd.Flags().Int64("hotel", 0, "Only outcomes for this hotel")
	outcomesListCmd.Flags().String("run", "", "Only outcomes of this run")
	outcomesListCmd.Flags().Bool("failed", false, "Only permanent failures")
	outcomesCmd.AddCommand(outcomesListCmd)
	rootCmd.AddCommand(outcomesCmd)
}

// Run history commands
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cadence, _ := cmd.Flags().GetString("cadence")
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		runs, err := store.ListRuns()
		if err != nil {
			return err
		}

		table := newTable("STARTED", "CADENCE", "STATUS", "WINDOW", "ROWS", "MISSING", "GROUPS", "DISPATCHED", "FAILED", "QUERY", "BUDGET")
		shown := 0
		for _, r := range runs {
			if cadence != "" && r.Cadence != cadence {
				continue
			}
			if limit > 0 && shown >= limit {
				break
			}
			budget := r.Budget.String()
			if r.OverBudget {
				budget += " (over)"
			}
			status := string(r.Status)
			if r.DryRun {
				status += " (dry)"
			}
			table.Append([]string{
				formatTime(r.StartedAt),
				r.Cadence,
				status,
				r.Window.String(),
				strconv.Itoa(r.Stats.Rows),
				strconv.Itoa(r.Stats.Missing),
				strconv.Itoa(r.Stats.Groups),
				strconv.Itoa(r.Stats.Dispatched),
				strconv.Itoa(r.Stats.Failed),
				r.QueryDuration.Round(time.Millisecond).String(),
				budget,
			})
			shown++
		}
		if shown == 0 {
			fmt.Println("No runs recorded")
			return nil
		}
		table.Render()
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("cadence", "", "Only runs of this cadence")
	runsListCmd.Flags().Int("limit", 20, "Maximum number of runs to show (0 for all)")
	runsCmd.AddCommand(runsListCmd)
	rootCmd.AddCommand(runsCmd)
}
