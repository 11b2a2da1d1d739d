package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/cuemby/invrecon/pkg/grouper"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/spf13/cobra"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Group missing triggers offline",
	Long: `Read a JSON array of missing triggers and print the remediation groups
the dispatcher would send, without touching any database or the channel.

Each trigger needs hotel_id, check_in, check_out (YYYY-MM-DD) and log_ids.
Use "-" to read from stdin.`,
	RunE: runMerge,
}

func init() {
	mergeCmd.Flags().StringP("file", "f", "", "JSON file of missing triggers (required)")
	mergeCmd.Flags().Bool("json", false, "Print groups as JSON")
	_ = mergeCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	asJSON, _ := cmd.Flags().GetBool("json")

	var r io.Reader = os.Stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		defer f.Close()
		r = f
	}

	triggers, err := readTriggers(r)
	if err != nil {
		return err
	}
	groups := grouper.Merge(triggers)

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(groups)
	}
	fmt.Printf("%d triggers merged into %d groups\n\n", len(triggers), len(groups))
	printGroups(groups)
	return nil
}

func readTriggers(r io.Reader) ([]types.MissingTrigger, error) {
	var triggers []types.MissingTrigger
	if err := json.NewDecoder(r).Decode(&triggers); err != nil {
		return nil, fmt.Errorf("failed to parse triggers: %w", err)
	}
	for i, t := range triggers {
		if t.HotelID == 0 || t.CheckIn.IsZero() || t.CheckOut.IsZero() {
			return nil, fmt.Errorf("trigger %d: hotel_id, check_in and check_out are required", i)
		}
		if t.CheckOut.Before(t.CheckIn) {
			return nil, fmt.Errorf("trigger %d: check_out %s is before check_in %s", i, t.CheckOut, t.CheckIn)
		}
	}
	return triggers, nil
}

func printGroups(groups []types.RemediationGroup) {
	table := newTable("HOTEL", "CHECK IN", "CHECK OUT", "TRIGGERS", "LOG IDS")
	for _, g := range groups {
		table.Append([]string{
			strconv.FormatInt(g.HotelID, 10),
			g.CheckIn.String(),
			g.CheckOut.String(),
			strconv.Itoa(len(g.Members)),
			joinIDs(g.LogIDs()),
		})
	}
	table.Render()
}
