package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/invrecon/pkg/log"
	"github.com/cuemby/invrecon/pkg/storage"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "invrecon-prune",
	Short: "Back up and prune the invrecon state database",
	Long: `Remove dispatch outcomes, finished run records and remediated log ids
older than the retention period from the local state database.

The review queue is never pruned. Stop invrecon serve first; the database
can only be opened by one process at a time.`,
	SilenceUsage: true,
	RunE:         runPrune,
}

func init() {
	rootCmd.Flags().String("data-dir", "./invrecon-data", "invrecon data directory")
	rootCmd.Flags().Duration("retention", 30*24*time.Hour, "Keep records newer than this")
	rootCmd.Flags().Bool("dry-run", false, "Show what would be pruned without making changes")
	rootCmd.Flags().String("backup", "", "Backup path (default: <data-dir>/invrecon.db.<timestamp>.backup)")
	rootCmd.Flags().Bool("no-backup", false, "Skip the backup")
}

func runPrune(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	retention, _ := cmd.Flags().GetDuration("retention")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	backupPath, _ := cmd.Flags().GetString("backup")
	noBackup, _ := cmd.Flags().GetBool("no-backup")

	log.Init(log.Config{Level: log.InfoLevel, Output: os.Stderr})
	logger := log.WithComponent("prune")

	if retention <= 0 {
		return fmt.Errorf("--retention must be positive")
	}
	dbPath := filepath.Join(dataDir, storage.DBFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database not found at %s", dbPath)
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	before, err := store.Stats()
	if err != nil {
		return err
	}
	logger.Info().
		Str("database", dbPath).
		Int("outcomes", before.Outcomes).
		Int("runs", before.Runs).
		Int("remediated", before.Remediated).
		Int("review", before.Review).
		Int("resolved", before.Resolved).
		Msg("Database opened")

	if !dryRun && !noBackup {
		if backupPath == "" {
			backupPath = fmt.Sprintf("%s.%s.backup", dbPath, time.Now().UTC().Format("20060102T150405Z"))
		}
		if err := store.Backup(backupPath); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
		logger.Info().Str("path", backupPath).Msg("Backup created")
	}

	cutoff := time.Now().Add(-retention)
	result, err := store.Prune(cutoff, dryRun)
	if err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}

	verb := "Pruned"
	if dryRun {
		verb = "Would prune"
	}
	fmt.Printf("%s records older than %s:\n", verb, cutoff.UTC().Format(time.RFC3339))
	fmt.Printf("  Outcomes:   %d of %d\n", result.Outcomes, before.Outcomes)
	fmt.Printf("  Runs:       %d of %d\n", result.Runs, before.Runs)
	fmt.Printf("  Remediated: %d of %d\n", result.Remediated, before.Remediated)
	if dryRun {
		fmt.Println("\nDry run completed. No changes made.")
	}
	return nil
}
