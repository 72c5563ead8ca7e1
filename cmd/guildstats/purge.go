package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge [KEY...]",
	Short: "Drop cached snapshots so the next read refreshes",
	Long: `Drop cached snapshots and retry deadlines. Last-known-good records are
kept, so a failing refresh still serves real data.

Examples:
  guildstats purge main
  guildstats purge --all`,
	RunE: runPurge,
}

var purgeAll bool

func init() {
	purgeCmd.Flags().BoolVar(&purgeAll, "all", false, "purge every key that has been refreshed")
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !purgeAll {
		return fmt.Errorf("give at least one key or --all")
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	keys := args
	if purgeAll {
		if keys, err = a.stats.Keys(cmd.Context()); err != nil {
			return err
		}
	}
	for _, key := range keys {
		if err := a.stats.Invalidate(cmd.Context(), key); err != nil {
			return fmt.Errorf("purge %s: %w", key, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", key)
	}
	return nil
}
