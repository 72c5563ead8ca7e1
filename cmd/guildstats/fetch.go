package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch KEY",
	Short: "Fetch one configured server through the cache and print it",
	Long: `Fetch one configured server through the same cache, lock and fallback
logic as the HTTP service, then print the snapshot as JSON.

Examples:
  # Served from cache when fresh
  guildstats fetch main

  # Force an upstream refresh
  guildstats fetch main --refresh`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

var fetchRefresh bool

func init() {
	fetchCmd.Flags().BoolVar(&fetchRefresh, "refresh", false, "bypass the cached snapshot and any retry-after cool-down")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	key := args[0]
	s, ok := cfg.FindServer(key)
	if !ok {
		return fmt.Errorf("server %q is not configured", key)
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := options(s)
	opts.BypassCache = fetchRefresh
	opts.IgnoreRetryAfter = fetchRefresh
	res, err := a.stats.Get(cmd.Context(), key, opts)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"key":           key,
		"stats":         res.Stats,
		"reason":        res.Reason,
		"used_cache":    res.UsedCache,
		"fallback_used": res.FallbackUsed,
		"bot_called":    res.BotCalled,
		"retry_after":   res.RetryAfter,
	})
}
