// Package main provides the guildstats CLI: the HTTP service plus one-shot
// fetch and purge commands against the same cache.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
