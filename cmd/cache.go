package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the persisted result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show entry counts per cache",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		backend, err := initCache(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		stats, err := backend.Stats(ctx)
		if err != nil {
			return eris.Wrap(err, "cache stats")
		}
		if len(stats) == 0 {
			fmt.Fprintln(os.Stderr, "Cache is empty.")
			return nil
		}
		formatCacheStats(os.Stdout, stats)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear <name>",
	Short: "Remove every entry of one cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		backend, err := initCache(ctx)
		if err != nil {
			return err
		}
		defer backend.Close() //nolint:errcheck

		n, err := backend.Clear(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "cache clear %s", args[0])
		}
		zap.L().Info("cache cleared", zap.String("cache", args[0]), zap.Int("entries", n))
		fmt.Fprintf(os.Stdout, "Removed %d entries from %s.\n", n, args[0])
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

// formatCacheStats writes one line per cache. Unreadable caches report -1.
func formatCacheStats(out io.Writer, stats map[string]int) {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CACHE\tENTRIES")
	for _, name := range names {
		entries := fmt.Sprint(stats[name])
		if stats[name] < 0 {
			entries = "unreadable"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\n", name, entries)
	}
	_ = w.Flush()
}
