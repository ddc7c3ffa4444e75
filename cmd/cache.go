/*
Copyright © 2025 Valentyn Solomko <valentyn.solomko@gmail.com>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/valpere/epubtran/internal/store"
)

var cacheDBPath string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the translation memory",
	Long: `Inspect and prune the SQLite translation memory.

Each entry maps a chunk of source text, language pair and model to the
translation produced for it. Invalidated entries are kept but never reused.`,
}

func init() {
	rootCmd.AddCommand(cacheCmd)

	cacheCmd.PersistentFlags().StringVar(&cacheDBPath, "db", "", "Database path (default ./data/epubtran.db)")
	bindFlag(cacheCmd, "db", "db.path")

	cacheCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List translation memory entries",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, listMemory)
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show translation memory statistics",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, printMemoryStats)
			},
		},
		&cobra.Command{
			Use:   "invalidate <id>",
			Short: "Stop reusing an entry",
			Long: `Mark an entry as invalid so the next job translates its chunk again.
The entry is replaced when the new translation is saved.`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, func(ctx context.Context, db *store.Store) error {
					if err := db.InvalidateMemory(ctx, args[0]); err != nil {
						return fmt.Errorf("invalidate %s: %w", args[0], err)
					}
					fmt.Printf("Invalidated entry: %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete an entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, func(ctx context.Context, db *store.Store) error {
					if err := db.DeleteMemory(ctx, args[0]); err != nil {
						return fmt.Errorf("delete %s: %w", args[0], err)
					}
					fmt.Printf("Deleted entry: %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every entry",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStore(cmd, func(ctx context.Context, db *store.Store) error {
					n, err := db.ClearMemory(ctx)
					if err != nil {
						return fmt.Errorf("clear translation memory: %w", err)
					}
					fmt.Printf("Removed %d entries.\n", n)
					return nil
				})
			},
		},
	)
}

func listMemory(ctx context.Context, db *store.Store) error {
	entries, err := db.ListMemory(ctx)
	if err != nil {
		return fmt.Errorf("list translation memory: %w", err)
	}
	if len(entries) == 0 {
		fmt.Println("Translation memory is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPAIR\tMODEL\tUSES\tLAST USED\tINVALID\tSOURCE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s→%s\t%s\t%d\t%s\t%t\t%s\n",
			e.ID, e.SourceLang, e.TargetLang, e.Model, e.UsageCount,
			e.LastUsed.Format("2006-01-02 15:04"), e.Invalidated, snippet(e.SourceText, 40))
	}
	return w.Flush()
}

func printMemoryStats(ctx context.Context, db *store.Store) error {
	stats, err := db.Stats(ctx)
	if err != nil {
		return fmt.Errorf("translation memory stats: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Entries:\t%d\n", stats.TotalEntries)
	fmt.Fprintf(w, "Active:\t%d\n", stats.ActiveEntries)
	fmt.Fprintf(w, "Invalidated:\t%d\n", stats.InvalidEntries)
	fmt.Fprintf(w, "Reuses:\t%d\n", stats.TotalUsage)
	return w.Flush()
}

// snippet shortens s to at most max runes.
func snippet(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
