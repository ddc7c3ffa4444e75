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

	"github.com/spf13/cobra"

	"github.com/valpere/epubtran/internal/store"
)

var (
	glossaryDBPath string
	glossarySource string
	glossaryTarget string
)

var glossaryCmd = &cobra.Command{
	Use:   "glossary",
	Short: "Manage the terminology glossary",
	Long: `Glossary terms for a job's language pair are sent to LLM backends with every
chunk, so names and recurring terms read the same way throughout the book.`,
}

var glossaryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List glossary terms, optionally for one language pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, db *store.Store) error {
			entries, err := db.ListGlossaryTerms(ctx, glossarySource, glossaryTarget)
			if err != nil {
				return fmt.Errorf("list glossary: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println("No glossary terms.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPAIR\tTERM\tTRANSLATION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s→%s\t%s\t%s\n", e.ID, e.SourceLang, e.TargetLang, e.SourceTerm, e.TargetTerm)
			}
			return w.Flush()
		})
	},
}

var glossaryAddCmd = &cobra.Command{
	Use:   "add <term> <translation>",
	Short: "Add a term or replace its translation",
	Long: `Pin the translation of a term for one language pair.

Example:
  epubtran glossary add Frodo Фродо -s en -t uk`,
	Args: cobra.ExactArgs(2),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if glossarySource == "" || glossaryTarget == "" {
			return fmt.Errorf("--source and --target are required")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, db *store.Store) error {
			if err := db.AddGlossaryTerm(ctx, glossarySource, glossaryTarget, args[0], args[1]); err != nil {
				return fmt.Errorf("add glossary term: %w", err)
			}
			fmt.Printf("%s→%s: %s = %s\n", glossarySource, glossaryTarget, args[0], args[1])
			return nil
		})
	},
}

var glossaryDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: `Delete a term by the ID shown in "glossary list"`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, db *store.Store) error {
			if err := db.DeleteGlossaryTerm(ctx, args[0]); err != nil {
				return fmt.Errorf("delete %s: %w", args[0], err)
			}
			fmt.Printf("Deleted glossary term: %s\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(glossaryCmd)

	glossaryCmd.PersistentFlags().StringVar(&glossaryDBPath, "db", "", "Database path (default ./data/epubtran.db)")
	bindFlag(glossaryCmd, "db", "db.path")

	for _, c := range []*cobra.Command{glossaryListCmd, glossaryAddCmd} {
		c.Flags().StringVarP(&glossarySource, "source", "s", "", "Source language code (e.g. en)")
		c.Flags().StringVarP(&glossaryTarget, "target", "t", "", "Target language code (e.g. uk)")
	}

	glossaryCmd.AddCommand(glossaryListCmd, glossaryAddCmd, glossaryDeleteCmd)
}
