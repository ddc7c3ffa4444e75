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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/valpere/epubtran/internal"
	"github.com/valpere/epubtran/internal/orchestrator"
)

var (
	inputFile  string
	outputFile string
	sourceLang string
	targetLang string
	modelName  string
	backendArg string
)

var translateCmd = &cobra.Command{
	Use:   "translate",
	Short: "Translate an EPUB book",
	Long: `Translate a single EPUB book without starting the server.

The book is translated chapter by chapter; progress is printed to stderr.
Press Ctrl-C to cancel: the model is unloaded and no output is written.

Examples:
  epubtran translate -i book.epub -o book.uk.epub -t uk -m llama3.2
  epubtran translate -i book.epub -o out.epub -s en -t de --backend google`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if inputFile == outputFile {
			return fmt.Errorf("input file and output file cannot be the same")
		}
		if _, err := os.Stat(inputFile); err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}

		backend, err := buildBackend(cfg)
		if err != nil {
			return err
		}

		db, err := openStore(cfg)
		if err != nil {
			return err
		}
		if db != nil {
			defer db.Close()
		}

		files := localFiles{input: inputFile, output: outputFile}
		orch := buildOrchestrator(cfg, backend, files, db)

		job := orchestrator.NewJob(uuid.NewString(), internal.TranslationRequest{
			FileID:     filepath.Base(inputFile),
			SourceLang: sourceLang,
			TargetLang: targetLang,
			Model:      modelName,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		progress := make(chan internal.ProgressMessage, 64)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for msg := range progress {
				printProgress(msg)
			}
		}()

		runErr := orch.Run(ctx, job, progress)
		close(progress)
		<-done

		state := job.Snapshot()
		if runErr != nil {
			if errors.Is(runErr, orchestrator.ErrCancelled) {
				return fmt.Errorf("translation cancelled")
			}
			return runErr
		}

		if state.DetectedLang != "" {
			fmt.Fprintf(os.Stderr, "Detected source language: %s\n", state.DetectedLang)
		}
		fmt.Printf("Successfully translated %s to %s\n", state.EffectiveSourceLang(), state.TargetLang)
		fmt.Printf("Output: %s\n", state.OutputPath)
		return nil
	},
}

// localFiles serves the orchestrator from a single input path and writes the
// result to a single output path, ignoring job-derived names.
type localFiles struct {
	input  string
	output string
}

func (f localFiles) ReadUpload(string) ([]byte, error) {
	return os.ReadFile(f.input)
}

func (f localFiles) WriteOutput(_ string, data []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(f.output), 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(f.output, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write output file: %w", err)
	}
	return f.output, nil
}

func printProgress(msg internal.ProgressMessage) {
	switch msg.Status {
	case internal.StatusTranslating:
		if msg.ChunkTotal == 0 {
			return
		}
		fmt.Fprintf(os.Stderr, "\r[%5.1f%%] chapter %d/%d, chunk %d/%d, ETA %.0fs   ",
			msg.Percentage, msg.ChapterCurrent, msg.ChapterTotal,
			msg.ChunkCurrent, msg.ChunkTotal, msg.EstimatedTimeRemaining)
	case internal.StatusFailed:
		fmt.Fprintf(os.Stderr, "\nFailed: %s\n", msg.ErrorMessage)
	case internal.StatusCancelled:
		fmt.Fprintln(os.Stderr, "\nCancelled")
	case internal.StatusCompleted:
		fmt.Fprintln(os.Stderr, "\nDone")
	default:
		fmt.Fprintf(os.Stderr, "%s...\n", msg.Status)
	}
}

func init() {
	rootCmd.AddCommand(translateCmd)

	translateCmd.Flags().StringVarP(&inputFile, "input", "i", "", "Input EPUB file (required)")
	translateCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output EPUB file (required)")
	translateCmd.Flags().StringVarP(&sourceLang, "source", "s", orchestrator.AutoLanguage, "Source language code, or auto to detect")
	translateCmd.Flags().StringVarP(&targetLang, "target", "t", "", "Target language code (required)")
	translateCmd.Flags().StringVarP(&modelName, "model", "m", "", "Model name for LLM backends")
	translateCmd.Flags().StringVar(&backendArg, "backend", "", "Translation backend: ollama, google or openrouter")

	bindFlag(translateCmd, "backend", "backend")

	translateCmd.MarkFlagRequired("input")
	translateCmd.MarkFlagRequired("output")
	translateCmd.MarkFlagRequired("target")
}
