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

	"github.com/spf13/cobra"

	"github.com/valpere/epubtran/internal/config"
	"github.com/valpere/epubtran/internal/detector"
	"github.com/valpere/epubtran/internal/orchestrator"
	"github.com/valpere/epubtran/internal/store"
	"github.com/valpere/epubtran/internal/translator"
	"github.com/valpere/epubtran/internal/validator"
)

// buildBackend constructs the translation backend selected by cfg.Backend.
func buildBackend(c *config.Config) (translator.Backend, error) {
	switch c.Backend {
	case "ollama":
		return translator.NewOllamaClient(c.Ollama.URL,
			translator.WithTimeout(c.Ollama.Timeout),
			translator.WithSampling(c.Ollama.Temperature, c.Ollama.TopP),
		), nil
	case "google":
		return translator.NewGoogleService(c.Google.Credentials, c.Google.Project), nil
	case "openrouter":
		return translator.NewOpenRouterService(c.OpenRouter.APIKey, c.OpenRouter.URL, c.OpenRouter.Models, c.Ollama.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", c.Backend)
	}
}

// openStore opens the translation memory, or returns nil when it is
// disabled.
func openStore(c *config.Config) (*store.Store, error) {
	if c.DB.Disabled || c.DB.Path == "" {
		return nil, nil
	}
	db, err := store.New(c.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// buildOrchestrator wires the backend, file store, translation memory and
// language detector into an orchestrator. db may be nil.
func buildOrchestrator(c *config.Config, backend translator.Backend, files orchestrator.Files, db *store.Store) *orchestrator.Orchestrator {
	opts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	if db != nil {
		opts = append(opts, orchestrator.WithMemory(db), orchestrator.WithGlossary(db))
	}
	if c.Translation.DetectLanguage || c.Translation.ValidateOutput {
		det := detector.New()
		if c.Translation.DetectLanguage {
			opts = append(opts, orchestrator.WithDetector(det))
		}
		if c.Translation.ValidateOutput {
			opts = append(opts, orchestrator.WithValidator(validator.New(det)))
		}
	}

	return orchestrator.New(backend, files, orchestrator.Config{
		MaxChunkChars: c.Translation.MaxChunkChars,
		MaxAttempts:   c.Translation.MaxAttempts,
		BackoffUnit:   c.Translation.BackoffUnit,
		CallTimeout:   c.Ollama.Timeout,
		ContextWords:  c.Translation.ContextWords,
	}, opts...)
}

// withStore runs fn against the translation memory for the cache and
// glossary commands, which work on it even when jobs run without it.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, db *store.Store) error) error {
	if cfg.DB.Path == "" {
		return fmt.Errorf("no database path configured (set --db or db.path)")
	}
	db, err := store.New(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return fn(cmd.Context(), db)
}
