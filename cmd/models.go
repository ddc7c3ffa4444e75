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
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the translation backend's models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List models available on the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := buildBackend(cfg)
		if err != nil {
			return err
		}

		models, err := backend.ListModels(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list models: %w", err)
		}
		if len(models) == 0 {
			fmt.Printf("No models available on %s.\n", backend.Name())
			return nil
		}
		for _, m := range models {
			fmt.Println(m)
		}
		return nil
	},
}

var modelsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the backend is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := buildBackend(cfg)
		if err != nil {
			return err
		}
		if err := backend.IsAvailable(cmd.Context()); err != nil {
			return fmt.Errorf("%s is not available: %w", backend.Name(), err)
		}
		fmt.Printf("%s is available\n", backend.Name())
		return nil
	},
}

var modelsUnloadCmd = &cobra.Command{
	Use:   "unload <model>",
	Short: "Release a model's memory on the backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := buildBackend(cfg)
		if err != nil {
			return err
		}
		if !backend.UnloadModel(context.WithoutCancel(cmd.Context()), args[0]) {
			return fmt.Errorf("failed to unload model %s", args[0])
		}
		fmt.Printf("Unloaded model: %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)

	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsStatusCmd)
	modelsCmd.AddCommand(modelsUnloadCmd)
}
