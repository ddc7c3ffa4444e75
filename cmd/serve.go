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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/valpere/epubtran/internal/broadcast"
	"github.com/valpere/epubtran/internal/jobs"
	"github.com/valpere/epubtran/internal/server"
	"github.com/valpere/epubtran/internal/storage"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket API",
	Long: `Serve the translation API: upload books, start and cancel jobs,
download results and follow progress live on /ws/progress/<job_id>.

Jobs live in memory and are lost when the server stops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, err := buildBackend(cfg)
		if err != nil {
			return err
		}

		files, err := storage.NewLocal(cfg.Storage.UploadDir, cfg.Storage.OutputDir)
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

		hub := broadcast.New(logger)
		orch := buildOrchestrator(cfg, backend, files, db)
		registry := jobs.NewRegistry(orch, files, hub, logger)

		srv := server.New(backend, registry, files, hub, logger, server.Options{
			Version:        version,
			GinMode:        cfg.Server.GinMode,
			AllowedOrigins: cfg.Server.AllowedOrigins(),
			MaxUploadBytes: cfg.Server.MaxUploadBytes,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Infow("Translation backend", "backend", backend.Name(), "memory", db != nil)
		return srv.Run(ctx, fmt.Sprintf(":%d", cfg.Server.Port))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default 8000)")
	bindFlag(serveCmd, "port", "server.port")
}
