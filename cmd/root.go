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
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/valpere/epubtran/internal/config"
	"github.com/valpere/epubtran/internal/logging"
)

var version = "0.1.0"

var (
	configFile string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *zap.SugaredLogger
)

// flagBinding maps a command-line flag onto a config key.
type flagBinding struct {
	cmd  *cobra.Command
	flag string
	key  string
}

var flagBindings []flagBinding

func bindFlag(cmd *cobra.Command, flag, key string) {
	flagBindings = append(flagBindings, flagBinding{cmd: cmd, flag: flag, key: key})
}

var rootCmd = &cobra.Command{
	Use:   "epubtran",
	Short: "EPUB book translator",
	Long: `Translate EPUB books chapter by chapter with a local Ollama model
or a cloud translation backend, keeping the book's structure intact.

Run "epubtran serve" for the HTTP/WebSocket API used by the web UI, or
"epubtran translate" to translate a single book from the command line.

Settings come from flags, EPUBTRAN_* environment variables, .env.local and
an optional config file (see --config).`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v, err := config.NewViper(configFile)
		if err != nil {
			return err
		}
		if err := bindFlags(v, cmd); err != nil {
			return err
		}
		c, err := config.FromViper(v)
		if err != nil {
			return err
		}

		l, err := logging.New(logging.Options{
			Level:       c.Log.Level,
			Format:      c.Log.Format,
			Development: c.Log.Level == "debug",
		})
		if err != nil {
			return err
		}

		cfg = c
		logger = l.Sugar()
		if used := v.ConfigFileUsed(); used != "" {
			logger.Debugw("Loaded config file", "path", used)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// bindFlags binds the flags registered for cmd and its ancestors. After
// parsing, cmd.Flags() holds the inherited persistent flags too.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for _, b := range flagBindings {
		if !appliesTo(b.cmd, cmd) {
			continue
		}
		f := cmd.Flags().Lookup(b.flag)
		if f == nil {
			return fmt.Errorf("unknown flag %q for %s", b.flag, b.key)
		}
		if err := v.BindPFlag(b.key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", b.flag, err)
		}
	}
	return nil
}

func appliesTo(owner, cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c == owner {
			return true
		}
	}
	return false
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: ./epubtran.yaml or ~/.config/epubtran/epubtran.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json")

	bindFlag(rootCmd, "log-level", "log.level")
	bindFlag(rootCmd, "log-format", "log.format")
}
