// Command indiepost signs users in with IndieAuth and posts to their
// Micropub endpoint.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/phsym/console-slog"
	"github.com/spf13/cobra"
)

var envFile = ".env"

var rootCmd = &cobra.Command{
	Use:          "indiepost",
	Short:        "IndieAuth sign-in and Micropub posting",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnv(envFile)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", envFile, "dotenv file to load before reading the environment")
	rootCmd.AddCommand(serveCmd, serviceTokenCmd)
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(cfg Config) *slog.Logger {
	var h slog.Handler
	if cfg.PrettyLogs {
		h = console.NewHandler(os.Stderr, &console.HandlerOptions{Level: cfg.LogLevel})
	} else {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
