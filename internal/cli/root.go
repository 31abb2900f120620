// Package cli implements the graphchat command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ashureev/graphchat/internal/config"
	"github.com/ashureev/graphchat/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X github.com/ashureev/graphchat/internal/cli.Version=...".
var Version = "dev"

// logToStdout marks commands whose stdout is not a protocol or UI stream.
const logToStdout = "log-stdout"

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	var cfg config.Config

	root := &cobra.Command{
		Use:           "graphchat",
		Short:         "Tool-using chat assistant",
		Long:          `graphchat is a chat assistant that can call tools (calculator, web search, stock quotes) and keeps every conversation in a durable checkpoint store.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file found, using environment variables")
			}
			loaded, err := config.Load()
			if err != nil {
				return err
			}
			cfg = *loaded

			var out io.Writer = os.Stderr
			if _, ok := cmd.Annotations[logToStdout]; ok {
				out = os.Stdout
			}
			logger, err := logging.New(out, cfg.Log.Format, cfg.Log.Level)
			if err != nil {
				return fmt.Errorf("configure logging: %w", err)
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	root.AddCommand(
		newServeCommand(&cfg),
		newCalculatorCommand(),
		newThreadsCommand(&cfg),
		newChatCommand(&cfg),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle().Render("error: "+err.Error()))
		os.Exit(1)
	}
}
