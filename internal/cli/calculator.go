package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/graphchat/internal/mcpcalc"
	"github.com/spf13/cobra"
)

// newCalculatorCommand serves the calculator as an MCP tool server on
// stdin/stdout. Point MCP_CALCULATOR_CMD at "graphchat mcp-calculator" to use it.
func newCalculatorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-calculator",
		Short: "Serve the calculator over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return mcpcalc.Run(ctx, Version)
		},
	}
}
