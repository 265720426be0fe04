// Command amap-mcp serves the Amap maps tools over MCP streamable HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCommand(&cfg).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "amap-mcp",
		Short:         "Amap (Gaode) maps MCP tool server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newServeCommand(cfg, false),
		newServeCommand(cfg, true),
		newStdioCommand(cfg),
		newProbeCommand(),
	)
	return root
}

func newServeCommand(cfg *Config, stateless bool) *cobra.Command {
	use, short := "stateful", "Serve with sessions (initialize issues an Mcp-Session-Id)"
	if stateless {
		use, short = "stateless", "Serve every request from a fresh endpoint"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := *cfg
			if err := c.validate(stateless); err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), c.LogFormat, c.LogLevel)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), c, log, stateless)
			if err != nil {
				return err
			}
			return a.run(cmd.Context())
		},
	}
	bindServeFlags(cmd, cfg)
	return cmd
}
