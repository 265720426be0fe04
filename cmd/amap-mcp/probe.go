package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	nameStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
)

const probeVersion = "1.0.0"

type probeOptions struct {
	url     string
	tool    string
	args    string
	timeout time.Duration
}

func newProbeCommand() *cobra.Command {
	opts := probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to a running server, list its tools and optionally call one",
		Example: `  amap-mcp probe --url http://localhost:3001/mcp
  amap-mcp probe --tool geo --args '{"address":"北京市朝阳区阜通东大街6号"}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return probe(ctx, cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "http://localhost:3001/mcp", "MCP endpoint URL")
	f.StringVar(&opts.tool, "tool", "", "tool to call after listing")
	f.StringVar(&opts.args, "args", "{}", "tool arguments as a JSON object")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}

func probe(ctx context.Context, out io.Writer, opts probeOptions) error {
	var args map[string]any
	if err := json.Unmarshal([]byte(opts.args), &args); err != nil {
		return fmt.Errorf("--args must be a JSON object: %w", err)
	}

	client := sdk.NewClient(&sdk.Implementation{Name: "amap-mcp-probe", Version: probeVersion}, nil)
	cs, err := client.Connect(ctx, &sdk.StreamableClientTransport{Endpoint: opts.url}, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", opts.url, err)
	}
	defer cs.Close()

	info := cs.InitializeResult()
	fmt.Fprintf(out, "%s %s\n", titleStyle.Render("Connected to "+info.ServerInfo.Name), dimStyle.Render(info.ServerInfo.Version+" / "+info.ProtocolVersion))

	tools, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%d tools", len(tools.Tools))))
	for _, t := range tools.Tools {
		fmt.Fprintf(out, "  %s %s\n", nameStyle.Render(t.Name), dimStyle.Render(t.Description))
	}

	if opts.tool == "" {
		return nil
	}
	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: opts.tool, Arguments: args})
	if err != nil {
		return fmt.Errorf("call %s: %w", opts.tool, err)
	}
	status := okStyle.Render("ok")
	if res.IsError {
		status = errStyle.Render("error")
	}
	fmt.Fprintf(out, "%s %s\n", nameStyle.Render(opts.tool), status)
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok {
			fmt.Fprintln(out, tc.Text)
		}
	}
	if res.IsError {
		return fmt.Errorf("tool %s reported an error", opts.tool)
	}
	return nil
}
