package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ggoodman/amap-mcp-server-go/internal/telemetry"
	"github.com/ggoodman/amap-mcp-server-go/stdio"
	"github.com/spf13/cobra"
)

func newStdioCommand(cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Serve a single client over stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := *cfg
			if c.APIKey == "" {
				return errors.New("AMAP_MAPS_API_KEY (or --api-key) is required")
			}
			log, err := newLogger(cmd.ErrOrStderr(), c.LogFormat, c.LogLevel)
			if err != nil {
				return err
			}
			return serveStdio(cmd.Context(), c, log, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "Amap web service key (AMAP_MAPS_API_KEY)")
	f.StringVar(&cfg.AmapBaseURL, "amap-base-url", cfg.AmapBaseURL, "Amap API base URL")
	f.DurationVar(&cfg.AmapTimeout, "amap-timeout", cfg.AmapTimeout, "outbound request timeout")
	f.StringVar(&cfg.CacheBackend, "cache", cfg.CacheBackend, "response cache: none, memory or redis")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: json or text")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	return cmd
}

// serveStdio shares the tool server construction with the HTTP modes but
// never opens a listener. Telemetry stdout exporters would corrupt the
// framing, so only none and otlp are honored.
func serveStdio(ctx context.Context, cfg Config, log *slog.Logger, in io.Reader, out io.Writer) error {
	if telemetry.Exporter(cfg.Telemetry) == telemetry.ExporterStdout {
		log.WarnContext(ctx, "stdio.telemetry.stdout_disabled")
		cfg.Telemetry = string(telemetry.ExporterNone)
	}
	a := &app{log: log}
	defer a.close(context.WithoutCancel(ctx))

	srv, err := a.newToolServer(ctx, cfg)
	if err != nil {
		return err
	}
	h := stdio.NewHandler(srv, stdio.WithIO(in, out), stdio.WithLogger(log))
	if err := h.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio: %w", err)
	}
	return nil
}
