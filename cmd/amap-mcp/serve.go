package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ggoodman/amap-mcp-server-go/amap"
	"github.com/ggoodman/amap-mcp-server-go/auth"
	"github.com/ggoodman/amap-mcp-server-go/internal/telemetry"
	"github.com/ggoodman/amap-mcp-server-go/internal/wellknown"
	"github.com/ggoodman/amap-mcp-server-go/mcpservice"
	"github.com/ggoodman/amap-mcp-server-go/sessions"
	"github.com/ggoodman/amap-mcp-server-go/storage"
	"github.com/ggoodman/amap-mcp-server-go/storage/memory"
	"github.com/ggoodman/amap-mcp-server-go/storage/redis"
	"github.com/ggoodman/amap-mcp-server-go/streaminghttp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
)

const shutdownGrace = 10 * time.Second

// app is everything a server process owns, in shutdown order.
type app struct {
	log      *slog.Logger
	httpSrv  *http.Server
	sessions *streaminghttp.SessionManager
	cache    storage.Storage
	otel     *telemetry.Providers
	metrics  *telemetry.Metrics
	metadata *wellknown.Resource
}

func newApp(ctx context.Context, cfg Config, log *slog.Logger, stateless bool) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	srv, err := a.newToolServer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	hopts := []streaminghttp.Option{
		streaminghttp.WithLogger(log),
		streaminghttp.WithPath(cfg.Path),
	}
	if cfg.AuthIssuer != "" {
		authn, err := auth.New(ctx, auth.Config{Issuer: cfg.AuthIssuer, Audience: cfg.AuthAudience, JWKSURL: cfg.AuthJWKSURL})
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		a.metadata = &wellknown.Resource{
			Path:    cfg.Path,
			Issuer:  cfg.AuthIssuer,
			JWKSURL: cfg.AuthJWKSURL,
			Name:    amap.ServerInfo.Name,
		}
		if cfg.PublicURL != "" {
			if a.metadata.PublicURL, err = url.Parse(cfg.PublicURL); err != nil {
				return nil, fmt.Errorf("public URL: %w", err)
			}
		}
		hopts = append(hopts,
			streaminghttp.WithAuthenticator(authn),
			streaminghttp.WithResourceMetadata(*a.metadata),
		)
	}
	if stateless {
		hopts = append(hopts, streaminghttp.WithStateless())
	} else {
		a.sessions = streaminghttp.NewSessionManager(srv, log,
			sessions.WithIdleTimeout(cfg.IdleTimeout),
			sessions.WithMaxSessions(cfg.MaxSessions),
			sessions.WithMetrics(a.metrics),
		)
		if err := a.metrics.ObserveGauge("sessions.live", a.sessions.Len); err != nil {
			return nil, fmt.Errorf("register session gauge: %w", err)
		}
		hopts = append(hopts, streaminghttp.WithSessions(a.sessions))
	}
	mcpHandler, err := streaminghttp.New(srv, hopts...)
	if err != nil {
		return nil, err
	}

	a.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           a.router(mcpHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// newToolServer sets up telemetry and the cache, then builds the Amap tool
// server on top of them. Everything it opens is released by close.
func (a *app) newToolServer(ctx context.Context, cfg Config) (*mcpservice.Server, error) {
	var err error
	if a.otel, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "amap-mcp",
		ServiceVersion: amap.ServerInfo.Version,
		Exporter:       telemetry.Exporter(cfg.Telemetry),
	}); err != nil {
		return nil, err
	}
	otel.SetTracerProvider(a.otel.TracerProvider)
	otel.SetMeterProvider(a.otel.MeterProvider)
	a.metrics = telemetry.NewMetrics(a.otel.MeterProvider, a.log)

	if a.cache, err = newCache(ctx, cfg); err != nil {
		return nil, err
	}

	clientOpts := []amap.Option{
		amap.WithBaseURL(cfg.AmapBaseURL),
		amap.WithHTTPClient(&http.Client{Timeout: cfg.AmapTimeout}),
		amap.WithTracerProvider(a.otel.TracerProvider),
		amap.WithLogger(a.log),
	}
	if a.cache != nil {
		clientOpts = append(clientOpts, amap.WithCache(a.cache, cfg.CacheTTL))
	}
	client, err := amap.NewClient(cfg.APIKey, clientOpts...)
	if err != nil {
		return nil, err
	}

	return mcpservice.NewServer(
		mcpservice.WithServerInfo(amap.ServerInfo),
		mcpservice.WithInstructions(amap.Instructions),
		mcpservice.WithTools(amap.Tools(client)...),
		mcpservice.WithToolMiddleware(a.metrics.ToolMiddleware()),
	), nil
}

func newCache(ctx context.Context, cfg Config) (storage.Storage, error) {
	switch cfg.CacheBackend {
	case "memory":
		s, err := memory.New(cfg.CacheSize, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("memory cache: %w", err)
		}
		return s, nil
	case "redis":
		s, err := redis.NewFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		return s, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

func (a *app) router(mcpHandler *streaminghttp.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok", "mode": "stateful"}
		if mcpHandler.Stateless() {
			body["mode"] = "stateless"
		} else {
			body["sessions"] = a.sessions.Len()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	if a.metadata != nil {
		r.Method(http.MethodGet, a.metadata.MetadataPath(), a.metadata)
	}
	r.Handle(mcpHandler.Path(), mcpHandler)
	return r
}

// run serves until ctx is done, then shuts down gracefully.
func (a *app) run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		a.log.InfoContext(ctx, "http.listen", slog.String("addr", a.httpSrv.Addr))
		errc <- a.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		a.close(context.WithoutCancel(ctx))
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.log.InfoContext(ctx, "shutdown.start")
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := a.httpSrv.Shutdown(sctx); err != nil {
		a.log.WarnContext(sctx, "http.shutdown.fail", slog.String("err", err.Error()))
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.WarnContext(sctx, "http.serve.fail", slog.String("err", err.Error()))
	}
	a.close(sctx)
	a.log.InfoContext(sctx, "shutdown.done")
	return nil
}

// close releases sessions, then the cache, then flushes telemetry.
func (a *app) close(ctx context.Context) {
	if a.sessions != nil {
		if err := a.sessions.Close(ctx); err != nil {
			a.log.WarnContext(ctx, "sessions.close.fail", slog.String("err", err.Error()))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.WarnContext(ctx, "cache.close.fail", slog.String("err", err.Error()))
		}
	}
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			a.log.WarnContext(ctx, "telemetry.shutdown.fail", slog.String("err", err.Error()))
		}
	}
}
