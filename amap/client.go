// Package amap adapts the Amap (Gaode) web service API into MCP tools.
//
// Each tool issues one GET to restapi.amap.com, checks the response envelope
// and returns the body as a JSON text block. Remote and transport failures
// become tool-level errors (IsError) rather than protocol errors.
package amap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/amap-mcp-server-go/mcp"
	"github.com/ggoodman/amap-mcp-server-go/mcpservice"
	"github.com/ggoodman/amap-mcp-server-go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "https://restapi.amap.com"
	DefaultTimeout = 15 * time.Second

	tracerName = "github.com/ggoodman/amap-mcp-server-go/amap"

	// maxBodyBytes caps how much of a response body is read.
	maxBodyBytes = 8 << 20
)

// ErrMissingAPIKey is returned by NewClient without a key.
var ErrMissingAPIKey = errors.New("amap: api key is required")

// Client performs Amap web service calls.
type Client struct {
	baseURL  string
	key      string
	http     *http.Client
	cache    storage.Storage
	cacheTTL time.Duration
	tracer   trace.Tracer
	log      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API origin (tests point it at an httptest server).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client used for outbound calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCache memoizes successful responses in s for ttl.
func WithCache(s storage.Storage, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = s
		c.cacheTTL = ttl
	}
}

// WithTracerProvider sets where outbound-call spans are recorded.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient returns a Client authenticating with key.
func NewClient(key string, opts ...Option) (*Client, error) {
	if key == "" {
		return nil, ErrMissingAPIKey
	}
	c := &Client{
		baseURL: DefaultBaseURL,
		key:     key,
		http:    &http.Client{Timeout: DefaultTimeout},
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// api describes one remote endpoint.
type api struct {
	tool  string // tool name, also the cache namespace
	path  string // e.g. "v3/geocode/geo"
	label string // prefix of failure messages
	v4    bool   // errcode-style envelope
}

// call performs the request and converts the outcome into a tool result. It
// never returns a Go error: every failure is reported to the caller of the
// tool.
func (c *Client) call(ctx context.Context, a api, params url.Values) *mcp.CallToolResult {
	cacheKey := params.Encode()
	if body, ok := c.cached(ctx, a.tool, cacheKey); ok {
		return mcpservice.TextResult(string(body))
	}

	ctx, span := c.tracer.Start(ctx, "amap."+a.tool,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("amap.tool", a.tool),
			attribute.String("url.path", "/"+a.path),
		),
	)
	defer span.End()

	start := time.Now()
	log := c.log.With(slog.String("tool", a.tool), slog.String("path", a.path))

	body, status, err := c.get(ctx, a.path, params)
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		log.WarnContext(ctx, "amap.request.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return mcpservice.Errorf("Request failed: %v", err)
	}

	env, err := decodeEnvelope(body)
	if err != nil {
		if status < 200 || status > 299 {
			err = fmt.Errorf("unexpected HTTP status %d", status)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode")
		log.WarnContext(ctx, "amap.request.fail", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return mcpservice.Errorf("Request failed: %v", err)
	}

	if !env.ok(a.v4) {
		reason := env.reason()
		span.SetStatus(codes.Error, reason)
		log.InfoContext(ctx, "amap.request.rejected", slog.String("reason", reason), slog.Duration("dur", time.Since(start)))
		return mcpservice.Errorf("%s failed: %s", a.label, reason)
	}

	text := compact(body)
	c.store(ctx, a.tool, cacheKey, text)
	log.InfoContext(ctx, "amap.request.ok", slog.Int("bytes", len(text)), slog.Duration("dur", time.Since(start)))
	return mcpservice.TextResult(string(text))
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, int, error) {
	q := url.Values{}
	for k, vs := range params {
		q[k] = vs
	}
	q.Set("key", c.key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, 0, redactKey(err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, res.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, res.StatusCode, nil
}

func (c *Client) cached(ctx context.Context, ns, key string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	it, err := c.cache.Get(ctx, key, storage.WithNamespace(ns))
	if err != nil {
		c.log.WarnContext(ctx, "amap.cache.get.fail", slog.String("tool", ns), slog.String("err", err.Error()))
		return nil, false
	}
	if it == nil {
		return nil, false
	}
	c.log.DebugContext(ctx, "amap.cache.hit", slog.String("tool", ns))
	return it.Data, true
}

func (c *Client) store(ctx context.Context, ns, key string, body []byte) {
	if c.cache == nil {
		return
	}
	opts := []storage.Option{storage.WithNamespace(ns)}
	if c.cacheTTL > 0 {
		opts = append(opts, storage.WithTTL(c.cacheTTL))
	}
	if err := c.cache.Set(ctx, key, body, opts...); err != nil {
		c.log.WarnContext(ctx, "amap.cache.set.fail", slog.String("tool", ns), slog.String("err", err.Error()))
	}
}

func compact(body []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return body
	}
	return buf.Bytes()
}

// redactKey drops the key query parameter from the URL carried by a
// url.Error so the API key never reaches tool output or logs.
func redactKey(err error) error {
	var uerr *url.Error
	if !errors.As(err, &uerr) {
		return err
	}
	u, perr := url.Parse(uerr.URL)
	if perr != nil {
		return &url.Error{Op: uerr.Op, URL: "(unparseable url)", Err: uerr.Err}
	}
	q := u.Query()
	if !q.Has("key") {
		return err
	}
	q.Del("key")
	u.RawQuery = q.Encode()
	return &url.Error{Op: uerr.Op, URL: u.String(), Err: uerr.Err}
}
