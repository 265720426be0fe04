package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/amap-mcp-server-go/mcp"
	"github.com/ggoodman/amap-mcp-server-go/mcpservice"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ggoodman/amap-mcp-server-go"

// Metrics records named counters and histograms on an OpenTelemetry meter.
// Instruments are created on first use. It satisfies sessions.MetricsSink.
type Metrics struct {
	meter metric.Meter
	log   *slog.Logger

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewMetrics returns a Metrics recording on mp.
func NewMetrics(mp metric.MeterProvider, log *slog.Logger) *Metrics {
	if log == nil {
		log = slog.Default()
	}
	return &Metrics{
		meter:      mp.Meter(meterName),
		log:        log,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (m *Metrics) IncCounter(name string, tags map[string]string) {
	c, ok := m.counter(name)
	if !ok {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(attrs(tags)...))
}

func (m *Metrics) ObserveHistogram(name string, value float64, tags map[string]string) {
	h, ok := m.histogram(name)
	if !ok {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(attrs(tags)...))
}

func (m *Metrics) counter(name string) (metric.Int64Counter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c, true
	}
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		m.log.Warn("telemetry.instrument.fail", slog.String("name", name), slog.String("err", err.Error()))
		return nil, false
	}
	m.counters[name] = c
	return c, true
}

func (m *Metrics) histogram(name string) (metric.Float64Histogram, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h, true
	}
	h, err := m.meter.Float64Histogram(name)
	if err != nil {
		m.log.Warn("telemetry.instrument.fail", slog.String("name", name), slog.String("err", err.Error()))
		return nil, false
	}
	m.histograms[name] = h
	return h, true
}

// ObserveGauge registers an asynchronous gauge reporting fn on every
// collection.
func (m *Metrics) ObserveGauge(name string, fn func() int) error {
	_, err := m.meter.Int64ObservableGauge(name, metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
		o.Observe(int64(fn()))
		return nil
	}))
	return err
}

// ToolMiddleware counts tool calls by tool and outcome and records their
// duration in seconds.
func (m *Metrics) ToolMiddleware() mcpservice.ToolMiddleware {
	return func(name string, next mcpservice.ToolHandler) mcpservice.ToolHandler {
		return func(ctx context.Context, sessionID string, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
			start := time.Now()
			res, err := next(ctx, sessionID, req)
			outcome := "ok"
			switch {
			case err != nil:
				outcome = "fault"
			case res != nil && res.IsError:
				outcome = "tool_error"
			}
			tags := map[string]string{"tool": name, "outcome": outcome}
			m.IncCounter("tool.calls", tags)
			m.ObserveHistogram("tool.duration_seconds", time.Since(start).Seconds(), tags)
			return res, err
		}
	}
}

func attrs(tags map[string]string) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, attribute.String(strings.ReplaceAll(k, " ", "_"), tags[k]))
	}
	return out
}
