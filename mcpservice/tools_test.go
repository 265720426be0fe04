package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ggoodman/amap-mcp-server-go/mcp"
)

type geoArgs struct {
	Address string `json:"address" jsonschema:"description=structured address"`
	City    string `json:"city,omitempty" jsonschema:"description=city name or adcode"`
}

type boundedArgs struct {
	N int `json:"n"`
}

func (a boundedArgs) Validate() error {
	if a.N < 0 {
		return errors.New("n must be non-negative")
	}
	return nil
}

func echoGeo() StaticTool {
	return NewTool[geoArgs]("geo", func(ctx context.Context, w ToolResponseWriter, r *ToolRequest[geoArgs]) error {
		return w.AppendText(r.SessionID() + ":" + r.Args().Address + "|" + r.Args().City)
	}, WithToolDescription("geocode"))
}

func callTool(t *testing.T, reg *Registry, name, args string) *mcp.CallToolResult {
	t.Helper()
	res, err := reg.Call(context.Background(), &mcp.CallToolRequestReceived{Name: name, Arguments: json.RawMessage(args)})
	if err != nil {
		t.Fatalf("Call(%s) error: %v", name, err)
	}
	return res
}

func TestNewTool_SchemaRequiredFromOmitempty(t *testing.T) {
	tool := echoGeo()
	s := tool.Descriptor.InputSchema
	if s.Type != "object" {
		t.Fatalf("expected object schema, got %q", s.Type)
	}
	if len(s.Required) != 1 || s.Required[0] != "address" {
		t.Fatalf("expected required=[address], got %v", s.Required)
	}
	if got := s.Properties["address"].Description; got != "structured address" {
		t.Fatalf("unexpected description: %q", got)
	}
	if s.AdditionalProperties {
		t.Fatalf("expected strict schema")
	}
	b, _ := json.Marshal(tool.Descriptor)
	if !strings.Contains(string(b), `"additionalProperties":false`) {
		t.Fatalf("expected additionalProperties to serialize, got %s", b)
	}
}

func TestNewTool_DecodesAndCalls(t *testing.T) {
	reg := NewRegistry("sess-1", echoGeo())
	res := callTool(t, reg, "geo", `{"address":"Beijing Chaoyang","city":"010"}`)
	if res.IsError {
		t.Fatalf("unexpected error result: %+v", res)
	}
	if got := res.Content[0].Text; got != "sess-1:Beijing Chaoyang|010" {
		t.Fatalf("unexpected text: %q", got)
	}
}

func TestNewTool_ArgumentErrorsAreToolErrors(t *testing.T) {
	reg := NewRegistry("", echoGeo(), NewTool[boundedArgs]("bounded", func(ctx context.Context, w ToolResponseWriter, r *ToolRequest[boundedArgs]) error {
		t.Fatalf("handler must not run")
		return nil
	}))

	cases := []struct {
		name string
		tool string
		args string
		want string
	}{
		{"missing", "geo", `{}`, "missing required field(s): address"},
		{"null required", "geo", `{"address":null}`, "missing required field(s): address"},
		{"nil arguments", "geo", ``, "missing required field(s): address"},
		{"not object", "geo", `[1]`, "arguments must be a JSON object"},
		{"unknown field", "geo", `{"address":"x","zzz":1}`, "unknown field"},
		{"wrong type", "geo", `{"address":42}`, "invalid arguments"},
		{"validator", "bounded", `{"n":-1}`, "n must be non-negative"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := callTool(t, reg, tc.tool, tc.args)
			if !res.IsError {
				t.Fatalf("expected tool error, got %+v", res)
			}
			if !strings.Contains(res.Content[0].Text, tc.want) {
				t.Fatalf("expected %q in %q", tc.want, res.Content[0].Text)
			}
		})
	}
}

func TestRegistry_UnknownToolAndClose(t *testing.T) {
	reg := NewRegistry("s", echoGeo())
	_, err := reg.Call(context.Background(), &mcp.CallToolRequestReceived{Name: "nope"})
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	_, err = reg.Call(context.Background(), &mcp.CallToolRequestReceived{Name: "geo", Arguments: json.RawMessage(`{"address":"a"}`)})
	if !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
	if _, err := reg.ListTools(context.Background(), nil); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed from list, got %v", err)
	}
}

func TestRegistry_Pagination(t *testing.T) {
	var defs []StaticTool
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		defs = append(defs, NewTool[geoArgs](n, func(ctx context.Context, w ToolResponseWriter, r *ToolRequest[geoArgs]) error { return nil }))
	}
	srv := NewServer(WithTools(defs...), WithPageSize(2))
	reg := srv.NewRegistry("s")

	var names []string
	var cursor *string
	for range 10 {
		page, err := reg.ListTools(context.Background(), cursor)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, tool := range page.Items {
			names = append(names, tool.Name)
		}
		if page.NextCursor == nil {
			break
		}
		cursor = page.NextCursor
	}
	if got := strings.Join(names, ","); got != "a,b,c,d,e" {
		t.Fatalf("unexpected listing order: %s", got)
	}
}

func TestServer_RegistriesAreIndependent(t *testing.T) {
	srv := NewServer(WithTools(echoGeo()))
	r1 := srv.NewRegistry("one")
	r2 := srv.NewRegistry("two")
	if err := r1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	res := callTool(t, r2, "geo", `{"address":"x"}`)
	if got := res.Content[0].Text; got != "two:x|" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestServer_MiddlewareOrder(t *testing.T) {
	var mu sync.Mutex
	var trace []string
	mw := func(tag string) ToolMiddleware {
		return func(name string, next ToolHandler) ToolHandler {
			return func(ctx context.Context, sessionID string, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
				mu.Lock()
				trace = append(trace, tag+":"+name)
				mu.Unlock()
				return next(ctx, sessionID, req)
			}
		}
	}
	srv := NewServer(WithTools(echoGeo()), WithToolMiddleware(mw("outer"), mw("inner")))
	callTool(t, srv.NewRegistry("s"), "geo", `{"address":"x"}`)
	if got := strings.Join(trace, ","); got != "outer:geo,inner:geo" {
		t.Fatalf("unexpected middleware order: %s", got)
	}
}

func TestToolResponseWriter_FinalizedAndCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := newToolResponseWriter(ctx)
	if err := w.AppendJSON(map[string]string{"k": "v"}); err != nil {
		t.Fatalf("append json: %v", err)
	}
	res := w.Result()
	if len(res.Content) != 1 || !strings.Contains(res.Content[0].Text, "\"k\": \"v\"") {
		t.Fatalf("unexpected content: %+v", res.Content)
	}
	if err := w.AppendText("late"); !errors.Is(err, ErrFinalized) {
		t.Fatalf("expected ErrFinalized, got %v", err)
	}
	cancel()
	w2 := newToolResponseWriter(ctx)
	if err := w2.AppendText("x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
