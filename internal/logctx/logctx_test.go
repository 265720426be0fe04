package logctx

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := Wrap(slog.New(slog.NewTextHandler(&buf, nil)))

	ctx := WithRequestData(context.Background(), &RequestData{RequestID: "r1", Method: "POST", Path: "/mcp"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "s1"})
	ctx = WithToolCallData(ctx, &ToolCallData{ToolName: "geo"})

	log.With(slog.String("component", "test")).InfoContext(ctx, "tool.call")

	out := buf.String()
	for _, want := range []string{"req.id=r1", "req.path=/mcp", "sess.id=s1", "tool.name=geo", "component=test"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
	if strings.Contains(out, "sess.user_id") {
		t.Errorf("empty user id should be omitted: %q", out)
	}
}

func TestWrapIsIdempotent(t *testing.T) {
	l := Wrap(slog.Default())
	if Wrap(l) != l {
		t.Fatal("wrapping a wrapped logger should return it unchanged")
	}
}
