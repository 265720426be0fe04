package streaminghttp

import (
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestGoSDKClientRoundTrip(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := t.Context()

	client := sdk.NewClient(&sdk.Implementation{Name: "sdk-client", Version: "1.0.0"}, &sdk.ClientOptions{})
	cs, err := client.Connect(ctx, &sdk.StreamableClientTransport{Endpoint: f.url}, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if got := cs.InitializeResult().ServerInfo.Name; got != "amap-maps" {
		t.Errorf("server name = %q", got)
	}

	tools, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools.Tools) != 12 {
		t.Fatalf("tools = %d, want 12", len(tools.Tools))
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "geo",
		Arguments: map[string]any{"address": "北京市朝阳区阜通东大街6号"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError || len(res.Content) != 1 {
		t.Fatalf("CallTool result: %+v", res)
	}
	if _, ok := res.Content[0].(*sdk.TextContent); !ok {
		t.Fatalf("content type = %T", res.Content[0])
	}
	if f.sessions.Len() != 1 {
		t.Fatalf("live sessions = %d, want 1", f.sessions.Len())
	}

	if err := cs.Close(); err != nil {
		t.Logf("close: %v", err)
	}
}
