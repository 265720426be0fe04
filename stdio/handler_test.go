package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/amap-mcp-server-go/amap"
	"github.com/ggoodman/amap-mcp-server-go/mcp"
	"github.com/ggoodman/amap-mcp-server-go/mcpservice"
)

type reply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type harness struct {
	t      *testing.T
	in     *io.PipeWriter
	out    chan reply
	served chan error
	h      *Handler
}

func newHarness(t *testing.T, ctx context.Context) *harness {
	t.Helper()
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"1","info":"OK","infocode":"10000","geocodes":[{"location":"116.48,39.99"}]}`)
	}))
	t.Cleanup(stub.Close)
	client, err := amap.NewClient("test-key", amap.WithBaseURL(stub.URL))
	if err != nil {
		t.Fatal(err)
	}
	srv := mcpservice.NewServer(
		mcpservice.WithServerInfo(amap.ServerInfo),
		mcpservice.WithTools(amap.Tools(client)...),
	)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	hs := &harness{t: t, in: inW, out: make(chan reply, 16), served: make(chan error, 1)}
	hs.h = NewHandler(srv,
		WithIO(inR, outW),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithUserProvider(StaticUser("tester")),
	)

	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			var r reply
			if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
				t.Errorf("bad output line %q: %v", sc.Text(), err)
				continue
			}
			hs.out <- r
		}
	}()
	go func() { hs.served <- hs.h.Serve(ctx) }()
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outW.Close()
	})
	return hs
}

func (hs *harness) send(line string) {
	hs.t.Helper()
	if _, err := io.WriteString(hs.in, line+"\n"); err != nil {
		hs.t.Fatalf("write: %v", err)
	}
}

func (hs *harness) next() reply {
	hs.t.Helper()
	select {
	case r := <-hs.out:
		return r
	case <-time.After(5 * time.Second):
		hs.t.Fatal("timed out waiting for a reply")
		return reply{}
	}
}

func TestServeSession(t *testing.T) {
	hs := newHarness(t, t.Context())

	hs.send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}`)
	r := hs.next()
	var init mcp.InitializeResult
	if r.Error != nil || json.Unmarshal(r.Result, &init) != nil {
		t.Fatalf("initialize: %+v", r)
	}
	if init.ServerInfo.Name != amap.ServerInfo.Name {
		t.Fatalf("server info = %+v", init.ServerInfo)
	}

	hs.send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	hs.send(`{"jsonrpc":"2.0","id":"list","method":"tools/list"}`)
	r = hs.next()
	var list mcp.ListToolsResult
	if string(r.ID) != `"list"` || json.Unmarshal(r.Result, &list) != nil || len(list.Tools) != 12 {
		t.Fatalf("tools/list: id %s, %d tools", r.ID, len(list.Tools))
	}

	hs.send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"geo","arguments":{"address":"北京市朝阳区阜通东大街6号"}}}`)
	r = hs.next()
	var res mcp.CallToolResult
	if json.Unmarshal(r.Result, &res) != nil || res.IsError {
		t.Fatalf("tools/call: %s", r.Result)
	}

	// A response from the client is dropped without a reply.
	hs.send(`{"jsonrpc":"2.0","id":99,"result":{}}`)
	hs.send(`{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	if r := hs.next(); string(r.ID) != "3" {
		t.Fatalf("ping reply id = %s", r.ID)
	}

	_ = hs.in.Close()
	select {
	case err := <-hs.served:
		if err != nil {
			t.Fatalf("Serve at EOF = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return at EOF")
	}
}

func TestServeFramingErrors(t *testing.T) {
	hs := newHarness(t, t.Context())

	hs.send(`{not json`)
	if r := hs.next(); r.Error == nil || r.Error.Code != -32700 || string(r.ID) != "null" {
		t.Fatalf("parse error reply = %+v", r)
	}
	hs.send(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
	if r := hs.next(); r.Error == nil || r.Error.Code != -32600 || !strings.Contains(r.Error.Message, "batch") {
		t.Fatalf("batch reply = %+v", r)
	}
	hs.send(``)
	hs.send(`{"jsonrpc":"2.0","id":7,"method":"resources/list"}`)
	if r := hs.next(); r.Error == nil || r.Error.Code != -32601 || string(r.ID) != "7" {
		t.Fatalf("unknown method reply = %+v", r)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	hs := newHarness(t, ctx)
	hs.send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	hs.next()

	cancel()
	select {
	case err := <-hs.served:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if err := hs.h.Serve(context.Background()); !errors.Is(err, ErrAlreadyServed) {
		t.Fatalf("second Serve = %v", err)
	}
}
