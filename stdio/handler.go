package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/amap-mcp-server-go/internal/engine"
	"github.com/ggoodman/amap-mcp-server-go/internal/jsonrpc"
	"github.com/ggoodman/amap-mcp-server-go/internal/logctx"
	"github.com/ggoodman/amap-mcp-server-go/mcpservice"
)

// maxLineBytes bounds a single framed message, matching the HTTP body limit.
const maxLineBytes = 4 << 20

// ErrAlreadyServed is returned when Serve is called a second time.
var ErrAlreadyServed = errors.New("stdio: handler already served")

// Handler is a single-connection stdio transport. By default it reads
// os.Stdin and writes os.Stdout.
type Handler struct {
	srv          *mcpservice.Server
	r            io.Reader
	w            io.Writer
	log          *slog.Logger
	userProvider UserProvider

	wmu    sync.Mutex
	served atomic.Bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv *mcpservice.Server, opts ...Option) *Handler {
	h := &Handler{
		srv:          srv,
		r:            os.Stdin,
		w:            os.Stdout,
		log:          slog.Default(),
		userProvider: OSUserProvider{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)
	return h
}

// Serve runs the read loop until EOF on the reader or until ctx is done.
// Requests are handled concurrently so a notifications/cancelled can reach
// an in-flight tool call; notifications are handled in arrival order. At
// EOF Serve waits for in-flight requests and returns nil.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}

	userID, err := h.userProvider.CurrentUserID()
	if err != nil {
		h.log.WarnContext(ctx, "stdio.user.unknown", slog.String("err", err.Error()))
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{UserID: userID})

	ep := engine.NewEndpoint("", h.srv, engine.WithLogger(h.log))
	defer func() {
		if err := ep.Close(); err != nil {
			h.log.WarnContext(ctx, "endpoint.close.fail", slog.String("err", err.Error()))
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			select {
			case lines <- bytes.Clone(sc.Bytes()):
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	h.log.InfoContext(ctx, "stdio.serve.start")
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "stdio.serve.cancelled")
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("stdio: read: %w", err)
			}
			wg.Wait()
			h.log.InfoContext(ctx, "stdio.serve.eof")
			return nil
		case line := <-lines:
			h.handleLine(ctx, &wg, ep, line)
		}
	}
}

func (h *Handler) handleLine(ctx context.Context, wg *sync.WaitGroup, ep *engine.Endpoint, line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrBatchUnsupported) {
			h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
			h.write(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, "Invalid Request: batch messages are not supported", nil))
			return
		}
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		h.write(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error: "+err.Error(), nil))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   string(msg.Type()),
	})

	switch msg.Type() {
	case jsonrpc.TypeResponse:
		// Nothing is ever sent to the client that expects an answer.
		h.log.DebugContext(ctx, "stdio.response.ignored")
	case jsonrpc.TypeNotification:
		if err := ep.HandleNotification(ctx, msg.AsRequest()); err != nil {
			h.log.WarnContext(ctx, "stdio.notification.fail", slog.String("err", err.Error()))
		}
	case jsonrpc.TypeRequest:
		req := msg.AsRequest()
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ep.HandleRequest(ctx, req)
			if err != nil {
				h.log.ErrorContext(ctx, "stdio.request.fail", slog.String("err", err.Error()))
				res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal server error", nil)
			}
			h.write(ctx, res)
		}()
	}
}

func (h *Handler) write(ctx context.Context, res *jsonrpc.Response) {
	b, err := json.Marshal(res)
	if err != nil {
		h.log.ErrorContext(ctx, "stdio.encode.fail", slog.String("err", err.Error()))
		return
	}
	b = append(b, '\n')

	h.wmu.Lock()
	defer h.wmu.Unlock()
	if _, err := h.w.Write(b); err != nil {
		h.log.WarnContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}
