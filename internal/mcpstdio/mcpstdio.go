// Package mcpstdio implements the MCP stdio transport: newline-
// delimited JSON-RPC 2.0 requests read from an io.Reader, dispatched
// through the shared tool registry, with one JSON-RPC response
// written per line to an io.Writer. This is the transport Claude
// Desktop and similar local MCP clients use when they launch the
// gateway as a child process instead of talking to it over HTTP.
package mcpstdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/rustymail/mailgw/internal/dispatch"
	"github.com/rustymail/mailgw/internal/mcpwire"
)

// Server reads JSON-RPC requests line by line and writes responses
// line by line, serializing writes with a mutex since notifications
// pushed from elsewhere (not used over stdio today, but kept for
// symmetry with mcphttp) could otherwise interleave with replies.
type Server struct {
	registry *dispatch.Registry
	logger   *slog.Logger
	caller   dispatch.Caller

	writeMu sync.Mutex
}

// New builds an MCP stdio server. Every request on this transport
// runs as one fixed "stdio" caller with read, write and send scopes —
// a stdio-launched
// client is already trusted by virtue of having started the process.
func New(registry *dispatch.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry: registry,
		logger:   logger,
		caller: dispatch.Caller{
			ID: "stdio",
			Scopes: map[dispatch.Scope]bool{
				dispatch.ScopeRead: true, dispatch.ScopeWrite: true, dispatch.ScopeSend: true,
			},
		},
	}
}

// Serve reads requests from r until EOF or a read error, handling each
// line on its own goroutine and writing one response per non-
// notification line to w. ctx is passed to each handler; Serve itself
// does not stop when ctx is canceled, and it may return before the
// last responses are written. It returns nil on a clean EOF.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lineCopy := append([]byte(nil), line...)
		go s.handleLine(ctx, lineCopy, w)
	}
	return scanner.Err()
}

func (s *Server) handleLine(ctx context.Context, line []byte, w io.Writer) {
	var req mcpwire.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(w, mcpwire.ParseErrorResponse(err.Error()))
		return
	}
	if req.IsNotification() {
		return
	}

	switch req.Method {
	case "tools/list":
		s.write(w, s.handleToolsList(req.ID))
	case "tools/call":
		s.write(w, s.handleToolsCall(ctx, req))
	default:
		s.write(w, mcpwire.NewError(req.ID, mcpwire.CodeMethodNotFound, "unknown method: "+req.Method, nil))
	}
}

func (s *Server) handleToolsList(id mcpwire.ID) *mcpwire.Response {
	tools := s.registry.List()
	type toolDesc struct {
		Name        string          `json:"name"`
		Scope       string          `json:"scope"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}
	out := make([]toolDesc, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolDesc{Name: t.Name, Scope: string(t.Scope), InputSchema: t.InputSchema})
	}
	resp, err := mcpwire.NewResult(id, map[string]any{"tools": out})
	if err != nil {
		return mcpwire.NewError(id, mcpwire.CodeInternalError, err.Error(), nil)
	}
	return resp
}

func (s *Server) handleToolsCall(ctx context.Context, req mcpwire.Request) *mcpwire.Response {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return mcpwire.NewError(req.ID, mcpwire.CodeInvalidParams, err.Error(), nil)
	}

	var envelope struct {
		AccountID string          `json:"account_id"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if len(call.Arguments) > 0 {
		json.Unmarshal(call.Arguments, &envelope)
	}
	args := envelope.Arguments
	if args == nil {
		args = call.Arguments
	}

	result, err := s.registry.Invoke(ctx, s.caller, call.Name, envelope.AccountID, args)
	if err != nil {
		return rpcErrorResponse(req.ID, err)
	}
	resp, err := mcpwire.NewResult(req.ID, result)
	if err != nil {
		return mcpwire.NewError(req.ID, mcpwire.CodeInternalError, err.Error(), nil)
	}
	return resp
}

func rpcErrorResponse(id mcpwire.ID, err error) *mcpwire.Response {
	ge, ok := err.(*dispatch.GatewayError)
	if !ok {
		return mcpwire.NewError(id, mcpwire.CodeInternalError, err.Error(), nil)
	}
	return mcpwire.NewError(id, ge.Kind.JSONRPCCode(), ge.Message, nil)
}

func (s *Server) write(w io.Writer, resp *mcpwire.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcpstdio: marshal response", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	w.Write(data)
	w.Write([]byte("\n"))
}
