// Package mcphttp implements the MCP Streamable-HTTP transport: a
// single POST endpoint that accepts a JSON-RPC 2.0 request body and
// replies with a JSON-RPC 2.0 response, plus a GET endpoint that
// upgrades to a server-initiated SSE stream of unsolicited
// notifications for clients that keep the connection open.
package mcphttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rustymail/mailgw/internal/dispatch"
	"github.com/rustymail/mailgw/internal/eventbus"
	"github.com/rustymail/mailgw/internal/mcpwire"
)

// Server serves the MCP Streamable-HTTP transport on top of a shared
// dispatch.Registry.
type Server struct {
	registry *dispatch.Registry
	bus      *eventbus.Bus
	logger   *slog.Logger
	apiKey   string

	mux *http.ServeMux
}

// New builds the MCP HTTP server.
func New(registry *dispatch.Registry, bus *eventbus.Bus, apiKey string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{registry: registry, bus: bus, apiKey: apiKey, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /mcp", s.handleRPC)
	s.mux.HandleFunc("GET /mcp/events", s.handleStream)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got != s.apiKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// rpcParams is the envelope every tool call carries: the account to
// operate against plus the tool's own argument object.
type rpcParams struct {
	AccountID string          `json:"account_id"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeResponse(w, mcpwire.ParseErrorResponse(err.Error()))
		return
	}

	var req mcpwire.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, mcpwire.ParseErrorResponse(err.Error()))
		return
	}

	if req.Method != "tools/call" {
		writeResponse(w, mcpwire.NewError(req.ID, mcpwire.CodeMethodNotFound, "unknown method: "+req.Method, nil))
		return
	}

	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &call); err != nil {
		writeResponse(w, mcpwire.NewError(req.ID, mcpwire.CodeInvalidParams, err.Error(), nil))
		return
	}

	var params rpcParams
	if len(call.Arguments) > 0 {
		json.Unmarshal(call.Arguments, &params)
	}
	if params.Arguments == nil {
		params.Arguments = call.Arguments
	}

	caller := dispatch.Caller{
		ID:     callerID(r),
		Scopes: map[dispatch.Scope]bool{dispatch.ScopeRead: true, dispatch.ScopeWrite: true, dispatch.ScopeSend: true},
	}

	result, err := s.registry.Invoke(r.Context(), caller, call.Name, params.AccountID, params.Arguments)
	if err != nil {
		writeResponse(w, rpcErrorResponse(req.ID, err))
		return
	}

	resp, err := mcpwire.NewResult(req.ID, result)
	if err != nil {
		writeResponse(w, mcpwire.NewError(req.ID, mcpwire.CodeInternalError, err.Error(), nil))
		return
	}
	writeResponse(w, resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := s.bus.Subscribe(32, 0, nil)
	defer s.bus.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			notif, err := mcpwire.NewNotification("event", e)
			if err != nil {
				continue
			}
			data, _ := json.Marshal(notif)
			io.WriteString(w, "data: "+string(data)+"\n\n")
			flusher.Flush()
		}
	}
}

func callerID(r *http.Request) string {
	if k := r.Header.Get("Authorization"); k != "" {
		return k
	}
	return r.RemoteAddr
}

func rpcErrorResponse(id mcpwire.ID, err error) *mcpwire.Response {
	ge, ok := err.(*dispatch.GatewayError)
	if !ok {
		return mcpwire.NewError(id, mcpwire.CodeInternalError, err.Error(), nil)
	}
	var data any
	if ge.Retryable {
		data = map[string]any{"retryable": true, "retry_after_ms": ge.RetryAfter.Milliseconds()}
	}
	return mcpwire.NewError(id, ge.Kind.JSONRPCCode(), ge.Message, data)
}

func writeResponse(w http.ResponseWriter, resp *mcpwire.Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
