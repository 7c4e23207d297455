package mcphttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rustymail/mailgw/internal/dispatch"
	"github.com/rustymail/mailgw/internal/eventbus"
	"github.com/rustymail/mailgw/internal/mcpwire"
)

func newTestServer() *Server {
	reg := dispatch.NewRegistry(dispatch.NewRateLimiter(1000, 0))
	reg.Register(dispatch.Tool{
		Name:  "ping",
		Scope: dispatch.ScopeRead,
		Handler: func(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
			return map[string]string{"pong": accountID}, nil
		},
	})
	bus := eventbus.New(10)
	return New(reg, bus, "", nil)
}

func TestToolsCallRoutesToRegisteredTool(t *testing.T) {
	s := newTestServer()

	reqBody := mcpwire.Request{
		JSONRPC: "2.0",
		ID:      mcpwire.NewIntID(1),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"ping","arguments":{"account_id":"a@example.com"}}`),
	}
	b, _ := json.Marshal(reqBody)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(b))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}

	var resp mcpwire.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %v", resp.Error)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newTestServer()

	reqBody := mcpwire.Request{JSONRPC: "2.0", ID: mcpwire.NewIntID(1), Method: "bogus/method"}
	b, _ := json.Marshal(reqBody)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(b))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	var resp mcpwire.Response
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error == nil || resp.Error.Code != mcpwire.CodeMethodNotFound {
		t.Fatalf("expected CodeMethodNotFound, got %+v", resp.Error)
	}
}

func TestAuthRejectsMissingKey(t *testing.T) {
	reg := dispatch.NewRegistry(dispatch.NewRateLimiter(1000, 0))
	bus := eventbus.New(10)
	s := New(reg, bus, "secret", nil)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}
