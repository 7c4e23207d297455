package mcpstdio

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rustymail/mailgw/internal/dispatch"
	"github.com/rustymail/mailgw/internal/mcpwire"
)

func newTestRegistry() *dispatch.Registry {
	reg := dispatch.NewRegistry(dispatch.NewRateLimiter(1000, 0))
	reg.Register(dispatch.Tool{
		Name:  "ping",
		Scope: dispatch.ScopeRead,
		Handler: func(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
			return map[string]string{"pong": accountID}, nil
		},
	})
	return reg
}

func TestServeHandlesToolsCall(t *testing.T) {
	s := New(newTestRegistry(), nil)

	reqLine, _ := json.Marshal(mcpwire.Request{
		JSONRPC: "2.0",
		ID:      mcpwire.NewIntID(1),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"ping","arguments":{"account_id":"a@example.com"}}`),
	})

	in := bytes.NewReader(append(reqLine, '\n'))
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, in, &out) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(time.Second):
	}

	deadline := time.Now().Add(time.Second)
	for out.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(out.String(), `"pong":"a@example.com"`) {
		t.Fatalf("output missing expected result: %q", out.String())
	}
}

func TestServeHandlesToolsList(t *testing.T) {
	s := New(newTestRegistry(), nil)

	reqLine, _ := json.Marshal(mcpwire.Request{JSONRPC: "2.0", ID: mcpwire.NewIntID(2), Method: "tools/list"})
	in := bytes.NewReader(append(reqLine, '\n'))
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s.Serve(ctx, in, &out)

	deadline := time.Now().Add(time.Second)
	for out.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(out.String(), "ping") {
		t.Fatalf("expected tools/list to include ping, got %q", out.String())
	}
}

func TestUnknownMethodReturnsError(t *testing.T) {
	s := New(newTestRegistry(), nil)

	reqLine, _ := json.Marshal(mcpwire.Request{JSONRPC: "2.0", ID: mcpwire.NewIntID(3), Method: "bogus"})
	in := bytes.NewReader(append(reqLine, '\n'))
	var out bytes.Buffer
	s.Serve(context.Background(), in, &out)

	deadline := time.Now().Add(time.Second)
	for out.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	var resp mcpwire.Response
	json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp)
	if resp.Error == nil || resp.Error.Code != mcpwire.CodeMethodNotFound {
		t.Fatalf("expected CodeMethodNotFound, got %+v", resp.Error)
	}
}
