package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func echoTool() Tool {
	return Tool{
		Name:  "echo",
		Scope: ScopeRead,
		Handler: func(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
			return string(params), nil
		},
	}
}

func TestInvokeUnknownToolReturnsNotFound(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Invoke(context.Background(), Caller{Scopes: map[Scope]bool{ScopeRead: true}}, "nope", "acct", nil)
	ge, ok := err.(*GatewayError)
	if !ok || ge.Kind != KindNotFound {
		t.Fatalf("got %v, want GatewayError{Kind: NotFound}", err)
	}
}

func TestInvokeMissingScopeIsRejected(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoTool())
	_, err := r.Invoke(context.Background(), Caller{Scopes: map[Scope]bool{ScopeSend: true}}, "echo", "acct", nil)
	ge, ok := err.(*GatewayError)
	if !ok || ge.Kind != KindScope {
		t.Fatalf("got %v, want GatewayError{Kind: Scope}", err)
	}
}

func TestInvokeAdminScopeBypassesEverything(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(echoTool())
	_, err := r.Invoke(context.Background(), Caller{Scopes: map[Scope]bool{ScopeAdmin: true}}, "echo", "acct", json.RawMessage(`"hi"`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestInvokeRateLimitExceeded(t *testing.T) {
	r := NewRegistry(NewRateLimiter(1, time.Minute))
	r.Register(echoTool())
	caller := Caller{ID: "c1", Scopes: map[Scope]bool{ScopeRead: true}}

	if _, err := r.Invoke(context.Background(), caller, "echo", "acct", nil); err != nil {
		t.Fatalf("first call unexpectedly failed: %v", err)
	}
	_, err := r.Invoke(context.Background(), caller, "echo", "acct", nil)
	ge, ok := err.(*GatewayError)
	if !ok || ge.Kind != KindRateLimited {
		t.Fatalf("got %v, want GatewayError{Kind: RateLimited}", err)
	}
}

func TestKindMapsToDistinctJSONRPCCodes(t *testing.T) {
	codes := map[int]bool{}
	for _, k := range []Kind{KindValidation, KindScope, KindNotFound, KindConflict, KindRateLimited, KindInternal} {
		codes[k.JSONRPCCode()] = true
	}
	if len(codes) != 6 {
		t.Fatalf("expected 6 distinct codes, got %d", len(codes))
	}
}
