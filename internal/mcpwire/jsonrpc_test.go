package mcpwire

import (
	"encoding/json"
	"testing"
)

func TestIDRoundTripString(t *testing.T) {
	var id ID
	if err := json.Unmarshal([]byte(`"abc-123"`), &id); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if id.Value() != "abc-123" {
		t.Fatalf("got %v, want abc-123", id.Value())
	}
	data, err := json.Marshal(id)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"abc-123"` {
		t.Fatalf("got %s", data)
	}
}

func TestIDRoundTripNumber(t *testing.T) {
	var id ID
	if err := json.Unmarshal([]byte(`42`), &id); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if id.Value() != int64(42) {
		t.Fatalf("got %v, want 42", id.Value())
	}
}

func TestIDNull(t *testing.T) {
	var id ID
	if err := json.Unmarshal([]byte(`null`), &id); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !id.IsNull() {
		t.Fatal("expected IsNull true")
	}
	data, _ := json.Marshal(id)
	if string(data) != "null" {
		t.Fatalf("got %s", data)
	}
}

func TestRequestIsNotification(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !req.IsNotification() {
		t.Fatal("expected notification (no id)")
	}
}

func TestParseErrorResponseHasNullID(t *testing.T) {
	resp := ParseErrorResponse("unexpected token")
	if !resp.ID.IsNull() {
		t.Fatal("parse error response must carry a null id")
	}
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Fatalf("expected parse error code, got %+v", resp.Error)
	}
}

func TestNewResultMarshalsPayload(t *testing.T) {
	resp, err := NewResult(NewIntID(1), map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("NewResult: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("got %v", out)
	}
}
