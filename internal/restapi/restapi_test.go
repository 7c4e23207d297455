package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rustymail/mailgw/internal/account"
	"github.com/rustymail/mailgw/internal/attachstore"
	"github.com/rustymail/mailgw/internal/dispatch"
	"github.com/rustymail/mailgw/internal/eventbus"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	accts, err := account.Open(dir, nil)
	if err != nil {
		t.Fatalf("account.Open: %v", err)
	}
	store, err := attachstore.New(filepath.Join(dir, "attachments"))
	if err != nil {
		t.Fatalf("attachstore.New: %v", err)
	}
	reg := dispatch.NewRegistry(dispatch.NewRateLimiter(100, 0))
	reg.Register(dispatch.Tool{
		Name:  "list_folders",
		Scope: dispatch.ScopeRead,
		Handler: func(ctx context.Context, accountID string, params json.RawMessage) (any, error) {
			return map[string]any{"folders": []string{"INBOX"}}, nil
		},
	})
	bus := eventbus.New(10)
	return New(reg, accts, store, bus, "")
}

func TestHealthEndpoint(t *testing.T) {
	dir := t.TempDir()
	accts, _ := account.Open(dir, nil)
	store, _ := attachstore.New(filepath.Join(dir, "attachments"))
	reg := dispatch.NewRegistry(dispatch.NewRateLimiter(100, 0))
	bus := eventbus.New(10)
	s := New(reg, accts, store, bus, "")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestAuthRejectsWrongKey(t *testing.T) {
	dir := t.TempDir()
	accts, _ := account.Open(dir, nil)
	store, _ := attachstore.New(filepath.Join(dir, "attachments"))
	reg := dispatch.NewRegistry(dispatch.NewRateLimiter(100, 0))
	bus := eventbus.New(10)
	s := New(reg, accts, store, bus, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestUpsertAndListAccounts(t *testing.T) {
	dir := t.TempDir()
	accts, _ := account.Open(dir, nil)
	store, _ := attachstore.New(filepath.Join(dir, "attachments"))
	reg := dispatch.NewRegistry(dispatch.NewRateLimiter(100, 0))
	bus := eventbus.New(10)
	s := New(reg, accts, store, bus, "")

	body, _ := json.Marshal(account.Account{ID: "a@example.com"})
	req := httptest.NewRequest(http.MethodPost, "/api/accounts", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert status = %d, want 200, body=%s", w.Code, w.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", w2.Code)
	}
}

func TestListFoldersToolRoute(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/folders?account_id=a@example.com", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
}
