package oauthms

import (
	"context"
	"testing"

	"github.com/rustymail/mailgw/internal/account"
)

func TestEndpointURLsIncludeTenant(t *testing.T) {
	cfg := Config{TenantID: "contoso"}
	ep := cfg.endpoint()
	want := "https://login.microsoftonline.com/contoso/oauth2/v2.0/token"
	if ep.TokenURL != want {
		t.Fatalf("got %q, want %q", ep.TokenURL, want)
	}
}

func TestRefreshRejectsAccountWithoutRefreshToken(t *testing.T) {
	r := New(Config{TenantID: "contoso"}, nil)
	_, err := r.Refresh(context.Background(), account.Account{ID: "a@example.com"})
	if err == nil {
		t.Fatal("expected an error for an account with no refresh token")
	}
}
