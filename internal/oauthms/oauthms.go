// Package oauthms refreshes Microsoft-issued OAuth2 access tokens for
// accounts that authenticate to Exchange Online / Outlook.com via
// XOAUTH2 instead of a password. It is a thin wrapper around
// golang.org/x/oauth2's refresh-token grant, reusing
// internal/httpkit's HTTP client construction for consistent retry and
// user-agent behavior with the rest of this module's outbound calls.
package oauthms

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/rustymail/mailgw/internal/account"
	"github.com/rustymail/mailgw/internal/httpkit"
)

// Config names the Azure AD app registration used to refresh tokens.
type Config struct {
	ClientID     string
	ClientSecret string
	TenantID     string
}

func (c Config) endpoint() oauth2.Endpoint {
	base := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0", c.TenantID)
	return oauth2.Endpoint{
		AuthURL:  base + "/authorize",
		TokenURL: base + "/token",
	}
}

var scopes = []string{
	"https://outlook.office.com/IMAP.AccessAsUser.All",
	"https://outlook.office.com/SMTP.Send",
	"offline_access",
}

// Refresher exchanges an account's refresh token for a new access
// token using the configured app registration.
type Refresher struct {
	cfg    Config
	client *http.Client
}

// New builds a Refresher. client defaults to internal/httpkit's
// oauth-tuned client when nil.
func New(cfg Config, client *http.Client) *Refresher {
	if client == nil {
		client = httpkit.NewOAuthClient()
	}
	return &Refresher{cfg: cfg, client: client}
}

// Refresh exchanges a's current refresh token for a new access token
// and returns the updated OAuthTokens. It does not persist the
// result; callers (internal/pool's Factory.Refresh hook, typically)
// are expected to write it back through internal/account.Registry.
func (r *Refresher) Refresh(ctx context.Context, a account.Account) (account.OAuthTokens, error) {
	if a.OAuth.RefreshToken == "" {
		return account.OAuthTokens{}, fmt.Errorf("oauthms: account %s has no refresh token", a.ID)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     r.cfg.ClientID,
		ClientSecret: r.cfg.ClientSecret,
		Endpoint:     r.cfg.endpoint(),
		Scopes:       scopes,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	tok := &oauth2.Token{RefreshToken: a.OAuth.RefreshToken}
	src := oauthCfg.TokenSource(ctx, tok)

	newTok, err := src.Token()
	if err != nil {
		return account.OAuthTokens{}, fmt.Errorf("oauthms: refresh for %s: %w", a.ID, err)
	}

	out := a.OAuth
	out.Provider = "microsoft"
	out.AccessToken = newTok.AccessToken
	out.Expiry = newTok.Expiry
	if newTok.RefreshToken != "" {
		out.RefreshToken = newTok.RefreshToken
	}
	return out, nil
}
