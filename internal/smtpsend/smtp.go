package smtpsend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/rustymail/mailgw/internal/account"
)

const smtpDialTimeout = 30 * time.Second

// Send delivers msg via the account's SMTP endpoint. When oauth
// carries a non-expired access token, AUTH XOAUTH2 is used; otherwise
// AUTH PLAIN against ep.Password. TLS mode follows ep.TLS (implicit,
// port 465) vs ep.StartTLS (explicit upgrade, port 587) exactly as
// configured — this package never guesses based on port number.
func Send(ctx context.Context, ep account.Endpoint, oauth account.OAuthTokens, from string, recipients []string, msg []byte) error {
	timeout := smtpDialTimeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}

	addr := net.JoinHostPort(ep.Host, fmt.Sprintf("%d", ep.Port))
	dialer := &net.Dialer{Timeout: timeout}

	var client *smtp.Client
	if ep.TLS {
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: ep.Host})
		if err != nil {
			return fmt.Errorf("smtpsend: dial tls %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, ep.Host)
		if err != nil {
			return fmt.Errorf("smtpsend: new client: %w", err)
		}
	} else {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("smtpsend: dial %s: %w", addr, err)
		}
		client, err = smtp.NewClient(conn, ep.Host)
		if err != nil {
			return fmt.Errorf("smtpsend: new client: %w", err)
		}
		if err := client.Hello("localhost"); err != nil {
			return fmt.Errorf("smtpsend: hello: %w", err)
		}
		if ep.StartTLS {
			if err := client.StartTLS(&tls.Config{ServerName: ep.Host}); err != nil {
				return fmt.Errorf("smtpsend: starttls: %w", err)
			}
		}
	}
	defer client.Close()

	if err := authenticate(client, ep, oauth); err != nil {
		return err
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtpsend: mail from: %w", err)
	}
	for _, rcpt := range collectRecipients(recipients, nil, nil) {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtpsend: rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtpsend: data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtpsend: write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtpsend: close data: %w", err)
	}
	return client.Quit()
}

func authenticate(client *smtp.Client, ep account.Endpoint, oauth account.OAuthTokens) error {
	if oauth.AccessToken != "" && !oauth.Expired() {
		saslClient := sasl.NewXoauth2Client(ep.Username, oauth.AccessToken)
		mech, ir, err := saslClient.Start()
		if err != nil {
			return fmt.Errorf("smtpsend: xoauth2 start: %w", err)
		}
		if err := client.Auth(xoauth2Auth{mech: mech, ir: ir}); err != nil {
			return fmt.Errorf("smtpsend: xoauth2 auth: %w", err)
		}
		return nil
	}
	if ep.Password != "" {
		auth := smtp.PlainAuth("", ep.Username, ep.Password, ep.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtpsend: plain auth: %w", err)
		}
	}
	return nil
}

// xoauth2Auth adapts a single-shot go-sasl XOAUTH2 exchange to the
// stdlib smtp.Auth interface, which expects a Start/Next protocol of
// its own rather than go-sasl's Client interface directly.
type xoauth2Auth struct {
	mech string
	ir   []byte
}

func (a xoauth2Auth) Start(*smtp.ServerInfo) (string, []byte, error) {
	return a.mech, a.ir, nil
}

func (a xoauth2Auth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	// A server that challenges again after the initial response is
	// reporting an XOAUTH2 failure payload; respond with an empty
	// message so the server completes the AUTH with an error we can
	// surface from client.Auth.
	return []byte{}, nil
}

func extractAddress(s string) string {
	if i := strings.LastIndexByte(s, '<'); i >= 0 {
		if j := strings.LastIndexByte(s, '>'); j > i {
			return s[i+1 : j]
		}
	}
	return strings.TrimSpace(s)
}

func collectRecipients(to, cc, bcc []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range [][]string{to, cc, bcc} {
		for _, raw := range group {
			addr := extractAddress(raw)
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}
