package imapsession

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/rustymail/mailgw/internal/account"
)

// ErrMoveUnsupported is returned by NativeMove when the server has not
// advertised the MOVE extension (RFC 6851); callers (internal/moveengine)
// fall back to COPY+STORE+EXPUNGE in that case.
var ErrMoveUnsupported = errors.New("imapsession: server does not support MOVE")

// Session is a mutex-serialized wrapper around one account's IMAP
// connection. Only one command may be in flight at a time, matching
// the underlying protocol's lack of real pipelining for our purposes.
type Session struct {
	account string
	ep      account.Endpoint
	oauth   account.OAuthTokens
	logger  *slog.Logger

	mu          sync.Mutex
	client      *imapclient.Client
	selected    string
	selectedUV  uint32
	selectedNxt uint32
	canMove     bool
}

// Dial opens and authenticates a new session for the given account's
// IMAP endpoint. When oauth carries a non-expired access token,
// AUTHENTICATE XOAUTH2 is used in place of LOGIN.
func Dial(ctx context.Context, accountID string, ep account.Endpoint, oauth account.OAuthTokens, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{account: accountID, ep: ep, oauth: oauth, logger: logger}
	if err := s.connectLocked(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) connectLocked(ctx context.Context) error {
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}

	addr := net.JoinHostPort(s.ep.Host, fmt.Sprintf("%d", s.ep.Port))
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: s.ep.Host},
	}

	var (
		c   *imapclient.Client
		err error
	)
	if s.ep.TLS {
		c, err = imapclient.DialTLS(addr, opts)
	} else {
		c, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return fmt.Errorf("imapsession: dial %s: %w", addr, err)
	}

	if s.oauth.AccessToken != "" && !s.oauth.Expired() {
		client := sasl.NewXoauth2Client(s.ep.Username, s.oauth.AccessToken)
		if err := c.Authenticate(client); err != nil {
			c.Close()
			return fmt.Errorf("imapsession: xoauth2 auth: %w", err)
		}
	} else {
		if err := c.Login(s.ep.Username, s.ep.Password).Wait(); err != nil {
			c.Close()
			return fmt.Errorf("imapsession: login: %w", err)
		}
	}

	caps, err := c.Capability().Wait()
	if err != nil {
		s.logger.Warn("capability fetch failed", "account", s.account, "error", err)
	} else {
		_, s.canMove = caps["MOVE"]
	}

	s.client = c
	s.selected = ""
	return nil
}

// ensureConnected verifies the connection is alive with a NOOP and
// reconnects once on failure.
func (s *Session) ensureConnected(ctx context.Context) error {
	if s.client == nil {
		return s.connectLocked(ctx)
	}
	if err := s.client.Noop().Wait(); err != nil {
		s.logger.Warn("noop failed, reconnecting", "account", s.account, "error", err)
		return s.connectLocked(ctx)
	}
	return nil
}

// Ping performs a liveness check, reconnecting if necessary.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureConnected(ctx)
}

// Close logs out and releases the underlying connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Logout().Wait()
	s.client.Close()
	s.client = nil
	return err
}

// CanMove reports whether the server advertised RFC 6851 MOVE.
func (s *Session) CanMove() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canMove
}

func (s *Session) selectFolder(folder string) error {
	if folder == "" {
		folder = "INBOX"
	}
	if s.selected == folder {
		return nil
	}
	data, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		return fmt.Errorf("imapsession: select %s: %w", folder, err)
	}
	s.selected = folder
	s.selectedUV = data.UIDValidity
	s.selectedNxt = uint32(data.UIDNext)
	return nil
}

// SelectFolderState forces a SELECT of folder (even if it is already
// the session's selected mailbox) and returns its current
// UIDVALIDITY/UIDNEXT, for callers like the cache syncer that need a
// fresh read rather than a possibly-stale cached selection.
func (s *Session) SelectFolderState(ctx context.Context, folder string) (uidValidity, uidNext uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return 0, 0, err
	}
	if folder == "" {
		folder = "INBOX"
	}
	data, err := s.client.Select(folder, nil).Wait()
	if err != nil {
		return 0, 0, fmt.Errorf("imapsession: select %s: %w", folder, err)
	}
	s.selected = folder
	s.selectedUV = data.UIDValidity
	s.selectedNxt = uint32(data.UIDNext)
	return s.selectedUV, s.selectedNxt, nil
}
