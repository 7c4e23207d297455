// Package account persists the set of configured mail accounts: their
// IMAP/SMTP endpoints, credentials, and OAuth tokens. It is read-mostly,
// cold-loaded from a JSON file at startup and rewritten atomically on
// every mutation. There is no default or primary account: every lookup
// requires an explicit id (see Registry.Require).
package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rustymail/mailgw/internal/cryptoenv"
)

// ErrAccountRequired is returned when a caller supplies an empty account
// id. The spec forbids any implicit/default account selection.
var ErrAccountRequired = errors.New("account: account_id is required")

// ErrAccountNotFound is returned when no account matches the given id.
var ErrAccountNotFound = errors.New("account: not found")

// OAuthTokens holds an optional OAuth2 credential set for an account.
type OAuthTokens struct {
	Provider     string    `json:"provider,omitempty"` // e.g. "microsoft"
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Expired reports whether the access token is expired or within grace of
// expiring (a 2-minute window, matching typical pooled-connection lifetimes).
func (t OAuthTokens) Expired() bool {
	if t.AccessToken == "" {
		return true
	}
	return time.Now().Add(2 * time.Minute).After(t.Expiry)
}

// Endpoint describes a single protocol's connection parameters. Secrets
// (Password) are stored either literal or as a cryptoenv envelope.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	TLS      bool   `json:"tls"`      // implicit TLS (SMTP 465); IMAP is always TLS unless explicitly disabled
	StartTLS bool   `json:"starttls"` // SMTP STARTTLS (port 587)
}

// Account is a single configured mailbox.
type Account struct {
	ID          string      `json:"id"` // stable key: the account's email address
	DisplayName string      `json:"display_name,omitempty"`
	Provider    string      `json:"provider,omitempty"`
	IMAP        Endpoint    `json:"imap"`
	SMTP        Endpoint    `json:"smtp"`
	SentFolder  string      `json:"sent_folder,omitempty"`
	OAuth       OAuthTokens `json:"oauth,omitempty"`
	Active      bool        `json:"active"`

	// ConnStatus is transient, populated from the separate status file
	// and not part of the on-disk account record itself.
	ConnStatus ProtocolStatus `json:"-"`
}

// HasSMTP reports whether an SMTP endpoint is configured for sending.
func (a Account) HasSMTP() bool { return a.SMTP.Host != "" }

// HasOAuth reports whether this account authenticates via OAuth rather
// than a plain password.
func (a Account) HasOAuth() bool { return a.OAuth.AccessToken != "" || a.OAuth.RefreshToken != "" }

// Status is the last observed connection outcome for one protocol.
type Status struct {
	LastAttempt time.Time `json:"last_attempt"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
}

// ProtocolStatus bundles per-protocol status for one account.
type ProtocolStatus struct {
	IMAP Status `json:"imap"`
	SMTP Status `json:"smtp"`
}

type accountsFile struct {
	Accounts []Account `json:"accounts"`
}

type statusFile struct {
	Statuses map[string]ProtocolStatus `json:"statuses"`
}

// Registry is the credential store (C1). It cold-loads from disk, keeps
// an in-memory snapshot guarded by a single writer lock, and encrypts
// secret fields at rest via the configured Cipher.
type Registry struct {
	accountsPath string
	statusPath   string
	cipher       *cryptoenv.Cipher

	mu       sync.RWMutex
	accounts map[string]Account
	statuses map[string]ProtocolStatus
}

// Open loads (or initializes) the account registry backed by the two
// JSON files under dataDir: accounts.json and connection_status.json.
func Open(dataDir string, cipher *cryptoenv.Cipher) (*Registry, error) {
	r := &Registry{
		accountsPath: filepath.Join(dataDir, "accounts.json"),
		statusPath:   filepath.Join(dataDir, "connection_status.json"),
		cipher:       cipher,
		accounts:     make(map[string]Account),
		statuses:     make(map[string]ProtocolStatus),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	var af accountsFile
	if data, err := os.ReadFile(r.accountsPath); err == nil {
		if err := json.Unmarshal(data, &af); err != nil {
			return fmt.Errorf("parse %s: %w", r.accountsPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", r.accountsPath, err)
	}

	for _, a := range af.Accounts {
		if a.IMAP.Password != "" {
			pw, err := r.cipher.Decrypt(a.IMAP.Password)
			if err != nil {
				return fmt.Errorf("decrypt imap password for %s: %w", a.ID, err)
			}
			a.IMAP.Password = pw
		}
		if a.SMTP.Password != "" {
			pw, err := r.cipher.Decrypt(a.SMTP.Password)
			if err != nil {
				return fmt.Errorf("decrypt smtp password for %s: %w", a.ID, err)
			}
			a.SMTP.Password = pw
		}
		if a.OAuth.AccessToken != "" {
			tok, err := r.cipher.Decrypt(a.OAuth.AccessToken)
			if err != nil {
				return fmt.Errorf("decrypt oauth access token for %s: %w", a.ID, err)
			}
			a.OAuth.AccessToken = tok
		}
		if a.OAuth.RefreshToken != "" {
			tok, err := r.cipher.Decrypt(a.OAuth.RefreshToken)
			if err != nil {
				return fmt.Errorf("decrypt oauth refresh token for %s: %w", a.ID, err)
			}
			a.OAuth.RefreshToken = tok
		}
		r.accounts[a.ID] = a
	}

	var sf statusFile
	if data, err := os.ReadFile(r.statusPath); err == nil {
		if err := json.Unmarshal(data, &sf); err != nil {
			return fmt.Errorf("parse %s: %w", r.statusPath, err)
		}
		r.statuses = sf.Statuses
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", r.statusPath, err)
	}
	if r.statuses == nil {
		r.statuses = make(map[string]ProtocolStatus)
	}
	return nil
}

// Require returns the account for id, or ErrAccountRequired if id is
// empty, or ErrAccountNotFound if no such account exists. This is the
// ONLY single-account accessor in the package (List returns them all):
// there is no fallback-to-primary path.
func (r *Registry) Require(id string) (Account, error) {
	if id == "" {
		return Account{}, ErrAccountRequired
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	a.ConnStatus = r.statuses[id]
	return a, nil
}

// List returns a snapshot of all configured accounts.
func (r *Registry) List() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		a.ConnStatus = r.statuses[a.ID]
		out = append(out, a)
	}
	return out
}

// Upsert creates or replaces an account and rewrites accounts.json
// atomically. Secrets are encrypted before being written to disk.
func (r *Registry) Upsert(a Account) error {
	if a.ID == "" {
		return ErrAccountRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.ID] = a
	return r.persistAccountsLocked()
}

// Delete removes an account by id.
func (r *Registry) Delete(id string) error {
	if id == "" {
		return ErrAccountRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	delete(r.accounts, id)
	delete(r.statuses, id)
	if err := r.persistAccountsLocked(); err != nil {
		return err
	}
	return r.persistStatusesLocked()
}

// SetStatus records the outcome of a connection attempt for one protocol.
func (r *Registry) SetStatus(id, protocol string, success bool, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps := r.statuses[id]
	now := time.Now().UTC()
	s := Status{LastAttempt: now, LastError: errMsg}
	if success {
		s.LastSuccess = now
		s.LastError = ""
	}
	switch protocol {
	case "imap":
		ps.IMAP = s
	case "smtp":
		ps.SMTP = s
	default:
		return fmt.Errorf("account: unknown protocol %q", protocol)
	}
	r.statuses[id] = ps
	return r.persistStatusesLocked()
}

func (r *Registry) persistAccountsLocked() error {
	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		enc := a
		if enc.IMAP.Password != "" {
			v, err := r.cipher.Encrypt(enc.IMAP.Password)
			if err != nil {
				return fmt.Errorf("encrypt imap password: %w", err)
			}
			enc.IMAP.Password = v
		}
		if enc.SMTP.Password != "" {
			v, err := r.cipher.Encrypt(enc.SMTP.Password)
			if err != nil {
				return fmt.Errorf("encrypt smtp password: %w", err)
			}
			enc.SMTP.Password = v
		}
		if enc.OAuth.AccessToken != "" {
			v, err := r.cipher.Encrypt(enc.OAuth.AccessToken)
			if err != nil {
				return fmt.Errorf("encrypt oauth access token: %w", err)
			}
			enc.OAuth.AccessToken = v
		}
		if enc.OAuth.RefreshToken != "" {
			v, err := r.cipher.Encrypt(enc.OAuth.RefreshToken)
			if err != nil {
				return fmt.Errorf("encrypt oauth refresh token: %w", err)
			}
			enc.OAuth.RefreshToken = v
		}
		out = append(out, enc)
	}
	return writeJSONAtomic(r.accountsPath, accountsFile{Accounts: out})
}

func (r *Registry) persistStatusesLocked() error {
	return writeJSONAtomic(r.statusPath, statusFile{Statuses: r.statuses})
}

// writeJSONAtomic marshals v and writes it to path via a temp-file-then-
// rename so readers never observe a partial write.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
