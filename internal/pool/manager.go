package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rustymail/mailgw/internal/account"
)

// Manager owns one AccountPool per configured account. Unlike the
// single-account client this package replaces, there is no "primary"
// account anywhere in this type: every call takes an explicit account
// id and returns an error if no pool exists for it.
type Manager struct {
	registry *account.Registry
	logger   *slog.Logger
	cfg      Config
	refresh  func(context.Context, account.Account) error

	mu    sync.Mutex
	pools map[string]*AccountPool
}

// NewManager builds a pool manager backed by registry for account
// lookups. refresh, if non-nil, is called to refresh an OAuth token
// before a pool dials a new connection for accounts that use OAuth.
func NewManager(registry *account.Registry, cfg Config, refresh func(context.Context, account.Account) error, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{registry: registry, logger: logger, cfg: cfg, refresh: refresh, pools: make(map[string]*AccountPool)}
}

// For returns (creating if necessary) the pool for accountID. An
// empty accountID or an unknown account is always an error; there is
// nothing to fall back to.
func (m *Manager) For(accountID string) (*AccountPool, error) {
	if accountID == "" {
		return nil, fmt.Errorf("pool: account_id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[accountID]; ok {
		return p, nil
	}

	acct, err := m.registry.Require(accountID)
	if err != nil {
		return nil, err
	}

	factory := Factory{
		Endpoint: func() account.Endpoint {
			a, _ := m.registry.Require(accountID)
			return a.IMAP
		},
		OAuth: func() account.OAuthTokens {
			a, _ := m.registry.Require(accountID)
			return a.OAuth
		},
	}
	if acct.HasOAuth() && m.refresh != nil {
		factory.Refresh = func(ctx context.Context) error {
			a, err := m.registry.Require(accountID)
			if err != nil {
				return err
			}
			return m.refresh(ctx, a)
		}
	}

	p := NewAccountPool(accountID, factory, m.cfg, m.logger)
	m.pools[accountID] = p
	return p, nil
}

// CloseAll shuts every account pool down.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.Close()
	}
	m.pools = make(map[string]*AccountPool)
}

// Snapshot returns a metrics snapshot for every active pool, keyed by
// account id.
func (m *Manager) Snapshot() map[string]Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Metrics, len(m.pools))
	for id, p := range m.pools {
		out[id] = p.Metrics()
	}
	return out
}
