// Package pool manages a bounded set of authenticated IMAP sessions
// per account, handing them out to callers that need to run a command
// and returning them to the idle set afterward. It borrows the
// ticker/stop-channel/WaitGroup background-loop shape used throughout
// the wider codebase for its own health and idle-eviction loop rather
// than pulling in a separate generic scheduler for one repeating task.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rustymail/mailgw/internal/account"
	"github.com/rustymail/mailgw/internal/imapsession"
)

// ErrAcquireTimeout is returned by Acquire when no session becomes
// available before the context deadline.
var ErrAcquireTimeout = errors.New("pool: acquire timed out")

// Config bounds one account's pool.
type Config struct {
	MaxSize     int
	MaxIdleTime time.Duration
	MaxAge      time.Duration
	HealthEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 4
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 10 * time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 55 * time.Minute
	}
	if c.HealthEvery <= 0 {
		c.HealthEvery = 30 * time.Second
	}
	return c
}

type entry struct {
	sess      *imapsession.Session
	createdAt time.Time
	idleSince time.Time
	inUse     bool
}

// Metrics is a point-in-time snapshot of one account's pool.
type Metrics struct {
	Total           int   `json:"total"`
	Active          int   `json:"active"`
	Available       int   `json:"available"`
	Created         int64 `json:"created"`
	Acquired        int64 `json:"acquired"`
	Released        int64 `json:"released"`
	AcquireTimeouts int64 `json:"acquire_timeouts"`
	CreationFailures int64 `json:"creation_failures"`
}

// AccountPool manages sessions for a single account.
type AccountPool struct {
	id      string
	ep      func() account.Endpoint
	oauth   func() account.OAuthTokens
	cfg     Config
	logger  *slog.Logger
	refresh func(context.Context) error

	mu      sync.Mutex
	cond    *sync.Cond
	entries []*entry

	created, acquired, released, acquireTimeouts, creationFailures int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Factory supplies the current endpoint/oauth state for an account; a
// function rather than a static value because credentials and
// (especially) OAuth access tokens can change between acquisitions.
type Factory struct {
	Endpoint func() account.Endpoint
	OAuth    func() account.OAuthTokens
	// Refresh is invoked before each new connection is dialed when the
	// account uses OAuth and the current token is within its expiry
	// grace window; nil when the account has no OAuth provider.
	Refresh func(context.Context) error
}

// NewAccountPool starts a pool for one account and its background
// health/eviction loop.
func NewAccountPool(accountID string, f Factory, cfg Config, logger *slog.Logger) *AccountPool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &AccountPool{
		id:      accountID,
		ep:      f.Endpoint,
		oauth:   f.OAuth,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		refresh: f.Refresh,
		stopCh:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(1)
	go p.healthLoop()
	return p
}

// Acquire returns an idle session, creating one if the pool has spare
// capacity, or blocks until one is released or ctx is done. This is
// the "fast path / slow path / wait path" acquisition algorithm: try
// an idle entry first (fast), create a new one if under MaxSize
// (slow), and otherwise wait on a condition variable signaled by
// Release (wait) — never a global FIFO queue, so acquisition is fair
// only in the loose sense that nobody is permanently starved, not that
// requests are served in arrival order.
func (p *AccountPool) Acquire(ctx context.Context) (*imapsession.Session, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			p.acquireTimeouts++
			return nil, ErrAcquireTimeout
		}

		for _, e := range p.entries {
			if !e.inUse {
				e.inUse = true
				p.acquired++
				return e.sess, nil
			}
		}

		if len(p.entries) < p.cfg.MaxSize {
			p.mu.Unlock()
			sess, err := p.dial(ctx)
			p.mu.Lock()
			if err != nil {
				p.creationFailures++
				return nil, err
			}
			p.created++
			p.acquired++
			p.entries = append(p.entries, &entry{sess: sess, createdAt: time.Now(), inUse: true})
			return sess, nil
		}

		p.cond.Wait()
	}
}

// Release returns a session to the idle set.
func (p *AccountPool) Release(sess *imapsession.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.sess == sess {
			e.inUse = false
			e.idleSince = time.Now()
			p.released++
		}
	}
	p.cond.Broadcast()
}

// Metrics returns a snapshot of the pool's current state.
func (p *AccountPool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := Metrics{
		Total:            len(p.entries),
		Created:          p.created,
		Acquired:         p.acquired,
		Released:         p.released,
		AcquireTimeouts:  p.acquireTimeouts,
		CreationFailures: p.creationFailures,
	}
	for _, e := range p.entries {
		if e.inUse {
			m.Active++
		} else {
			m.Available++
		}
	}
	return m
}

// Close shuts down the background loop and closes every session.
func (p *AccountPool) Close() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		e.sess.Close()
	}
	p.entries = nil
}

func (p *AccountPool) dial(ctx context.Context) (*imapsession.Session, error) {
	oauth := p.oauth()
	if p.refresh != nil && oauth.AccessToken != "" && oauth.Expired() {
		if err := p.refresh(ctx); err != nil {
			p.logger.Warn("oauth refresh failed before dial", "account", p.id, "error", err)
		}
		oauth = p.oauth()
	}
	sess, err := imapsession.Dial(ctx, p.id, p.ep(), oauth, p.logger)
	if err != nil {
		return nil, fmt.Errorf("pool: dial %s: %w", p.id, err)
	}
	return sess, nil
}

func (p *AccountPool) healthLoop() {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.HealthEvery)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			p.evictStale()
		}
	}
}

func (p *AccountPool) evictStale() {
	p.mu.Lock()
	var keep []*entry
	var evicted []*entry
	now := time.Now()
	for _, e := range p.entries {
		if e.inUse {
			keep = append(keep, e)
			continue
		}
		tooOld := p.cfg.MaxAge > 0 && now.Sub(e.createdAt) > p.cfg.MaxAge
		tooIdle := p.cfg.MaxIdleTime > 0 && !e.idleSince.IsZero() && now.Sub(e.idleSince) > p.cfg.MaxIdleTime
		if tooOld || tooIdle {
			evicted = append(evicted, e)
			continue
		}
		keep = append(keep, e)
	}
	p.entries = keep
	p.mu.Unlock()

	for _, e := range evicted {
		e.sess.Close()
	}
}
