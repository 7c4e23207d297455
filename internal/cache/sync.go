package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/rustymail/mailgw/internal/imapsession"
)

// SessionSource resolves a live session for an account, typically
// backed by internal/pool.Manager.
type SessionSource interface {
	Acquire(ctx context.Context, account string) (*imapsession.Session, func(), error)
}

// Syncer periodically reconciles the local cache against each
// account's folders. It uses the same ticker/stop-channel background
// loop as the connection pool's health loop (with a done channel where
// the pool uses a WaitGroup), rather than a shared generic scheduler,
// since this is the only periodic task this package runs.
type Syncer struct {
	store    *Store
	sessions SessionSource
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSyncer builds (but does not start) a syncer polling every
// interval; the accounts and folders to sync are passed to Run.
func NewSyncer(store *Store, sessions SessionSource, interval time.Duration, logger *slog.Logger) *Syncer {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{store: store, sessions: sessions, interval: interval, logger: logger, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Run starts the periodic sync loop for the given account/folder
// pairs and blocks until Stop is called.
func (s *Syncer) Run(accounts []string, folders []string) {
	defer close(s.doneCh)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			for _, acct := range accounts {
				for _, folder := range folders {
					if err := s.SyncOne(context.Background(), acct, folder); err != nil {
						s.logger.Warn("sync failed", "account", acct, "folder", folder, "error", err)
					}
				}
			}
		}
	}
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Syncer) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// SyncOne performs a single UIDVALIDITY-aware reconciliation pass: if
// the server's UIDVALIDITY has changed since the last sync, the whole
// cached folder is invalidated and rebuilt (UIDs from a different
// UIDVALIDITY epoch mean nothing locally). Otherwise it does a
// three-way diff — cached UIDs vs. server UIDs — fetching envelopes
// for anything new and soft-deleting anything the server no longer
// reports.
func (s *Syncer) SyncOne(ctx context.Context, account, folder string) error {
	sess, release, err := s.sessions.Acquire(ctx, account)
	if err != nil {
		return err
	}
	defer release()

	serverUV, serverNext, err := sess.SelectFolderState(ctx, folder)
	if err != nil {
		return err
	}

	cachedUV, _, err := s.store.FolderState(ctx, account, folder)
	if err != nil {
		return err
	}
	if cachedUV != 0 && cachedUV != serverUV {
		s.logger.Warn("uidvalidity changed, dropping cached folder",
			"account", account, "folder", folder, "old", cachedUV, "new", serverUV)
		if err := s.store.DropFolder(ctx, account, folder); err != nil {
			return err
		}
	}

	cachedUIDs, err := s.store.ListUIDs(ctx, account, folder)
	if err != nil {
		return err
	}
	cachedSet := make(map[uint32]bool, len(cachedUIDs))
	for _, u := range cachedUIDs {
		cachedSet[u] = true
	}

	// Spec §4.6 step 2: "UID SEARCH ALL → server UID set S" — the
	// complete set, not the newest-page window ListMessages returns for
	// UI/AI-caller pagination. Diffing against a capped window would
	// wrongly treat every cached UID older than the window as gone and
	// cascade-delete it from the cache on every non-trivial mailbox.
	serverUIDs, err := sess.SearchAllUIDs(ctx, folder)
	if err != nil {
		return err
	}
	serverSet := make(map[uint32]bool, len(serverUIDs))
	var newUIDs []uint32
	for _, uid := range serverUIDs {
		serverSet[uid] = true
		if !cachedSet[uid] {
			newUIDs = append(newUIDs, uid)
		}
	}

	if len(newUIDs) > 0 {
		envs, err := sess.FetchEnvelopesByUID(ctx, folder, newUIDs)
		if err != nil {
			return err
		}
		for _, e := range envs {
			if err := s.store.UpsertEmail(ctx, EmailRow{
				Account:    account,
				Folder:     folder,
				UID:        e.UID,
				Subject:    e.Subject,
				Sender:     e.From,
				Recipients: e.To,
				Date:       e.Date,
				Flags:      e.Flags,
				Size:       e.Size,
			}); err != nil {
				return err
			}
		}
	}

	var gone []uint32
	for uid := range cachedSet {
		if !serverSet[uid] {
			gone = append(gone, uid)
		}
	}
	if len(gone) > 0 {
		if err := s.store.MarkDeleted(ctx, account, folder, gone); err != nil {
			return err
		}
	}

	return s.store.SetFolderState(ctx, account, folder, serverUV, serverNext)
}
