// Package moveengine implements cross-folder message moves as an
// explicit, logged transaction instead of trusting a single IMAP
// command. The original client code this package replaces called
// imapclient's MOVE extension directly and trusted the server to get
// it right atomically; this package assumes servers without MOVE (or
// servers that partially fail mid-command) are the normal case, and
// keeps enough state in memory to compensate a failure.
package moveengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rustymail/mailgw/internal/imapsession"
)

// Step names a completed stage of a move transaction, used both for
// logging and to decide what needs compensating on failure.
type Step string

const (
	StepCopied   Step = "copied"
	StepDeleted  Step = "deleted"
	StepExpunged Step = "expunged"
)

// Transaction records one in-flight or completed move so that a
// failure partway through can be rolled back in reverse order.
type Transaction struct {
	ID           string
	Account      string
	SourceFolder string
	DestFolder   string
	UIDs         []uint32
	Steps        []Step
	StartedAt    time.Time
	FinishedAt   time.Time
	Err          error
	UsedNative   bool

	// MessageIDs captures each source UID's Message-ID header before
	// the COPY step runs, so a later failure can locate the stray
	// copy in DestFolder by Message-ID even on servers that never
	// report a UIDPLUS destination mapping back from COPY.
	MessageIDs map[uint32]string `json:"-"`
}

// imapMover is the subset of *imapsession.Session the move engine
// drives. Defined here rather than consumed as the concrete type so
// tests can exercise Move/rollback against a fake session without a
// live IMAP server.
type imapMover interface {
	NativeMove(ctx context.Context, folder string, uids []uint32, destination string) error
	Copy(ctx context.Context, folder string, uids []uint32, destination string) error
	MarkDeleted(ctx context.Context, folder string, uids []uint32) error
	ExpungeUIDs(ctx context.Context, folder string, uids []uint32) error
	UndeleteFlag(ctx context.Context, folder string, uids []uint32) error
	FetchMessageIDs(ctx context.Context, folder string, uids []uint32) (map[uint32]string, error)
	FindUIDByMessageID(ctx context.Context, folder, messageID string) (uint32, bool, error)
}

// Log is an in-memory, mutex-guarded ledger of move transactions. It
// is intentionally a plain slice behind a lock rather than a database
// table: move transactions are a debugging aid and a rollback source
// of truth for the lifetime of a single process, not a durable record
// (unlike the outbox queue, which does need to survive a restart).
type Log struct {
	mu   sync.Mutex
	txns []*Transaction
	next int
}

// NewLog constructs an empty transaction log.
func NewLog() *Log { return &Log{} }

func (l *Log) record(txn *Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	txn.ID = fmt.Sprintf("mv-%d", l.next)
	l.txns = append(l.txns, txn)
}

// Recent returns the last n transactions, most recent first.
func (l *Log) Recent(n int) []*Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.txns) {
		n = len(l.txns)
	}
	out := make([]*Transaction, n)
	for i := 0; i < n; i++ {
		out[i] = l.txns[len(l.txns)-1-i]
	}
	return out
}

// Engine drives atomic moves for one account's session.
type Engine struct {
	log    *Log
	logger *slog.Logger
}

// New builds a move engine backed by log, which may be shared across
// accounts and is safe for concurrent use.
func New(log *Log, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{log: log, logger: logger}
}

// Log returns the transaction log backing this engine, for
// introspection endpoints (recent moves, debugging).
func (e *Engine) Log() *Log { return e.log }

// Move relocates uids from source to destination. It first tries the
// server's native MOVE extension (atomic by construction); when the
// server doesn't support it, it falls back to COPY, then STORE
// \Deleted + EXPUNGE, logging each completed step so that an EXPUNGE
// failure after a successful COPY can be compensated by clearing
// \Deleted rather than leaving the message either duplicated or lost.
func (e *Engine) Move(ctx context.Context, sess imapMover, account, source, dest string, uids []uint32) (*Transaction, error) {
	txn := &Transaction{
		Account:      account,
		SourceFolder: source,
		DestFolder:   dest,
		UIDs:         append([]uint32(nil), uids...),
		StartedAt:    time.Now().UTC(),
	}
	defer func() {
		txn.FinishedAt = time.Now().UTC()
		e.log.record(txn)
	}()

	if err := sess.NativeMove(ctx, source, uids, dest); err == nil {
		txn.UsedNative = true
		txn.Steps = append(txn.Steps, StepCopied, StepDeleted, StepExpunged)
		return txn, nil
	} else if err != imapsession.ErrMoveUnsupported {
		e.logger.Warn("native move failed, falling back to copy+store+expunge",
			"account", account, "error", err)
	}

	if msgIDs, idErr := sess.FetchMessageIDs(ctx, source, uids); idErr != nil {
		e.logger.Warn("moveengine: fetch message-ids for rollback fallback failed",
			"account", account, "error", idErr)
	} else {
		txn.MessageIDs = msgIDs
	}

	if err := sess.Copy(ctx, source, uids, dest); err != nil {
		txn.Err = fmt.Errorf("moveengine: copy: %w", err)
		return txn, txn.Err
	}
	txn.Steps = append(txn.Steps, StepCopied)

	if err := sess.MarkDeleted(ctx, source, uids); err != nil {
		// The STORE itself never committed: nothing to compensate
		// beyond the already-logged COPY.
		txn.Err = fmt.Errorf("moveengine: store \\Deleted: %w", err)
		e.rollback(ctx, sess, txn)
		return txn, txn.Err
	}
	txn.Steps = append(txn.Steps, StepDeleted)

	if err := sess.ExpungeUIDs(ctx, source, uids); err != nil {
		// \Deleted is set but the message is still present: safe to
		// compensate by clearing the flag, since expunge never ran.
		txn.Err = fmt.Errorf("moveengine: expunge: %w", err)
		e.rollback(ctx, sess, txn)
		return txn, txn.Err
	}
	txn.Steps = append(txn.Steps, StepExpunged)

	return txn, nil
}

// rollback compensates completed steps in reverse order. A STORE
// \Deleted on the source is undone by clearing the flag (safe: the
// source was never expunged). A COPY that already landed in dest has
// no undo command in IMAP, so it is compensated instead: locate the
// duplicate in dest and delete it there, so the net observable effect
// of a failed move is "nothing happened" rather than a duplicate.
func (e *Engine) rollback(ctx context.Context, sess imapMover, txn *Transaction) {
	for i := len(txn.Steps) - 1; i >= 0; i-- {
		switch txn.Steps[i] {
		case StepDeleted:
			if err := sess.UndeleteFlag(ctx, txn.SourceFolder, txn.UIDs); err != nil {
				e.logger.Error("rollback: failed to clear \\Deleted", "account", txn.Account, "error", err)
			}
		case StepCopied:
			if err := e.rollbackCopy(ctx, sess, txn); err != nil {
				e.logger.Error("rollback: failed to remove copied duplicate from destination",
					"account", txn.Account, "dest", txn.DestFolder, "error", err)
			}
		}
	}
}

// rollbackCopy removes the duplicate a completed COPY left in
// txn.DestFolder: for each source UID, locate its copy by Message-ID
// (the identity captured before the COPY ran — COPY's own UIDPLUS
// response, when a server even sends one, isn't surfaced by this
// client), then STORE +\Deleted and EXPUNGE it there. Spec §4.4 step
// 3's compensating delete for a logged COPY.
func (e *Engine) rollbackCopy(ctx context.Context, sess imapMover, txn *Transaction) error {
	var destUIDs []uint32
	var unresolved []uint32
	for _, uid := range txn.UIDs {
		msgID := txn.MessageIDs[uid]
		if msgID == "" {
			unresolved = append(unresolved, uid)
			continue
		}
		found, ok, err := sess.FindUIDByMessageID(ctx, txn.DestFolder, msgID)
		if err != nil {
			return fmt.Errorf("locate copy of uid %d in %s: %w", uid, txn.DestFolder, err)
		}
		if !ok {
			unresolved = append(unresolved, uid)
			continue
		}
		destUIDs = append(destUIDs, found)
	}
	if len(unresolved) > 0 {
		e.logger.Warn("rollback: could not identify copied duplicate in destination, leaving it for manual reconciliation",
			"account", txn.Account, "dest", txn.DestFolder, "uids", unresolved)
	}
	if len(destUIDs) == 0 {
		return nil
	}
	if err := sess.MarkDeleted(ctx, txn.DestFolder, destUIDs); err != nil {
		return fmt.Errorf("mark duplicate \\Deleted in %s: %w", txn.DestFolder, err)
	}
	if err := sess.ExpungeUIDs(ctx, txn.DestFolder, destUIDs); err != nil {
		return fmt.Errorf("expunge duplicate in %s: %w", txn.DestFolder, err)
	}
	return nil
}
