// Package outbox durably queues outbound messages and drives them
// through a pending -> sending -> sent|failed state machine with
// exponential backoff between retries, surviving process restarts by
// keeping the queue in the shared cache database rather than in
// memory.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/rustymail/mailgw/internal/account"
	"github.com/rustymail/mailgw/internal/eventbus"
)

// defaultSentFolder is used when an account has no explicit
// account.Account.SentFolder configured.
const defaultSentFolder = "Sent"

// maxFolderAttempts bounds the Sent-folder APPEND retry loop,
// matching the SMTP retry cap (§4.7: "a retry loop bounded by the
// same cap is used").
const maxFolderAttempts = maxAttempts

// State is one queued message's lifecycle stage.
type State string

const (
	StatePending State = "pending"
	StateSending State = "sending"
	StateSent    State = "sent"
	StateFailed  State = "failed"
)

// Item is one queued outbound message.
type Item struct {
	ID          string
	Account     string
	State       State
	Payload     Payload
	Attempts    int
	LastError   string
	NextAttempt time.Time

	// SMTPSent, OutboxSaved, and SentFolderSaved are the three status
	// bits the data model names: SMTPSent flips once SMTP accepts the
	// message, OutboxSaved is true from the moment the row is durably
	// enqueued, and SentFolderSaved flips once the IMAP Sent-folder
	// APPEND succeeds. A row may reach State==Sent with
	// SentFolderSaved still false if the append keeps failing.
	SMTPSent        bool
	OutboxSaved     bool
	SentFolderSaved bool
	FolderAttempts  int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payload is the durable representation of a send request: enough to
// reconstruct the MIME message and dial SMTP after a restart.
type Payload struct {
	From       string   `json:"from"`
	To         []string `json:"to"`
	Cc         []string `json:"cc"`
	Bcc        []string `json:"bcc"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	InReplyTo  string   `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
}

// Sender delivers a composed message for an account; implemented by
// internal/smtpsend in production and stubbed in tests.
type Sender interface {
	Send(ctx context.Context, ep account.Endpoint, oauth account.OAuthTokens, from string, recipients []string, msg []byte) error
	Compose(p Payload) ([]byte, error)
}

// Accounts resolves an account's SMTP endpoint/OAuth state by id.
type Accounts interface {
	Require(id string) (account.Account, error)
}

// SentAppender saves a successfully-delivered message into an
// account's IMAP Sent folder; implemented in production by acquiring
// a pooled session and calling its AppendMessage.
type SentAppender interface {
	AppendSent(ctx context.Context, accountID, folder string, raw []byte) error
}

const maxAttempts = 5

// Queue is the durable outbox backed by the shared cache database.
type Queue struct {
	db       *sql.DB
	sender   Sender
	accts    Accounts
	appender SentAppender
	bus      *eventbus.Bus
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an outbox queue over db (the same *sql.DB the cache
// package opens, sharing its outbox_queue table). appender and bus
// may be nil: without an appender the Sent-folder step is skipped
// entirely and silently (sent_folder_saved stays false forever);
// without a bus, exhaustion alerts are only logged.
func New(db *sql.DB, sender Sender, accts Accounts, appender SentAppender, bus *eventbus.Bus, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, sender: sender, accts: accts, appender: appender, bus: bus, logger: logger, stopCh: make(chan struct{}), doneCh: make(chan struct{})}
}

// Enqueue durably records a new send request in the pending state and
// returns its id.
func (q *Queue) Enqueue(ctx context.Context, accountID string, p Payload) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("outbox: marshal payload: %w", err)
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO outbox_queue (id, account, state, payload, attempts, next_attempt, outbox_saved, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, 1, ?, ?)
	`, id, accountID, StatePending, payload, now, now, now)
	if err != nil {
		return "", fmt.Errorf("outbox: enqueue: %w", err)
	}
	return id, nil
}

const itemColumns = `id, account, state, payload, attempts, last_error, next_attempt,
		smtp_sent, outbox_saved, sent_folder_saved, folder_attempts, created_at, updated_at`

// Get returns one queued item's current state.
func (q *Queue) Get(ctx context.Context, id string) (Item, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM outbox_queue WHERE id = ?`, id)
	return scanItem(row)
}

func scanItem(row *sql.Row) (Item, error) {
	var it Item
	var payload []byte
	var lastError sql.NullString
	var smtpSent, outboxSaved, sentFolderSaved int
	if err := row.Scan(&it.ID, &it.Account, &it.State, &payload, &it.Attempts, &lastError, &it.NextAttempt,
		&smtpSent, &outboxSaved, &sentFolderSaved, &it.FolderAttempts, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return Item{}, err
	}
	it.LastError = lastError.String
	it.SMTPSent, it.OutboxSaved, it.SentFolderSaved = smtpSent != 0, outboxSaved != 0, sentFolderSaved != 0
	if err := json.Unmarshal(payload, &it.Payload); err != nil {
		return Item{}, fmt.Errorf("outbox: unmarshal payload: %w", err)
	}
	return it, nil
}

// dueItems returns pending items whose next_attempt has arrived.
func (q *Queue) dueItems(ctx context.Context) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM outbox_queue WHERE state = ? AND next_attempt <= ?
		ORDER BY created_at ASC
	`, StatePending, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

// dueFolderSaves returns sent items whose Sent-folder APPEND has not
// yet succeeded and has not exhausted its retry budget.
func (q *Queue) dueFolderSaves(ctx context.Context) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM outbox_queue WHERE state = ? AND sent_folder_saved = 0 AND folder_attempts < ?
		ORDER BY created_at ASC
	`, StateSent, maxFolderAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanItems(rows)
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		var it Item
		var payload []byte
		var lastError sql.NullString
		var smtpSent, outboxSaved, sentFolderSaved int
		if err := rows.Scan(&it.ID, &it.Account, &it.State, &payload, &it.Attempts, &lastError, &it.NextAttempt,
			&smtpSent, &outboxSaved, &sentFolderSaved, &it.FolderAttempts, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		it.LastError = lastError.String
		it.SMTPSent, it.OutboxSaved, it.SentFolderSaved = smtpSent != 0, outboxSaved != 0, sentFolderSaved != 0
		json.Unmarshal(payload, &it.Payload)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (q *Queue) setState(ctx context.Context, id string, state State, attempts int, lastErr error, next time.Time) error {
	var errMsg sql.NullString
	if lastErr != nil {
		errMsg = sql.NullString{String: lastErr.Error(), Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE outbox_queue SET state = ?, attempts = ?, last_error = ?, next_attempt = ?, updated_at = ?
		WHERE id = ?
	`, state, attempts, errMsg, next, time.Now().UTC(), id)
	return err
}

// markSMTPSent transitions a row to sent once SMTP has accepted the
// message; outbox_saved is already true from Enqueue, so invariant #10
// (sent only after smtp_sent ∧ outbox_saved) holds the instant this
// commits, independent of whether the Sent-folder append below
// succeeds.
func (q *Queue) markSMTPSent(ctx context.Context, id string, attempts int) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE outbox_queue SET state = ?, smtp_sent = 1, attempts = ?, last_error = NULL, updated_at = ?
		WHERE id = ?
	`, StateSent, attempts, time.Now().UTC(), id)
	return err
}

func (q *Queue) markFolderSaved(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE outbox_queue SET sent_folder_saved = 1, updated_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
	return err
}

func (q *Queue) bumpFolderAttempt(ctx context.Context, id string, attempts int, folderErr error) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE outbox_queue SET folder_attempts = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, attempts, folderErr.Error(), time.Now().UTC(), id)
	return err
}

// backoff returns the delay before the next retry, 30s × 2^attempts
// (60s after the first failed attempt) up to a 20-minute ceiling.
func backoff(attempts int) time.Duration {
	d := 30 * time.Second * time.Duration(math.Pow(2, float64(attempts)))
	if d > 20*time.Minute {
		d = 20 * time.Minute
	}
	return d
}

// processOne attempts delivery of a single item, advancing its state.
func (q *Queue) processOne(ctx context.Context, it Item) {
	if err := q.setState(ctx, it.ID, StateSending, it.Attempts, nil, it.NextAttempt); err != nil {
		q.logger.Error("outbox: mark sending failed", "id", it.ID, "error", err)
		return
	}

	acct, err := q.accts.Require(it.Account)
	if err != nil {
		q.fail(ctx, it, err)
		return
	}
	if !acct.HasSMTP() {
		q.fail(ctx, it, fmt.Errorf("outbox: account %s has no SMTP endpoint configured", it.Account))
		return
	}

	msg, err := q.sender.Compose(it.Payload)
	if err != nil {
		q.fail(ctx, it, err)
		return
	}

	recipients := append(append(append([]string{}, it.Payload.To...), it.Payload.Cc...), it.Payload.Bcc...)
	if err := q.sender.Send(ctx, acct.SMTP, acct.OAuth, it.Payload.From, recipients, msg); err != nil {
		q.fail(ctx, it, err)
		return
	}

	if err := q.markSMTPSent(ctx, it.ID, it.Attempts+1); err != nil {
		q.logger.Error("outbox: mark sent failed", "id", it.ID, "error", err)
		return
	}

	// Best-effort Sent-folder save: a first attempt happens inline so
	// the common case (server up, append succeeds) needs no extra
	// poll cycle; failures fall through to processFolderSaves' own
	// retry loop.
	q.saveToSentFolder(ctx, it.ID, it.Account, acct.SentFolder, msg, 0)
}

// saveToSentFolder appends msg to the account's Sent folder (best
// effort, §4.7: "mandatory for observability" but never blocks the
// terminal sent state). priorAttempts is the folder_attempts value
// already recorded for this item.
func (q *Queue) saveToSentFolder(ctx context.Context, id, accountID, sentFolder string, msg []byte, priorAttempts int) {
	if q.appender == nil {
		return
	}
	folder := sentFolder
	if folder == "" {
		folder = defaultSentFolder
	}
	if err := q.appender.AppendSent(ctx, accountID, folder, msg); err != nil {
		attempts := priorAttempts + 1
		if bumpErr := q.bumpFolderAttempt(ctx, id, attempts, err); bumpErr != nil {
			q.logger.Error("outbox: record folder-save failure failed", "id", id, "error", bumpErr)
		}
		if attempts >= maxFolderAttempts {
			q.logger.Error("outbox: giving up on sent-folder save", "id", id, "account", accountID, "folder", folder, "error", err)
			q.bus.Publish(eventbus.Event{
				Source: eventbus.SourceOutbox,
				Kind:   eventbus.KindSystemAlert,
				Data: map[string]any{
					"outbox_id": id, "account": accountID, "folder": folder,
					"reason": "sent_folder_saved=false after exhausting retries", "error": err.Error(),
				},
			})
		} else {
			q.logger.Warn("outbox: sent-folder save failed, will retry", "id", id, "account", accountID, "folder", folder, "error", err)
		}
		return
	}
	if err := q.markFolderSaved(ctx, id); err != nil {
		q.logger.Error("outbox: mark folder-saved failed", "id", id, "error", err)
	}
}

// processFolderSaves retries the Sent-folder APPEND for rows that
// reached State==Sent but whose append hasn't succeeded yet.
func (q *Queue) processFolderSaves(ctx context.Context) {
	items, err := q.dueFolderSaves(ctx)
	if err != nil {
		q.logger.Warn("outbox: folder-save poll failed", "error", err)
		return
	}
	for _, it := range items {
		acct, err := q.accts.Require(it.Account)
		if err != nil {
			continue
		}
		msg, err := q.sender.Compose(it.Payload)
		if err != nil {
			continue
		}
		q.saveToSentFolder(ctx, it.ID, it.Account, acct.SentFolder, msg, it.FolderAttempts)
	}
}

func (q *Queue) fail(ctx context.Context, it Item, sendErr error) {
	attempts := it.Attempts + 1
	if attempts >= maxAttempts {
		if err := q.setState(ctx, it.ID, StateFailed, attempts, sendErr, time.Time{}); err != nil {
			q.logger.Error("outbox: mark failed failed", "id", it.ID, "error", err)
		}
		return
	}
	next := time.Now().UTC().Add(backoff(attempts))
	if err := q.setState(ctx, it.ID, StatePending, attempts, sendErr, next); err != nil {
		q.logger.Error("outbox: reschedule failed", "id", it.ID, "error", err)
	}
}

// Run drives the retry worker loop until Stop is called.
func (q *Queue) Run(pollEvery time.Duration) {
	defer close(q.doneCh)
	if pollEvery <= 0 {
		pollEvery = 10 * time.Second
	}
	t := time.NewTicker(pollEvery)
	defer t.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-t.C:
			items, err := q.dueItems(context.Background())
			if err != nil {
				q.logger.Warn("outbox: poll failed", "error", err)
				continue
			}
			for _, it := range items {
				q.processOne(context.Background(), it)
			}
			q.processFolderSaves(context.Background())
		}
	}
}

// Stop signals the worker loop to exit and waits for it to finish.
func (q *Queue) Stop() {
	close(q.stopCh)
	<-q.doneCh
}
