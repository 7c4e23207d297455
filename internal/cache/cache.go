// Package cache mirrors each account's mailbox into a local SQLite
// database so that listing, searching, and reading cached messages
// don't require a live IMAP round trip. The upsert-with-soft-delete
// and LIKE-based text search idioms here follow the contact store
// pattern used elsewhere in this codebase for local mirrors of
// remote state, adapted from a single contacts table to a three-table
// (folders/emails/attachments) mailbox mirror plus a durable outbox
// queue table that internal/outbox owns.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// EmailRow is one cached message.
type EmailRow struct {
	Account    string
	Folder     string
	UID        uint32
	MessageID  string
	Subject    string
	Sender     string
	Recipients []string
	Date       time.Time
	Flags      []string
	Size       uint32
	TextBody   string
	HTMLBody   string
	Deleted    bool
	UpdatedAt  time.Time
}

// Store is a SQLite-backed cache for one running gateway process
// (all accounts share the one database file, partitioned by the
// account column).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the cache database at path and
// applies the schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying *sql.DB so other packages sharing this
// process's single database file (notably internal/outbox, which owns
// the outbox_queue table created by this package's schema) can issue
// their own queries against it.
func (s *Store) DB() *sql.DB { return s.db }

// FolderState returns the last known UIDVALIDITY/UIDNEXT for an
// account's folder, or zero values if it has never been synced.
func (s *Store) FolderState(ctx context.Context, account, folder string) (uidValidity, uidNext uint32, err error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uid_validity, uid_next FROM folders WHERE account = ? AND name = ?`, account, folder)
	err = row.Scan(&uidValidity, &uidNext)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return uidValidity, uidNext, err
}

// SetFolderState records a folder's UIDVALIDITY/UIDNEXT after a sync
// pass, upserting the row.
func (s *Store) SetFolderState(ctx context.Context, account, folder string, uidValidity, uidNext uint32) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (account, name, uid_validity, uid_next, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account, name) DO UPDATE SET
			uid_validity = excluded.uid_validity,
			uid_next = excluded.uid_next,
			synced_at = excluded.synced_at
	`, account, folder, uidValidity, uidNext, time.Now().UTC())
	return err
}

// DropFolder clears every cached row for a folder, used when
// UIDVALIDITY changes and the prior cache can no longer be trusted to
// correspond to current UIDs.
func (s *Store) DropFolder(ctx context.Context, account, folder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM emails WHERE account = ? AND folder = ?`, account, folder)
	return err
}

// UpsertEmail inserts or replaces one cached message row.
func (s *Store) UpsertEmail(ctx context.Context, e EmailRow) error {
	recipients, err := json.Marshal(e.Recipients)
	if err != nil {
		return fmt.Errorf("cache: marshal recipients: %w", err)
	}
	flags, err := json.Marshal(e.Flags)
	if err != nil {
		return fmt.Errorf("cache: marshal flags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO emails (account, folder, uid, message_id, subject, sender, recipients, date, flags, size, text_body, html_body, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(account, folder, uid) DO UPDATE SET
			message_id = excluded.message_id,
			subject = excluded.subject,
			sender = excluded.sender,
			recipients = excluded.recipients,
			date = excluded.date,
			flags = excluded.flags,
			size = excluded.size,
			text_body = COALESCE(NULLIF(excluded.text_body, ''), emails.text_body),
			html_body = COALESCE(NULLIF(excluded.html_body, ''), emails.html_body),
			deleted = 0,
			updated_at = excluded.updated_at
	`, e.Account, e.Folder, e.UID, e.MessageID, e.Subject, e.Sender, string(recipients), e.Date, string(flags), e.Size, e.TextBody, e.HTMLBody, time.Now().UTC())
	return err
}

// MarkDeleted soft-deletes cached rows for UIDs no longer present
// upstream, rather than hard-deleting them, so a concurrent reader
// mid-request never sees a row vanish out from under it.
func (s *Store) MarkDeleted(ctx context.Context, account, folder string, uids []uint32) error {
	for _, uid := range uids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE emails SET deleted = 1, updated_at = ? WHERE account = ? AND folder = ? AND uid = ?`,
			time.Now().UTC(), account, folder, uid); err != nil {
			return err
		}
	}
	return nil
}

// ListUIDs returns every non-deleted UID cached for a folder.
func (s *Store) ListUIDs(ctx context.Context, account, folder string) ([]uint32, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uid FROM emails WHERE account = ? AND folder = ? AND deleted = 0`, account, folder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// AttachmentRow is one cached attachment's metadata. Content bytes
// live in internal/attachstore's filesystem tree, not in this table;
// this row is the index over those files (and what the cascade-delete
// path uses to know which files to remove).
type AttachmentRow struct {
	Account     string
	MessageID   string
	Filename    string
	ContentType string
	ContentID   string
	Size        int64
}

// UpsertAttachment records one attachment's metadata after
// internal/attachstore has persisted its bytes to disk.
func (s *Store) UpsertAttachment(ctx context.Context, a AttachmentRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (account, message_id, filename, content_type, content_id, size)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, message_id, filename) DO UPDATE SET
			content_type = excluded.content_type,
			content_id = excluded.content_id,
			size = excluded.size
	`, a.Account, a.MessageID, a.Filename, a.ContentType, a.ContentID, a.Size)
	return err
}

// ListAttachments returns the cached metadata for every attachment
// stored against a message.
func (s *Store) ListAttachments(ctx context.Context, account, messageID string) ([]AttachmentRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT filename, content_type, content_id, size FROM attachments
		WHERE account = ? AND message_id = ?
	`, account, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttachmentRow
	for rows.Next() {
		a := AttachmentRow{Account: account, MessageID: messageID}
		if err := rows.Scan(&a.Filename, &a.ContentType, &a.ContentID, &a.Size); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAttachments removes every cached attachment row for a message,
// the metadata half of the cascade that runs alongside
// internal/attachstore.Store.Delete when a message is deleted or moved
// out of an account.
func (s *Store) DeleteAttachments(ctx context.Context, account, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE account = ? AND message_id = ?`, account, messageID)
	return err
}

// MessageIDForUID resolves the Message-ID cached for one UID, so
// callers that only have a folder+UID (e.g. a delete request) can
// reach the attachment rows and files keyed by Message-ID.
func (s *Store) MessageIDForUID(ctx context.Context, account, folder string, uid uint32) (string, error) {
	var messageID string
	row := s.db.QueryRowContext(ctx,
		`SELECT message_id FROM emails WHERE account = ? AND folder = ? AND uid = ?`, account, folder, uid)
	err := row.Scan(&messageID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return messageID, err
}

// SearchText does a case-insensitive LIKE search over subject and
// sender, the same broad-match idiom used for the contact directory's
// name search, applied here to cached email metadata.
func (s *Store) SearchText(ctx context.Context, account, query string, limit int) ([]EmailRow, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT folder, uid, message_id, subject, sender, recipients, date, flags, size, deleted, updated_at
		FROM emails
		WHERE account = ? AND deleted = 0 AND (LOWER(subject) LIKE ? OR LOWER(sender) LIKE ?)
		ORDER BY date DESC LIMIT ?
	`, account, like, like, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EmailRow
	for rows.Next() {
		var e EmailRow
		var recipients, flags string
		e.Account = account
		if err := rows.Scan(&e.Folder, &e.UID, &e.MessageID, &e.Subject, &e.Sender, &recipients, &e.Date, &flags, &e.Size, &e.Deleted, &e.UpdatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(recipients), &e.Recipients)
		json.Unmarshal([]byte(flags), &e.Flags)
		out = append(out, e)
	}
	return out, rows.Err()
}
