package cache

const schema = `
CREATE TABLE IF NOT EXISTS folders (
	account      TEXT NOT NULL,
	name         TEXT NOT NULL,
	uid_validity INTEGER NOT NULL DEFAULT 0,
	uid_next     INTEGER NOT NULL DEFAULT 0,
	synced_at    TIMESTAMP,
	PRIMARY KEY (account, name)
);

CREATE TABLE IF NOT EXISTS emails (
	account    TEXT NOT NULL,
	folder     TEXT NOT NULL,
	uid        INTEGER NOT NULL,
	message_id TEXT,
	subject    TEXT,
	sender     TEXT,
	recipients TEXT,
	date       TIMESTAMP,
	flags      TEXT,
	size       INTEGER,
	text_body  TEXT,
	html_body  TEXT,
	deleted    INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (account, folder, uid)
);
CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(account, message_id);
CREATE INDEX IF NOT EXISTS idx_emails_subject ON emails(account, subject);

CREATE TABLE IF NOT EXISTS attachments (
	account     TEXT NOT NULL,
	message_id  TEXT NOT NULL,
	filename    TEXT NOT NULL,
	content_type TEXT,
	content_id  TEXT,
	size        INTEGER,
	PRIMARY KEY (account, message_id, filename)
);

CREATE TABLE IF NOT EXISTS outbox_queue (
	id          TEXT PRIMARY KEY,
	account     TEXT NOT NULL,
	state       TEXT NOT NULL,
	payload     BLOB NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT,
	next_attempt TIMESTAMP,
	smtp_sent          INTEGER NOT NULL DEFAULT 0,
	outbox_saved       INTEGER NOT NULL DEFAULT 0,
	sent_folder_saved  INTEGER NOT NULL DEFAULT 0,
	folder_attempts    INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_state ON outbox_queue(state, next_attempt);
`
