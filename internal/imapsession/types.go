// Package imapsession wraps a single account's authenticated IMAP
// connection: login (password or XOAUTH2), folder selection, search,
// envelope listing, full message reads, flag changes, and folder
// listing. It deliberately stops short of cross-folder move semantics
// (see internal/moveengine) and connection pooling (see internal/pool);
// this package is the thing the pool hands out and the move engine
// drives.
package imapsession

import "time"

// Envelope is the lightweight per-message summary returned by listing
// and search operations — cheap enough to fetch for an entire mailbox.
type Envelope struct {
	UID     uint32    `json:"uid"`
	Date    time.Time `json:"date"`
	From    string    `json:"from"`
	To      []string  `json:"to"`
	Subject string    `json:"subject"`
	Flags   []string  `json:"flags"`
	Size    uint32    `json:"size"`
}

// Message is a fully read message: the envelope plus headers and body
// text that require fetching the message literal.
type Message struct {
	Envelope
	MessageID  string   `json:"message_id,omitempty"`
	InReplyTo  []string `json:"in_reply_to,omitempty"`
	References []string `json:"references,omitempty"`
	Cc         []string `json:"cc,omitempty"`
	ReplyTo    string   `json:"reply_to,omitempty"`
	TextBody   string   `json:"text_body,omitempty"`
	HTMLBody   string   `json:"html_body,omitempty"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// AttachmentRef describes a MIME part the caller can later retrieve
// through internal/attachstore without re-fetching the whole message.
type AttachmentRef struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id,omitempty"`
	Size        int    `json:"size"`

	// Content holds the part's decoded body so the caller can persist
	// it through internal/attachstore. Never serialized — callers that
	// only want the listing (e.g. a cached Message row) drop it.
	Content []byte `json:"-"`
}

// Folder is one mailbox's name, selectability attributes, and message
// counts as reported by LIST+STATUS.
type Folder struct {
	Name       string   `json:"name"`
	Attributes []string `json:"attributes"`
	Messages   uint32   `json:"messages"`
	Unseen     uint32   `json:"unseen"`
}

// ListOptions selects a page of the most recent messages in a folder.
type ListOptions struct {
	Folder   string
	Limit    int
	Unseen   bool
	SinceUID uint32
}

// SearchOptions selects messages in Folder matching the typed Criteria
// tree (nil matches every message), keeping at most the Limit highest
// UIDs when Limit is positive.
type SearchOptions struct {
	Folder   string
	Criteria *Criteria
	Limit    int
}

// MarkAction flips a single IMAP flag on a set of messages.
type MarkAction struct {
	Folder string
	UIDs   []uint32
	Flag   string
	Add    bool
}

var flagNames = map[string]string{
	"seen":     `\Seen`,
	"flagged":  `\Flagged`,
	"answered": `\Answered`,
	"draft":    `\Draft`,
	"deleted":  `\Deleted`,
}

// ValidFlag translates a spec-level flag name into its IMAP wire form.
func ValidFlag(name string) (string, bool) {
	f, ok := flagNames[name]
	return f, ok
}
