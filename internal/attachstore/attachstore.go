// Package attachstore extracts and persists MIME attachments pulled
// out of a message body by internal/imapsession, and serves them back
// by filename, content-id, or as a zip of everything on a message.
package attachstore

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rustymail/mailgw/internal/validate"
)

const cidPrefixSep = "__"

// SyntheticMessageID builds a stable message identity for messages
// that never carried one — some servers tolerate missing Message-ID
// headers, so the cache and attachment store need a fallback key that
// is reproducible from data the IMAP server always reports (account,
// folder, UID, internal date).
func SyntheticMessageID(account, folder string, uid uint32, date time.Time) string {
	return fmt.Sprintf("synthetic-%s-%s-%d-%d", account, folder, uid, date.Unix())
}

// Sanitize reduces name to a safe path component via the module's
// canonical validate.PathComponent whitelist. It is the one place in
// this package that turns an arbitrary string into a filesystem path
// segment; both account ids and message ids go through it so there is
// exactly one policy to audit.
func Sanitize(name string) (string, error) {
	cleaned, err := validate.PathComponent(name)
	if err != nil {
		return "", fmt.Errorf("attachstore: %w", err)
	}
	return cleaned, nil
}

// Attachment is one stored MIME part's content plus enough metadata
// to serve it back through the REST and MCP attachment endpoints.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id,omitempty"`
	Size        int64  `json:"size"`
}

// Store persists attachment blobs under root/<account>/<message-id>/<filename>.
type Store struct {
	root string
}

// New returns a Store rooted at root, creating it if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("attachstore: mkdir %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) messageDir(account, messageID string) (string, error) {
	acctDir, err := Sanitize(account)
	if err != nil {
		return "", err
	}
	msgDir, err := Sanitize(strings.Trim(messageID, "<>"))
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, acctDir, msgDir), nil
}

// Save writes one attachment's content under its message's directory
// and returns the stored metadata.
func (s *Store) Save(account, messageID, filename, contentType, contentID string, r io.Reader) (Attachment, error) {
	dir, err := s.messageDir(account, messageID)
	if err != nil {
		return Attachment{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Attachment{}, fmt.Errorf("attachstore: mkdir %s: %w", dir, err)
	}

	safeName, err := Sanitize(filename)
	if err != nil {
		return Attachment{}, err
	}
	storedName := safeName
	if contentID != "" {
		safeCID, err := Sanitize(strings.Trim(contentID, "<>"))
		if err != nil {
			return Attachment{}, err
		}
		storedName = safeCID + cidPrefixSep + safeName
	}
	path := filepath.Join(dir, storedName)

	f, err := os.Create(path)
	if err != nil {
		return Attachment{}, fmt.Errorf("attachstore: create %s: %w", path, err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return Attachment{}, fmt.Errorf("attachstore: write %s: %w", path, err)
	}
	return Attachment{Filename: storedName, ContentType: contentType, ContentID: contentID, Size: n}, nil
}

// List returns the metadata for every attachment stored for a message.
// Content-type and content-id are not recoverable from the filesystem
// alone, so List only reports filenames and sizes; callers that need
// the richer record should keep it alongside the cached message row.
func (s *Store) List(account, messageID string) ([]Attachment, error) {
	dir, err := s.messageDir(account, messageID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("attachstore: readdir %s: %w", dir, err)
	}
	var out []Attachment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Attachment{Filename: e.Name(), Size: info.Size()})
	}
	return out, nil
}

// Open returns a reader for one stored attachment by filename.
func (s *Store) Open(account, messageID, filename string) (io.ReadCloser, error) {
	dir, err := s.messageDir(account, messageID)
	if err != nil {
		return nil, err
	}
	safeName, err := Sanitize(filename)
	if err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(dir, safeName))
}

// FindByContentID locates a stored attachment whose filename matches
// the given content-id convention (content-ids are sanitized the same
// way filenames are when Saved, so lookups reuse the same whitelist).
func (s *Store) FindByContentID(account, messageID, contentID string) (string, error) {
	safeCID, err := Sanitize(strings.Trim(contentID, "<>"))
	if err != nil {
		return "", err
	}
	atts, err := s.List(account, messageID)
	if err != nil {
		return "", err
	}
	prefix := safeCID + cidPrefixSep
	for _, a := range atts {
		if strings.HasPrefix(a.Filename, prefix) {
			return a.Filename, nil
		}
	}
	return "", fmt.Errorf("attachstore: no attachment for content-id %q", contentID)
}

// Delete removes every attachment stored for a message, cascading the
// removal that begins when the message itself is deleted or moved out
// of the account (internal/gateway calls this alongside the cache's
// own attachment-row cascade).
func (s *Store) Delete(account, messageID string) error {
	dir, err := s.messageDir(account, messageID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("attachstore: remove %s: %w", dir, err)
	}
	return nil
}

// Zip streams every attachment on a message as a single zip archive.
func (s *Store) Zip(account, messageID string, w io.Writer) error {
	dir, err := s.messageDir(account, messageID)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("attachstore: readdir %s: %w", dir, err)
	}

	zw := zip.NewWriter(w)
	defer zw.Close()

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("attachstore: open %s: %w", e.Name(), err)
		}
		zf, err := zw.Create(e.Name())
		if err != nil {
			f.Close()
			return fmt.Errorf("attachstore: zip create %s: %w", e.Name(), err)
		}
		if _, err := io.Copy(zf, f); err != nil {
			f.Close()
			return fmt.Errorf("attachstore: zip write %s: %w", e.Name(), err)
		}
		f.Close()
	}
	return zw.Close()
}
