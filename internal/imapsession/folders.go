package imapsession

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// ListFolders returns every mailbox, alphabetically sorted, with its
// current message and unseen counts; \Noselect mailboxes are included
// with zero counts.
func (s *Session) ListFolders(ctx context.Context) ([]Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}

	mailboxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("imapsession: list: %w", err)
	}

	var out []Folder
	for _, mbox := range mailboxes {
		selectable := true
		attrs := make([]string, 0, len(mbox.Attrs))
		for _, a := range mbox.Attrs {
			attrs = append(attrs, string(a))
			if a == imap.MailboxAttrNoSelect {
				selectable = false
			}
		}
		f := Folder{Name: mbox.Mailbox, Attributes: attrs}
		if selectable {
			statusData, err := s.client.Status(mbox.Mailbox, &imap.StatusOptions{
				NumMessages: true,
				NumUnseen:   true,
			}).Wait()
			if err != nil {
				return nil, fmt.Errorf("imapsession: status %s: %w", mbox.Mailbox, err)
			}
			if statusData.NumMessages != nil {
				f.Messages = *statusData.NumMessages
			}
			if statusData.NumUnseen != nil {
				f.Unseen = *statusData.NumUnseen
			}
		}
		out = append(out, f)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ErrFolderExists is returned by CreateFolder when the mailbox is
// already present.
var ErrFolderExists = fmt.Errorf("imapsession: folder already exists")

// ErrFolderNotEmpty is returned by DeleteFolder when the server
// refuses to delete a non-empty mailbox.
var ErrFolderNotEmpty = fmt.Errorf("imapsession: folder not empty")

// CreateFolder creates a new mailbox on the server.
func (s *Session) CreateFolder(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.client.Create(name, nil).Wait(); err != nil {
		if isMailboxExists(err) {
			return ErrFolderExists
		}
		return fmt.Errorf("imapsession: create %s: %w", name, err)
	}
	return nil
}

// DeleteFolder removes a mailbox from the server. Most servers refuse
// to delete a non-empty mailbox; that case is surfaced as
// ErrFolderNotEmpty rather than a bare wrapped error so REST/MCP can
// map it to a 409/conflict instead of a 500.
func (s *Session) DeleteFolder(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.client.Delete(name).Wait(); err != nil {
		if isMailboxNotEmpty(err) {
			return ErrFolderNotEmpty
		}
		return fmt.Errorf("imapsession: delete %s: %w", name, err)
	}
	if s.selected == name {
		s.selected = ""
	}
	return nil
}

// RenameFolder renames a mailbox on the server.
func (s *Session) RenameFolder(ctx context.Context, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.client.Rename(oldName, newName).Wait(); err != nil {
		return fmt.Errorf("imapsession: rename %s -> %s: %w", oldName, newName, err)
	}
	if s.selected == oldName {
		s.selected = newName
	}
	return nil
}

// AppendMessage stores raw message bytes into folder (IMAP APPEND),
// used for Drafts/Sent-folder saves and the REST "append" route.
func (s *Session) AppendMessage(ctx context.Context, folder string, raw []byte, flags []imap.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return err
	}

	cmd := s.client.Append(folder, int64(len(raw)), &imap.AppendOptions{Flags: flags})
	if _, err := cmd.Write(raw); err != nil {
		cmd.Close()
		return fmt.Errorf("imapsession: append write to %s: %w", folder, err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("imapsession: append close to %s: %w", folder, err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("imapsession: append %s: %w", folder, err)
	}
	return nil
}

func isMailboxExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "alreadyexists")
}

func isMailboxNotEmpty(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not empty") || strings.Contains(msg, "has inferiors")
}
