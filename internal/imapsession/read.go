package imapsession

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

const (
	maxBodySize       = 32 * 1024
	maxRawMessageSize = 5 * 1024 * 1024
	maxAttachmentSize = 25 * 1024 * 1024
)

// ReadMessage fetches a message's envelope and body. The body section
// is always requested with Peek: true — reading a message through this
// API must never have the side effect of marking it \Seen; callers
// that want read-marking semantics call Mark explicitly afterward.
func (s *Session) ReadMessage(ctx context.Context, folder string, uid uint32) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	if err := s.selectFolder(folder); err != nil {
		return nil, err
	}

	var set imap.UIDSet
	set.AddNum(imap.UID(uid))

	fetchOpts := &imap.FetchOptions{
		UID:        true,
		Envelope:   true,
		Flags:      true,
		RFC822Size: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true},
		},
	}
	fetchCmd := s.client.Fetch(set, fetchOpts)
	defer fetchCmd.Close()

	msgData := fetchCmd.Next()
	if msgData == nil {
		return nil, fmt.Errorf("imapsession: uid %d not found in %s", uid, folder)
	}

	result := &Message{}
	var rawBody []byte
	for {
		item := msgData.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			result.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				result.Flags = append(result.Flags, string(f))
			}
		case imapclient.FetchItemDataRFC822Size:
			result.Size = uint32(data.Size)
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				result.Date = data.Envelope.Date
				result.Subject = data.Envelope.Subject
				result.MessageID = data.Envelope.MessageID
				if len(data.Envelope.From) > 0 {
					result.From = formatAddress(data.Envelope.From[0])
				}
				for _, a := range data.Envelope.To {
					result.To = append(result.To, formatAddress(a))
				}
				for _, a := range data.Envelope.Cc {
					result.Cc = append(result.Cc, formatAddress(a))
				}
				if len(data.Envelope.ReplyTo) > 0 {
					result.ReplyTo = formatAddress(data.Envelope.ReplyTo[0])
				}
			}
		case imapclient.FetchItemDataBodySection:
			buf, err := io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
			if err != nil {
				return nil, fmt.Errorf("imapsession: read body literal: %w", err)
			}
			io.Copy(io.Discard, data.Literal)
			rawBody = buf
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("imapsession: fetch: %w", err)
	}

	if len(rawBody) > 0 {
		if err := s.parseBody(result, bytes.NewReader(rawBody)); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Session) parseBody(result *Message, r io.Reader) error {
	mr, err := mail.CreateReader(r)
	if err != nil {
		if !message.IsUnknownCharset(err) {
			return fmt.Errorf("imapsession: parse message: %w", err)
		}
	}
	if mr == nil {
		return nil
	}

	if refs := mr.Header.Get("References"); refs != "" {
		if ids, err := mr.Header.MsgIDList("References"); err == nil {
			result.References = ids
		}
	}
	if inReplyTo, err := mr.Header.MsgIDList("In-Reply-To"); err == nil {
		result.InReplyTo = inReplyTo
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("imapsession: next part: %w", err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, params, _ := h.ContentType()
			body, _ := io.ReadAll(io.LimitReader(part.Body, maxBodySize+1))
			text := truncateBody(body)
			switch ct {
			case "text/plain":
				if result.TextBody == "" {
					result.TextBody = text
				}
			case "text/html":
				if result.HTMLBody == "" {
					result.HTMLBody = text
				}
			}
			_ = params
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			cid, _ := h.ContentID()
			content, err := io.ReadAll(io.LimitReader(part.Body, maxAttachmentSize))
			if err != nil {
				return fmt.Errorf("imapsession: read attachment %q: %w", filename, err)
			}
			result.Attachments = append(result.Attachments, AttachmentRef{
				Filename:    filename,
				ContentType: ct,
				ContentID:   cid,
				Size:        len(content),
				Content:     content,
			})
		}
	}
	return nil
}

func truncateBody(body []byte) string {
	if len(body) > maxBodySize {
		return string(body[:maxBodySize]) + "\n\n[truncated — message exceeds 32KB]"
	}
	return string(body)
}
