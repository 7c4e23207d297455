// Package smtpsend composes MIME messages and delivers them over SMTP,
// authenticating with XOAUTH2 when an account has OAuth tokens and
// falling back to AUTH PLAIN against a configured password otherwise.
package smtpsend

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"
)

// ComposeOptions describes a new message to send or a reply being
// composed. Body is markdown; both a plain-text and an HTML part are
// generated from it so mail clients that prefer either get a native
// rendering.
type ComposeOptions struct {
	From       string
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	Body       string
	InReplyTo  string
	References []string
}

// ComposeMessage renders opts into a ready-to-send RFC 5322 message.
func ComposeMessage(opts ComposeOptions) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("smtpsend: generate message-id: %w", err)
	}
	h.SetSubject(opts.Subject)

	from, err := parseAddressList([]string{opts.From})
	if err != nil {
		return nil, fmt.Errorf("smtpsend: from: %w", err)
	}
	h.SetAddressList("From", from)

	to, err := parseAddressList(opts.To)
	if err != nil {
		return nil, fmt.Errorf("smtpsend: to: %w", err)
	}
	h.SetAddressList("To", to)

	if len(opts.Cc) > 0 {
		cc, err := parseAddressList(opts.Cc)
		if err != nil {
			return nil, fmt.Errorf("smtpsend: cc: %w", err)
		}
		h.SetAddressList("Cc", cc)
	}
	if len(opts.Bcc) > 0 {
		bcc, err := parseAddressList(opts.Bcc)
		if err != nil {
			return nil, fmt.Errorf("smtpsend: bcc: %w", err)
		}
		h.SetAddressList("Bcc", bcc)
	}

	if opts.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{opts.InReplyTo})
	}
	if len(opts.References) > 0 {
		h.SetMsgIDList("References", opts.References)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("smtpsend: create writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("smtpsend: create inline writer: %w", err)
	}

	var plainHeader mail.InlineHeader
	plainHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	pw, err := tw.CreatePart(plainHeader)
	if err != nil {
		return nil, fmt.Errorf("smtpsend: create text part: %w", err)
	}
	pw.Write([]byte(markdownToPlain(opts.Body)))
	pw.Close()

	htmlBody, err := markdownToHTML(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("smtpsend: render html: %w", err)
	}
	var htmlHeader mail.InlineHeader
	htmlHeader.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	hw, err := tw.CreatePart(htmlHeader)
	if err != nil {
		return nil, fmt.Errorf("smtpsend: create html part: %w", err)
	}
	hw.Write([]byte(htmlBody))
	hw.Close()

	tw.Close()
	mw.Close()
	return buf.Bytes(), nil
}

func parseAddressList(addrs []string) ([]*mail.Address, error) {
	var out []*mail.Address
	for _, a := range addrs {
		if strings.TrimSpace(a) == "" {
			continue
		}
		parsed, err := mail.ParseAddress(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

func markdownToHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return "<html><body>" + buf.String() + "</body></html>", nil
}

var (
	mdBold      = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	mdItalic    = regexp.MustCompile(`\*([^*]+)\*`)
	mdLink      = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	mdImage     = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	mdHeading   = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	mdCodeBlock = regexp.MustCompile("```[^`]*```")
	mdInline    = regexp.MustCompile("`([^`]+)`")
)

func markdownToPlain(md string) string {
	out := mdCodeBlock.ReplaceAllString(md, "")
	out = mdImage.ReplaceAllString(out, "$1")
	out = mdLink.ReplaceAllString(out, "$1 ($2)")
	out = mdBold.ReplaceAllString(out, "$1")
	out = mdItalic.ReplaceAllString(out, "$1")
	out = mdHeading.ReplaceAllString(out, "")
	out = mdInline.ReplaceAllString(out, "$1")
	return out
}
