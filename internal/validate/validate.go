// Package validate is the single canonical whitelist applied to every
// string that flows from a request parameter into an IMAP command or a
// filesystem path: printable ASCII minus control characters, with ".."
// and backslash rejected outright rather than stripped, so a traversal
// attempt fails loudly instead of silently landing somewhere
// unexpected. internal/gateway applies FolderName at adapter ingress;
// internal/attachstore applies PathComponent to account/message/
// filename path segments.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

var controlPattern = regexp.MustCompile(`[^\x20-\x7E]`)

// FolderName checks an IMAP mailbox name against the adapter-ingress
// whitelist. "/" is permitted since it is the hierarchy separator most
// IMAP servers report; ".." sequences, backslashes, and non-printable
// or control bytes are rejected.
func FolderName(name string) error {
	if name == "" {
		return fmt.Errorf("validate: folder name is empty")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("validate: folder name %q contains a path-traversal sequence", name)
	}
	if strings.ContainsRune(name, '\\') {
		return fmt.Errorf("validate: folder name %q contains a backslash", name)
	}
	if controlPattern.MatchString(name) {
		return fmt.Errorf("validate: folder name %q contains a non-printable or control character", name)
	}
	return nil
}

// PathComponent reduces name to a single safe filesystem path segment:
// the same whitelist as FolderName, except "/" is rejected rather than
// permitted (a path component can never be a hierarchy), and any
// remaining non-whitelisted byte is replaced with "_" rather than
// failing outright, matching the teacher's attachment-name handling.
func PathComponent(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("validate: empty path component")
	}
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("validate: unsafe path component %q", name)
	}
	cleaned := controlPattern.ReplaceAllString(name, "_")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "", fmt.Errorf("validate: name %q sanitizes to empty", name)
	}
	return cleaned, nil
}
