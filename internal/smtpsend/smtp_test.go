package smtpsend

import "testing"

func TestExtractAddressStripsDisplayName(t *testing.T) {
	got := extractAddress("Jane Doe <jane@example.com>")
	if got != "jane@example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractAddressBareAddress(t *testing.T) {
	got := extractAddress("jane@example.com")
	if got != "jane@example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestCollectRecipientsDedupesAcrossGroups(t *testing.T) {
	to := []string{"a@example.com"}
	cc := []string{"a@example.com", "b@example.com"}
	bcc := []string{"c@example.com"}
	got := collectRecipients(to, cc, bcc)
	if len(got) != 3 {
		t.Fatalf("got %v, want 3 unique recipients", got)
	}
}

func TestMarkdownToPlainStripsFormatting(t *testing.T) {
	got := markdownToPlain("# Title\n\n**bold** and [a link](https://example.com)")
	if got == "" {
		t.Fatal("expected non-empty output")
	}
	if containsAny(got, "#", "**", "[") {
		t.Fatalf("expected markdown syntax stripped, got %q", got)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		for i := 0; i+len(sub) <= len(s); i++ {
			if s[i:i+len(sub)] == sub {
				return true
			}
		}
	}
	return false
}
