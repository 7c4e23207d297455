package attachstore

import (
	"bytes"
	"strings"
	"testing"
)

func TestSanitizeRejectsTraversal(t *testing.T) {
	cases := []string{"../etc/passwd", "a/b", `a\b`, "..", ""}
	for _, c := range cases {
		if _, err := Sanitize(c); err == nil {
			t.Fatalf("expected Sanitize(%q) to fail", c)
		}
	}
}

func TestSanitizeStripsControlCharacters(t *testing.T) {
	got, err := Sanitize("report\x00.pdf")
	if err != nil {
		t.Fatalf("Sanitize: %v", err)
	}
	if strings.Contains(got, "\x00") {
		t.Fatalf("expected control byte stripped, got %q", got)
	}
}

func TestSaveListOpenRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	att, err := s.Save("acct@example.com", "<msg-123@example.com>", "report.pdf", "application/pdf", "", strings.NewReader("pdf-bytes"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if att.Size != int64(len("pdf-bytes")) {
		t.Fatalf("got size %d, want %d", att.Size, len("pdf-bytes"))
	}

	list, err := s.List("acct@example.com", "<msg-123@example.com>")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Filename != "report.pdf" {
		t.Fatalf("got %+v", list)
	}

	r, err := s.Open("acct@example.com", "<msg-123@example.com>", "report.pdf")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	var buf bytes.Buffer
	buf.ReadFrom(r)
	if buf.String() != "pdf-bytes" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestZipContainsAllAttachments(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Save("acct", "msg-1", "a.txt", "text/plain", "", strings.NewReader("a"))
	s.Save("acct", "msg-1", "b.txt", "text/plain", "", strings.NewReader("b"))

	var buf bytes.Buffer
	if err := s.Zip("acct", "msg-1", &buf); err != nil {
		t.Fatalf("Zip: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty zip")
	}
}
