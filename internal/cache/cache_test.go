package cache

import (
	"context"
	"testing"
	"time"
)

func TestUpsertAndSearchText(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	err = s.UpsertEmail(ctx, EmailRow{
		Account: "a@example.com", Folder: "INBOX", UID: 1,
		Subject: "Quarterly Report", Sender: "boss@example.com", Date: time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertEmail: %v", err)
	}

	rows, err := s.SearchText(ctx, "a@example.com", "quarterly", 10)
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	if len(rows) != 1 || rows[0].UID != 1 {
		t.Fatalf("got %+v", rows)
	}
}

func TestMarkDeletedHidesFromListAndSearch(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	s.UpsertEmail(ctx, EmailRow{Account: "a", Folder: "INBOX", UID: 5, Subject: "hi", Date: time.Now()})
	if err := s.MarkDeleted(ctx, "a", "INBOX", []uint32{5}); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	uids, err := s.ListUIDs(ctx, "a", "INBOX")
	if err != nil {
		t.Fatalf("ListUIDs: %v", err)
	}
	if len(uids) != 0 {
		t.Fatalf("expected no visible UIDs after soft-delete, got %v", uids)
	}
}

func TestFolderStateRoundTrip(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.SetFolderState(ctx, "a", "INBOX", 100, 42); err != nil {
		t.Fatalf("SetFolderState: %v", err)
	}
	uv, un, err := s.FolderState(ctx, "a", "INBOX")
	if err != nil {
		t.Fatalf("FolderState: %v", err)
	}
	if uv != 100 || un != 42 {
		t.Fatalf("got (%d, %d), want (100, 42)", uv, un)
	}
}
