package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rustymail/mailgw/internal/dispatch"
)

// badFolderCases covers the adapter-ingress whitelist invariant: a
// handler must reject a path-traversal or backslash-bearing folder
// name before it ever reaches g.withSession (which would otherwise
// panic here, since these tests leave Pools nil).
var badFolderCases = []string{"../Inbox", `Inbox\Sub`, "Inbox\x00", ""}

func wantValidationError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	ge, ok := err.(*dispatch.GatewayError)
	if !ok {
		t.Fatalf("got error of type %T, want *dispatch.GatewayError", err)
	}
	if ge.Kind != dispatch.KindValidation {
		t.Fatalf("got kind %q, want %q", ge.Kind, dispatch.KindValidation)
	}
}

func TestCreateFolderRejectsBadFolderName(t *testing.T) {
	g := &Gateway{}
	for _, name := range badFolderCases {
		params, _ := json.Marshal(folderParams{Folder: name})
		_, err := g.createFolder(context.Background(), "a@example.com", params)
		wantValidationError(t, err)
	}
}

func TestAppendMessageRejectsBadFolderName(t *testing.T) {
	g := &Gateway{}
	for _, name := range badFolderCases {
		params, _ := json.Marshal(appendParams{Folder: name, Raw: "aGVsbG8="})
		_, err := g.appendMessage(context.Background(), "a@example.com", params)
		wantValidationError(t, err)
	}
}

func TestMoveMessagesRejectsBadFolderName(t *testing.T) {
	g := &Gateway{}
	params, _ := json.Marshal(moveParams{SourceFolder: "INBOX", DestFolder: "../Archive", UIDs: []uint32{1}})
	_, err := g.moveMessages(context.Background(), "a@example.com", params)
	wantValidationError(t, err)
}

func TestDeleteMessageRejectsBadFolderName(t *testing.T) {
	g := &Gateway{}
	params, _ := json.Marshal(deleteParams{Folder: `Inbox\x`, UID: 1})
	_, err := g.deleteMessage(context.Background(), "a@example.com", params)
	wantValidationError(t, err)
}

func TestRenameFolderRejectsBadNewName(t *testing.T) {
	g := &Gateway{}
	params, _ := json.Marshal(renameFolderParams{Folder: "INBOX", NewName: "../escape"})
	_, err := g.renameFolder(context.Background(), "a@example.com", params)
	wantValidationError(t, err)
}
