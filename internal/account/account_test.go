package account

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/rustymail/mailgw/internal/cryptoenv"
)

func TestRequireRejectsEmptyAndLiteralDefaults(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, cryptoenv.NewFromHex("", slog.Default()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := r.Require(""); err != ErrAccountRequired {
		t.Fatalf("got %v, want ErrAccountRequired", err)
	}

	// "1" is not a magic default; it's just another id that happens not
	// to exist yet, and must fail the same way any other unknown id would.
	if _, err := r.Require("1"); err == nil {
		t.Fatal("expected error for unknown account id \"1\"")
	}
}

func TestUpsertPersistsAndEncryptsSecrets(t *testing.T) {
	dir := t.TempDir()
	cipher := cryptoenv.NewFromHex("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", slog.Default())

	r, err := Open(dir, cipher)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	acct := Account{
		ID:   "user@example.com",
		IMAP: Endpoint{Host: "imap.example.com", Port: 993, Username: "user@example.com", Password: "hunter2", TLS: true},
	}
	if err := r.Upsert(acct); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := r.Require("user@example.com")
	if err != nil {
		t.Fatalf("Require: %v", err)
	}
	if got.IMAP.Password != "hunter2" {
		t.Fatalf("in-memory password should be plaintext, got %q", got.IMAP.Password)
	}

	// Reload from disk and confirm the persisted file round-trips through
	// encryption correctly.
	r2, err := Open(dir, cipher)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	got2, err := r2.Require("user@example.com")
	if err != nil {
		t.Fatalf("Require after reload: %v", err)
	}
	if got2.IMAP.Password != "hunter2" {
		t.Fatalf("got %q after reload, want hunter2", got2.IMAP.Password)
	}

	if _, err := r2.Require("someone-else@example.com"); err == nil {
		t.Fatal("expected ErrAccountNotFound for unconfigured account")
	}

	_ = filepath.Join(dir, "accounts.json")
}
