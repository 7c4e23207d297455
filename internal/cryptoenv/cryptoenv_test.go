package cryptoenv

import (
	"log/slog"
	"strings"
	"testing"
)

const testHexKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewFromHex(testHexKey, slog.Default())
	if !c.Enabled() {
		t.Fatal("expected cipher to be enabled with a valid key")
	}

	enc, err := c.Encrypt("secret-pw")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(enc, envelopePrefix) {
		t.Fatalf("expected %s prefix, got %s", envelopePrefix, enc)
	}

	got, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "secret-pw" {
		t.Fatalf("got %q, want secret-pw", got)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c := NewFromHex(testHexKey, slog.Default())
	a, err := c.Encrypt("secret-pw")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := c.Encrypt("secret-pw")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext must differ")
	}
}

func TestNoKeyIsIdentity(t *testing.T) {
	c := NewFromHex("", slog.Default())
	if c.Enabled() {
		t.Fatal("expected disabled cipher with empty key")
	}
	out, err := c.Encrypt("plain")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if out != "plain" {
		t.Fatalf("expected identity passthrough, got %q", out)
	}
}

func TestDecryptPrefixedWithoutKeyFails(t *testing.T) {
	keyed := NewFromHex(testHexKey, slog.Default())
	enc, _ := keyed.Encrypt("secret-pw")

	noKey := NewFromHex("", slog.Default())
	if _, err := noKey.Decrypt(enc); err != ErrKeyNotConfigured {
		t.Fatalf("got %v, want ErrKeyNotConfigured", err)
	}
}

func TestInvalidKeyDisablesEncryption(t *testing.T) {
	c := NewFromHex("not-hex-and-wrong-length", slog.Default())
	if c.Enabled() {
		t.Fatal("expected invalid key to disable encryption")
	}
}

func TestUnprefixedValuePassesThroughDecrypt(t *testing.T) {
	c := NewFromHex(testHexKey, slog.Default())
	got, err := c.Decrypt("legacy-plaintext-password")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "legacy-plaintext-password" {
		t.Fatalf("got %q", got)
	}
}
