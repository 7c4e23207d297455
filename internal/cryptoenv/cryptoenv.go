// Package cryptoenv provides AES-256-GCM encryption of secrets at rest,
// using a versioned envelope so ciphertexts are self-describing on disk.
package cryptoenv

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const (
	// nonceSize is the GCM standard nonce size.
	nonceSize = 12
	// keySize is the required key length for AES-256-GCM.
	keySize = 32

	// envelopePrefix marks a value as an encrypted envelope. Unprefixed
	// values are returned verbatim by Decrypt for backward compatibility.
	envelopePrefix = "ENC:v1:"
)

var (
	// ErrKeyNotConfigured is returned when Decrypt is asked to open a
	// prefixed value but no master key is available.
	ErrKeyNotConfigured = errors.New("cryptoenv: encryption key not configured")
	errInvalidKeySize   = fmt.Errorf("cryptoenv: key must be exactly %d bytes", keySize)
)

// envelope is the JSON payload base64-encoded after the version prefix.
type envelope struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Cipher encrypts and decrypts account secrets. A zero-value Cipher (no
// key) is valid and makes Encrypt the identity function; Decrypt on a
// prefixed value then fails with ErrKeyNotConfigured.
type Cipher struct {
	key    []byte // nil if encryption is disabled
	logger *slog.Logger
}

// NewFromHex builds a Cipher from a 64-character hex string (32 bytes).
// An empty string disables encryption (Encrypt becomes identity). An
// invalid length or invalid hex disables encryption process-wide with a
// logged warning rather than failing startup (fail-open preserves legacy
// deployments without a configured key).
func NewFromHex(hexKey string, logger *slog.Logger) *Cipher {
	if logger == nil {
		logger = slog.Default()
	}
	if hexKey == "" {
		return &Cipher{logger: logger}
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != keySize {
		logger.Warn("encryption master key invalid, encryption disabled",
			"expected_hex_chars", keySize*2, "error", err)
		return &Cipher{logger: logger}
	}
	return &Cipher{key: key, logger: logger}
}

// Enabled reports whether a valid master key was configured.
func (c *Cipher) Enabled() bool { return c != nil && len(c.key) == keySize }

// Encrypt returns the envelope-wrapped ciphertext for plaintext. If no key
// is configured, it returns plaintext unchanged (identity passthrough).
// Two calls with the same plaintext never produce the same output when a
// key is configured, since a fresh random nonce is drawn each time.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if !c.Enabled() {
		return plaintext, nil
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	payload, err := json.Marshal(envelope{Nonce: nonce, Ciphertext: ciphertext})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	return envelopePrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt reverses Encrypt. Values without the ENC:v1: prefix are
// returned verbatim (legacy plaintext secrets). A prefixed value with no
// key configured fails with ErrKeyNotConfigured.
func (c *Cipher) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, envelopePrefix) {
		return value, nil
	}
	if !c.Enabled() {
		return "", ErrKeyNotConfigured
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, envelopePrefix))
	if err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsEnvelope reports whether value carries the versioned envelope prefix.
func IsEnvelope(value string) bool {
	return strings.HasPrefix(value, envelopePrefix)
}
