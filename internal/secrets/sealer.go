// Package secrets seals source-control tokens at rest using age encryption.
package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"filippo.io/age"
)

var (
	// ErrDecryptionFailed is returned when a sealed value cannot be opened.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when the configured identity is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Sealer encrypts and decrypts secrets with a single host-local age identity.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
	logger    *slog.Logger
}

// NewSealer parses an AGE-SECRET-KEY-1... identity.
func NewSealer(identity string, logger *slog.Logger) (*Sealer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Sealer{identity: id, recipient: id.Recipient(), logger: logger}, nil
}

// NewEphemeralSealer generates a fresh identity. Sealed values do not survive a restart,
// so it is only suitable for development and tests.
func NewEphemeralSealer(logger *slog.Logger) (*Sealer, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("using ephemeral age identity; stored tokens will not be readable after restart")
	return &Sealer{identity: id, recipient: id.Recipient(), logger: logger}, nil
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return buf.Bytes(), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		s.logger.Error("failed to open sealed secret", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// Recipient returns the public half of the identity.
func (s *Sealer) Recipient() string {
	return s.recipient.String()
}

// GenerateIdentity returns a new AGE-SECRET-KEY-1... identity string.
func GenerateIdentity() (string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("failed to generate age identity: %w", err)
	}
	return id.String(), nil
}
