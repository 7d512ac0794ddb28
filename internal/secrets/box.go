// Package secrets seals sensitive settings fields at rest using age
// encryption.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"filippo.io/age"
)

var (
	// ErrNoPublicKey is returned when no public key is configured for encryption.
	ErrNoPublicKey = errors.New("no public key configured for encryption")
	// ErrNoPrivateKey is returned when no private key is configured for decryption.
	ErrNoPrivateKey = errors.New("no private key configured for decryption")
	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Box encrypts and decrypts short strings with an age X25519 key pair.
// Ciphertexts are base64 encoded so they can live inside JSON config files.
type Box struct {
	recipient *age.X25519Recipient
	identity  *age.X25519Identity
	logger    *slog.Logger
}

// Config holds the key material for a Box. Keys use the standard age
// encodings: "age1..." for public keys, "AGE-SECRET-KEY-1..." for private.
type Config struct {
	PublicKey  string
	PrivateKey string
}

// NewBox creates a Box from the given key material. Either key may be empty;
// the corresponding operation then fails with ErrNoPublicKey or
// ErrNoPrivateKey.
func NewBox(cfg Config, logger *slog.Logger) (*Box, error) {
	if logger == nil {
		logger = slog.Default()
	}
	box := &Box{logger: logger}

	if cfg.PublicKey != "" {
		recipient, err := age.ParseX25519Recipient(cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key: %v", ErrInvalidKey, err)
		}
		box.recipient = recipient
	}
	if cfg.PrivateKey != "" {
		identity, err := age.ParseX25519Identity(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrInvalidKey, err)
		}
		box.identity = identity
		if box.recipient == nil {
			box.recipient = identity.Recipient()
		}
	}
	return box, nil
}

// GenerateKeyPair returns a fresh age key pair as (publicKey, privateKey).
func GenerateKeyPair() (string, string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age identity: %w", err)
	}
	return identity.Recipient().String(), identity.String(), nil
}

// Encrypt seals a plaintext string for the configured public key.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if b.recipient == nil {
		return "", ErrNoPublicKey
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, b.recipient)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if b.identity == nil {
		return "", ErrNoPrivateKey
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), b.identity)
	if err != nil {
		b.logger.Error("failed to open age ciphertext", "error", err)
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}
