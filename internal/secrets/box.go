// Package secrets loads credentials from an age-encrypted file so that no
// token or password ever lives in configuration files or source code.
package secrets

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

var (
	// ErrNoPublicKey is returned when no public key is configured for sealing.
	ErrNoPublicKey = errors.New("no public key configured for encryption")
	// ErrNoPrivateKey is returned when no private key is configured for opening.
	ErrNoPrivateKey = errors.New("no private key configured for decryption")
	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Box seals and opens secrets files with age X25519 keys.
type Box struct {
	publicKey  *age.X25519Recipient
	privateKey *age.X25519Identity
	logger     *slog.Logger
}

// Config holds the key material for a Box.
type Config struct {
	// AgePublicKey is the age recipient used for sealing. Format: age1...
	AgePublicKey string
	// AgePrivateKey is the age identity used for opening. Format: AGE-SECRET-KEY-1...
	AgePrivateKey string
}

// NewBox creates a Box. A private key alone is enough to open files; the
// matching public key is derived from it.
func NewBox(cfg *Config, logger *slog.Logger) (*Box, error) {
	if logger == nil {
		logger = slog.Default()
	}

	box := &Box{logger: logger}

	if cfg.AgePublicKey != "" {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(cfg.AgePublicKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key: %v", ErrInvalidKey, err)
		}
		box.publicKey = recipient
	}

	if cfg.AgePrivateKey != "" {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(cfg.AgePrivateKey))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrInvalidKey, err)
		}
		box.privateKey = identity
		if box.publicKey == nil {
			box.publicKey = identity.Recipient()
		}
	}

	return box, nil
}

// Seal encrypts plaintext to the configured recipient. The output is
// ASCII-armored so sealed files survive copy and paste.
func (b *Box) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	if b.publicKey == nil {
		return nil, ErrNoPublicKey
	}

	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, b.publicKey)
	if err != nil {
		b.logger.Error("failed to create age encryptor", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return buf.Bytes(), nil
}

// Open decrypts armored or binary age ciphertext.
func (b *Box) Open(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if b.privateKey == nil {
		return nil, ErrNoPrivateKey
	}

	var src io.Reader = bytes.NewReader(ciphertext)
	if bytes.HasPrefix(bytes.TrimSpace(ciphertext), []byte(armor.Header)) {
		src = armor.NewReader(bytes.NewReader(bytes.TrimSpace(ciphertext)))
	}

	r, err := age.Decrypt(src, b.privateKey)
	if err != nil {
		b.logger.Debug("failed to create age decryptor", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}

// LoadFile opens the sealed file at path and parses it as KEY=VALUE lines.
func (b *Box) LoadFile(ctx context.Context, path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}

	plaintext, err := b.Open(ctx, data)
	if err != nil {
		return nil, err
	}

	values, err := ParseEnv(plaintext)
	if err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", path, err)
	}

	b.logger.Debug("secrets file loaded", "path", path, "keys", len(values))
	return values, nil
}

// PublicKey returns the configured public key string, or empty if not configured.
func (b *Box) PublicKey() string {
	if b.publicKey == nil {
		return ""
	}
	return b.publicKey.String()
}

// GenerateKeyPair generates a new age key pair.
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key pair: %w", err)
	}

	return identity.Recipient().String(), identity.String(), nil
}

// ParseEnv parses dotenv-style content: KEY=VALUE per line, blank lines and
// # comments ignored, optional "export " prefix, optional matching quotes.
func ParseEnv(data []byte) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE", lineNo)
		}

		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		values[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}
