package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ports"
)

// sealedPrefix marks a field value produced by the encryption middleware.
const sealedPrefix = "enc:v1:"

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys is a list of old keys to try when decryption fails.
	// This enables zero-downtime key rotation.
	FallbackKeys [][]byte
}

type encryptionMiddleware struct {
	next   ports.Archive
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that seals the target and
// library paths of archived records with AES-GCM. Records read back through
// it are opened again; other fields stay queryable in the backend.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	if len(config.ActiveKey) != 32 {
		return nil, errors.New("active key must be 32 bytes (AES-256)")
	}
	return func(next ports.Archive) ports.Archive {
		return &encryptionMiddleware{
			next:   next,
			config: config,
		}
	}, nil
}

func (m *encryptionMiddleware) Put(ctx context.Context, rec domain.SessionRecord) error {
	sealed := rec
	sealed.Session.Config = rec.Session.Config.Clone()
	err := m.transform(&sealed.Session.Config, func(s string) (string, error) {
		if s == "" {
			return s, nil
		}
		ciphertext, err := encrypt([]byte(s), m.config.ActiveKey)
		if err != nil {
			return "", err
		}
		return sealedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
	})
	if err != nil {
		return fmt.Errorf("failed to encrypt record: %w", err)
	}
	return m.next.Put(ctx, sealed)
}

func (m *encryptionMiddleware) Get(ctx context.Context, sessionID string) (domain.SessionRecord, error) {
	rec, err := m.next.Get(ctx, sessionID)
	if err != nil {
		return rec, err
	}
	rec.Session.Config = rec.Session.Config.Clone()
	err = m.transform(&rec.Session.Config, func(s string) (string, error) {
		encoded, ok := strings.CutPrefix(s, sealedPrefix)
		if !ok {
			// Written before encryption was enabled.
			return s, nil
		}
		ciphertext, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", fmt.Errorf("failed to decode ciphertext base64: %w", err)
		}
		plain, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
		if err != nil {
			return "", err
		}
		return string(plain), nil
	})
	if err != nil {
		return domain.SessionRecord{}, fmt.Errorf("failed to decrypt record %s: %w", sessionID, err)
	}
	return rec, nil
}

func (m *encryptionMiddleware) List(ctx context.Context) ([]string, error) {
	return m.next.List(ctx)
}

func (m *encryptionMiddleware) transform(cfg *domain.AnalysisConfig, fn func(string) (string, error)) error {
	var err error
	if cfg.Target, err = fn(cfg.Target); err != nil {
		return err
	}
	for i := range cfg.LibraryPaths {
		if cfg.LibraryPaths[i].Path, err = fn(cfg.LibraryPaths[i].Path); err != nil {
			return err
		}
	}
	return nil
}

// Helpers

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}
	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}
