package profile

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/solsight/solsight/pkg/log"
	"github.com/solsight/solsight/pkg/types"
)

func (s *Store) decryptSecrets(ctx context.Context, encrypted []byte) (types.Secrets, error) {
	if len(encrypted) == 0 {
		return types.Secrets{}, nil
	}

	if s.encryptionKey == "" {
		log.Ctx(ctx).ErrorContext(ctx, "cannot decrypt secrets: no encryption key configured")
		return types.Secrets{}, errors.New("cannot decrypt secrets: no encryption key configured")
	}

	key := []byte(s.encryptionKey)
	if len(key) != 32 {
		log.Ctx(ctx).ErrorContext(ctx, "invalid encryption key length (must be 32 bytes)", slog.Int("length", len(key)))
		return types.Secrets{}, errors.New("invalid encryption key length (must be 32 bytes)")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create cipher", slog.Any("error", err))
		return types.Secrets{}, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create gcm", slog.Any("error", err))
		return types.Secrets{}, fmt.Errorf("failed to create gcm: %w", err)
	}

	if len(encrypted) < gcm.NonceSize() {
		log.Ctx(ctx).ErrorContext(ctx, "malformed encrypted secrets", slog.Int("length", len(encrypted)))
		return types.Secrets{}, errors.New("malformed encrypted secrets")
	}

	nonce, ciphertext := encrypted[:gcm.NonceSize()], encrypted[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decrypt secrets", slog.Any("error", err))
		return types.Secrets{}, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	var secrets types.Secrets
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to unmarshal secrets", slog.Any("error", err))
		return types.Secrets{}, fmt.Errorf("failed to unmarshal secrets: %w", err)
	}

	return secrets, nil
}

func (s *Store) encryptSecrets(ctx context.Context, secrets types.Secrets) ([]byte, error) {
	if s.encryptionKey == "" {
		log.Ctx(ctx).ErrorContext(ctx, "cannot encrypt secrets: no encryption key configured")
		return nil, errors.New("cannot encrypt secrets: no encryption key configured")
	}

	jsonBytes, err := json.Marshal(secrets)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to marshal secrets", slog.Any("error", err))
		return nil, fmt.Errorf("failed to marshal secrets: %w", err)
	}

	key := []byte(s.encryptionKey)
	if len(key) != 32 {
		log.Ctx(ctx).ErrorContext(ctx, "invalid encryption key length (must be 32 bytes)", slog.Int("length", len(key)))
		return nil, errors.New("invalid encryption key length (must be 32 bytes)")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create cipher", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create gcm", slog.Any("error", err))
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to generate nonce", slog.Any("error", err))
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, jsonBytes, nil)
	return ciphertext, nil
}
