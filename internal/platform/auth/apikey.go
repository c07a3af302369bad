package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/icdbridge/icdbridge/internal/domain/account"
)

const (
	// APIKeyPrefix is prepended to every generated key so keys are
	// recognisable in Authorization headers and logs.
	APIKeyPrefix = "icd_"

	// apiKeyRandomBytes of key material, hex encoded to 48 characters.
	apiKeyRandomBytes = 24

	// displayPrefixLen is how much of the raw key is kept for listings.
	displayPrefixLen = len(APIKeyPrefix) + 8
)

// APIKeyManager orchestrates API key lifecycle operations: generation,
// validation and revocation. The raw key is never stored; only its SHA-256
// hash is persisted.
type APIKeyManager struct {
	store  account.APIKeyRepository
	logger zerolog.Logger
}

func NewAPIKeyManager(store account.APIKeyRepository, logger zerolog.Logger) *APIKeyManager {
	return &APIKeyManager{store: store, logger: logger}
}

// GenerateKey creates and persists a new key for the account. The raw key is
// only available here and must be shown to the caller exactly once.
func (m *APIKeyManager) GenerateKey(ctx context.Context, accountID uuid.UUID, name string) (*account.APIKey, string, error) {
	rawKey, err := generateRawKey()
	if err != nil {
		return nil, "", fmt.Errorf("generating raw key: %w", err)
	}

	key := &account.APIKey{
		AccountID: accountID,
		Name:      strings.TrimSpace(name),
		KeyHash:   hashKey(rawKey),
		KeyPrefix: rawKey[:displayPrefixLen],
		Status:    account.KeyStatusActive,
	}
	if err := m.store.Create(ctx, key); err != nil {
		return nil, "", fmt.Errorf("storing key: %w", err)
	}
	return key, rawKey, nil
}

// ValidateKey hashes the raw key, looks it up and verifies it is active. On
// success the key's last-used time is updated.
func (m *APIKeyManager) ValidateKey(ctx context.Context, rawKey string) (*account.APIKey, error) {
	if !strings.HasPrefix(rawKey, APIKeyPrefix) {
		return nil, ErrInvalidKey
	}
	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		if errors.Is(err, account.ErrKeyNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("looking up key: %w", err)
	}
	if !key.IsActive() {
		return nil, ErrKeyRevoked
	}

	now := time.Now().UTC()
	if err := m.store.TouchLastUsed(ctx, key.ID); err != nil {
		m.logger.Warn().Err(err).Str("key_id", key.ID.String()).Msg("failed to update api key last_used_at")
	} else {
		key.LastUsedAt = &now
	}
	return key, nil
}

// RevokeKey revokes a key owned by accountID.
func (m *APIKeyManager) RevokeKey(ctx context.Context, accountID, id uuid.UUID) error {
	return m.store.Revoke(ctx, accountID, id)
}

// ListKeys returns the account's keys with pagination.
func (m *APIKeyManager) ListKeys(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*account.APIKey, int, error) {
	return m.store.ListByAccount(ctx, accountID, limit, offset)
}

// generateRawKey produces icd_<48 hex chars>.
func generateRawKey() (string, error) {
	b := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}

// hashKey returns the hex-encoded SHA-256 hash of the raw key string.
func hashKey(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:])
}
