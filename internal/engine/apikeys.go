package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"

	"signoff/internal/domain"
	"signoff/internal/repo"
)

const apiKeyPrefix = "sk_"

// CreateAPIKey issues a key that authenticates as principalID. Only the hash is
// stored; the plaintext is returned once.
func (e Engine) CreateAPIKey(ctx context.Context, principalID, name string) (domain.APIKey, string, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return domain.APIKey{}, "", invalid(ErrInvalidRequest, "principal id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Name:        strings.TrimSpace(name),
		KeyHash:     repo.HashAPIKey(secret),
		CreatedAt:   formatTime(e.now()),
	}
	err := e.inTx(ctx, "create_api_key", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := e.Repo.GetPrincipal(ctx, tx, principalID); errors.Is(err, repo.ErrNotFound) {
			return invalid(ErrInvalidRequest, "unknown principal %s", principalID)
		} else if err != nil {
			return err
		}
		return e.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// PrincipalForAPIKey resolves the principal a plaintext key authenticates as.
func (e Engine) PrincipalForAPIKey(ctx context.Context, secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", repo.ErrNotFound
	}
	var principal string
	err := e.withStore(ctx, "api_key_lookup", func(ctx context.Context) error {
		key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
		if err != nil {
			return err
		}
		principal = key.PrincipalID
		return nil
	})
	return principal, err
}

func (e Engine) ListAPIKeys(ctx context.Context, principalID string) ([]domain.APIKey, error) {
	var keys []domain.APIKey
	err := e.withStore(ctx, "list_api_keys", func(ctx context.Context) error {
		var err error
		keys, err = e.Repo.ListAPIKeys(ctx, principalID)
		return err
	})
	return keys, err
}

func (e Engine) DeleteAPIKey(ctx context.Context, id string) error {
	return e.withStore(ctx, "delete_api_key", func(ctx context.Context) error {
		return e.Repo.DeleteAPIKey(ctx, id)
	})
}
