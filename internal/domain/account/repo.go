package account

import (
	"context"

	"github.com/google/uuid"
)

type AccountRepository interface {
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	UpdateSubscription(ctx context.Context, id uuid.UUID, tier, subscriptionStatus string) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

type APIKeyRepository interface {
	Create(ctx context.Context, k *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*APIKey, int, error)
	Revoke(ctx context.Context, accountID, id uuid.UUID) error
	TouchLastUsed(ctx context.Context, id uuid.UUID) error
}
