package account

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAccountRepo is a map-backed AccountRepository for development and
// tests.
type MemoryAccountRepo struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*Account
	byEmail map[string]uuid.UUID
}

func NewMemoryAccountRepo() *MemoryAccountRepo {
	return &MemoryAccountRepo{
		byID:    make(map[uuid.UUID]*Account),
		byEmail: make(map[string]uuid.UUID),
	}
}

func (m *MemoryAccountRepo) Create(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := NormalizeEmail(a.Email)
	if _, ok := m.byEmail[email]; ok {
		return ErrEmailTaken
	}
	now := time.Now().UTC()
	a.ID = uuid.New()
	a.CreatedAt = now
	a.UpdatedAt = now
	stored := *a
	m.byID[a.ID] = &stored
	m.byEmail[email] = a.ID
	return nil
}

func (m *MemoryAccountRepo) GetByID(_ context.Context, id uuid.UUID) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

func (m *MemoryAccountRepo) GetByEmail(ctx context.Context, email string) (*Account, error) {
	m.mu.RLock()
	id, ok := m.byEmail[NormalizeEmail(email)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *MemoryAccountRepo) UpdateSubscription(_ context.Context, id uuid.UUID, tier, subscriptionStatus string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	a.Tier = tier
	a.SubscriptionStatus = subscriptionStatus
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryAccountRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// MemoryAPIKeyRepo is a map-backed APIKeyRepository.
type MemoryAPIKeyRepo struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*APIKey
	byHash map[string]uuid.UUID
}

func NewMemoryAPIKeyRepo() *MemoryAPIKeyRepo {
	return &MemoryAPIKeyRepo{
		byID:   make(map[uuid.UUID]*APIKey),
		byHash: make(map[string]uuid.UUID),
	}
}

func (m *MemoryAPIKeyRepo) Create(_ context.Context, k *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k.ID = uuid.New()
	k.CreatedAt = time.Now().UTC()
	stored := *k
	m.byID[k.ID] = &stored
	m.byHash[k.KeyHash] = k.ID
	return nil
}

func (m *MemoryAPIKeyRepo) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := *m.byID[id]
	return &out, nil
}

func (m *MemoryAPIKeyRepo) ListByAccount(_ context.Context, accountID uuid.UUID, limit, offset int) ([]*APIKey, int, error) {
	m.mu.RLock()
	var all []*APIKey
	for _, k := range m.byID {
		if k.AccountID == accountID {
			out := *k
			all = append(all, &out)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	total := len(all)
	if offset >= total {
		return []*APIKey{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryAPIKeyRepo) Revoke(_ context.Context, accountID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.byID[id]
	if !ok || k.AccountID != accountID {
		return ErrKeyNotFound
	}
	k.Status = KeyStatusRevoked
	return nil
}

func (m *MemoryAPIKeyRepo) TouchLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.byID[id]
	if !ok {
		return ErrKeyNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	return nil
}
