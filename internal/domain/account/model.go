package account

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("account not found")
	ErrEmailTaken     = errors.New("email already registered")
	ErrKeyNotFound    = errors.New("api key not found")
	ErrInvalidAccount = errors.New("invalid account")
)

// Subscription tiers, in ascending order of daily allowance.
const (
	TierFree       = "free"
	TierBasic      = "basic"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Tiers lists every known tier in ascending order.
var Tiers = []string{TierFree, TierBasic, TierPro, TierEnterprise}

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Subscription statuses as reported by the billing collaborator.
const (
	SubscriptionNone     = "none"
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// ValidTier reports whether tier names a known subscription tier.
func ValidTier(tier string) bool {
	for _, t := range Tiers {
		if t == tier {
			return true
		}
	}
	return false
}

type Account struct {
	ID                 uuid.UUID `json:"id"`
	Email              string    `json:"email"`
	PasswordHash       string    `json:"-"`
	FullName           string    `json:"full_name,omitempty"`
	Status             string    `json:"status"`
	Tier               string    `json:"tier"`
	SubscriptionStatus string    `json:"subscription_status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IsActive reports whether the account may authenticate.
func (a *Account) IsActive() bool {
	return a.Status == StatusActive
}

// EffectiveTier is the tier quotas are enforced against. Paid tiers only
// apply while the subscription is active; anything else is free.
func (a *Account) EffectiveTier() string {
	if a.Tier == TierFree || !ValidTier(a.Tier) {
		return TierFree
	}
	if a.SubscriptionStatus != SubscriptionActive {
		return TierFree
	}
	return a.Tier
}

// NormalizeEmail lower-cases and trims an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

const (
	KeyStatusActive  = "active"
	KeyStatusRevoked = "revoked"
)

// APIKey is a stored API credential. Only the SHA-256 hash of the secret is
// persisted; KeyPrefix keeps enough of it to tell keys apart in listings.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	AccountID  uuid.UUID  `json:"account_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func (k *APIKey) IsActive() bool {
	return k.Status == KeyStatusActive
}
