package account

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid email or password")

const minPasswordLength = 8

// RegisterInput carries the fields needed to open an account.
type RegisterInput struct {
	Email    string
	Password string
	FullName string
	// Tier defaults to free. Paid tiers given here start with an active
	// subscription; this path is used by the operator CLI only.
	Tier string
}

type Service struct {
	accounts   AccountRepository
	bcryptCost int
	compare    func(hash, password []byte) error

	// dummyHash is compared against for unknown emails so both branches of
	// VerifyPassword cost one bcrypt comparison.
	dummyOnce sync.Once
	dummyHash []byte
}

func NewService(accounts AccountRepository) *Service {
	return &Service{
		accounts:   accounts,
		bcryptCost: bcrypt.DefaultCost,
		compare:    bcrypt.CompareHashAndPassword,
	}
}

// SetBcryptCost overrides the hashing cost; tests use bcrypt.MinCost.
func (s *Service) SetBcryptCost(cost int) {
	s.bcryptCost = cost
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*Account, error) {
	email := NormalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, fmt.Errorf("%w: email is not a valid address", ErrInvalidAccount)
	}
	if len(in.Password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidAccount, minPasswordLength)
	}
	tier := in.Tier
	if tier == "" {
		tier = TierFree
	}
	if !ValidTier(tier) {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidAccount, tier)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	sub := SubscriptionNone
	if tier != TierFree {
		sub = SubscriptionActive
	}
	a := &Account{
		Email:              email,
		PasswordHash:       string(hash),
		FullName:           in.FullName,
		Status:             StatusActive,
		Tier:               tier,
		SubscriptionStatus: sub,
	}
	if err := s.accounts.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// VerifyPassword returns the account when the credentials match. Unknown
// emails and wrong passwords are indistinguishable to the caller.
func (s *Service) VerifyPassword(ctx context.Context, email, password string) (*Account, error) {
	a, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		_ = s.compare(s.unknownAccountHash(), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := s.compare([]byte(a.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return a, nil
}

func (s *Service) unknownAccountHash() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte(uuid.NewString()), s.bcryptCost)
	})
	return s.dummyHash
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	return s.accounts.GetByID(ctx, id)
}

func (s *Service) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return s.accounts.GetByEmail(ctx, email)
}

// SetSubscription records a tier change made by the billing collaborator.
func (s *Service) SetSubscription(ctx context.Context, id uuid.UUID, tier, subscriptionStatus string) error {
	if !ValidTier(tier) {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidAccount, tier)
	}
	switch subscriptionStatus {
	case SubscriptionNone, SubscriptionActive, SubscriptionPastDue, SubscriptionCanceled:
	default:
		return fmt.Errorf("%w: unknown subscription status %q", ErrInvalidAccount, subscriptionStatus)
	}
	return s.accounts.UpdateSubscription(ctx, id, tier, subscriptionStatus)
}

// SetStatus activates or suspends an account.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	if status != StatusActive && status != StatusSuspended {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidAccount, status)
	}
	return s.accounts.UpdateStatus(ctx, id, status)
}
