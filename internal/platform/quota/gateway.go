package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/icdbridge/icdbridge/internal/domain/account"
)

// Tiers maps a tier name to its daily request allowance.
type Tiers map[string]int64

// Limit returns the allowance for tier; unknown tiers get the free limit.
func (t Tiers) Limit(tier string) int64 {
	if n, ok := t[tier]; ok {
		return n
	}
	return t[account.TierFree]
}

// RateLimitedError reports an exhausted daily allowance.
type RateLimitedError struct {
	Tier    string
	Limit   int64
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("daily rate limit exceeded: your %s plan allows %d requests per day", e.Tier, e.Limit)
}

// StartOfDay returns UTC midnight of t's day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Status is an account's position in the current window.
type Status struct {
	Tier         string    `json:"tier"`
	DailyLimit   int64     `json:"daily_limit"`
	CurrentUsage int64     `json:"current_usage"`
	Remaining    int64     `json:"remaining"`
	ResetAt      time.Time `json:"reset_at"`
}

func newStatus(tier string, limit, used int64, reset time.Time) Status {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Status{Tier: tier, DailyLimit: limit, CurrentUsage: used, Remaining: remaining, ResetAt: reset}
}

// Gateway enforces per-tier daily quotas over a Ledger. The window is the
// UTC calendar day.
type Gateway struct {
	ledger Ledger
	tiers  Tiers
	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Gateway)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func NewGateway(ledger Ledger, tiers Tiers, logger zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{ledger: ledger, tiers: tiers, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) window() (start, reset time.Time) {
	start = StartOfDay(g.now())
	return start, start.Add(24 * time.Hour)
}

// Status reports usage without enforcing anything.
func (g *Gateway) Status(ctx context.Context, a *account.Account) (Status, error) {
	tier := a.EffectiveTier()
	limit := g.tiers.Limit(tier)
	start, reset := g.window()
	used, err := g.ledger.UsageSince(ctx, a.ID, start)
	if err != nil {
		return Status{}, fmt.Errorf("read usage: %w", err)
	}
	return newStatus(tier, limit, used, reset), nil
}

// CheckQuota returns the account's status, or a *RateLimitedError when the
// allowance is used up. It does not consume anything.
func (g *Gateway) CheckQuota(ctx context.Context, a *account.Account) (Status, error) {
	st, err := g.Status(ctx, a)
	if err != nil {
		return st, err
	}
	if st.CurrentUsage >= st.DailyLimit {
		return st, &RateLimitedError{Tier: st.Tier, Limit: st.DailyLimit, ResetAt: st.ResetAt}
	}
	return st, nil
}

// RecordUsage appends one unit after a served request. Callers that used
// Admit must not call this.
func (g *Gateway) RecordUsage(ctx context.Context, a *account.Account, endpoint, requestID string) error {
	return g.ledger.Append(ctx, Record{AccountID: a.ID, Endpoint: endpoint, RequestID: requestID, At: g.now().UTC()})
}

// Admission is a reserved unit of quota. Cancel gives it back when the
// request was not served.
type Admission struct {
	Status
	id     string
	ledger Ledger
}

func (a *Admission) Cancel(ctx context.Context) error {
	return a.ledger.Cancel(ctx, a.id)
}

// Admit atomically checks the quota and records one unit. On an exhausted
// allowance it returns a *RateLimitedError and records nothing.
func (g *Gateway) Admit(ctx context.Context, a *account.Account, endpoint, requestID string) (*Admission, error) {
	tier := a.EffectiveTier()
	limit := g.tiers.Limit(tier)
	start, reset := g.window()

	rec := Record{AccountID: a.ID, Endpoint: endpoint, RequestID: requestID, At: g.now().UTC()}
	id, used, err := g.ledger.Reserve(ctx, rec, start, limit)
	if errors.Is(err, ErrExhausted) {
		return nil, &RateLimitedError{Tier: tier, Limit: limit, ResetAt: reset}
	}
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	return &Admission{Status: newStatus(tier, limit, used, reset), id: id, ledger: g.ledger}, nil
}
