package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrExhausted is returned by Ledger.Reserve when the account has already
// used its allowance for the window.
var ErrExhausted = errors.New("quota exhausted")

// ErrUnknownReservation is returned by Cancel for ids it never issued or has
// already cancelled.
var ErrUnknownReservation = errors.New("unknown reservation")

// Record is one metered request.
type Record struct {
	AccountID uuid.UUID
	Endpoint  string
	RequestID string
	At        time.Time
}

// Ledger is the append-only usage store. Reserve must be atomic per account:
// two concurrent reservations never both take the last unit.
type Ledger interface {
	UsageSince(ctx context.Context, accountID uuid.UUID, since time.Time) (int64, error)
	Append(ctx context.Context, rec Record) error
	// Reserve appends rec when fewer than limit records exist since since.
	// It returns the reservation id and the usage including rec, or
	// ErrExhausted with the current usage.
	Reserve(ctx context.Context, rec Record, since time.Time, limit int64) (string, int64, error)
	Cancel(ctx context.Context, reservationID string) error
}

// MemoryLedger keeps usage in process memory, serialised per account.
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*accountUsage
	owners   map[string]uuid.UUID
}

type accountUsage struct {
	mu      sync.Mutex
	entries []usageEntry
}

type usageEntry struct {
	id string
	at time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		accounts: make(map[uuid.UUID]*accountUsage),
		owners:   make(map[string]uuid.UUID),
	}
}

func (l *MemoryLedger) usage(id uuid.UUID) *accountUsage {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.accounts[id]
	if !ok {
		u = &accountUsage{}
		l.accounts[id] = u
	}
	return u
}

func (u *accountUsage) countSince(since time.Time) int64 {
	var n int64
	for _, e := range u.entries {
		if !e.at.Before(since) {
			n++
		}
	}
	return n
}

// prune drops entries older than since and returns their ids; callers hold
// u.mu.
func (u *accountUsage) prune(since time.Time) []string {
	var dropped []string
	keep := u.entries[:0]
	for _, e := range u.entries {
		if e.at.Before(since) {
			dropped = append(dropped, e.id)
			continue
		}
		keep = append(keep, e)
	}
	u.entries = keep
	return dropped
}

func (l *MemoryLedger) UsageSince(_ context.Context, accountID uuid.UUID, since time.Time) (int64, error) {
	u := l.usage(accountID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.countSince(since), nil
}

func (l *MemoryLedger) Append(_ context.Context, rec Record) error {
	u := l.usage(rec.AccountID)
	u.mu.Lock()
	defer u.mu.Unlock()
	l.add(u, rec)
	return nil
}

func (l *MemoryLedger) add(u *accountUsage, rec Record) string {
	id := uuid.NewString()
	u.entries = append(u.entries, usageEntry{id: id, at: rec.At})
	l.mu.Lock()
	l.owners[id] = rec.AccountID
	l.mu.Unlock()
	return id
}

func (l *MemoryLedger) Reserve(_ context.Context, rec Record, since time.Time, limit int64) (string, int64, error) {
	u := l.usage(rec.AccountID)
	u.mu.Lock()
	defer u.mu.Unlock()

	used := u.countSince(since)
	if used >= limit {
		return "", used, ErrExhausted
	}
	return l.add(u, rec), used + 1, nil
}

func (l *MemoryLedger) Cancel(_ context.Context, reservationID string) error {
	l.mu.Lock()
	owner, ok := l.owners[reservationID]
	if ok {
		delete(l.owners, reservationID)
	}
	l.mu.Unlock()
	if !ok {
		return ErrUnknownReservation
	}

	u := l.usage(owner)
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, e := range u.entries {
		if e.id == reservationID {
			u.entries = append(u.entries[:i], u.entries[i+1:]...)
			return nil
		}
	}
	return ErrUnknownReservation
}

// Prune forgets entries older than since for every account.
func (l *MemoryLedger) Prune(since time.Time) {
	l.mu.Lock()
	accounts := make([]*accountUsage, 0, len(l.accounts))
	for _, u := range l.accounts {
		accounts = append(accounts, u)
	}
	l.mu.Unlock()

	for _, u := range accounts {
		u.mu.Lock()
		dropped := u.prune(since)
		l.mu.Lock()
		for _, id := range dropped {
			delete(l.owners, id)
		}
		l.mu.Unlock()
		u.mu.Unlock()
	}
}
