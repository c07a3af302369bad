package account

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/icdbridge/icdbridge/internal/platform/db"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// -- Account Repository --

type accountRepoPG struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) AccountRepository {
	return &accountRepoPG{pool: pool}
}

func (r *accountRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const accountColumns = `id, email, password_hash, full_name, status, tier,
	subscription_status, created_at, updated_at`

func (r *accountRepoPG) Create(ctx context.Context, a *Account) error {
	a.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO accounts (id, email, password_hash, full_name, status, tier, subscription_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		a.ID, a.Email, a.PasswordHash, a.FullName, a.Status, a.Tier, a.SubscriptionStatus,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (r *accountRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	return scanAccount(r.conn(ctx).QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (r *accountRepoPG) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return scanAccount(r.conn(ctx).QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, NormalizeEmail(email)))
}

func (r *accountRepoPG) UpdateSubscription(ctx context.Context, id uuid.UUID, tier, subscriptionStatus string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE accounts SET tier = $2, subscription_status = $3, updated_at = NOW()
		WHERE id = $1`, id, tier, subscriptionStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *accountRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE accounts SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.Email, &a.PasswordHash, &a.FullName, &a.Status, &a.Tier,
		&a.SubscriptionStatus, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// -- API Key Repository --

type apiKeyRepoPG struct {
	pool *pgxpool.Pool
}

func NewAPIKeyRepo(pool *pgxpool.Pool) APIKeyRepository {
	return &apiKeyRepoPG{pool: pool}
}

func (r *apiKeyRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const apiKeyColumns = `id, account_id, name, prefix, key_hash, status, created_at, last_used_at`

func (r *apiKeyRepoPG) Create(ctx context.Context, k *APIKey) error {
	k.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO api_keys (id, account_id, name, prefix, key_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		k.ID, k.AccountID, k.Name, k.KeyPrefix, k.KeyHash, k.Status,
	).Scan(&k.CreatedAt)
}

func (r *apiKeyRepoPG) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	k, err := scanAPIKey(r.conn(ctx).QueryRow(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return k, err
}

func (r *apiKeyRepoPG) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]*APIKey, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM api_keys WHERE account_id = $1`, accountID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+apiKeyColumns+` FROM api_keys WHERE account_id = $1
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	keys := []*APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, 0, err
		}
		keys = append(keys, k)
	}
	return keys, total, rows.Err()
}

func (r *apiKeyRepoPG) Revoke(ctx context.Context, accountID, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE api_keys SET status = $3 WHERE id = $1 AND account_id = $2`,
		id, accountID, KeyStatusRevoked)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (r *apiKeyRepoPG) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, time.Now().UTC())
	return err
}

func scanAPIKey(row pgx.Row) (*APIKey, error) {
	var k APIKey
	if err := row.Scan(&k.ID, &k.AccountID, &k.Name, &k.KeyPrefix, &k.KeyHash, &k.Status, &k.CreatedAt, &k.LastUsedAt); err != nil {
		return nil, err
	}
	return &k, nil
}
