package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/icdbridge/icdbridge/internal/platform/db"
)

// PGLedger stores usage in the usage_logs table. Reservations serialise on
// the account row with SELECT ... FOR UPDATE, so the count and the insert see
// the same state.
type PGLedger struct {
	pool *pgxpool.Pool
}

func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

func (l *PGLedger) UsageSince(ctx context.Context, accountID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	err := db.Conn(ctx, l.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM usage_logs WHERE account_id = $1 AND created_at >= $2`,
		accountID, since).Scan(&n)
	return n, err
}

func (l *PGLedger) Append(ctx context.Context, rec Record) error {
	_, err := db.Conn(ctx, l.pool).Exec(ctx, `
		INSERT INTO usage_logs (account_id, endpoint, request_id, created_at)
		VALUES ($1, $2, $3, $4)`,
		rec.AccountID, rec.Endpoint, rec.RequestID, rec.At)
	return err
}

func (l *PGLedger) Reserve(ctx context.Context, rec Record, since time.Time, limit int64) (string, int64, error) {
	var (
		id   int64
		used int64
	)
	err := db.WithTx(ctx, l.pool, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)

		var locked uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, rec.AccountID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("reserve: account %s not found", rec.AccountID)
		}
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}

		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM usage_logs WHERE account_id = $1 AND created_at >= $2`,
			rec.AccountID, since).Scan(&used); err != nil {
			return fmt.Errorf("count usage: %w", err)
		}
		if used >= limit {
			return ErrExhausted
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO usage_logs (account_id, endpoint, request_id, created_at)
			VALUES ($1, $2, $3, $4) RETURNING id`,
			rec.AccountID, rec.Endpoint, rec.RequestID, rec.At).Scan(&id); err != nil {
			return fmt.Errorf("insert usage: %w", err)
		}
		used++
		return nil
	})
	if err != nil {
		return "", used, err
	}
	return strconv.FormatInt(id, 10), used, nil
}

func (l *PGLedger) Cancel(ctx context.Context, reservationID string) error {
	id, err := strconv.ParseInt(reservationID, 10, 64)
	if err != nil {
		return ErrUnknownReservation
	}
	tag, err := db.Conn(ctx, l.pool).Exec(ctx, `DELETE FROM usage_logs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownReservation
	}
	return nil
}
