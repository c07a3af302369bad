package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// reserveScript increments the day counter only while it is below the limit.
// Returns {admitted, count}.
var reserveScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= tonumber(ARGV[1]) then
  return {0, cur}
end
cur = redis.call('INCR', KEYS[1])
redis.call('EXPIREAT', KEYS[1], ARGV[2])
return {1, cur}
`)

// cancelScript decrements the counter without going below zero.
var cancelScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur <= 0 then
  return -1
end
return redis.call('DECR', KEYS[1])
`)

// RedisLedger keeps one counter per account per UTC day under
// usage:<account>:<yyyymmdd>. Counters expire at the end of their day, so it
// only answers UsageSince for day boundaries.
type RedisLedger struct {
	client redis.UniversalClient
}

func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func dayKey(accountID uuid.UUID, t time.Time) string {
	return "usage:" + accountID.String() + ":" + t.UTC().Format("20060102")
}

func dayEnd(t time.Time) int64 {
	return StartOfDay(t).Add(24 * time.Hour).Unix()
}

func (l *RedisLedger) UsageSince(ctx context.Context, accountID uuid.UUID, since time.Time) (int64, error) {
	n, err := l.client.Get(ctx, dayKey(accountID, since)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (l *RedisLedger) Append(ctx context.Context, rec Record) error {
	key := dayKey(rec.AccountID, rec.At)
	pipe := l.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.ExpireAt(ctx, key, time.Unix(dayEnd(rec.At), 0))
	_, err := pipe.Exec(ctx)
	return err
}

func (l *RedisLedger) Reserve(ctx context.Context, rec Record, since time.Time, limit int64) (string, int64, error) {
	key := dayKey(rec.AccountID, since)
	res, err := reserveScript.Run(ctx, l.client, []string{key}, limit, dayEnd(since)).Int64Slice()
	if err != nil {
		return "", 0, fmt.Errorf("reserve: %w", err)
	}
	if len(res) != 2 {
		return "", 0, fmt.Errorf("reserve: unexpected script reply %v", res)
	}
	if res[0] == 0 {
		return "", res[1], ErrExhausted
	}
	return key, res[1], nil
}

// Cancel gives one unit back to the counter named by the reservation id.
func (l *RedisLedger) Cancel(ctx context.Context, reservationID string) error {
	if !strings.HasPrefix(reservationID, "usage:") {
		return ErrUnknownReservation
	}
	n, err := cancelScript.Run(ctx, l.client, []string{reservationID}).Int64()
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if n < 0 {
		return ErrUnknownReservation
	}
	return nil
}
