package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const awaitingPaymentIndex = "order:awaiting_payment"

// deadlineSlack keeps a session awaiting payment alive past its deadline so
// the sweeper still finds it and releases the reservation.
const deadlineSlack = 15 * time.Minute

// RedisRepository stores each session as a JSON value. Orders awaiting
// payment are also indexed in a sorted set scored by their deadline.
type RedisRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Repository = (*RedisRepository)(nil)

// NewRedisRepository creates a repository. A zero ttl keeps sessions forever.
func NewRedisRepository(client redis.UniversalClient, ttl time.Duration) *RedisRepository {
	return &RedisRepository{client: client, ttl: ttl}
}

func (r *RedisRepository) sessionKey(key Key) string {
	return "order:session:" + key.String()
}

func (r *RedisRepository) settlementKey(key Key, txID string) string {
	return fmt.Sprintf("order:settlement:%s:%s", key.String(), txID)
}

func (r *RedisRepository) restockKey(key Key, orderID string, line int) string {
	return fmt.Sprintf("order:restock:%s:%s:%d", key.String(), orderID, line)
}

// expiry is the session TTL. Sessions awaiting payment never expire before
// their deadline plus slack, whatever the configured ttl.
func (r *RedisRepository) expiry(s *Session, now time.Time) time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	if st := s.State; st != nil && st.Status == StatusAwaitingPayment && !st.PaymentDeadline.IsZero() {
		if floor := st.PaymentDeadline.Sub(now) + deadlineSlack; floor > r.ttl {
			return floor
		}
	}
	return r.ttl
}

func (r *RedisRepository) Load(ctx context.Context, key Key) (*Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	return &s, nil
}

func (r *RedisRepository) Save(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.Key, err)
	}

	member := s.Key.String()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(s.Key), data, r.expiry(s, time.Now()))
		if s.State != nil && s.State.Status == StatusAwaitingPayment && !s.State.PaymentDeadline.IsZero() {
			pipe.ZAdd(ctx, awaitingPaymentIndex, redis.Z{
				Score:  float64(s.State.PaymentDeadline.Unix()),
				Member: member,
			})
		} else {
			pipe.ZRem(ctx, awaitingPaymentIndex, member)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.Key, err)
	}
	return nil
}

func (r *RedisRepository) ClaimSettlement(ctx context.Context, key Key, txID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.settlementKey(key, txID), time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim settlement %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisRepository) ReleaseSettlement(ctx context.Context, key Key, txID string) error {
	if err := r.client.Del(ctx, r.settlementKey(key, txID)).Err(); err != nil {
		return fmt.Errorf("release settlement %s: %w", key, err)
	}
	return nil
}

func (r *RedisRepository) ClaimRestock(ctx context.Context, key Key, orderID string, line int) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.restockKey(key, orderID, line), time.Now().UTC().Format(time.RFC3339), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim restock %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisRepository) ReleaseRestock(ctx context.Context, key Key, orderID string, line int) error {
	if err := r.client.Del(ctx, r.restockKey(key, orderID, line)).Err(); err != nil {
		return fmt.Errorf("release restock %s: %w", key, err)
	}
	return nil
}

func (r *RedisRepository) Overdue(ctx context.Context, now time.Time, limit int) ([]Key, error) {
	members, err := r.client.ZRangeByScore(ctx, awaitingPaymentIndex, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list overdue orders: %w", err)
	}

	keys := make([]Key, 0, len(members))
	for _, m := range members {
		k, err := ParseKey(m)
		if err != nil {
			r.client.ZRem(ctx, awaitingPaymentIndex, m)
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (r *RedisRepository) Unindex(ctx context.Context, key Key) error {
	if err := r.client.ZRem(ctx, awaitingPaymentIndex, key.String()).Err(); err != nil {
		return fmt.Errorf("unindex %s: %w", key, err)
	}
	return nil
}
