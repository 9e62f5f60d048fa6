package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisScanPage = 200

// RedisBackend stores each event under its own key and keeps a sorted set
// of ids scored by storage time for ordered scans. Keys carry a TTL of the
// event expiry plus grace, so the store sweep normally removes them first.
type RedisBackend struct {
	client redis.Cmdable
	prefix string
	grace  time.Duration
}

func NewRedisBackend(client redis.Cmdable, prefix string, grace time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "hookrelay:events:"
	}
	return &RedisBackend{client: client, prefix: prefix, grace: grace}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) key(id string) string {
	return r.prefix + "event:" + id
}

func (r *RedisBackend) timeline() string {
	return r.prefix + "timeline"
}

func (r *RedisBackend) Put(ctx context.Context, rec Record) error {
	var ttl time.Duration
	if rec.ExpiresAt != nil {
		ttl = max(time.Until(*rec.ExpiresAt), 0) + r.grace
		if ttl <= 0 {
			ttl = time.Second
		}
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(rec.ID), rec.Data, ttl)
		pipe.ZAdd(ctx, r.timeline(), redis.Z{Score: float64(rec.StoredAt.UnixMilli()), Member: rec.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store event %s in redis: %w", rec.ID, err)
	}
	return nil
}

func (r *RedisBackend) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read event %s from redis: %w", id, err)
	}
	return data, nil
}

func (r *RedisBackend) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.key(id))
		pipe.ZRem(ctx, r.timeline(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete event %s from redis: %w", id, err)
	}
	if del.Val() == 0 {
		return notFound(id)
	}
	return nil
}

// Scan pages through the timeline by (score, id) position rather than by
// offset, so deletes during the scan do not shift unread entries. Ids whose
// key already expired are dropped from the timeline once the scan finishes.
func (r *RedisBackend) Scan(ctx context.Context, from time.Time) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var stale []any
		defer func() {
			if len(stale) > 0 {
				r.client.ZRem(context.WithoutCancel(ctx), r.timeline(), stale...)
			}
		}()

		start := "-inf"
		if !from.IsZero() {
			start = strconv.FormatInt(from.UnixMilli(), 10)
		}

		var cur timelineCursor
		for {
			// Members sharing the cursor score are re-read, so ask for
			// enough to get a full page past them.
			count := redisScanPage + cur.ties
			entries, err := r.client.ZRangeArgsWithScores(ctx, redis.ZRangeArgs{
				Key:     r.timeline(),
				Start:   start,
				Stop:    "+inf",
				ByScore: true,
				Count:   count,
			}).Result()
			if err != nil {
				yield(Record{}, fmt.Errorf("failed to scan redis timeline: %w", err))
				return
			}

			page := make([]redis.Z, 0, len(entries))
			for _, z := range entries {
				if cur.passed(z) {
					page = append(page, z)
				}
			}
			if len(page) == 0 {
				return
			}

			keys := make([]string, len(page))
			for i, z := range page {
				keys[i] = r.key(z.Member.(string))
			}
			values, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				yield(Record{}, fmt.Errorf("failed to read events from redis: %w", err))
				return
			}

			for i, z := range page {
				id := z.Member.(string)
				cur.advance(z.Score, id)
				raw, ok := values[i].(string)
				if !ok {
					stale = append(stale, id)
					continue
				}
				rec := Record{
					ID:       id,
					StoredAt: time.UnixMilli(int64(z.Score)).UTC(),
					Data:     []byte(raw),
				}
				if !yield(rec, nil) {
					return
				}
			}

			if int64(len(entries)) < count {
				return
			}
			start = strconv.FormatInt(int64(cur.score), 10)
		}
	}
}

// timelineCursor is the last (score, member) position read. Redis orders
// members with equal scores lexicographically.
type timelineCursor struct {
	started bool
	score   float64
	member  string
	ties    int64
}

func (c *timelineCursor) passed(z redis.Z) bool {
	if !c.started || z.Score > c.score {
		return true
	}
	return z.Score == c.score && z.Member.(string) > c.member
}

func (c *timelineCursor) advance(score float64, member string) {
	if c.started && score == c.score {
		c.ties++
	} else {
		c.score = score
		c.ties = 1
	}
	c.started = true
	c.member = member
}

func (r *RedisBackend) Count(ctx context.Context) (int, error) {
	n, err := r.client.ZCard(ctx, r.timeline()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count redis events: %w", err)
	}
	return int(n), nil
}

var _ Backend = (*RedisBackend)(nil)
