package delivery

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"hookrelay/internal/constants"
	"hookrelay/pkg/models"
)

const defaultDedupWindow = 24 * time.Hour

// IdempotencyKey derives the exactly-once key for an (event, handler) pair.
func IdempotencyKey(ev models.Event, handlerID string) string {
	sum := sha256.Sum256([]byte(ev.ID + "|" + handlerID + "|" + ev.Timestamp.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])
}

// IdempotencyStore remembers which job accepted a key.
type IdempotencyStore interface {
	// Reserve binds key to jobID unless the key is already bound, in which
	// case it returns the existing job id and false.
	Reserve(ctx context.Context, key, jobID string) (string, bool, error)
	Release(ctx context.Context, key string) error
	Len() int
}

type memoryEntry struct {
	key       string
	jobID     string
	expiresAt time.Time
}

// MemoryIdempotency keeps keys for a fixed window. When full it evicts the
// oldest keys one at a time.
type MemoryIdempotency struct {
	window   time.Duration
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

func NewMemoryIdempotency(window time.Duration, capacity int) *MemoryIdempotency {
	if window <= 0 {
		window = defaultDedupWindow
	}
	if capacity <= 0 {
		capacity = 100000
	}
	return &MemoryIdempotency{
		window:   window,
		capacity: capacity,
		now:      time.Now,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (m *MemoryIdempotency) Reserve(_ context.Context, key, jobID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expireLocked(now)

	if el, ok := m.entries[key]; ok {
		return el.Value.(*memoryEntry).jobID, false, nil
	}

	for m.order.Len() >= m.capacity {
		m.removeLocked(m.order.Front())
	}
	m.entries[key] = m.order.PushBack(&memoryEntry{key: key, jobID: jobID, expiresAt: now.Add(m.window)})
	return jobID, true, nil
}

func (m *MemoryIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.removeLocked(el)
	}
	return nil
}

func (m *MemoryIdempotency) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Expire drops keys whose window has passed and reports how many went.
func (m *MemoryIdempotency) Expire() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireLocked(m.now())
}

// Entries are appended in expiry order, so expired ones sit at the front.
func (m *MemoryIdempotency) expireLocked(now time.Time) int {
	removed := 0
	for el := m.order.Front(); el != nil; el = m.order.Front() {
		if el.Value.(*memoryEntry).expiresAt.After(now) {
			break
		}
		m.removeLocked(el)
		removed++
	}
	return removed
}

func (m *MemoryIdempotency) removeLocked(el *list.Element) {
	entry := m.order.Remove(el).(*memoryEntry)
	delete(m.entries, entry.key)
}

// RedisIdempotency shares the key window across instances with SET NX.
type RedisIdempotency struct {
	client redis.Cmdable
	window time.Duration
	prefix string
}

func NewRedisIdempotency(client redis.Cmdable, window time.Duration) *RedisIdempotency {
	if window <= 0 {
		window = defaultDedupWindow
	}
	return &RedisIdempotency{client: client, window: window, prefix: constants.CacheKeyPrefixIdempotency}
}

func (r *RedisIdempotency) Reserve(ctx context.Context, key, jobID string) (string, bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, jobID, r.window).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if ok {
		return jobID, true, nil
	}

	existing, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; try once more.
		ok, err = r.client.SetNX(ctx, r.prefix+key, jobID, r.window).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to reserve idempotency key: %w", err)
		}
		if ok {
			return jobID, true, nil
		}
		existing, err = r.client.Get(ctx, r.prefix+key).Result()
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return existing, false, nil
}

func (r *RedisIdempotency) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// Len is not tracked for the shared store.
func (r *RedisIdempotency) Len() int {
	return -1
}
