package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"hookrelay/internal/config"
	"hookrelay/internal/constants"
	"hookrelay/internal/logger"
	"hookrelay/pkg/errors"
	"hookrelay/pkg/metrics"
	"hookrelay/pkg/models"
	"hookrelay/pkg/retry"
)

type entryMeta struct {
	storedAt  time.Time
	expiresAt *time.Time
	bytes     int
	keys      indexKeys
}

func (m entryMeta) expired(now time.Time) bool {
	return m.expiresAt != nil && !m.expiresAt.After(now)
}

// Store persists events and keeps the secondary indices that back
// GetByFilter. Reads try each layer in order; writes go to every layer,
// durable first. The last layer is authoritative for scans.
type Store struct {
	persistence string
	indexing    bool
	maxAge      time.Duration
	interval    time.Duration
	codec       codec
	retry       retry.Policy
	logger      logger.Logger
	now         func() time.Time

	redis   redis.Cmdable
	mongo   *mongo.Database
	durable Backend
	layers  []Backend

	// writeMu serialises writes so read-modify-write updates do not race.
	writeMu sync.Mutex

	mu          sync.RWMutex
	meta        map[string]entryMeta
	index       *index
	storedBytes int64
}

type Option func(*Store)

func WithRedis(client redis.Cmdable) Option {
	return func(s *Store) {
		s.redis = client
	}
}

func WithMongo(db *mongo.Database) Option {
	return func(s *Store) {
		s.mongo = db
	}
}

// WithDurableBackend overrides the configured durable backend.
func WithDurableBackend(b Backend) Option {
	return func(s *Store) {
		s.durable = b
	}
}

func WithLogger(log logger.Logger) Option {
	return func(s *Store) {
		s.logger = log
	}
}

func New(cfg config.StoreConfig, opts ...Option) (*Store, error) {
	s := &Store{
		persistence: cfg.Persistence,
		indexing:    cfg.Indexing,
		maxAge:      cfg.MaxEventAge,
		interval:    cfg.CleanupInterval,
		codec:       codec{compress: cfg.Compression},
		retry:       retry.FromConfig(cfg.Retry),
		logger:      logger.NopLogger(),
		now:         time.Now,
		meta:        make(map[string]entryMeta),
		index:       newIndex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persistence == "" {
		s.persistence = constants.PersistenceMemory
	}
	if s.interval <= 0 {
		s.interval = time.Hour
	}

	if s.persistence != constants.PersistenceMemory && s.durable == nil {
		switch cfg.Backend {
		case constants.BackendRedis:
			if s.redis == nil {
				return nil, errors.ErrValidation.WithDetail("message", "redis store backend requires a redis connection")
			}
			s.durable = NewRedisBackend(s.redis, cfg.KeyPrefix, s.interval)
		case constants.BackendMongoDB:
			if s.mongo == nil {
				return nil, errors.ErrValidation.WithDetail("message", "mongodb store backend requires a mongodb connection")
			}
			s.durable = NewMongoBackend(s.mongo, cfg.Collection)
		default:
			return nil, errors.ErrValidation.WithDetail("message", fmt.Sprintf("unknown store backend '%s'", cfg.Backend))
		}
	}

	switch s.persistence {
	case constants.PersistenceMemory:
		s.layers = []Backend{NewMemoryBackend()}
	case constants.PersistenceDurable:
		s.layers = []Backend{s.durable}
	case constants.PersistenceHybrid:
		s.layers = []Backend{NewMemoryBackend(), s.durable}
	default:
		return nil, errors.ErrValidation.WithDetail("message", fmt.Sprintf("unknown persistence mode '%s'", s.persistence))
	}
	return s, nil
}

// Init prepares the durable backend and loads the index from it.
func (s *Store) Init(ctx context.Context) error {
	if mb, ok := s.durable.(*MongoBackend); ok {
		if err := mb.EnsureIndexes(ctx); err != nil {
			return err
		}
	}
	if s.persistence == constants.PersistenceMemory {
		return nil
	}
	n, err := s.RebuildIndex(ctx)
	if err != nil {
		return err
	}
	s.logger.Infow("Event store loaded", "events", n, "persistence", s.persistence, "backend", s.durable.Name())
	return nil
}

func (s *Store) scanner() Backend {
	return s.layers[len(s.layers)-1]
}

func observe(op string, start time.Time, err error) {
	status := "success"
	switch {
	case errors.IsNotFound(err):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	metrics.ObserveStoreOperation(op, status, time.Since(start))
}

// call runs fn against b, retrying transient failures of durable backends.
func (s *Store) call(ctx context.Context, b Backend, fn func() error) error {
	if _, ok := b.(*MemoryBackend); ok {
		return fn()
	}
	return retry.Retry(ctx, s.retry, fn)
}

// Save stores ev and indexes it. The index only changes once every layer
// has accepted the write.
func (s *Store) Save(ctx context.Context, ev *models.Event) (_ *StoredEvent, err error) {
	start := time.Now()
	defer func() { observe("save", start, err) }()

	if ev == nil || ev.ID == "" {
		return nil, errors.ErrValidation.WithDetail("message", "event id is required")
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	se := &StoredEvent{
		ID:       ev.ID,
		Event:    *ev,
		StoredAt: now,
	}
	if s.maxAge > 0 {
		expiresAt := now.Add(s.maxAge)
		se.ExpiresAt = &expiresAt
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.put(ctx, se); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to store event", "event_id", ev.ID, "error", err)
		return nil, err
	}
	return se, nil
}

// put must be called with writeMu held. It refreshes the record metadata
// so rewrites reflect the current event and codec settings.
func (s *Store) put(ctx context.Context, se *StoredEvent) error {
	raw, err := json.Marshal(&se.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", se.ID, err)
	}
	se.Metadata.Size = len(raw)
	se.Metadata.Compressed = s.codec.compress
	se.Metadata.Indexed = s.indexing

	data, err := s.codec.encode(se)
	if err != nil {
		return err
	}
	rec := recordOf(se, data)

	for i := len(s.layers) - 1; i >= 0; i-- {
		b := s.layers[i]
		if err := s.call(ctx, b, func() error { return b.Put(ctx, rec) }); err != nil {
			return fmt.Errorf("failed to save event %s: %w", se.ID, err)
		}
	}

	s.mu.Lock()
	s.track(se, len(data))
	count := len(s.meta)
	s.mu.Unlock()
	metrics.SetStoreEvents(count)
	return nil
}

// track must be called with mu held.
func (s *Store) track(se *StoredEvent, size int) {
	s.untrack(se.ID)
	keys := keysOf(&se.Event)
	s.meta[se.ID] = entryMeta{
		storedAt:  se.StoredAt,
		expiresAt: se.ExpiresAt,
		bytes:     size,
		keys:      keys,
	}
	s.storedBytes += int64(size)
	if s.indexing {
		s.index.add(se.ID, keys)
	}
}

// untrack must be called with mu held.
func (s *Store) untrack(id string) {
	old, ok := s.meta[id]
	if !ok {
		return
	}
	s.index.remove(id, old.keys)
	s.storedBytes -= int64(old.bytes)
	delete(s.meta, id)
}

// Get returns the stored event. Expired events are reported as not found
// even before the sweep removes them.
func (s *Store) Get(ctx context.Context, id string) (_ *StoredEvent, err error) {
	start := time.Now()
	defer func() { observe("get", start, err) }()
	return s.get(ctx, id, false)
}

// get reads through the layers. writeLocked reports whether the caller
// already holds writeMu.
func (s *Store) get(ctx context.Context, id string, writeLocked bool) (*StoredEvent, error) {
	now := s.now()

	s.mu.RLock()
	m, known := s.meta[id]
	s.mu.RUnlock()
	if known && m.expired(now) {
		return nil, notFound(id)
	}

	for i, b := range s.layers {
		var data []byte
		err := s.call(ctx, b, func() (err error) {
			data, err = b.Get(ctx, id)
			return err
		})
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get event %s: %w", id, err)
		}

		se, err := s.codec.decode(data)
		if err != nil {
			return nil, err
		}
		if se.expired(now) {
			return nil, notFound(id)
		}
		if i > 0 {
			s.warm(ctx, s.layers[:i], recordOf(se, data), writeLocked)
		}
		return se, nil
	}
	return nil, notFound(id)
}

// warm copies a record read from a slower layer into the faster ones. It
// skips events deleted since the read and layers that already hold a
// newer write.
func (s *Store) warm(ctx context.Context, upper []Backend, rec Record, writeLocked bool) {
	if !writeLocked {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	s.mu.RLock()
	_, tracked := s.meta[rec.ID]
	s.mu.RUnlock()
	if !tracked {
		return
	}

	for _, b := range upper {
		if _, err := b.Get(ctx, rec.ID); !errors.IsNotFound(err) {
			continue
		}
		_ = b.Put(ctx, rec)
	}
}

// GetByFilter returns matching events in storage order. With indexing on it
// reads only index candidates; otherwise it scans every event. Both paths
// apply Filter.Matches and return the same events.
func (s *Store) GetByFilter(ctx context.Context, f Filter) (_ []models.Event, err error) {
	start := time.Now()
	defer func() { observe("filter", start, err) }()

	if s.indexing {
		return s.queryIndex(ctx, f)
	}
	return s.queryScan(ctx, f)
}

type candidate struct {
	id       string
	storedAt time.Time
}

func (s *Store) queryIndex(ctx context.Context, f Filter) ([]models.Event, error) {
	now := s.now()

	s.mu.RLock()
	set, applied := s.index.candidates(f)
	var cands []candidate
	if applied {
		cands = make([]candidate, 0, len(set))
		for id := range set {
			if m, ok := s.meta[id]; ok && !m.expired(now) {
				cands = append(cands, candidate{id: id, storedAt: m.storedAt})
			}
		}
	} else {
		cands = make([]candidate, 0, len(s.meta))
		for id, m := range s.meta {
			if !m.expired(now) {
				cands = append(cands, candidate{id: id, storedAt: m.storedAt})
			}
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(cands, func(a, b candidate) int {
		return compareRecords(Record{ID: a.id, StoredAt: a.storedAt}, Record{ID: b.id, StoredAt: b.storedAt})
	})

	out := make([]models.Event, 0)
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		se, err := s.get(ctx, c.id, false)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !f.Matches(&se.Event) {
			continue
		}
		out = append(out, se.Event)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) queryScan(ctx context.Context, f Filter) ([]models.Event, error) {
	now := s.now()
	out := make([]models.Event, 0)
	for rec, err := range s.scanner().Scan(ctx, time.Time{}) {
		if err != nil {
			return nil, err
		}
		se, err := s.codec.decode(rec.Data)
		if err != nil {
			s.logger.WarnwCtx(ctx, "Skipping undecodable event", "event_id", rec.ID, "error", err)
			continue
		}
		if se.expired(now) || !f.Matches(&se.Event) {
			continue
		}
		out = append(out, se.Event)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Delete removes the event from every layer and then from the indices.
func (s *Store) Delete(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { observe("delete", start, err) }()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.remove(ctx, id)
}

// remove must be called with writeMu held.
func (s *Store) remove(ctx context.Context, id string) error {
	s.mu.RLock()
	_, found := s.meta[id]
	s.mu.RUnlock()

	for i := len(s.layers) - 1; i >= 0; i-- {
		b := s.layers[i]
		err := s.call(ctx, b, func() error { return b.Delete(ctx, id) })
		switch {
		case err == nil:
			found = true
		case errors.IsNotFound(err):
		default:
			return fmt.Errorf("failed to delete event %s: %w", id, err)
		}
	}
	if !found {
		return notFound(id)
	}

	s.mu.Lock()
	s.untrack(id)
	count := len(s.meta)
	s.mu.Unlock()
	metrics.SetStoreEvents(count)
	return nil
}

// MarkProcessed appends a handler outcome to the stored event.
func (s *Store) MarkProcessed(ctx context.Context, id string, result ProcessingResult) (err error) {
	start := time.Now()
	defer func() { observe("mark_processed", start, err) }()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	se, err := s.get(ctx, id, true)
	if err != nil {
		return err
	}
	if result.ProcessedAt.IsZero() {
		result.ProcessedAt = s.now().UTC()
	}
	se.ProcessingResults = append(se.ProcessingResults, result)
	return s.put(ctx, se)
}

// Sweep deletes every event whose expiry has passed and reports how many
// were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.now()

	s.mu.RLock()
	var expired []string
	for id, m := range s.meta {
		if m.expired(now) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	removed := 0
	var firstErr error
	for _, id := range expired {
		s.writeMu.Lock()
		err := s.remove(ctx, id)
		if errors.IsNotFound(err) {
			s.mu.Lock()
			s.untrack(id)
			s.mu.Unlock()
			err = nil
		}
		s.writeMu.Unlock()

		if err != nil {
			s.logger.WarnwCtx(ctx, "Failed to remove expired event", "event_id", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}

	if removed > 0 {
		metrics.StoreExpiredTotal.Add(float64(removed))
		s.logger.InfowCtx(ctx, "Expired events removed", "count", removed)
	}
	return removed, firstErr
}

// Run sweeps expired events every cleanup interval until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	if s.maxAge <= 0 {
		s.logger.Infow("Event retention disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warnw("Retention sweep incomplete", "error", err)
			}
		}
	}
}

// RebuildIndex reloads the index from a full scan of the authoritative
// layer.
func (s *Store) RebuildIndex(ctx context.Context) (int, error) {
	meta := make(map[string]entryMeta)
	ix := newIndex()
	var total int64

	for rec, err := range s.scanner().Scan(ctx, time.Time{}) {
		if err != nil {
			return 0, fmt.Errorf("failed to rebuild index: %w", err)
		}
		se, err := s.codec.decode(rec.Data)
		if err != nil {
			s.logger.WarnwCtx(ctx, "Skipping undecodable event", "event_id", rec.ID, "error", err)
			continue
		}
		keys := keysOf(&se.Event)
		meta[se.ID] = entryMeta{
			storedAt:  se.StoredAt,
			expiresAt: se.ExpiresAt,
			bytes:     len(rec.Data),
			keys:      keys,
		}
		total += int64(len(rec.Data))
		if s.indexing {
			ix.add(se.ID, keys)
		}
	}

	s.mu.Lock()
	s.meta = meta
	s.index = ix
	s.storedBytes = total
	s.mu.Unlock()

	metrics.SetStoreEvents(len(meta))
	return len(meta), nil
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	backend := s.scanner().Name()
	return Stats{
		Events:       len(s.meta),
		StoredBytes:  s.storedBytes,
		IndexEntries: s.index.size(),
		Indexing:     s.indexing,
		Compression:  s.codec.compress,
		Persistence:  s.persistence,
		Backend:      backend,
	}
}

// Ping checks that the authoritative layer answers.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.scanner().Count(ctx)
	return err
}
