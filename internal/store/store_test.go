package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookrelay/internal/config"
	"hookrelay/internal/constants"
	"hookrelay/pkg/errors"
	"hookrelay/pkg/models"
)

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestStore(t *testing.T, cfg config.StoreConfig, opts ...Option) (*Store, *clock) {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	c := &clock{now: baseTime}
	s.now = c.Now
	return s, c
}

func newEvent(id, entityType string, action models.Action, zone string, ts time.Time) *models.Event {
	return models.NewEventBuilder().
		WithID(id).
		WithEntity(entityType, "E-"+id).
		WithTypeAndAction(models.EventTypeEntityUpdated, action).
		WithTimestamp(ts).
		WithSource(models.Source{System: "crm", ZoneID: zone}).
		WithData(models.Document{"status": "open"}).
		Build()
}

// seed saves a fixed mix of events one second apart in storage time.
func seed(t *testing.T, s *Store, c *clock) []string {
	t.Helper()
	events := []*models.Event{
		newEvent("e1", "Ticket", models.ActionCreate, "z1", baseTime),
		newEvent("e2", "Ticket", models.ActionUpdate, "z1", baseTime.Add(30*time.Minute)),
		newEvent("e3", "Asset", models.ActionUpdate, "z2", baseTime.Add(90*time.Minute)),
		newEvent("e4", "Ticket", models.ActionDelete, "z2", baseTime.Add(3*time.Hour)),
		newEvent("e5", "Company", models.ActionUpdate, "", baseTime.Add(5*time.Hour)),
		newEvent("e6", "ticket", models.ActionUpdate, "z1", baseTime.Add(5*time.Hour+10*time.Minute)),
	}
	ids := make([]string, 0, len(events))
	for _, ev := range events {
		_, err := s.Save(context.Background(), ev)
		require.NoError(t, err)
		ids = append(ids, ev.ID)
		c.Advance(time.Second)
	}
	return ids
}

func eventIDs(events []models.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}

func TestSaveAndGet(t *testing.T) {
	for _, compression := range []bool{false, true} {
		t.Run(fmt.Sprintf("compression=%v", compression), func(t *testing.T) {
			s, _ := newTestStore(t, config.StoreConfig{Indexing: true, Compression: compression, MaxEventAge: time.Hour})
			ev := newEvent("e1", "Ticket", models.ActionUpdate, "z1", baseTime)

			stored, err := s.Save(context.Background(), ev)
			require.NoError(t, err)
			assert.Equal(t, baseTime, stored.StoredAt)
			require.NotNil(t, stored.ExpiresAt)
			assert.Equal(t, baseTime.Add(time.Hour), *stored.ExpiresAt)
			assert.Equal(t, compression, stored.Metadata.Compressed)
			assert.True(t, stored.Metadata.Indexed)
			assert.Positive(t, stored.Metadata.Size)

			got, err := s.Get(context.Background(), "e1")
			require.NoError(t, err)
			assert.Equal(t, "Ticket", got.Event.EntityType)
			assert.Equal(t, "open", got.Event.Data["status"])

			_, err = s.Get(context.Background(), "missing")
			assert.True(t, errors.IsNotFound(err))
		})
	}
}

func TestSaveRequiresID(t *testing.T) {
	s, _ := newTestStore(t, config.StoreConfig{})
	_, err := s.Save(context.Background(), &models.Event{})
	assert.True(t, errors.IsValidation(err))
}

func TestCodecDetectsCompression(t *testing.T) {
	se := &StoredEvent{ID: "e1", Event: *newEvent("e1", "Ticket", models.ActionUpdate, "", baseTime)}

	compressed, err := codec{compress: true}.encode(se)
	require.NoError(t, err)
	assert.Equal(t, gzipMagic, compressed[:2])

	plain, err := codec{}.encode(se)
	require.NoError(t, err)

	for _, data := range [][]byte{compressed, plain} {
		decoded, err := codec{}.decode(data)
		require.NoError(t, err)
		assert.Equal(t, "e1", decoded.Event.ID)
	}
}

func TestIndexAndScanReturnSameEvents(t *testing.T) {
	indexed, indexedClock := newTestStore(t, config.StoreConfig{Indexing: true})
	scanned, scannedClock := newTestStore(t, config.StoreConfig{Indexing: false})
	seed(t, indexed, indexedClock)
	seed(t, scanned, scannedClock)

	filters := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "empty", filter: Filter{}, want: []string{"e1", "e2", "e3", "e4", "e5", "e6"}},
		{name: "entity type any case", filter: Filter{EntityTypes: []string{"TICKET"}}, want: []string{"e1", "e2", "e4", "e6"}},
		{name: "action", filter: Filter{Actions: []models.Action{models.ActionUpdate}}, want: []string{"e2", "e3", "e5", "e6"}},
		{
			name:   "entity type and action",
			filter: Filter{EntityTypes: []string{"Ticket"}, Actions: []models.Action{models.ActionUpdate}},
			want:   []string{"e2", "e6"},
		},
		{name: "source system", filter: Filter{Sources: []string{"crm"}}, want: []string{"e1", "e2", "e3", "e4", "e5", "e6"}},
		{name: "source zone key", filter: Filter{Sources: []string{"crm/z2"}}, want: []string{"e3", "e4"}},
		{
			name:   "time range",
			filter: Filter{From: baseTime.Add(20 * time.Minute), To: baseTime.Add(3 * time.Hour)},
			want:   []string{"e2", "e3", "e4"},
		},
		{name: "open ended time", filter: Filter{From: baseTime.Add(4 * time.Hour)}, want: []string{"e5", "e6"}},
		{name: "limit", filter: Filter{Actions: []models.Action{models.ActionUpdate}, Limit: 2}, want: []string{"e2", "e3"}},
		{name: "no match", filter: Filter{EntityTypes: []string{"Contract"}}, want: []string{}},
	}

	for _, tt := range filters {
		t.Run(tt.name, func(t *testing.T) {
			fromIndex, err := indexed.GetByFilter(context.Background(), tt.filter)
			require.NoError(t, err)
			fromScan, err := scanned.GetByFilter(context.Background(), tt.filter)
			require.NoError(t, err)

			assert.Equal(t, tt.want, eventIDs(fromIndex))
			assert.Equal(t, eventIDs(fromScan), eventIDs(fromIndex))
		})
	}
}

func TestDeletePurgesIndex(t *testing.T) {
	s, c := newTestStore(t, config.StoreConfig{Indexing: true})
	seed(t, s, c)

	require.NoError(t, s.Delete(context.Background(), "e2"))
	assert.False(t, s.index.contains("e2"))

	events, err := s.GetByFilter(context.Background(), Filter{EntityTypes: []string{"Ticket"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e4", "e6"}, eventIDs(events))

	err = s.Delete(context.Background(), "e2")
	assert.True(t, errors.IsNotFound(err))
}

func TestSweepRemovesExpiredEventsAndIndexEntries(t *testing.T) {
	s, c := newTestStore(t, config.StoreConfig{Indexing: true, MaxEventAge: time.Hour})
	ids := seed(t, s, c)

	c.Advance(30 * time.Minute)
	removed, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)

	late := newEvent("late", "Ticket", models.ActionUpdate, "z1", c.now)
	_, err = s.Save(context.Background(), late)
	require.NoError(t, err)

	c.Advance(45 * time.Minute)
	removed, err = s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(ids), removed)

	for _, id := range ids {
		assert.False(t, s.index.contains(id), "index still references %s", id)
		_, err := s.Get(context.Background(), id)
		assert.True(t, errors.IsNotFound(err))
		_, err = s.layers[0].Get(context.Background(), id)
		assert.True(t, errors.IsNotFound(err), "backend still holds %s", id)
	}

	stats := s.Stats()
	assert.Equal(t, 1, stats.Events)
	assert.Equal(t, 5, stats.IndexEntries) // entity type, action, hour, system, system/zone
}

func TestZeroMaxAgeDisablesExpiry(t *testing.T) {
	s, c := newTestStore(t, config.StoreConfig{Indexing: true})
	seed(t, s, c)

	c.Advance(24 * 365 * time.Hour)
	removed, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Equal(t, 6, s.Stats().Events)
}

func TestExpiredEventsAreHiddenBeforeSweep(t *testing.T) {
	s, c := newTestStore(t, config.StoreConfig{Indexing: true, MaxEventAge: time.Minute})
	seed(t, s, c)
	c.Advance(time.Hour)

	_, err := s.Get(context.Background(), "e1")
	assert.True(t, errors.IsNotFound(err))

	events, err := s.GetByFilter(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMarkProcessed(t *testing.T) {
	s, c := newTestStore(t, config.StoreConfig{Indexing: true, Compression: true})
	seed(t, s, c)

	require.NoError(t, s.MarkProcessed(context.Background(), "e3", ProcessingResult{
		HandlerID: "audit-log",
		JobID:     "job-1",
		Status:    "completed",
		Success:   true,
	}))
	require.NoError(t, s.MarkProcessed(context.Background(), "e3", ProcessingResult{
		HandlerID: "webhook-out",
		Status:    "dead_lettered",
		Error:     "timeout",
	}))

	got, err := s.Get(context.Background(), "e3")
	require.NoError(t, err)
	require.Len(t, got.ProcessingResults, 2)
	assert.Equal(t, "audit-log", got.ProcessingResults[0].HandlerID)
	assert.True(t, got.ProcessingResults[0].Success)
	assert.Equal(t, "timeout", got.ProcessingResults[1].Error)
	assert.False(t, got.ProcessingResults[1].ProcessedAt.IsZero())

	// Index membership is unchanged by the rewrite.
	events, err := s.GetByFilter(context.Background(), Filter{EntityTypes: []string{"Asset"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3"}, eventIDs(events))

	err = s.MarkProcessed(context.Background(), "missing", ProcessingResult{})
	assert.True(t, errors.IsNotFound(err))
}

func TestReplayOrderAndRange(t *testing.T) {
	s, c := newTestStore(t, config.StoreConfig{Indexing: true})
	seed(t, s, c)

	collect := func(from, to time.Time, f *Filter) []string {
		var ids []string
		for ev, err := range s.Replay(context.Background(), from, to, f) {
			require.NoError(t, err)
			ids = append(ids, ev.ID)
		}
		return ids
	}

	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5", "e6"}, collect(time.Time{}, time.Time{}, nil))
	assert.Equal(t, []string{"e3", "e4"}, collect(baseTime.Add(2*time.Second), baseTime.Add(3*time.Second), nil))
	assert.Equal(t, []string{"e4", "e6"}, collect(baseTime.Add(3*time.Second), time.Time{}, &Filter{EntityTypes: []string{"ticket"}}))

	// Stop early, then resume from the last storage time seen.
	var first []string
	for ev, err := range s.Replay(context.Background(), time.Time{}, time.Time{}, nil) {
		require.NoError(t, err)
		first = append(first, ev.ID)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"e1", "e2"}, first)
	assert.Equal(t, []string{"e3", "e4", "e5", "e6"}, collect(baseTime.Add(2*time.Second), time.Time{}, nil))
}

func TestReplayDoesNotMutate(t *testing.T) {
	s, c := newTestStore(t, config.StoreConfig{Indexing: true})
	seed(t, s, c)
	before := s.Stats()

	for range s.Replay(context.Background(), time.Time{}, time.Time{}, nil) {
	}
	assert.Equal(t, before, s.Stats())
}

func TestReplayBatchesCountFailures(t *testing.T) {
	s, c := newTestStore(t, config.StoreConfig{Indexing: true})
	seed(t, s, c)

	require.NoError(t, s.layers[0].Put(context.Background(), Record{
		ID:       "corrupt",
		StoredAt: baseTime.Add(1500 * time.Millisecond),
		Data:     []byte("not json"),
	}))

	var batches []ReplayBatch
	for batch, err := range s.ReplayBatches(context.Background(), ReplayRequest{BatchSize: 3}) {
		require.NoError(t, err)
		batches = append(batches, batch)
	}

	require.Len(t, batches, 3)
	assert.Equal(t, []string{"e1", "e2"}, eventIDs(batches[0].Events))
	assert.Equal(t, 2, batches[0].Succeeded)
	assert.Equal(t, 1, batches[0].Failed)
	require.Len(t, batches[0].Errors, 1)
	assert.Contains(t, batches[0].Errors[0], "corrupt")

	assert.Equal(t, 1, batches[1].Index)
	assert.Equal(t, []string{"e3", "e4", "e5"}, eventIDs(batches[1].Events))
	assert.Equal(t, []string{"e6"}, eventIDs(batches[2].Events))
}

func TestBatchSizeBounds(t *testing.T) {
	assert.Equal(t, constants.DefaultReplayBatchSize, batchSize(0))
	assert.Equal(t, constants.MaxReplayBatchSize, batchSize(constants.MaxReplayBatchSize+1))
	assert.Equal(t, 7, batchSize(7))
}

func TestHybridReadsThroughAndRebuilds(t *testing.T) {
	durable := NewMemoryBackend()
	cfg := config.StoreConfig{Persistence: constants.PersistenceHybrid, Indexing: true, Compression: true}

	first, c := newTestStore(t, cfg, WithDurableBackend(durable))
	seed(t, first, c)
	n, err := durable.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	// A fresh instance over the same durable backend starts empty in memory.
	second, _ := newTestStore(t, cfg, WithDurableBackend(durable))
	require.NoError(t, second.Init(context.Background()))
	assert.Equal(t, 6, second.Stats().Events)

	got, err := second.Get(context.Background(), "e4")
	require.NoError(t, err)
	assert.Equal(t, "Ticket", got.Event.EntityType)

	_, err = second.layers[0].Get(context.Background(), "e4")
	assert.NoError(t, err, "read should warm the memory layer")

	events, err := second.GetByFilter(context.Background(), Filter{Sources: []string{"crm/z1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2", "e6"}, eventIDs(events))

	require.NoError(t, second.Delete(context.Background(), "e1"))
	_, err = durable.Get(context.Background(), "e1")
	assert.True(t, errors.IsNotFound(err))
}

// gatedBackend holds Get after reading until release is closed, so a
// concurrent write can run between the read and its return.
type gatedBackend struct {
	*MemoryBackend
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := g.MemoryBackend.Get(ctx, id)
	if g.entered != nil {
		close(g.entered)
		g.entered = nil
		<-g.release
	}
	return data, err
}

func TestHybridReadRacingDeleteDoesNotResurrect(t *testing.T) {
	durable := &gatedBackend{MemoryBackend: NewMemoryBackend()}
	s, _ := newTestStore(t, config.StoreConfig{Persistence: constants.PersistenceHybrid, Indexing: true}, WithDurableBackend(durable))

	_, err := s.Save(context.Background(), newEvent("e1", "Ticket", models.ActionCreate, "z1", baseTime))
	require.NoError(t, err)
	require.NoError(t, s.layers[0].Delete(context.Background(), "e1"))

	entered := make(chan struct{})
	durable.entered = entered
	durable.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Get(context.Background(), "e1")
		done <- err
	}()

	<-entered
	require.NoError(t, s.Delete(context.Background(), "e1"))
	close(durable.release)
	require.NoError(t, <-done, "the read started before the delete")

	_, err = s.Get(context.Background(), "e1")
	assert.True(t, errors.IsNotFound(err), "deleted event must not be readable")
	_, err = s.layers[0].Get(context.Background(), "e1")
	assert.True(t, errors.IsNotFound(err), "memory layer must not be warmed with a deleted event")
	assert.Equal(t, 0, s.Stats().Events)
}

func TestRewriteRefreshesMetadata(t *testing.T) {
	durable := NewMemoryBackend()
	plain, c := newTestStore(t, config.StoreConfig{Persistence: constants.PersistenceDurable}, WithDurableBackend(durable))
	seed(t, plain, c)

	compressed, _ := newTestStore(t, config.StoreConfig{Persistence: constants.PersistenceDurable, Compression: true, Indexing: true}, WithDurableBackend(durable))
	require.NoError(t, compressed.Init(context.Background()))
	before := compressed.Stats().StoredBytes

	require.NoError(t, compressed.MarkProcessed(context.Background(), "e2", ProcessingResult{HandlerID: "audit-log", Success: true}))

	got, err := compressed.Get(context.Background(), "e2")
	require.NoError(t, err)
	raw, err := json.Marshal(&got.Event)
	require.NoError(t, err)
	assert.Equal(t, len(raw), got.Metadata.Size)
	assert.True(t, got.Metadata.Compressed)
	assert.True(t, got.Metadata.Indexed)

	var total int64
	for rec, err := range durable.Scan(context.Background(), time.Time{}) {
		require.NoError(t, err)
		total += int64(len(rec.Data))
	}
	assert.Equal(t, total, compressed.Stats().StoredBytes)
	assert.NotEqual(t, before, compressed.Stats().StoredBytes)
}

func TestTimelineCursor(t *testing.T) {
	var cur timelineCursor
	assert.True(t, cur.passed(redis.Z{Score: 5, Member: "a"}))

	cur.advance(5, "a")
	cur.advance(5, "c")
	assert.Equal(t, int64(2), cur.ties)
	assert.False(t, cur.passed(redis.Z{Score: 5, Member: "b"}))
	assert.False(t, cur.passed(redis.Z{Score: 4, Member: "z"}))
	assert.True(t, cur.passed(redis.Z{Score: 5, Member: "d"}))
	assert.True(t, cur.passed(redis.Z{Score: 6, Member: "a"}))

	cur.advance(6, "a")
	assert.Equal(t, int64(1), cur.ties)
}

func TestNewValidatesBackend(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.StoreConfig
	}{
		{name: "redis without client", cfg: config.StoreConfig{Persistence: constants.PersistenceDurable, Backend: constants.BackendRedis}},
		{name: "mongodb without database", cfg: config.StoreConfig{Persistence: constants.PersistenceHybrid, Backend: constants.BackendMongoDB}},
		{name: "unknown backend", cfg: config.StoreConfig{Persistence: constants.PersistenceDurable, Backend: "cassandra"}},
		{name: "unknown persistence", cfg: config.StoreConfig{Persistence: "tape"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.True(t, errors.IsValidation(err))
		})
	}
}
