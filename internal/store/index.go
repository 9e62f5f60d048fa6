package store

import (
	"strings"
	"time"

	"hookrelay/pkg/models"
)

const (
	hourBucketLayout = "2006-01-02T15"
	// Ranges spanning more buckets than this fall back to the predicate.
	maxHourBuckets = 24 * 366
)

type idSet map[string]struct{}

// indexKeys are the secondary-index keys of one event. They are kept with
// the event so removal mirrors insertion exactly.
type indexKeys struct {
	entityType string
	action     string
	hour       string
	sources    []string
}

func keysOf(ev *models.Event) indexKeys {
	keys := indexKeys{
		entityType: strings.ToLower(ev.EntityType),
		action:     strings.ToLower(string(ev.Action)),
		hour:       hourBucket(ev.Timestamp),
		sources:    []string{strings.ToLower(ev.Source.System)},
	}
	if key := strings.ToLower(ev.Source.Key()); key != keys.sources[0] {
		keys.sources = append(keys.sources, key)
	}
	return keys
}

func hourBucket(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(hourBucketLayout)
}

// index maps entity type, action, hour bucket and source to event ids.
// It is derived state and can always be rebuilt from the events.
type index struct {
	byEntityType map[string]idSet
	byAction     map[string]idSet
	byHour       map[string]idSet
	bySource     map[string]idSet
}

func newIndex() *index {
	return &index{
		byEntityType: make(map[string]idSet),
		byAction:     make(map[string]idSet),
		byHour:       make(map[string]idSet),
		bySource:     make(map[string]idSet),
	}
}

func addTo(m map[string]idSet, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(idSet)
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(m map[string]idSet, key, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

func (ix *index) add(id string, keys indexKeys) {
	addTo(ix.byEntityType, keys.entityType, id)
	addTo(ix.byAction, keys.action, id)
	addTo(ix.byHour, keys.hour, id)
	for _, source := range keys.sources {
		addTo(ix.bySource, source, id)
	}
}

func (ix *index) remove(id string, keys indexKeys) {
	removeFrom(ix.byEntityType, keys.entityType, id)
	removeFrom(ix.byAction, keys.action, id)
	removeFrom(ix.byHour, keys.hour, id)
	for _, source := range keys.sources {
		removeFrom(ix.bySource, source, id)
	}
}

// contains reports whether id appears anywhere in the index.
func (ix *index) contains(id string) bool {
	for _, m := range []map[string]idSet{ix.byEntityType, ix.byAction, ix.byHour, ix.bySource} {
		for _, set := range m {
			if _, ok := set[id]; ok {
				return true
			}
		}
	}
	return false
}

func (ix *index) size() int {
	n := 0
	for _, m := range []map[string]idSet{ix.byEntityType, ix.byAction, ix.byHour, ix.bySource} {
		for _, set := range m {
			n += len(set)
		}
	}
	return n
}

func union(m map[string]idSet, keys []string) idSet {
	out := make(idSet)
	for _, key := range keys {
		for id := range m[key] {
			out[id] = struct{}{}
		}
	}
	return out
}

func intersect(a, b idSet) idSet {
	if len(a) > len(b) {
		a, b = b, a
	}
	out := make(idSet, len(a))
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func lower[S ~string](values []S) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(string(v))
	}
	return out
}

func hourRange(from, to time.Time) ([]string, bool) {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, false
	}
	start := from.UTC().Truncate(time.Hour)
	end := to.UTC().Truncate(time.Hour)
	if int(end.Sub(start)/time.Hour) >= maxHourBuckets {
		return nil, false
	}
	var buckets []string
	for t := start; !t.After(end); t = t.Add(time.Hour) {
		buckets = append(buckets, t.Format(hourBucketLayout))
	}
	return buckets, true
}

// candidates narrows the id space using every filter dimension the index
// covers, starting from the first non-empty one. The boolean is false when
// no dimension applied and the caller must consider every event.
func (ix *index) candidates(f Filter) (idSet, bool) {
	var result idSet
	applied := false
	apply := func(set idSet) {
		if !applied {
			result, applied = set, true
			return
		}
		result = intersect(result, set)
	}

	if len(f.EntityTypes) > 0 {
		apply(union(ix.byEntityType, lower(f.EntityTypes)))
	}
	if len(f.Actions) > 0 {
		apply(union(ix.byAction, lower(f.Actions)))
	}
	if len(f.Sources) > 0 {
		apply(union(ix.bySource, lower(f.Sources)))
	}
	if buckets, ok := hourRange(f.From, f.To); ok {
		apply(union(ix.byHour, buckets))
	}
	return result, applied
}
