package normalizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/config"
	"hookrelay/internal/logger"
	"hookrelay/pkg/errors"
	"hookrelay/pkg/metrics"
	"hookrelay/pkg/models"
	"hookrelay/pkg/tracing"
)

// RequestMetadata is what the transport knows about a payload.
type RequestMetadata struct {
	ReceivedAt    time.Time
	RemoteIP      string
	CorrelationID string
}

type Normalizer struct {
	cfg       config.NormalizerConfig
	registry  *EntityRegistry
	enrichers []Enricher
	logger    logger.Logger
	now       func() time.Time
}

type Option func(*Normalizer)

func WithEnricher(e Enricher) Option {
	return func(n *Normalizer) {
		n.enrichers = append(n.enrichers, e)
	}
}

func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

func New(cfg config.NormalizerConfig, log logger.Logger, opts ...Option) *Normalizer {
	n := &Normalizer{
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.registry = NewEntityRegistry(append(append([]string{}, DefaultEntityTypes...), cfg.ExtraEntityTypes...)...)
	if cfg.SourceSystem == "" {
		n.cfg.SourceSystem = "psa"
	}
	return n
}

// Normalize turns a raw vendor payload into a canonical event. Structural
// problems are returned as ValidationErrors; enrichment problems are logged
// and never fail the call.
func (n *Normalizer) Normalize(ctx context.Context, raw []byte, meta RequestMetadata) (*models.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "normalizer.normalize")
	defer span.End()

	payload, err := decodeObject(raw)
	if err != nil {
		metrics.IncNormalized("unknown", "invalid_json")
		return nil, ValidationErrors{invalid(errors.ErrInvalidJSON, "", err.Error())}
	}

	verb, _ := stringField(payload, "eventType")
	rawEntityType, _ := stringField(payload, "entityType")

	var missing ValidationErrors
	if verb == "" {
		missing = append(missing, invalid(errors.ErrMissingField, "eventType", "eventType is required"))
	}
	if rawEntityType == "" {
		missing = append(missing, invalid(errors.ErrMissingField, "entityType", "entityType is required"))
	}
	if len(missing) > 0 {
		metrics.IncNormalized("unknown", "missing_field")
		return nil, missing
	}

	entityType, ok := n.registry.Lookup(rawEntityType)
	if !ok {
		metrics.IncNormalized("unknown", "unknown_entity_type")
		return nil, ValidationErrors{invalid(errors.ErrUnknownEntity, "entityType",
			fmt.Sprintf("entity type %q is not recognized", rawEntityType))}
	}

	ev := n.build(payload, verb, entityType, len(raw), meta)

	if ev.EntityID == "" {
		metrics.IncNormalized(entityType, "missing_field")
		return nil, ValidationErrors{invalid(errors.ErrMissingField, "entityId", "entityId is required")}
	}

	n.enrich(ctx, ev)

	if err := models.ValidateEvent(ev); err != nil {
		metrics.IncNormalized(entityType, "invalid")
		return nil, ValidationErrors{invalid(errors.ErrValidation, "", err.Error())}
	}

	metrics.IncNormalized(entityType, "ok")
	return ev, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	var payload map[string]any
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return payload, nil
}

func (n *Normalizer) build(payload map[string]any, verb, entityType string, size int, meta RequestMetadata) *models.Event {
	now := n.now().UTC()
	received := meta.ReceivedAt
	if received.IsZero() {
		received = now
	}

	eventType, action := MapEventType(verb)
	if explicit, ok := stringField(payload, "action"); ok && explicit != "" {
		action = MapAction(explicit)
	}

	ev := &models.Event{
		Type:       eventType,
		Action:     action,
		EntityType: entityType,
		Timestamp:  parseTimestamp(payload["timestamp"], received),
		Source:     n.source(payload),
		Data:       documentField(payload, "entity", "data"),
		Metadata: models.EventMetadata{
			ParsedAt:    now,
			PayloadSize: size,
			Actor:       actorField(payload),
			Tags:        stringSlice(payload["tags"]),
		},
	}
	ev.EntityID = scalarString(payload["entityId"])
	ev.PreviousData = documentField(payload, "previousEntity", "previousData")

	if sys, ok := payload["systemEvent"].(map[string]any); ok {
		ev.Type = models.EventTypeSystem
		ev.System = systemInfo(sys)
		if ev.EntityID == "" {
			ev.EntityID = ev.System.Kind
		}
	} else if batch, ok := payload["batch"].(map[string]any); ok {
		ev.Type = models.EventTypeBatch
		ev.Batch = batchInfo(batch)
		if op := ev.Batch.Operation; op != "" {
			ev.Action = batchAction(op)
		} else if !isBatchAction(ev.Action) {
			ev.Action = batchAction(string(ev.Action))
		}
		if ev.EntityID == "" {
			ev.EntityID = "batch"
		}
	}

	ev.Changes = changesFrom(payload, ev.Data, ev.PreviousData)

	correlationID, _ := stringField(payload, "correlationId")
	if correlationID == "" {
		correlationID = meta.CorrelationID
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ev.Metadata.CorrelationID = correlationID

	if n.cfg.GenerateIDs {
		ev.ID = uuid.NewString()
	} else {
		ev.ID = fmt.Sprintf("%s-%s-%d", entityType, ev.EntityID, ev.Timestamp.UnixMilli())
	}

	return ev
}

func isBatchAction(a models.Action) bool {
	return a == models.ActionBatchCreate || a == models.ActionBatchUpdate || a == models.ActionBatchDelete
}

func (n *Normalizer) source(payload map[string]any) models.Source {
	src := models.Source{
		System:      n.cfg.SourceSystem,
		Version:     n.cfg.SourceVersion,
		Environment: n.cfg.Environment,
	}
	if v := scalarString(payload["version"]); v != "" {
		src.Version = v
	}
	src.ZoneID = scalarString(payload["zoneId"])
	if env, ok := n.cfg.ZoneEnvironments[src.ZoneID]; ok && src.ZoneID != "" {
		src.Environment = env
	}
	return src
}

func parseTimestamp(v any, fallback time.Time) time.Time {
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC()
			}
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return epoch(n)
		}
	case float64:
		return epoch(int64(t))
	}
	return fallback.UTC()
}

// epoch accepts seconds or milliseconds.
func epoch(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func changesFrom(payload map[string]any, data, previous models.Document) []models.FieldChange {
	if raw, ok := payload["changes"].([]any); ok {
		changes := make([]models.FieldChange, 0, len(raw))
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			field := scalarString(m["field"])
			if field == "" {
				continue
			}
			changes = append(changes, models.FieldChange{
				Field:    field,
				OldValue: m["oldValue"],
				NewValue: m["newValue"],
				Kind:     models.ClassifyChange(m["oldValue"], m["newValue"]),
			})
		}
		return changes
	}

	if previous == nil {
		return nil
	}
	return Diff(previous, data)
}

// Diff compares two snapshots field by field, sorted by field name.
func Diff(previous, current models.Document) []models.FieldChange {
	keys := make(map[string]struct{}, len(previous)+len(current))
	for k := range previous {
		keys[k] = struct{}{}
	}
	for k := range current {
		keys[k] = struct{}{}
	}

	fields := make([]string, 0, len(keys))
	for k := range keys {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var changes []models.FieldChange
	for _, f := range fields {
		oldValue, newValue := previous[f], current[f]
		if reflect.DeepEqual(oldValue, newValue) {
			continue
		}
		changes = append(changes, models.FieldChange{
			Field:    f,
			OldValue: oldValue,
			NewValue: newValue,
			Kind:     models.ClassifyChange(oldValue, newValue),
		})
	}
	return changes
}

func systemInfo(m map[string]any) *models.SystemInfo {
	info := &models.SystemInfo{
		Kind:     scalarString(m["type"]),
		Message:  scalarString(m["message"]),
		Severity: strings.ToLower(scalarString(m["severity"])),
	}
	if info.Kind == "" {
		info.Kind = "system"
	}
	if details, ok := m["details"].(map[string]any); ok {
		info.Details = models.Document(details)
	}
	return info
}

func batchInfo(m map[string]any) *models.BatchInfo {
	info := &models.BatchInfo{
		Operation:    scalarString(m["operation"]),
		TotalRecords: intField(m["totalRecords"]),
		SuccessCount: intField(m["successCount"]),
		FailureCount: intField(m["failureCount"]),
		EntityIDs:    stringSlice(m["entityIds"]),
	}
	if info.TotalRecords == 0 {
		info.TotalRecords = info.SuccessCount + info.FailureCount
	}
	return info
}

func actorField(payload map[string]any) *models.Actor {
	for _, key := range []string{"actor", "user"} {
		m, ok := payload[key].(map[string]any)
		if !ok {
			continue
		}
		return &models.Actor{
			ID:    scalarString(m["id"]),
			Name:  scalarString(m["name"]),
			Email: scalarString(m["email"]),
			Type:  scalarString(m["type"]),
		}
	}
	return nil
}

func documentField(payload map[string]any, keys ...string) models.Document {
	for _, key := range keys {
		if m, ok := payload[key].(map[string]any); ok {
			return models.Document(m)
		}
	}
	return nil
}

func stringField(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s := strings.TrimSpace(scalarString(v))
	return s, s != ""
}

// scalarString renders strings and numbers; anything else yields "".
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func intField(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := scalarString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
