package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"hookrelay/internal/config"
	"hookrelay/pkg/circuitbreaker"
	"hookrelay/pkg/errors"
	"hookrelay/pkg/metrics"
	"hookrelay/pkg/models"
)

// Enricher attaches derived fields to an event's metadata.enrichment.
type Enricher interface {
	Name() string
	Applies(entityType string) bool
	Enrich(ctx context.Context, ev *models.Event) error
}

var (
	DefaultCompanyFields  = []string{"companyID", "companyId", "company_id", "company.id", "accountID", "accountId"}
	DefaultResourceFields = []string{"assignedResourceID", "assignedResourceId", "resourceID", "resourceId", "assignedResource.id", "creatorResourceID"}
)

// enrich runs every applicable enricher. A failing or panicking enricher is
// logged and skipped so the event still goes through.
func (n *Normalizer) enrich(ctx context.Context, ev *models.Event) {
	for _, e := range n.enrichers {
		if !e.Applies(ev.EntityType) {
			continue
		}
		err := errors.SafeCall(func() error { return e.Enrich(ctx, ev) })
		if err != nil {
			metrics.IncEnrichmentFailure(e.Name())
			ev.AddTag("enrichment_failed")
			n.logger.WarnwCtx(ctx, "Enrichment failed, continuing without it",
				"enricher", e.Name(),
				"entity_type", ev.EntityType,
				"entity_id", ev.EntityID,
				"error", err,
			)
		}
	}
}

func entityFilter(types []string) func(string) bool {
	if len(types) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[strings.ToLower(t)] = struct{}{}
	}
	return func(entityType string) bool {
		_, ok := set[strings.ToLower(entityType)]
		return ok
	}
}

// FieldChainEnricher copies the first present candidate field of the entity
// snapshot into metadata.enrichment[target].
type FieldChainEnricher struct {
	name       string
	target     string
	candidates []string
	applies    func(string) bool
}

func NewFieldChainEnricher(name, target string, candidates []string, entityTypes ...string) *FieldChainEnricher {
	return &FieldChainEnricher{
		name:       name,
		target:     target,
		candidates: candidates,
		applies:    entityFilter(entityTypes),
	}
}

func (e *FieldChainEnricher) Name() string { return e.name }

func (e *FieldChainEnricher) Applies(entityType string) bool { return e.applies(entityType) }

func (e *FieldChainEnricher) Enrich(_ context.Context, ev *models.Event) error {
	for _, field := range e.candidates {
		v, ok := ev.Data.Get(field)
		if !ok || v == nil || v == "" {
			continue
		}
		if ev.Metadata.Enrichment == nil {
			ev.Metadata.Enrichment = models.Document{}
		}
		ev.Metadata.Enrichment.Set(e.target, v)
		return nil
	}
	return nil
}

// LookupEnricher reads a cached record from Redis keyed by a field of the
// entity snapshot. Calls go through a circuit breaker so a slow cache does
// not hold up ingestion.
type LookupEnricher struct {
	cfg     config.LookupConfig
	client  redis.Cmdable
	breaker *circuitbreaker.Wrapper
	applies func(string) bool
}

func NewLookupEnricher(cfg config.LookupConfig, client redis.Cmdable) *LookupEnricher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	if cfg.Target == "" {
		cfg.Target = cfg.Name
	}
	return &LookupEnricher{
		cfg:     cfg,
		client:  client,
		breaker: circuitbreaker.NewWrapper(circuitbreaker.DefaultConfig("enrichment-" + cfg.Name)),
		applies: entityFilter(cfg.EntityTypes),
	}
}

func (e *LookupEnricher) Name() string { return e.cfg.Name }

func (e *LookupEnricher) Applies(entityType string) bool { return e.applies(entityType) }

func (e *LookupEnricher) Enrich(ctx context.Context, ev *models.Event) error {
	value, ok := ev.Data.Get(e.cfg.Field)
	if !ok || value == nil {
		return nil
	}

	key := strings.ReplaceAll(e.cfg.KeyPattern, "{value}", fmt.Sprintf("%v", value))
	key = strings.ReplaceAll(key, "{entityType}", ev.EntityType)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	result, err := e.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		raw, err := e.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", key, err)
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	raw, _ := result.(string)
	if raw == "" {
		return nil
	}

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		decoded = raw
	}
	if ev.Metadata.Enrichment == nil {
		ev.Metadata.Enrichment = models.Document{}
	}
	ev.Metadata.Enrichment.Set(e.cfg.Target, decoded)
	return nil
}

// DefaultEnrichers builds the enrichers described by cfg. client may be nil,
// in which case lookups are skipped.
func DefaultEnrichers(cfg config.EnrichmentConfig, client redis.Cmdable) []Enricher {
	if !cfg.Enabled {
		return nil
	}
	companyFields := cfg.CompanyFields
	if len(companyFields) == 0 {
		companyFields = DefaultCompanyFields
	}
	resourceFields := cfg.ResourceFields
	if len(resourceFields) == 0 {
		resourceFields = DefaultResourceFields
	}

	enrichers := []Enricher{
		NewFieldChainEnricher("company", "companyId", companyFields),
		NewFieldChainEnricher("resource", "resourceId", resourceFields),
	}
	if client != nil {
		for _, lookup := range cfg.Lookups {
			enrichers = append(enrichers, NewLookupEnricher(lookup, client))
		}
	}
	return enrichers
}
