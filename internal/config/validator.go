package config

import (
	"fmt"
	"net"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	validators := []func(*Config) error{
		func(c *Config) error { return validateServer(c.Server) },
		func(c *Config) error { return validateIngress(c.Ingress) },
		func(c *Config) error { return validateRouter(c.Router) },
		func(c *Config) error { return validateDelivery(c.Delivery) },
		func(c *Config) error { return validateStore(c.Store, c.Database) },
		func(c *Config) error { return validateBroker(c.Broker) },
		validateHandlers,
		validateRoutes,
	}

	for _, validate := range validators {
		if err := validate(cfg); err != nil {
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 || cfg.RequestTimeout < 0 {
		return &ValidationError{
			Field:   "server",
			Message: "timeouts must not be negative",
		}
	}

	return nil
}

func validateIngress(cfg IngressConfig) error {
	if !strings.HasPrefix(cfg.Path, "/") {
		return &ValidationError{
			Field:   "ingress.path",
			Message: "path must start with '/'",
		}
	}

	if cfg.MaxPayloadBytes <= 0 {
		return &ValidationError{
			Field:   "ingress.max_payload_bytes",
			Message: "max payload size must be positive",
		}
	}

	if cfg.Signature.Enabled {
		if cfg.Signature.Secret == "" {
			return &ValidationError{
				Field:   "ingress.signature.secret",
				Message: "secret is required when signature verification is enabled",
			}
		}
		switch strings.ToLower(cfg.Signature.Algorithm) {
		case "sha256", "sha1", "md5":
		default:
			return &ValidationError{
				Field:   "ingress.signature.algorithm",
				Message: fmt.Sprintf("unsupported algorithm: %s (supported: sha256, sha1, md5)", cfg.Signature.Algorithm),
			}
		}
		if cfg.Signature.Header == "" {
			return &ValidationError{
				Field:   "ingress.signature.header",
				Message: "signature header name is required",
			}
		}
	}

	if cfg.IPAllowList.Enabled {
		if len(cfg.IPAllowList.Allowed) == 0 {
			return &ValidationError{
				Field:   "ingress.ip_allow_list.allowed",
				Message: "at least one address is required when the allow-list is enabled",
			}
		}
		for i, entry := range cfg.IPAllowList.Allowed {
			if !validIPOrCIDR(entry) {
				return &ValidationError{
					Field:   fmt.Sprintf("ingress.ip_allow_list.allowed[%d]", i),
					Message: fmt.Sprintf("invalid IP or CIDR: %s", entry),
				}
			}
		}
	}

	if cfg.Auth.APIKey.Enabled && len(cfg.Auth.APIKey.Keys) == 0 {
		return &ValidationError{
			Field:   "ingress.auth.api_key.keys",
			Message: "at least one API key is required when API key auth is enabled",
		}
	}

	if cfg.Auth.Bearer.Enabled && len(cfg.Auth.Bearer.Tokens) == 0 {
		return &ValidationError{
			Field:   "ingress.auth.bearer.tokens",
			Message: "at least one token is required when bearer auth is enabled",
		}
	}

	if cfg.Auth.Basic.Enabled && (cfg.Auth.Basic.Username == "" || cfg.Auth.Basic.Password == "") {
		return &ValidationError{
			Field:   "ingress.auth.basic",
			Message: "username and password are required when basic auth is enabled",
		}
	}

	return nil
}

func validIPOrCIDR(entry string) bool {
	if net.ParseIP(entry) != nil {
		return true
	}
	_, _, err := net.ParseCIDR(entry)
	return err == nil
}

func validateRouter(cfg RouterConfig) error {
	if cfg.MaxConcurrency < 0 {
		return &ValidationError{
			Field:   "router.max_concurrency",
			Message: "max concurrency must not be negative",
		}
	}

	if cfg.HandlerTimeout < 0 || cfg.Breaker.Cooldown < 0 {
		return &ValidationError{
			Field:   "router",
			Message: "timeouts must not be negative",
		}
	}

	return nil
}

func validateDelivery(cfg DeliveryConfig) error {
	switch cfg.Mode {
	case "", "at_least_once", "exactly_once":
	default:
		return &ValidationError{
			Field:   "delivery.mode",
			Message: fmt.Sprintf("unknown delivery mode: %s (supported: at_least_once, exactly_once)", cfg.Mode),
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "delivery.retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.Retry.BackoffMultiplier < 0 {
		return &ValidationError{
			Field:   "delivery.retry.backoff_multiplier",
			Message: "backoff multiplier must be non-negative",
		}
	}

	if cfg.Retry.InitialDelay > 0 && cfg.Retry.MaxDelay > 0 && cfg.Retry.InitialDelay > cfg.Retry.MaxDelay {
		return &ValidationError{
			Field:   "delivery.retry.initial_delay",
			Message: "initial delay must not exceed max delay",
		}
	}

	switch cfg.IdempotencyBackend {
	case "", "memory", "redis":
	default:
		return &ValidationError{
			Field:   "delivery.idempotency_backend",
			Message: fmt.Sprintf("unknown idempotency backend: %s (supported: memory, redis)", cfg.IdempotencyBackend),
		}
	}

	return nil
}

func validateStore(cfg StoreConfig, db DatabaseConfig) error {
	switch cfg.Persistence {
	case "", "memory":
		return nil
	case "durable", "hybrid":
	default:
		return &ValidationError{
			Field:   "store.persistence",
			Message: fmt.Sprintf("unknown persistence mode: %s (supported: memory, durable, hybrid)", cfg.Persistence),
		}
	}

	switch cfg.Backend {
	case "redis":
		if db.Redis.Host == "" {
			return &ValidationError{
				Field:   "database.redis.host",
				Message: "redis host is required for the redis event store backend",
			}
		}
	case "mongodb":
		if db.MongoDB.URI == "" {
			return &ValidationError{
				Field:   "database.mongodb.uri",
				Message: "mongodb uri is required for the mongodb event store backend",
			}
		}
	default:
		return &ValidationError{
			Field:   "store.backend",
			Message: fmt.Sprintf("durable persistence needs a backend, got %q (supported: redis, mongodb)", cfg.Backend),
		}
	}

	if cfg.MaxEventAge < 0 {
		return &ValidationError{
			Field:   "store.max_event_age",
			Message: "max event age must not be negative",
		}
	}

	return nil
}

func validateBroker(cfg BrokerConfig) error {
	switch cfg.Type {
	case "":
		return nil
	case "kafka":
		return validateKafka(cfg.Kafka)
	default:
		return &ValidationError{
			Field:   "broker.type",
			Message: fmt.Sprintf("unknown broker type: %s (supported: kafka)", cfg.Type),
		}
	}
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return &ValidationError{
			Field:   "broker.kafka.brokers",
			Message: "at least one Kafka broker is required",
		}
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.RouteUpdateTopic != "" && cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required to consume route updates",
		}
	}

	return nil
}

func validateHandlers(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Handlers))
	for i, h := range cfg.Handlers {
		field := fmt.Sprintf("handlers[%d]", i)
		if h.ID == "" {
			return &ValidationError{Field: field + ".id", Message: "handler id is required"}
		}
		if seen[h.ID] {
			return &ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate handler id: %s", h.ID)}
		}
		seen[h.ID] = true

		switch h.Type {
		case "log":
		case "kafka":
			if h.Topic == "" {
				return &ValidationError{Field: field + ".topic", Message: "topic is required for kafka handlers"}
			}
			if !cfg.Broker.KafkaEnabled() {
				return &ValidationError{Field: field + ".type", Message: "kafka handlers need broker.type=kafka"}
			}
		case "http":
			if h.URL == "" {
				return &ValidationError{Field: field + ".url", Message: "url is required for http handlers"}
			}
		default:
			return &ValidationError{
				Field:   field + ".type",
				Message: fmt.Sprintf("unknown handler type: %s (supported: log, kafka, http)", h.Type),
			}
		}
	}
	return nil
}

func validateRoutes(cfg *Config) error {
	handlers := make(map[string]bool, len(cfg.Handlers))
	for _, h := range cfg.Handlers {
		handlers[h.ID] = true
	}

	seen := make(map[string]bool, len(cfg.Routes))
	for i, r := range cfg.Routes {
		field := fmt.Sprintf("routes[%d]", i)
		if r.ID == "" || r.Name == "" {
			return &ValidationError{Field: field, Message: "route id and name are required"}
		}
		if seen[r.ID] {
			return &ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate route id: %s", r.ID)}
		}
		seen[r.ID] = true
		if r.Priority < 0 {
			return &ValidationError{Field: field + ".priority", Message: "priority must be non-negative"}
		}
		if !handlers[r.Handler] {
			return &ValidationError{Field: field + ".handler", Message: fmt.Sprintf("unknown handler: %s", r.Handler)}
		}
	}
	return nil
}
