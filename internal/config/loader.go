package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "60s")
	viper.SetDefault("server.request_timeout", "30s")

	viper.SetDefault("ingress.path", "/webhooks")
	viper.SetDefault("ingress.max_payload_bytes", 1<<20)
	viper.SetDefault("ingress.signature.algorithm", "sha256")
	viper.SetDefault("ingress.signature.header", "X-Webhook-Signature")
	viper.SetDefault("ingress.auth.api_key.header", "X-API-Key")
	viper.SetDefault("ingress.rate_limit.rps", 50.0)
	viper.SetDefault("ingress.rate_limit.burst", 100)
	viper.SetDefault("ingress.rate_limit.cleanup_interval", 300)
	viper.SetDefault("ingress.rate_limit.max_age", 600)

	viper.SetDefault("normalizer.source_system", "psa")
	viper.SetDefault("normalizer.source_version", "1.0")
	viper.SetDefault("normalizer.environment", "production")
	viper.SetDefault("normalizer.generate_ids", true)
	viper.SetDefault("normalizer.enrichment.enabled", true)

	viper.SetDefault("router.max_concurrency", 10)
	viper.SetDefault("router.handler_timeout", "30s")
	viper.SetDefault("router.recent_errors", 10)
	viper.SetDefault("router.breaker.failure_threshold", 5)
	viper.SetDefault("router.breaker.cooldown", "60s")

	viper.SetDefault("delivery.mode", "at_least_once")
	viper.SetDefault("delivery.handler_timeout", "30s")
	viper.SetDefault("delivery.retry.max_attempts", 3)
	viper.SetDefault("delivery.retry.initial_delay", "1s")
	viper.SetDefault("delivery.retry.backoff_multiplier", 2.0)
	viper.SetDefault("delivery.retry.max_delay", "30s")
	viper.SetDefault("delivery.retry.jitter", "100ms")
	viper.SetDefault("delivery.workers.main", 10)
	viper.SetDefault("delivery.workers.retry", 5)
	viper.SetDefault("delivery.workers.dead_letter", 1)
	viper.SetDefault("delivery.queue_capacity", 1000)
	viper.SetDefault("delivery.dedup_window", "24h")
	viper.SetDefault("delivery.dedup_capacity", 100000)
	viper.SetDefault("delivery.idempotency_backend", "memory")
	viper.SetDefault("delivery.job_retention", "1h")

	viper.SetDefault("store.persistence", "memory")
	viper.SetDefault("store.indexing", true)
	viper.SetDefault("store.max_event_age", "168h")
	viper.SetDefault("store.cleanup_interval", "1h")
	viper.SetDefault("store.key_prefix", "hookrelay:events:")
	viper.SetDefault("store.collection", "events")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

func bindEnvVariables() {
	viper.BindEnv("broker.type", "BROKER_TYPE")
	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.route_update_topic", "BROKER_KAFKA_ROUTE_UPDATE_TOPIC")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")

	viper.BindEnv("database.postgres.host", "DATABASE_POSTGRES_HOST")
	viper.BindEnv("database.postgres.port", "DATABASE_POSTGRES_PORT")
	viper.BindEnv("database.postgres.user", "DATABASE_POSTGRES_USER")
	viper.BindEnv("database.postgres.password", "DATABASE_POSTGRES_PASSWORD")
	viper.BindEnv("database.postgres.dbname", "DATABASE_POSTGRES_DBNAME")
	viper.BindEnv("database.postgres.sslmode", "DATABASE_POSTGRES_SSLMODE")

	viper.BindEnv("database.redis.host", "DATABASE_REDIS_HOST")
	viper.BindEnv("database.redis.port", "DATABASE_REDIS_PORT")
	viper.BindEnv("database.redis.password", "DATABASE_REDIS_PASSWORD")
	viper.BindEnv("database.redis.db", "DATABASE_REDIS_DB")

	viper.BindEnv("database.mongodb.uri", "DATABASE_MONGODB_URI")
	viper.BindEnv("database.mongodb.database", "DATABASE_MONGODB_DATABASE")

	viper.BindEnv("server.port", "SERVER_PORT")

	viper.BindEnv("ingress.signature.secret", "INGRESS_SIGNATURE_SECRET")
	viper.BindEnv("ingress.auth.basic.password", "INGRESS_AUTH_BASIC_PASSWORD")

	viper.BindEnv("store.persistence", "STORE_PERSISTENCE")
	viper.BindEnv("store.backend", "STORE_BACKEND")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if keys := viper.GetString("INGRESS_AUTH_API_KEYS"); keys != "" {
		cfg.Ingress.Auth.APIKey.Keys = splitList(keys)
	}

	if tokens := viper.GetString("INGRESS_AUTH_BEARER_TOKENS"); tokens != "" {
		cfg.Ingress.Auth.Bearer.Tokens = splitList(tokens)
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
