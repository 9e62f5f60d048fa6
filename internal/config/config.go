package config

import (
	"time"
)

type Config struct {
	Server     ServerConfig
	Ingress    IngressConfig
	Normalizer NormalizerConfig
	Router     RouterConfig
	Delivery   DeliveryConfig
	Store      StoreConfig
	Handlers   []HandlerConfig
	Routes     []RouteConfig
	Management ManagementConfig
	Database   DatabaseConfig
	Broker     BrokerConfig
	Logging    LoggingConfig
	Tracing    TracingConfig
}

type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type IngressConfig struct {
	Path            string            `mapstructure:"path"`
	MaxPayloadBytes int64             `mapstructure:"max_payload_bytes"`
	Signature       SignatureConfig   `mapstructure:"signature"`
	IPAllowList     IPAllowListConfig `mapstructure:"ip_allow_list"`
	Auth            AuthConfig        `mapstructure:"auth"`
	RateLimit       RateLimitConfig   `mapstructure:"rate_limit"`
}

type SignatureConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Secret    string `mapstructure:"secret"`
	Algorithm string `mapstructure:"algorithm"` // "sha256", "sha1", "md5"
	Header    string `mapstructure:"header"`
	Prefix    string `mapstructure:"prefix"`
}

type IPAllowListConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Allowed []string `mapstructure:"allowed"` // single IPs or CIDR blocks
}

type AuthConfig struct {
	APIKey APIKeyAuthConfig `mapstructure:"api_key"`
	Bearer BearerAuthConfig `mapstructure:"bearer"`
	Basic  BasicAuthConfig  `mapstructure:"basic"`
}

type APIKeyAuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Header  string   `mapstructure:"header"`
	Keys    []string `mapstructure:"keys"`
}

type BearerAuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Tokens  []string `mapstructure:"tokens"`
}

type BasicAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type NormalizerConfig struct {
	SourceSystem     string            `mapstructure:"source_system"`
	SourceVersion    string            `mapstructure:"source_version"`
	Environment      string            `mapstructure:"environment"`
	ZoneEnvironments map[string]string `mapstructure:"zone_environments"`
	GenerateIDs      bool              `mapstructure:"generate_ids"`
	ExtraEntityTypes []string          `mapstructure:"extra_entity_types"`
	Enrichment       EnrichmentConfig  `mapstructure:"enrichment"`
}

type EnrichmentConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	CompanyFields  []string       `mapstructure:"company_fields"`
	ResourceFields []string       `mapstructure:"resource_fields"`
	Lookups        []LookupConfig `mapstructure:"lookups"`
}

// LookupConfig attaches a cached record, read from Redis, to matching events.
type LookupConfig struct {
	Name        string        `mapstructure:"name"`
	EntityTypes []string      `mapstructure:"entity_types"`
	Field       string        `mapstructure:"field"`
	KeyPattern  string        `mapstructure:"key_pattern"`
	Target      string        `mapstructure:"target"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type RouterConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	RecentErrors   int           `mapstructure:"recent_errors"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

type DeliveryConfig struct {
	Mode               string              `mapstructure:"mode"` // "at_least_once", "exactly_once"
	HandlerTimeout     time.Duration       `mapstructure:"handler_timeout"`
	Retry              DeliveryRetryConfig `mapstructure:"retry"`
	Workers            WorkersConfig       `mapstructure:"workers"`
	QueueCapacity      int                 `mapstructure:"queue_capacity"`
	DedupWindow        time.Duration       `mapstructure:"dedup_window"`
	DedupCapacity      int                 `mapstructure:"dedup_capacity"`
	IdempotencyBackend string              `mapstructure:"idempotency_backend"` // "memory", "redis"
	JobRetention       time.Duration       `mapstructure:"job_retention"`
}

type DeliveryRetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	Jitter            time.Duration `mapstructure:"jitter"`
	RetryableErrors   []string      `mapstructure:"retryable_errors"`
}

type WorkersConfig struct {
	Main       int `mapstructure:"main"`
	Retry      int `mapstructure:"retry"`
	DeadLetter int `mapstructure:"dead_letter"`
}

type StoreConfig struct {
	Persistence     string        `mapstructure:"persistence"` // "memory", "durable", "hybrid"
	Backend         string        `mapstructure:"backend"`     // "redis", "mongodb"
	Compression     bool          `mapstructure:"compression"`
	Indexing        bool          `mapstructure:"indexing"`
	MaxEventAge     time.Duration `mapstructure:"max_event_age"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	KeyPrefix       string        `mapstructure:"key_prefix"`
	Collection      string        `mapstructure:"collection"`
	Retry           RetryConfig   `mapstructure:"retry"`
}

type HandlerConfig struct {
	ID       string            `mapstructure:"id"`
	Type     string            `mapstructure:"type"` // "log", "kafka", "http"
	Priority int               `mapstructure:"priority"`
	Topic    string            `mapstructure:"topic"`
	URL      string            `mapstructure:"url"`
	Method   string            `mapstructure:"method"`
	Headers  map[string]string `mapstructure:"headers"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Level    string            `mapstructure:"level"`
}

type RouteConfig struct {
	ID           string       `mapstructure:"id"`
	Name         string       `mapstructure:"name"`
	Priority     int          `mapstructure:"priority"`
	Enabled      *bool        `mapstructure:"enabled"`
	Handler      string       `mapstructure:"handler"`
	Filter       FilterConfig `mapstructure:"filter"`
	Guaranteed   bool         `mapstructure:"guaranteed"`
	DeliveryMode string       `mapstructure:"delivery_mode"`
}

type FilterConfig struct {
	EntityTypes []string          `mapstructure:"entity_types"`
	Actions     []string          `mapstructure:"actions"`
	Conditions  []ConditionConfig `mapstructure:"conditions"`
	Expression  string            `mapstructure:"expression"`
}

type ConditionConfig struct {
	Field    string      `mapstructure:"field"`
	Operator string      `mapstructure:"operator"`
	Value    interface{} `mapstructure:"value"`
}

type ManagementConfig struct {
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig
	Redis         RedisConfig
	MongoDB       MongoDBConfig
	RunMigrations bool `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type  string      `mapstructure:"type"`
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers          []string    `mapstructure:"brokers"`
	GroupID          string      `mapstructure:"group_id"`
	RouteUpdateTopic string      `mapstructure:"route_update_topic"`
	DLQTopic         string      `mapstructure:"dlq_topic"`
	Retry            RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

// KafkaEnabled reports whether a Kafka broker is configured.
func (c BrokerConfig) KafkaEnabled() bool {
	return c.Type == "kafka" && len(c.Kafka.Brokers) > 0
}

// IsEnabled treats an unset flag as enabled.
func (r RouteConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}
