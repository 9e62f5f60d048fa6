package constants

import "time"

const (
	ServiceName = "hookrelay"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	CacheKeyPrefixIdempotency = "hookrelay:idempotency:"
)

const (
	DefaultRouteUpdateTopic = "hookrelay.route_changes"
	DefaultDLQTopic         = "hookrelay.dead_letters"
)

const (
	DefaultMongoDBName = "hookrelay"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultLimit       = 100
	MaxLimit           = 1000
	DefaultTruncateLen = 100
)

const (
	DefaultReplayBatchSize = 100
	MaxReplayBatchSize     = 1000
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)

const (
	HandlerTypeLog   = "log"
	HandlerTypeKafka = "kafka"
	HandlerTypeHTTP  = "http"
)

const (
	PersistenceMemory  = "memory"
	PersistenceDurable = "durable"
	PersistenceHybrid  = "hybrid"
)

const (
	BackendRedis   = "redis"
	BackendMongoDB = "mongodb"
)
