package logging

import (
	"context"
)

const (
	TraceIDKey       = "trace_id"
	RequestIDKey     = "request_id"
	CorrelationIDKey = "correlation_id"
	EventIDKey       = "event_id"
	ServiceNameKey   = "service_name"
)

type ctxKey string

// orderedKeys fixes the order fields are emitted in.
var orderedKeys = []string{TraceIDKey, RequestIDKey, CorrelationIDKey, EventIDKey, ServiceNameKey}

func with(ctx context.Context, key, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey(key), value)
}

func get(ctx context.Context, key string) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKey(key)).(string); ok {
		return v
	}
	return ""
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, TraceIDKey, traceID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return with(ctx, RequestIDKey, requestID)
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return with(ctx, CorrelationIDKey, correlationID)
}

func WithEventID(ctx context.Context, eventID string) context.Context {
	return with(ctx, EventIDKey, eventID)
}

func WithServiceName(ctx context.Context, serviceName string) context.Context {
	return with(ctx, ServiceNameKey, serviceName)
}

func GetTraceID(ctx context.Context) string {
	return get(ctx, TraceIDKey)
}

func GetRequestID(ctx context.Context) string {
	return get(ctx, RequestIDKey)
}

func GetCorrelationID(ctx context.Context) string {
	return get(ctx, CorrelationIDKey)
}

func GetEventID(ctx context.Context) string {
	return get(ctx, EventIDKey)
}

func GetServiceName(ctx context.Context) string {
	return get(ctx, ServiceNameKey)
}

func GetLogFields(ctx context.Context) []interface{} {
	fields := make([]interface{}, 0, 2*len(orderedKeys))
	for _, key := range orderedKeys {
		if v := get(ctx, key); v != "" {
			fields = append(fields, key, v)
		}
	}
	return fields
}
