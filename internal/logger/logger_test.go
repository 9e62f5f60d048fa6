package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"hookrelay/pkg/logging"
)

func observed() (*SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return &SugaredLogger{SugaredLogger: zap.New(core).Sugar()}, logs
}

func TestRedact(t *testing.T) {
	in := []interface{}{"route_id", "r1", "signature_header", "abc", "Authorization", "Bearer x", "dangling"}

	out := Redact(in)

	assert.Equal(t, []interface{}{"route_id", "r1", "signature_header", redacted, "Authorization", redacted, "dangling"}, out)
	assert.Equal(t, "abc", in[3], "input must not be modified")
	assert.Equal(t, []interface{}{"a", 1}, Redact([]interface{}{"a", 1}))
}

func TestContextFields(t *testing.T) {
	log, logs := observed()
	log.SetServiceName("hookrelay")

	ctx := logging.WithCorrelationID(context.Background(), "corr-1")
	ctx = logging.WithEventID(ctx, "evt-1")
	log.InfowCtx(ctx, "stored", "secret", "s3cr3t")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "corr-1", fields[logging.CorrelationIDKey])
	assert.Equal(t, "evt-1", fields[logging.EventIDKey])
	assert.Equal(t, "hookrelay", fields[logging.ServiceNameKey])
	assert.Equal(t, redacted, fields["secret"])
}

func TestNamedKeepsServiceName(t *testing.T) {
	log, logs := observed()
	log.SetServiceName("hookrelay")

	log.Named("router").InfowCtx(context.Background(), "matched")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "router", entry.LoggerName)
	assert.Equal(t, "hookrelay", entry.ContextMap()[logging.ServiceNameKey])
}
