package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithSyncRunID(ctx, "run-1")
	ctx = WithSessionKey(ctx, "cli-42")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "run-1", GetSyncRunID(ctx))
	assert.Equal(t, "cli-42", GetSessionKey(ctx))

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "run-1", tc.SyncRunID)
	assert.Equal(t, "cli-42", tc.SessionKey)
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background())
	assert.NotEmpty(t, GetTraceID(ctx))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	baseLogger := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-xyz")
	ctx = WithSessionKey(ctx, "cli-1")

	logger := LoggerFromContext(ctx, baseLogger)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-xyz"`)
	assert.Contains(t, out, `"session_key":"cli-1"`)
}

func TestLoggerFromContext_EmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggerFromContext(context.Background(), zerolog.New(&buf))
	logger.Info().Msg("plain")

	assert.NotContains(t, buf.String(), "trace_id")
}

func TestStartSpan_PropagatesTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("mnemo-test"))

	ctx, span := StartSpan(context.Background(), "mnemo.test", "test.op")
	defer span.End()

	assert.NotEmpty(t, GetTraceID(ctx))
}
