package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	debug := New("debug", "text")
	require.NotNil(t, debug)
	assert.True(t, debug.Enabled(context.Background(), slog.LevelDebug))

	errOnly := New("error", "json")
	assert.False(t, errOnly.Enabled(context.Background(), slog.LevelInfo))

	// Unknown level falls back to info.
	fallback := New("verbose", "text")
	assert.True(t, fallback.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, fallback.Enabled(context.Background(), slog.LevelDebug))
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req_abc")
	assert.Equal(t, "req_abc", RequestID(ctx))

	ctx = WithRequestID(ctx, "req_def")
	assert.Equal(t, "req_def", RequestID(ctx), "latest ID wins")
}

func TestFromContext_Fallback(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	custom := NewTestLogger()
	ctx := WithLogger(context.Background(), custom)
	assert.Same(t, custom, FromContext(ctx))
}

func TestL_AnnotatesRequestID(t *testing.T) {
	ctx := WithLogger(context.Background(), NewTestLogger())
	require.NotNil(t, L(ctx))

	ctx = WithRequestID(ctx, "req_123")
	annotated := L(ctx)
	require.NotNil(t, annotated)
	assert.NotSame(t, FromContext(ctx), annotated, "request ID produces a derived logger")
}
