package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/cddsync/internal/events"
)

func TestFromContext(t *testing.T) {
	logger := events.FromContext(context.Background())
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	logger := &events.Logger{}

	ctx := events.WithLogger(context.Background(), logger)

	assert.Same(t, logger, events.FromContext(ctx))
}

func TestWithSessionID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "text", &buf))

	ctx = events.WithSessionID(ctx, "sess-123")

	events.FromContext(ctx).Info("tagged")
	assert.Contains(t, buf.String(), "session_id=sess-123")
}

func TestWithRunID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "text", &buf))

	ctx = events.WithRunID(ctx, "500")

	events.FromContext(ctx).Info("tagged")
	assert.Contains(t, buf.String(), "run_id=500")
}

func TestFromContextOr(t *testing.T) {
	fallback := &events.Logger{}
	assert.Same(t, fallback, events.FromContextOr(context.Background(), fallback))

	attached := &events.Logger{}
	ctx := events.WithLogger(context.Background(), attached)
	assert.Same(t, attached, events.FromContextOr(ctx, fallback))
}

func TestSetDefault(t *testing.T) {
	customLogger := &events.Logger{}
	events.SetDefault(customLogger)

	assert.Same(t, customLogger, events.FromContext(context.Background()))
}
