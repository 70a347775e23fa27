package personabot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithLoggerRoundTrip(t *testing.T) {
	t.Parallel()

	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := testLogger()
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	// a nil logger falls back to the default rather than storing nil
	got, ok = ContextLogger(WithLogger(context.Background(), nil))
	require.True(t, ok)
	assert.NotNil(t, got)
}

func TestStructToSlogValueRedaction(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.Discord.Token = "super-secret"
	config.OpenAI.Token = "also-secret"

	rendered := structToSlogValue(config).String()
	assert.NotContains(t, rendered, "super-secret")
	assert.NotContains(t, rendered, "also-secret")
	assert.Contains(t, rendered, "[redacted]")
}
