package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	require.NotEmpty(t, line, "expected log output")

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &event))
	return event
}

func TestInitJSONFormatSetsLevelAndService(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	logger := Init(Config{Format: "json", Level: "debug", Service: "billing-api", Output: &buf})

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	logger.Debug().Str("event_type", "subscription.created").Msg("dispatching")
	event := readJSONLine(t, &buf)
	assert.Equal(t, "billing-api", event["service"])
	assert.NotContains(t, event, "component")
	assert.Equal(t, "subscription.created", event["event_type"])
	assert.Equal(t, "dispatching", event["message"])
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("WARNING"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
}

func TestFromContextAddsRequestID(t *testing.T) {
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	var buf bytes.Buffer
	Init(Config{Format: "json", Level: "info", Output: &buf})

	ctx, id := WithRequestID(context.Background(), "")
	require.NotEmpty(t, id)
	assert.Equal(t, id, RequestID(ctx))

	logger := FromContext(ctx)
	logger.Info().Msg("hello")
	event := readJSONLine(t, &buf)
	assert.Equal(t, id, event["request_id"])
}

func TestWithRequestIDKeepsProvidedValue(t *testing.T) {
	ctx, id := WithRequestID(nil, "  req-1 ") //nolint:staticcheck
	assert.Equal(t, "req-1", id)
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "", RequestID(context.Background()))
}
