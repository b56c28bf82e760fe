package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"debug":   zerolog.DebugLevel,
		"info":    zerolog.InfoLevel,
		"WARN":    zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(NewWithWriter(Config{Level: "info", Format: "json"}, &buf), "session")

	logger.Debug().Msg("hidden")
	logger.Info().Str("url", "https://example.com").Msg("captured")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "captured", line["message"])
	assert.Equal(t, "session", line["component"])
	assert.Equal(t, "https://example.com", line["url"])
}

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Format: "json"}, &buf)

	ctx := WithContext(context.Background(), logger)
	FromContext(ctx, zerolog.Nop()).Info().Msg("from ctx")

	assert.Contains(t, buf.String(), "from ctx")
}

func TestFromContext_Fallback(t *testing.T) {
	var buf bytes.Buffer
	fallback := NewWithWriter(Config{Format: "json"}, &buf)

	FromContext(context.Background(), fallback).Info().Msg("fallback")

	assert.Contains(t, buf.String(), "fallback")
}
