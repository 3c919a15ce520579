package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	log := Component(New(Options{Level: "debug", Output: &buf}), "registry")
	log.Debug().Str("connection_id", "c-1").Msg("registered")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "registry", line["component"])
	assert.Equal(t, "c-1", line["connection_id"])
	assert.Equal(t, "debug", line["level"])
}

func TestNewDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Level: "bogus", Output: &buf})
	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	log.Info().Msg("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(Options{Format: "console", Output: &buf})
	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
