package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger_JSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(InitLogger("warn", "json", &buf), "reconciler")

	logger.Info().Msg("dropped")
	logger.Warn().Str("payment_id", "p-1").Msg("kept")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "reconciler", entry["component"])
	assert.Equal(t, "p-1", entry["payment_id"])
	assert.Equal(t, "warn", entry["level"])
	assert.Contains(t, entry, "time")
}

func TestInitLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := InitLogger("info", "console", &buf)
	logger.Info().Msg("hello")

	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLogLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, parseLogLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, parseLogLevel("verbose"))
}
