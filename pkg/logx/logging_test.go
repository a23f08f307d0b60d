package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "delivery"), Pair("grandma", "sam"))

	log.Debug("hidden")
	log.Warn("delivery exhausted", Observer("sam"), Int("attempts", 3), Err(errors.New("gateway down")), Err(nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "only the warn line is written")
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "delivery", entry["comp"])
	assert.Equal(t, "grandma/sam", entry["pair"])
	assert.Equal(t, "sam", entry["observer"])
	assert.EqualValues(t, 3, entry["attempts"])
	assert.Equal(t, "gateway down", entry["error"])
	assert.Contains(t, entry["caller"], "logging_test.go:")
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("dropped", Subject("grandma"))
	assert.False(t, Nop().IsZero())
}

func TestParseLevelDefaults(t *testing.T) {
	assert.Equal(t, "warn", parseLevel(" Warning ", 0).String())
	assert.Equal(t, "info", parseLevel("verbose", 1).String())
}
