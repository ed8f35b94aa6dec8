package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flippify/payments/pkg/subsync"
)

func TestLogger_WritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Info("user subscriptions reconciled",
		subsync.F("user_id", "u1"),
		subsync.F("added", 2),
		subsync.F("error", errors.New("boom")))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "user subscriptions reconciled", entry["message"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.EqualValues(t, 2, entry["added"])
	assert.Equal(t, "boom", entry["error"])
}

func TestLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}
