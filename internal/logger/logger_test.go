package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Output: &buf, ServiceName: "worker"})

	log.WithFields(Fields{FieldJobID: "j1", FieldAccountID: "a1"}).Info("job claimed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "job claimed", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "worker", line["service"])
	assert.Equal(t, "j1", line[FieldJobID])
	assert.Equal(t, "a1", line[FieldAccountID])
	assert.Contains(t, line, "timestamp")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	log.Warn("shown")
	assert.NotZero(t, buf.Len())
}

func TestFromContext(t *testing.T) {
	base := Discard()
	ctx := WithContext(context.Background(), base.WithField("k", "v"))
	got := FromContext(ctx, nil)
	assert.Equal(t, "v", got.Data["k"])

	assert.Same(t, base, FromContext(context.Background(), base))
	assert.NotNil(t, FromContext(context.Background(), nil))
}
