package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabsync/internal/config"
)

func TestJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("shown", "component", "bus")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "bus", line["component"])
}

func TestTextDefault(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(config.LogConfig{Level: "debug"}, &buf)
	require.NoError(t, err)
	log.Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestRejectsUnknown(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
	_, err = New(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
