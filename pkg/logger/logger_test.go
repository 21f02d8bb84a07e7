package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesJSONFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: DebugLevel, Output: &buf})

	l.Info("clinician reaped", "clinician_ref", "C1", "requeued", true)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "clinician reaped", entry["message"])
	assert.Equal(t, "C1", entry["clinician_ref"])
	assert.Equal(t, true, entry["requeued"])
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: WarnLevel, Output: &buf})

	l.Debug("hidden")
	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Error(errors.New("boom"), "visible")
	assert.Contains(t, buf.String(), "boom")
}

func TestWithContextAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: InfoLevel, Output: &buf})

	ctx := context.WithValue(context.Background(), RequestIDKey{}, "req-42")
	l.WithContext(ctx).Info("hello")

	assert.Contains(t, buf.String(), `"request_id":"req-42"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, InfoLevel, ParseLevel(""))
	assert.Equal(t, InfoLevel, ParseLevel("loud"))
}
