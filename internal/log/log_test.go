package log

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelsAndOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	defer SetLevel(LevelInfo)

	SetLevel(LevelInfo)
	Debug("hidden")
	Info("shown", "event_id", "e1")
	Error("failed", errors.New("boom"), "threshold", "hour")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "event_id=e1")
	assert.Contains(t, out, "err=boom")
	assert.Contains(t, out, "threshold=hour")

	buf.Reset()
	SetLevel(LevelDebug)
	Debug("visible", "odd")
	assert.Contains(t, buf.String(), "visible")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
