package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlotColor_IsPureAndWraps(t *testing.T) {
	assert.Equal(t, SlotColor(3), SlotColor(3))
	assert.Equal(t, SlotColor(0), SlotColor(len(slotColors)))
	assert.NotEqual(t, SlotColor(0), SlotColor(1))
	assert.Equal(t, SlotColor(2), SlotColor(-2))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew_WritesSlotAttr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", true)

	logger.Info("Worker started", SlotAttr(4))

	assert.Contains(t, buf.String(), "Worker started")
	assert.Contains(t, buf.String(), "slot=4")
}
