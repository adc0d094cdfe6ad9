// Package logging builds the process logger and the per-slot attributes.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// slotColors are ANSI-256 colors, one per slot up to the expected maximum.
var slotColors = [...]uint8{
	203, 52, 218, 146, 61, 32, 66, 72, 187, 221,
	196, 202, 216, 94, 222, 59, 230, 58, 220, 70,
}

// SlotColor maps a slot index to its display color. Indexes past the table wrap.
func SlotColor(slot int) uint8 {
	if slot < 0 {
		slot = -slot
	}
	return slotColors[slot%len(slotColors)]
}

// SlotAttr is the colored "slot" attribute every slot log line carries.
func SlotAttr(slot int) slog.Attr {
	return tint.Attr(SlotColor(slot), slog.Int("slot", slot))
}

// ParseLevel understands debug, info, warn and error; anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a tint text logger writing to w.
func New(w io.Writer, level string, noColor bool) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      ParseLevel(level),
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	}))
}
