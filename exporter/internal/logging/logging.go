package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

const redacted = "[REDACTED]"

// LevelCritical sits above error for configs written with CRITICAL.
const LevelCritical = slog.Level(12)

// ParseLevel accepts debug, info, warn, warning, error and critical in any
// case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "critical":
		return LevelCritical, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// ValidFormat reports whether f names a supported handler.
func ValidFormat(f string) bool {
	switch strings.ToLower(f) {
	case FormatJSON, FormatText, "":
		return true
	}
	return false
}

// New returns a logger writing to w in the given format at level.
func New(w io.Writer, level *slog.LevelVar, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: Redact}
	if strings.EqualFold(format, FormatText) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

var secretKeys = []string{"secret", "authorization", "signature", "password", "token"}

var secretPrefixes = []string{"hmac accesskey", "bearer "}

// Redact masks attributes whose key names a secret and string values that
// carry an Authorization credential. It is a slog ReplaceAttr function.
func Redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redacted)
		}
	}
	if a.Value.Kind() == slog.KindString {
		v := strings.ToLower(a.Value.String())
		for _, p := range secretPrefixes {
			if strings.Contains(v, p) {
				return slog.String(a.Key, redacted)
			}
		}
	}
	return a
}
