// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package logger builds the structured loggers used across penumbra.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace is below debug and logs full request dumps.
const LevelTrace = slog.LevelDebug - 4

// ladder orders the supported levels from quietest to loudest. Index 0 is
// "off", which discards everything.
var ladder = []string{"off", "error", "warn", "info", "debug", "trace"}

// Verbosity moves level up the ladder once per verbose step and down once per
// quiet step, clamping at both ends.
func Verbosity(level string, verbose, quiet int) (string, error) {
	idx := -1
	for i, l := range ladder {
		if l == strings.ToLower(level) {
			idx = i
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("unknown log level %q", level)
	}
	idx += verbose - quiet
	idx = max(0, min(idx, len(ladder)-1))
	return ladder[idx], nil
}

// ParseLevel converts a level name to a slog level. The boolean result is
// false for "off".
func ParseLevel(level string) (slog.Level, bool, error) {
	switch strings.ToLower(level) {
	case "off":
		return 0, false, nil
	case "error":
		return slog.LevelError, true, nil
	case "warn":
		return slog.LevelWarn, true, nil
	case "info":
		return slog.LevelInfo, true, nil
	case "debug":
		return slog.LevelDebug, true, nil
	case "trace":
		return LevelTrace, true, nil
	default:
		return 0, false, fmt.Errorf("unknown log level %q", level)
	}
}

// New creates a logger writing to w in the given format ("json" or "text").
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, enabled, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if !enabled {
		w = io.Discard
	}

	opts := &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceLevel,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	return slog.New(handler), nil
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
