// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestVerbosity(t *testing.T) {
	tests := []struct {
		base           string
		verbose, quiet int
		want           string
	}{
		{"info", 0, 0, "info"},
		{"info", 1, 0, "debug"},
		{"info", 2, 0, "trace"},
		{"info", 9, 0, "trace"},
		{"info", 0, 1, "warn"},
		{"info", 0, 3, "off"},
		{"info", 0, 9, "off"},
		{"WARN", 1, 1, "warn"},
	}

	for _, tt := range tests {
		got, err := Verbosity(tt.base, tt.verbose, tt.quiet)
		if err != nil {
			t.Fatalf("Verbosity(%q) error = %v", tt.base, err)
		}
		if got != tt.want {
			t.Errorf("Verbosity(%q, %d, %d) = %q, want %q", tt.base, tt.verbose, tt.quiet, got, tt.want)
		}
	}

	if _, err := Verbosity("loud", 0, 0); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "trace", "json")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Log(context.Background(), LevelTrace, "dump")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	if entry["level"] != "TRACE" || entry["msg"] != "dump" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", "text")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestNew_Off(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "off", "json")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Error("nothing")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestNew_Invalid(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := New(&bytes.Buffer{}, "chatty", "json"); err == nil {
		t.Error("expected error for unknown level")
	}
}
