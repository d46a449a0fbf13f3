// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.JSON = true

	logger := New(cfg)
	logger.Info("owner reconciled", "owner_id", "abc123", "added", 2)

	out := buf.String()
	if !strings.Contains(out, "owner reconciled") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "abc123") {
		t.Errorf("expected key/value in output, got %q", out)
	}
}

func TestWithAttachesCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf

	logger := New(cfg).With("reconcile_id", "r-1")
	logger.Warn("driver op failed")

	if !strings.Contains(buf.String(), "r-1") {
		t.Errorf("expected correlation id in output, got %q", buf.String())
	}
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.Level = LevelInfo

	logger := New(cfg)
	logger.Debug("should not appear")

	if buf.Len() != 0 {
		t.Errorf("expected no output at info level for Debug, got %q", buf.String())
	}
}
