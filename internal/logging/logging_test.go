package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewWriterLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, false)
	logger.Debug("hidden")
	logger.Info("shown", zap.String("plan", "/plans/smoke"))
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug message logged without verbose: %q", out)
	}
	if !strings.Contains(out, "INFO") || !strings.Contains(out, `"plan": "/plans/smoke"`) {
		t.Errorf("unexpected output %q", out)
	}

	buf.Reset()
	NewWriter(&buf, true).Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("expected debug message with verbose, got %q", buf.String())
	}
}

func TestWithFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "run", "log.txt")
	logger, closeLog, err := WithFile(NewWriter(&buf, false), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Debug("only in file", zap.String("step", "execute"))
	logger.Info("both")
	closeLog()

	if strings.Contains(buf.String(), "only in file") || !strings.Contains(buf.String(), "both") {
		t.Errorf("unexpected console output %q", buf.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry["msg"] != "only in file" || entry["step"] != "execute" {
		t.Errorf("unexpected entry %v", entry)
	}
}
