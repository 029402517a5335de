// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func resetGlobal() {
	mu.Lock()
	global = nil
	once = sync.Once{}
	mu.Unlock()
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

// TestInit verifies logger initialization.
func TestInit(t *testing.T) {
	resetGlobal()
	var buf bytes.Buffer
	Init(&buf, LevelInfo)

	logger := Get()
	if logger == nil {
		t.Fatal("Get() returned nil after Init()")
	}
	if logger.out != &buf {
		t.Error("Init() did not set output writer correctly")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	resetGlobal()

	var buf1 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()

	var buf2 bytes.Buffer
	Init(&buf2, LevelDebug)

	if Get() != first {
		t.Error("Second Init() should be ignored, different logger returned")
	}
	if Get().out != &buf1 {
		t.Error("Second Init() should be ignored, output writer changed")
	}
}

// TestGet_default verifies default logger creation.
func TestGet_default(t *testing.T) {
	resetGlobal()

	logger := Get()
	if logger.out != os.Stdout {
		t.Error("Get() should default to os.Stdout")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

// TestLogLevel_shouldLog verifies log level filtering.
func TestLogLevel_shouldLog(t *testing.T) {
	tests := []struct {
		name     string
		minLevel LogLevel
		logLevel LogLevel
		expected bool
	}{
		{"debug logs at debug", LevelDebug, LevelDebug, true},
		{"debug logs at info", LevelInfo, LevelDebug, false},
		{"info logs at info", LevelInfo, LevelInfo, true},
		{"info logs at warn", LevelWarn, LevelInfo, false},
		{"warn logs at error", LevelError, LevelWarn, false},
		{"error logs at error", LevelError, LevelError, true},
		{"error logs at debug", LevelDebug, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(&bytes.Buffer{}, tt.minLevel)
			if got := logger.shouldLog(tt.logLevel); got != tt.expected {
				t.Errorf("shouldLog(%v) at minLevel %v = %v, want %v",
					tt.logLevel, tt.minLevel, got, tt.expected)
			}
		})
	}
}

// TestParseLevel verifies config strings map onto levels.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		" error ": LevelError,
		"verbose": LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestLogger_output verifies entries are JSON with message, level and context.
func TestLogger_output(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug)

	logger.Info("Mutation enqueued", map[string]interface{}{"mutation_id": "m1"})
	logger.Error("Delivery failed", errors.New("connection reset"), map[string]interface{}{"attempt": 2})
	logger.ErrorWithCode("Sync failed", "SYNC_FAILED", errors.New("boom"))

	lines := decodeLines(t, &buf)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}

	if lines[0]["message"] != "Mutation enqueued" || lines[0]["level"] != "info" {
		t.Errorf("unexpected first entry: %v", lines[0])
	}
	ctx, ok := lines[0]["context"].(map[string]interface{})
	if !ok || ctx["mutation_id"] != "m1" {
		t.Errorf("context not logged: %v", lines[0])
	}
	if lines[1]["error"] != "connection reset" {
		t.Errorf("error not logged: %v", lines[1])
	}
	ctx, _ = lines[2]["context"].(map[string]interface{})
	if ctx["error_code"] != "SYNC_FAILED" {
		t.Errorf("error_code not logged: %v", lines[2])
	}
	if _, ok := lines[0]["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

// TestLogger_levelFilter verifies entries below the minimum level are dropped.
func TestLogger_levelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["message"] != "shown" {
		t.Errorf("level filter failed: %v", lines)
	}
}

// TestMergeContext verifies multiple context maps are merged.
func TestMergeContext(t *testing.T) {
	if mergeContext() != nil {
		t.Error("mergeContext() with no args should be nil")
	}
	merged := mergeContext(map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})
	if merged["a"] != 1 || merged["b"] != 2 {
		t.Errorf("merged = %v", merged)
	}
}

// TestSetup_file verifies Setup writes to a rotated log file.
func TestSetup_file(t *testing.T) {
	resetGlobal()
	defer resetGlobal()

	path := filepath.Join(t.TempDir(), "agent.log")
	Setup(Options{Level: LevelInfo, File: path})
	Info("written to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing entry: %q", data)
	}
}
