package logx

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setupTestLogger redirects log output into a buffer.
func setupTestLogger() *bytes.Buffer {
	var buf bytes.Buffer
	logWriterLock.Lock()
	logWriter = &buf
	logWriterLock.Unlock()
	return &buf
}

func resetTestLogger() {
	logWriterLock.Lock()
	logWriter = nil
	logWriterLock.Unlock()
	SetDebug(false)
	SetDebugDomains(nil)
}

func TestLogFormat(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	NewLogger("toolloop").Info("Test message with %s", "formatting")

	output := buf.String()
	if !strings.Contains(output, "[toolloop] INFO: Test message with formatting") {
		t.Errorf("Expected component, level and message in output, got: %s", output)
	}
	if !strings.HasPrefix(output, "[") || !strings.Contains(output, "Z]") {
		t.Errorf("Expected UTC timestamp prefix, got: %s", output)
	}
}

func TestLogLevels(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()
	SetDebug(true)

	logger := NewLogger("levels")
	tests := []struct {
		logFunc  func(string, ...any)
		expected string
	}{
		{logger.Debug, "DEBUG"},
		{logger.Info, "INFO"},
		{logger.Warn, "WARN"},
		{logger.Error, "ERROR"},
	}

	for _, tt := range tests {
		buf.Reset()
		tt.logFunc("msg")
		if !strings.Contains(buf.String(), tt.expected+": msg") {
			t.Errorf("Expected %s line, got: %s", tt.expected, buf.String())
		}
	}
}

func TestDebugSuppressedWhenDisabled(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()
	SetDebug(false)

	NewLogger("quiet").Debug("hidden")
	Debug(context.Background(), "tools", "hidden too")

	if buf.Len() != 0 {
		t.Errorf("Expected no output with debug disabled, got: %s", buf.String())
	}
}

func TestDomainFiltering(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()
	SetDebug(true)
	SetDebugDomains([]string{"toolloop", " codebase "})

	if !IsDebugEnabledForDomain("codebase") {
		t.Error("Expected trimmed domain to be enabled")
	}
	if IsDebugEnabledForDomain("llm") {
		t.Error("Expected llm domain to be filtered out")
	}

	ctx := WithRunID(context.Background(), "run-42")
	Debug(ctx, "toolloop", "iteration %d", 3)
	Debug(ctx, "llm", "filtered")

	output := buf.String()
	if !strings.Contains(output, "[run-42] DEBUG: [toolloop] iteration 3") {
		t.Errorf("Expected domain debug line, got: %s", output)
	}
	if strings.Contains(output, "filtered") {
		t.Errorf("Expected llm line to be dropped, got: %s", output)
	}
}

func TestDebugWithoutRunID(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()
	SetDebug(true)

	Debug(context.Background(), "any", "hello")
	if !strings.Contains(buf.String(), "[unknown]") {
		t.Errorf("Expected unknown component, got: %s", buf.String())
	}
}

func TestErrorfAndWrap(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	base := errors.New("boom")
	err := Errorf("setup failed: %w", base)
	if !errors.Is(err, base) {
		t.Error("Expected Errorf to wrap its cause")
	}

	wrapped := Wrap(base, "reading config")
	if wrapped.Error() != "reading config: boom" {
		t.Errorf("Unexpected wrapped message: %s", wrapped.Error())
	}
	if Wrap(nil, "noop") != nil {
		t.Error("Expected Wrap(nil) to return nil")
	}
	if !strings.Contains(buf.String(), "ERROR: reading config: boom") {
		t.Errorf("Expected wrapped error to be logged, got: %s", buf.String())
	}
}

func TestFileLogging(t *testing.T) {
	_ = setupTestLogger()
	defer resetTestLogger()

	path := filepath.Join(t.TempDir(), "stackscope.log")
	if err := EnableFileLogging(FileConfig{Path: path, MaxSizeMB: 1}); err != nil {
		t.Fatalf("EnableFileLogging failed: %v", err)
	}
	NewLogger("file").Info("persisted line")
	if err := Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "persisted line") {
		t.Errorf("Expected line in log file, got: %s", data)
	}
}

func TestEnableFileLoggingRequiresPath(t *testing.T) {
	if err := EnableFileLogging(FileConfig{}); err == nil {
		t.Error("Expected error for empty path")
	}
}
