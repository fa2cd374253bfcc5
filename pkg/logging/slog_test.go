package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestSlogLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.LevelInfo, &buf)

	logger.Debug("debug message")
	logger.Info("info message")

	output := buf.String()
	if strings.Contains(output, "debug message") {
		t.Error("debug message should not appear when log level is Info")
	}
	if !strings.Contains(output, "info message") {
		t.Error("expected info message to appear in output")
	}
}

func TestSlogLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.LevelInfo, &buf)

	child := logger.WithFields(map[string]interface{}{
		"component":  "queue",
		"request_id": "123",
	})
	child.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "component=queue") {
		t.Error("expected component field in output")
	}
	if !strings.Contains(output, "request_id=123") {
		t.Error("expected request_id field in output")
	}
}

func TestSlogLoggerFieldsDoNotLeakToParent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.LevelInfo, &buf)

	_ = logger.WithField("model", "coder-14b")
	logger.Info("plain message")

	if strings.Contains(buf.String(), "model=coder-14b") {
		t.Error("child field leaked into parent logger output")
	}
}

func TestSlogLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.LevelInfo, &buf)

	logger.WithError(errors.New("engine unreachable")).Error("load failed")

	output := buf.String()
	if !strings.Contains(output, "engine unreachable") {
		t.Error("expected wrapped error in output")
	}
	if !strings.Contains(output, "load failed") {
		t.Error("expected message in output")
	}
}

func TestSlogLoggerFatalExitFunc(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.LevelInfo, &buf)

	exitCode := -1
	logger.SetExitFunc(func(code int) {
		exitCode = code
	})

	logger.Fatalf("fatal: %s", "boom")

	if exitCode != 1 {
		t.Errorf("expected exit code 1, got %d", exitCode)
	}
	if !strings.Contains(buf.String(), "fatal: boom") {
		t.Error("expected fatal message in output")
	}
}
