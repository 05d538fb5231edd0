package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("info")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	if logger.Logger.Level != logrus.InfoLevel {
		t.Errorf("expected log level Info, got %v", logger.Logger.Level)
	}
}

func TestNewLoggerWithLevels(t *testing.T) {
	testCases := []struct {
		level    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"DEBUG", logrus.DebugLevel},
		{"invalid", logrus.InfoLevel},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			logger, err := NewLogger(tc.level)
			if err != nil {
				t.Fatalf("failed to create logger with level %s: %v", tc.level, err)
			}
			if logger.Logger.Level != tc.expected {
				t.Errorf("expected level %v, got %v", tc.expected, logger.Logger.Level)
			}
		})
	}
}

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("info")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Logger.SetOutput(&buf)

	logger.Info("test message")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output: %v", err)
	}
	if entry["level"] != "info" {
		t.Errorf("expected level 'info', got %v", entry["level"])
	}
	if entry["msg"] != "test message" {
		t.Errorf("expected msg 'test message', got %v", entry["msg"])
	}
	if entry["time"] == nil {
		t.Error("expected a timestamp field")
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("info")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Logger.SetOutput(&buf)

	logger.WithFields(map[string]interface{}{
		"queue":       3,
		"destination": "10.0.0.34:9001",
	}).Info("destination added")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output: %v", err)
	}
	if entry["destination"] != "10.0.0.34:9001" {
		t.Errorf("expected destination field, got %v", entry["destination"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("warn")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	logger.Logger.SetOutput(&buf)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Error("debug/info should be filtered at warn level")
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Error("warn/error should appear at warn level")
	}
}

func BenchmarkLogInfo(b *testing.B) {
	logger, err := NewLogger("info")
	if err != nil {
		b.Fatalf("failed to create logger: %v", err)
	}
	logger.Logger.SetOutput(&bytes.Buffer{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		logger.Info("benchmark message")
	}
}
