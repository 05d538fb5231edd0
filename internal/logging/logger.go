// Package logging provides structured logging for xdpfanout.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry. On the worker hot path it logs only the
// first ARP miss per destination; otherwise it is used from setup, the
// control endpoint, the statistics printer, and shutdown.
type Logger struct {
	*logrus.Entry
}

// NewLogger creates a structured JSON logger at the given level.
func NewLogger(level string) (*Logger, error) {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	logger.SetOutput(os.Stdout)

	entry := logger.WithFields(logrus.Fields{
		"service": "xdpfanout",
	})

	return &Logger{Entry: entry}, nil
}

// WithField adds a field to the logger.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value)}
}

// WithFields adds multiple fields to the logger.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithFields(fields)}
}

// Info logs an info message with optional key-value pairs.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.Entry.WithFields(parseKeysAndValues(keysAndValues...)).Info(msg)
}

// Error logs an error message with optional key-value pairs.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.Entry.WithFields(parseKeysAndValues(keysAndValues...)).Error(msg)
}

// Warn logs a warning message with optional key-value pairs.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.Entry.WithFields(parseKeysAndValues(keysAndValues...)).Warn(msg)
}

// Debug logs a debug message with optional key-value pairs.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.Entry.WithFields(parseKeysAndValues(keysAndValues...)).Debug(msg)
}

func parseKeysAndValues(keysAndValues ...interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) {
			fields[fmt.Sprintf("%v", keysAndValues[i])] = keysAndValues[i+1]
		}
	}
	return fields
}
