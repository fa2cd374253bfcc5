package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// SlogLogger adapts a slog.Logger to the Logger interface. It is mainly used
// in tests, where a handler writing to a buffer keeps output inspectable.
type SlogLogger struct {
	logger   *slog.Logger
	fields   map[string]interface{}
	exitFunc func(int) // overridable so Fatal paths stay testable
}

// NewSlogLogger creates a new slog-based logger with the specified level
func NewSlogLogger(level slog.Level, writer io.Writer) *SlogLogger {
	if writer == nil {
		writer = os.Stderr
	}

	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: level,
	})

	return &SlogLogger{
		logger:   slog.New(handler),
		fields:   make(map[string]interface{}),
		exitFunc: os.Exit,
	}
}

// SetExitFunc sets the function to call on fatal errors (for testing)
func (s *SlogLogger) SetExitFunc(fn func(int)) {
	s.exitFunc = fn
}

func (s *SlogLogger) args() []interface{} {
	out := make([]interface{}, 0, len(s.fields)*2)
	for k, v := range s.fields {
		out = append(out, k, v)
	}
	return out
}

func (s *SlogLogger) Debug(args ...interface{}) {
	s.logger.Debug(fmt.Sprint(args...), s.args()...)
}

func (s *SlogLogger) Debugf(format string, args ...interface{}) {
	s.logger.Debug(fmt.Sprintf(format, args...), s.args()...)
}

func (s *SlogLogger) Info(args ...interface{}) {
	s.logger.Info(fmt.Sprint(args...), s.args()...)
}

func (s *SlogLogger) Infof(format string, args ...interface{}) {
	s.logger.Info(fmt.Sprintf(format, args...), s.args()...)
}

func (s *SlogLogger) Infoln(args ...interface{}) {
	s.logger.Info(fmt.Sprintln(args...), s.args()...)
}

func (s *SlogLogger) Warn(args ...interface{}) {
	s.logger.Warn(fmt.Sprint(args...), s.args()...)
}

func (s *SlogLogger) Warnf(format string, args ...interface{}) {
	s.logger.Warn(fmt.Sprintf(format, args...), s.args()...)
}

func (s *SlogLogger) Warnln(args ...interface{}) {
	s.logger.Warn(fmt.Sprintln(args...), s.args()...)
}

func (s *SlogLogger) Error(args ...interface{}) {
	s.logger.Error(fmt.Sprint(args...), s.args()...)
}

func (s *SlogLogger) Errorf(format string, args ...interface{}) {
	s.logger.Error(fmt.Sprintf(format, args...), s.args()...)
}

func (s *SlogLogger) Errorln(args ...interface{}) {
	s.logger.Error(fmt.Sprintln(args...), s.args()...)
}

func (s *SlogLogger) Fatal(args ...interface{}) {
	s.logger.Error(fmt.Sprint(args...), s.args()...)
	s.exitFunc(1)
}

func (s *SlogLogger) Fatalf(format string, args ...interface{}) {
	s.logger.Error(fmt.Sprintf(format, args...), s.args()...)
	s.exitFunc(1)
}

// WithField creates a new logger with an additional field
func (s *SlogLogger) WithField(key string, value interface{}) Logger {
	return s.WithFields(map[string]interface{}{key: value})
}

// WithFields creates a new logger with additional fields
func (s *SlogLogger) WithFields(fields map[string]interface{}) Logger {
	newFields := make(map[string]interface{}, len(s.fields)+len(fields))
	for k, v := range s.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &SlogLogger{
		logger:   s.logger,
		fields:   newFields,
		exitFunc: s.exitFunc,
	}
}

// WithError creates a new logger with an error field
func (s *SlogLogger) WithError(err error) Logger {
	return s.WithField("error", err)
}
