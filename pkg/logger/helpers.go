package logger

import (
	"context"

	"github.com/rs/zerolog"
)

// Mask hides all but the first and last four characters of a secret.
func Mask(s string) string {
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// ForComponent returns l (or the global logger) tagged with a component name.
func ForComponent(l Logger, component string) Logger {
	if l == nil {
		l = GetLogger()
	}
	return l.WithField("component", component)
}

// NewNopLogger creates a no-operation logger for testing
func NewNopLogger() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string)                                  {}
func (nopLogger) Info(string)                                   {}
func (nopLogger) Warn(string)                                   {}
func (nopLogger) Error(string)                                  {}
func (n nopLogger) WithField(string, interface{}) Logger        { return n }
func (n nopLogger) WithFields(map[string]interface{}) Logger    { return n }
func (n nopLogger) WithError(error) Logger                      { return n }
func (n nopLogger) WithContext(context.Context) Logger          { return n }
func (nopLogger) DebugWithFields(string, map[string]interface{}) {}
func (nopLogger) InfoWithFields(string, map[string]interface{})  {}
func (nopLogger) WarnWithFields(string, map[string]interface{})  {}
func (nopLogger) ErrorWithFields(string, map[string]interface{}) {}

func (nopLogger) Zerolog() *zerolog.Logger {
	zl := zerolog.Nop()
	return &zl
}
