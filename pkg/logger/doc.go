// Package logger provides the structured logging interface used across kworkgate.
//
// It wraps zerolog behind a small Logger interface so components can take a
// logger in their constructors and tests can swap in NewTestLogger or
// NewNopLogger.
//
//	log, err := logger.New(&cfg.Logging)
//	log.WithField("account_id", "42").InfoWithFields("session restored", map[string]interface{}{
//	    "cookies": 7,
//	})
//
// Cookie values and CSRF tokens must only be logged through Mask.
package logger
