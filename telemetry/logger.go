// Package telemetry provides the logging and metrics contracts shared
// by the store and queue packages, plus the production implementations
// (hclog-backed logging, Prometheus-backed metrics).
package telemetry

import "context"

// Logger is the minimal structured-logging contract the store and queue
// packages depend on. It is intentionally narrow so callers can adapt
// whatever logger they already run (hclog, zap, a test spy) without
// pulling in this package's choices.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a component (a worker, a store adapter) tag
// its log lines with a component name without the caller constructing a
// new logger per component by hand.
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the zero-value logger used
// whenever a caller does not inject one.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

func (n NoOpLogger) WithComponent(string) Logger { return n }

var (
	_ Logger              = NoOpLogger{}
	_ ComponentAwareLogger = NoOpLogger{}
)
