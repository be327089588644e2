package telemetry

import (
	"context"

	"github.com/hashicorp/go-hclog"
)

// HCLogLogger adapts a hclog.Logger to the Logger/ComponentAwareLogger
// contract. It is the default production logger; NewHCLogLogger uses
// hclog's default options, so output is uncolored text on stderr at
// Info level.
type HCLogLogger struct {
	base hclog.Logger
}

// NewHCLogLogger builds a Logger backed by hclog, named for the given
// component (e.g. "taskqueue/worker", "taskqueue/store").
func NewHCLogLogger(component string) *HCLogLogger {
	return &HCLogLogger{base: hclog.New(&hclog.LoggerOptions{
		Name:  component,
		Level: hclog.Info,
	})}
}

func fieldArgs(fields map[string]interface{}) []interface{} {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

func (l *HCLogLogger) Info(msg string, fields map[string]interface{}) {
	l.base.Info(msg, fieldArgs(fields)...)
}

func (l *HCLogLogger) Error(msg string, fields map[string]interface{}) {
	l.base.Error(msg, fieldArgs(fields)...)
}

func (l *HCLogLogger) Warn(msg string, fields map[string]interface{}) {
	l.base.Warn(msg, fieldArgs(fields)...)
}

func (l *HCLogLogger) Debug(msg string, fields map[string]interface{}) {
	l.base.Debug(msg, fieldArgs(fields)...)
}

func (l *HCLogLogger) InfoWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Info(msg, fields)
}

func (l *HCLogLogger) ErrorWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Error(msg, fields)
}

func (l *HCLogLogger) WarnWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Warn(msg, fields)
}

func (l *HCLogLogger) DebugWithContext(_ context.Context, msg string, fields map[string]interface{}) {
	l.Debug(msg, fields)
}

// WithComponent returns a logger scoped to a named sub-component,
// e.g. WithComponent("worker.0") for per-worker log lines.
func (l *HCLogLogger) WithComponent(component string) Logger {
	return &HCLogLogger{base: l.base.Named(component)}
}

var (
	_ Logger              = (*HCLogLogger)(nil)
	_ ComponentAwareLogger = (*HCLogLogger)(nil)
)
