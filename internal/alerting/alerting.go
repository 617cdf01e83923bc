// Package alerting defines the sink the resilience core reports incidents
// through. The wire-up decides where captures land; components only hold the
// interface.
package alerting

import "log/slog"

// Sink receives one-shot incident notifications. Implementations must be
// safe for concurrent use and must not block callers.
type Sink interface {
	CaptureMessage(msg string, fields map[string]any)
	CaptureException(err error, fields map[string]any)
}

// LogSink writes captures to the structured log.
type LogSink struct{}

func NewLogSink() *LogSink { return &LogSink{} }

func (s *LogSink) CaptureMessage(msg string, fields map[string]any) {
	slog.Error("alert", append([]any{"message", msg}, flatten(fields)...)...)
}

func (s *LogSink) CaptureException(err error, fields map[string]any) {
	slog.Error("alert", append([]any{"error", err}, flatten(fields)...)...)
}

func flatten(fields map[string]any) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}
