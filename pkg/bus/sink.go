package bus

import (
	"errors"
	"log/slog"
)

// DiagnosticSink receives handler failures.
type DiagnosticSink interface {
	HandlerFailed(sub *Subscription, ev Event, err error)
}

// SinkFunc adapts a function to DiagnosticSink.
type SinkFunc func(sub *Subscription, ev Event, err error)

// HandlerFailed calls f.
func (f SinkFunc) HandlerFailed(sub *Subscription, ev Event, err error) {
	f(sub, ev, err)
}

// LogSink logs handler failures.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink writing to logger, or slog.Default() if nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// HandlerFailed logs the failure at error level.
func (s *LogSink) HandlerFailed(sub *Subscription, ev Event, err error) {
	attrs := []any{
		"subscription", sub.ID(),
		"topic", string(ev.Topic),
		"session_id", ev.SessionID,
		"error", err,
	}
	var perr *HandlerPanicError
	if errors.As(err, &perr) {
		attrs = append(attrs, "stack", string(perr.Stack))
	}
	s.logger.Error("event handler failed", attrs...)
}

// MultiSink fans a failure out to several sinks.
type MultiSink []DiagnosticSink

// HandlerFailed forwards to every sink.
func (m MultiSink) HandlerFailed(sub *Subscription, ev Event, err error) {
	for _, s := range m {
		if s != nil {
			s.HandlerFailed(sub, ev, err)
		}
	}
}
