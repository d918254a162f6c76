// ABOUTME: LogSink writes observability events through log/slog
// ABOUTME: Isolation violations are logged at error level marked critical

package observe

import (
	"context"
	"log/slog"
)

// LogSink logs events.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "observe")}
}

// Record implements Sink.
func (s *LogSink) Record(e Event) {
	level := slog.LevelDebug
	attrs := []slog.Attr{slog.String("event", string(e.Kind))}

	switch e.Kind {
	case EventIsolationViolation:
		level = slog.LevelError
		attrs = append(attrs, slog.String("severity", "critical"))
	case EventAuthFailure, EventCodeReplayed:
		level = slog.LevelWarn
	case EventAdmissionRejected:
		level = slog.LevelInfo
	}

	if e.TenantID != "" {
		attrs = append(attrs, slog.String("tenant_id", e.TenantID))
	}
	if e.CredentialID != "" {
		attrs = append(attrs, slog.String("credential_id", e.CredentialID))
	}
	if e.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", e.ClientID))
	}
	if e.Transport != "" {
		attrs = append(attrs, slog.String("transport", e.Transport))
	}
	if e.Method != "" {
		attrs = append(attrs, slog.String("method", e.Method))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if e.Kind == EventRPCDispatched {
		attrs = append(attrs, slog.Int("code", e.Code), slog.Duration("duration", e.Duration))
	}

	s.logger.LogAttrs(context.Background(), level, string(e.Kind), attrs...)
}
