// Package logsink implements interfaces.LogSink on top of slog and SQLite.
package logsink

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ruteri/device-pki/interfaces"
)

// SlogSink forwards records to a slog.Logger.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink returns a sink writing to log.
func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

// Log implements interfaces.LogSink.
func (s *SlogSink) Log(message string, severity interfaces.Severity, source string) {
	s.log.Log(context.Background(), SlogLevel(severity), message, slog.String("source", source))
}

// SlogLevel maps a severity onto a slog level.
func SlogLevel(severity interfaces.Severity) slog.Level {
	switch severity {
	case interfaces.SeverityDebug:
		return slog.LevelDebug
	case interfaces.SeverityInfo:
		return slog.LevelInfo
	case interfaces.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// ParseSeverity parses a severity name. Unknown names map to SeverityInfo.
func ParseSeverity(name string) interfaces.Severity {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return interfaces.SeverityDebug
	case "warning", "warn":
		return interfaces.SeverityWarning
	case "error":
		return interfaces.SeverityError
	case "critical":
		return interfaces.SeverityCritical
	default:
		return interfaces.SeverityInfo
	}
}

// Multi fans a record out to several sinks, dropping those below a minimum severity.
type Multi struct {
	sinks []interfaces.LogSink
	min   interfaces.Severity
}

// NewMulti returns a sink forwarding records at or above min to every sink.
func NewMulti(min interfaces.Severity, sinks ...interfaces.LogSink) *Multi {
	return &Multi{sinks: sinks, min: min}
}

// Log implements interfaces.LogSink.
func (m *Multi) Log(message string, severity interfaces.Severity, source string) {
	if severity < m.min {
		return
	}
	for _, s := range m.sinks {
		s.Log(message, severity, source)
	}
}
