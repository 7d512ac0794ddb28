// Package audit records security-relevant actions: who did what, to which
// target, and how it turned out.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deqlabs/deq/pkg/logger"
)

// Action identifies an audited operation.
type Action string

const (
	ActionAuthSuccess      Action = "auth.success"
	ActionAuthFailure      Action = "auth.failure"
	ActionAuthKeyGenerated Action = "auth.key_generated"
	ActionAuthKeyRevoked   Action = "auth.key_revoked"

	ActionDeviceWake     Action = "device.wake"
	ActionDeviceShutdown Action = "device.shutdown"
	ActionDeviceRefresh  Action = "device.refresh"

	ActionDockerStart   Action = "docker.start"
	ActionDockerStop    Action = "docker.stop"
	ActionDockerRestart Action = "docker.restart"
	ActionDockerLogs    Action = "docker.logs"
	ActionDockerScan    Action = "docker.scan"

	ActionConfigUpdate       Action = "config.update"
	ActionConfigDeviceAdd    Action = "config.device_add"
	ActionConfigDeviceRemove Action = "config.device_remove"

	ActionTaskRun    Action = "task.run"
	ActionTaskUpdate Action = "task.update"

	ActionNotifyTest  Action = "notify.test"
	ActionNetworkScan Action = "network.scan"

	ActionFileOperation Action = "file.operation"
	ActionFileDownload  Action = "file.download"
	ActionFileUpload    Action = "file.upload"
)

// Results of an audited action.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time         `json:"timestamp"`
	Action    Action            `json:"action"`
	User      string            `json:"user"`
	SourceIP  string            `json:"source_ip,omitempty"`
	Target    string            `json:"target,omitempty"`
	Result    string            `json:"result"`
	RequestID string            `json:"request_id,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Sink receives audit entries. Implementations must not block for long;
// audit writes happen on request paths.
type Sink interface {
	Write(ctx context.Context, entry *Entry) error
}

// Logger builds audit entries from the request context and fans them out to
// its sinks. Sink failures are logged, never surfaced to callers.
type Logger struct {
	sinks  []Sink
	logger *slog.Logger
}

// New creates an audit logger writing to the given sinks.
func New(log *slog.Logger, sinks ...Sink) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{sinks: sinks, logger: log}
}

// Log records an audited action. User, source IP and request id come from
// the request context; a missing request id gets a fresh short one so the
// entry is still correlatable.
func (l *Logger) Log(ctx context.Context, action Action, target, result string, details map[string]string) {
	entry := &Entry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		User:      contextUser(ctx),
		SourceIP:  logger.SourceIPFromContext(ctx),
		Target:    target,
		Result:    result,
		RequestID: logger.RequestIDFromContext(ctx),
		Tags:      actionTags(action),
		Details:   details,
	}
	if entry.RequestID == "" {
		entry.RequestID = uuid.NewString()[:8]
	}

	for _, sink := range l.sinks {
		if err := sink.Write(ctx, entry); err != nil {
			l.logger.Error("audit sink write failed", "action", action, "error", err)
		}
	}
}

// Success records a successful action.
func (l *Logger) Success(ctx context.Context, action Action, target string, details map[string]string) {
	l.Log(ctx, action, target, ResultSuccess, details)
}

// Failure records a failed action.
func (l *Logger) Failure(ctx context.Context, action Action, target string, details map[string]string) {
	l.Log(ctx, action, target, ResultFailure, details)
}

func contextUser(ctx context.Context) string {
	if user := logger.UserFromContext(ctx); user != "" {
		return user
	}
	return "anonymous"
}

// actionTags splits "device.wake" into ["device", "wake"] for filtering.
func actionTags(action Action) []string {
	return strings.Split(string(action), ".")
}

// SlogSink writes audit entries as structured log records.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink logging through the given slog logger.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{logger: log}
}

// Write logs the entry. Failures log at warn so they stand out.
func (s *SlogSink) Write(ctx context.Context, entry *Entry) error {
	attrs := []any{
		"action", entry.Action,
		"user", entry.User,
		"result", entry.Result,
		"request_id", entry.RequestID,
	}
	if entry.SourceIP != "" {
		attrs = append(attrs, "source_ip", entry.SourceIP)
	}
	if entry.Target != "" {
		attrs = append(attrs, "target", entry.Target)
	}
	for k, v := range entry.Details {
		attrs = append(attrs, k, v)
	}

	if entry.Result == ResultFailure {
		s.logger.Warn("audit", attrs...)
	} else {
		s.logger.Info("audit", attrs...)
	}
	return nil
}
