package gate

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/sudogate/internal/uuid"
	"github.com/jmcleod/sudogate/session"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditActivated        AuditEvent = session.EventActivated
	AuditActivationFailed AuditEvent = session.EventActivationFailed
	AuditLockedOut        AuditEvent = session.EventLockedOut
	AuditTwoFactorPending AuditEvent = session.EventTwoFactorPending
	AuditTwoFactorFailed  AuditEvent = session.EventTwoFactorFailed
	AuditDeactivated      AuditEvent = session.EventDeactivated

	AuditDeferred      AuditEvent = "sudo_deferred"
	AuditSoftBlocked   AuditEvent = "sudo_soft_blocked"
	AuditPolicyBlocked AuditEvent = "sudo_policy_blocked"
	AuditReplayed      AuditEvent = "sudo_replayed"
	AuditReplayMissed  AuditEvent = "sudo_replay_missed"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Events also feed the anomaly metrics and the optional webhook.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit entry. r may be nil for events raised
// outside an HTTP request (CLI and scheduled-job guards). The event id
// correlates the log entry with its webhook delivery.
func (al *auditLogger) log(ctx context.Context, event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	eventID := uuid.New()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("event_id", eventID),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	if r != nil {
		baseAttrs = append(baseAttrs, slog.String("remote_addr", r.RemoteAddr))
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		al.webhook.enqueueAttrs(eventID, event, r, attrs)
	}
}

// logEvent is a convenience for events with a principal id.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, principalID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("principal_id", principalID),
	}
	attrs = append(attrs, extra...)
	al.log(r.Context(), event, r, attrs...)
}

// sessionFunc adapts the logger for the session state machine, which
// reports events by name without HTTP context.
func (al *auditLogger) sessionFunc() session.AuditFunc {
	return func(ctx context.Context, event string, attrs ...slog.Attr) {
		al.log(ctx, AuditEvent(event), nil, attrs...)
	}
}
