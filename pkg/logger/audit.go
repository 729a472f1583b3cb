package logger

import (
	"context"
	"log/slog"
	"time"
)

// AuditEventType names a security-relevant event
type AuditEventType string

const (
	EventLoginAttempt     AuditEventType = "login_attempt"
	EventCodeIssued       AuditEventType = "otp_issued"
	EventCodeVerification AuditEventType = "otp_verification"
	EventLockout          AuditEventType = "lockout"
	EventPasswordChange   AuditEventType = "password_change"
	EventMFAChange        AuditEventType = "mfa_change"
	EventLogout           AuditEventType = "logout"
	EventAccountAction    AuditEventType = "account_action"
)

// AuditEvent represents a security audit event
type AuditEvent struct {
	Type      AuditEventType
	AccountID string
	Email     string // masked before logging
	IPAddress string
	UserAgent string
	Outcome   string
	Success   bool
	Reason    string
	RiskScore *int
	Metadata  map[string]string
}

// AuditLogger writes audit events as structured log lines
type AuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger, now: time.Now}
}

// Log emits the event at Info on success and Warn otherwise
func (al *AuditLogger) Log(ctx context.Context, event AuditEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", string(event.Type)),
		slog.Bool("success", event.Success),
		slog.String("timestamp", al.now().UTC().Format(time.RFC3339)),
	}

	if event.AccountID != "" {
		attrs = append(attrs, slog.String("account_id", event.AccountID))
	}
	if event.Email != "" {
		attrs = append(attrs, slog.String("email", SanitizedEmail(event.Email)))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", event.UserAgent))
	}
	if event.Outcome != "" {
		attrs = append(attrs, slog.String("outcome", event.Outcome))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	if event.RiskScore != nil {
		attrs = append(attrs, slog.Int("risk_score", *event.RiskScore))
	}
	for key, val := range event.Metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "audit", attrs...)
}
