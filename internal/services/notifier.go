package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/leasegate/internal/metrics"
	"github.com/BradenHooton/leasegate/internal/models"
	pkglogger "github.com/BradenHooton/leasegate/pkg/logger"
	"github.com/BradenHooton/leasegate/pkg/rabbitmq"
)

// NamedNotifier tags a notifier with the channel label used in metrics
type NamedNotifier struct {
	Name     string
	Notifier Notifier
}

// MultiNotifier fans an alert out to every channel and joins their errors
type MultiNotifier struct {
	channels []NamedNotifier
}

func NewMultiNotifier(channels ...NamedNotifier) *MultiNotifier {
	return &MultiNotifier{channels: channels}
}

func (m *MultiNotifier) NotifyAlert(ctx context.Context, account *models.Account, alert *models.SecurityAlert) error {
	var errs []error
	for _, ch := range m.channels {
		if err := ch.Notifier.NotifyAlert(ctx, account, alert); err != nil {
			metrics.NotificationFailuresTotal.WithLabelValues(ch.Name).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts and codes to the log. Codes are redacted outside development.
type LogNotifier struct {
	logger *slog.Logger
	env    string
}

func NewLogNotifier(logger *slog.Logger, env string) *LogNotifier {
	return &LogNotifier{logger: logger, env: env}
}

func (n *LogNotifier) NotifyAlert(_ context.Context, account *models.Account, alert *models.SecurityAlert) error {
	n.logger.Info("security alert notification",
		slog.String("account_id", account.ID),
		slog.String("email", pkglogger.SanitizedEmail(account.Email)),
		slog.String("kind", alert.Kind.String()),
	)
	return nil
}

func (n *LogNotifier) SendCode(_ context.Context, account *models.Account, purpose models.CodePurpose, code string, expiresAt time.Time) error {
	n.logger.Info("one-time code issued",
		slog.String("account_id", account.ID),
		slog.String("purpose", string(purpose)),
		pkglogger.RedactedAttr("code", code, n.env),
		slog.Time("expires_at", expiresAt),
	)
	return nil
}

// AlertEvent is the message body published for every alert
type AlertEvent struct {
	AlertID   string            `json:"alert_id"`
	AccountID string            `json:"account_id"`
	Kind      models.AlertKind  `json:"kind"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
}

// AlertRoutingKey is the topic routing key for an alert kind
func AlertRoutingKey(kind models.AlertKind) string {
	return "security.alert." + strings.ToLower(kind.String())
}

// EventNotifier publishes alerts to the message bus for downstream consumers
type EventNotifier struct {
	publisher rabbitmq.Publisher
}

func NewEventNotifier(publisher rabbitmq.Publisher) *EventNotifier {
	return &EventNotifier{publisher: publisher}
}

func (n *EventNotifier) NotifyAlert(ctx context.Context, _ *models.Account, alert *models.SecurityAlert) error {
	event := AlertEvent{
		AlertID:   alert.ID,
		AccountID: alert.AccountID,
		Kind:      alert.Kind,
		Metadata:  alert.Metadata,
		CreatedAt: alert.CreatedAt,
	}
	return n.publisher.Publish(ctx, AlertRoutingKey(alert.Kind), event)
}
