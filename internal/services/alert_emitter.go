package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/leasegate/internal/metrics"
	"github.com/BradenHooton/leasegate/internal/models"
)

const defaultNotifyTimeout = 10 * time.Second

// AccountReader resolves accounts for notification delivery
type AccountReader interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
}

// AlertEmitter persists security alerts and hands them to the notifier.
// Neither storage nor delivery failures reach the caller.
type AlertEmitter struct {
	alerts        SecurityAlertRepository
	accounts      AccountReader
	notifier      Notifier
	clock         Clock
	logger        *slog.Logger
	notifyTimeout time.Duration

	wg sync.WaitGroup
}

func NewAlertEmitter(
	alerts SecurityAlertRepository,
	accounts AccountReader,
	notifier Notifier,
	clock Clock,
	logger *slog.Logger,
	notifyTimeout time.Duration,
) *AlertEmitter {
	if notifyTimeout <= 0 {
		notifyTimeout = defaultNotifyTimeout
	}
	return &AlertEmitter{
		alerts:        alerts,
		accounts:      accounts,
		notifier:      notifier,
		clock:         clock,
		logger:        logger,
		notifyTimeout: notifyTimeout,
	}
}

// Emit records an alert for account and notifies asynchronously
func (e *AlertEmitter) Emit(ctx context.Context, account *models.Account, kind models.AlertKind, metadata models.AlertMetadata) *models.SecurityAlert {
	return e.emit(ctx, account.ID, account, kind, metadata)
}

// EmitForAccount is Emit for callers that only hold the account id
func (e *AlertEmitter) EmitForAccount(ctx context.Context, accountID string, kind models.AlertKind, metadata models.AlertMetadata) *models.SecurityAlert {
	return e.emit(ctx, accountID, nil, kind, metadata)
}

func (e *AlertEmitter) emit(ctx context.Context, accountID string, account *models.Account, kind models.AlertKind, metadata models.AlertMetadata) *models.SecurityAlert {
	if metadata == nil {
		metadata = models.AlertMetadata{}
	}
	alert := &models.SecurityAlert{
		AccountID: accountID,
		Kind:      kind,
		Metadata:  metadata,
		CreatedAt: e.clock.Now(),
	}

	metrics.AlertsTotal.WithLabelValues(kind.String()).Inc()

	if err := e.alerts.Create(ctx, alert); err != nil {
		metrics.AlertPersistFailuresTotal.Inc()
		e.logger.Error("failed to persist security alert",
			slog.String("account_id", accountID),
			slog.String("kind", kind.String()),
			slog.Any("error", err),
		)
	} else {
		e.logger.Info("security alert emitted",
			slog.String("alert_id", alert.ID),
			slog.String("account_id", accountID),
			slog.String("kind", kind.String()),
		)
	}

	if e.notifier == nil {
		return alert
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.notifyTimeout)
		defer cancel()

		e.deliver(notifyCtx, account, alert)
	}()

	return alert
}

func (e *AlertEmitter) deliver(ctx context.Context, account *models.Account, alert *models.SecurityAlert) {
	if account == nil {
		var err error
		if account, err = e.accounts.GetByID(ctx, alert.AccountID); err != nil {
			e.logger.Warn("alert notification skipped: account lookup failed",
				slog.String("account_id", alert.AccountID),
				slog.Any("error", err),
			)
			return
		}
	}

	if err := e.notifier.NotifyAlert(ctx, account, alert); err != nil {
		e.logger.Warn("alert notification failed",
			slog.String("account_id", alert.AccountID),
			slog.String("kind", alert.Kind.String()),
			slog.Any("error", errors.Join(models.ErrNotificationDeliveryFailed, err)),
		)
	}
}

// Wait blocks until in-flight notifications finish
func (e *AlertEmitter) Wait() {
	e.wg.Wait()
}
