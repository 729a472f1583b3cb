package background

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/leasegate/internal/metrics"
)

// expiredCodeGrace keeps expired codes around long enough to answer EXPIRED
// instead of INVALID for late verification attempts
const expiredCodeGrace = 24 * time.Hour

type AttemptPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type CodePruner interface {
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupManager periodically prunes old login attempts and dead one-time codes.
// Every pass is idempotent; a failed pass is logged and retried on the next tick.
type CleanupManager struct {
	attempts  AttemptPruner
	codes     CodePruner
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewCleanupManager(
	attempts AttemptPruner,
	codes CodePruner,
	logger *slog.Logger,
	interval, retention time.Duration,
) *CleanupManager {
	return &CleanupManager{
		attempts:  attempts,
		codes:     codes,
		logger:    logger,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start blocks until Stop is called or ctx is cancelled
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce performs a single pruning pass
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := cm.now()

	if n, err := cm.attempts.DeleteOlderThan(cleanupCtx, now.Add(-cm.retention)); err != nil {
		cm.logger.Error("failed to prune login attempts", slog.Any("error", err))
	} else if n > 0 {
		metrics.CleanupDeletedTotal.WithLabelValues("login_attempts").Add(float64(n))
		cm.logger.Info("pruned login attempts", slog.Int64("rows_deleted", n))
	}

	if n, err := cm.codes.DeleteExpired(cleanupCtx, now.Add(-expiredCodeGrace)); err != nil {
		cm.logger.Error("failed to prune one-time codes", slog.Any("error", err))
	} else if n > 0 {
		metrics.CleanupDeletedTotal.WithLabelValues("one_time_codes").Add(float64(n))
		cm.logger.Info("pruned one-time codes", slog.Int64("rows_deleted", n))
	}
}

// Stop signals the cleanup manager to stop. It is safe to call more than once.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}
