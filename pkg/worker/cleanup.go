package worker

import (
	"context"
	"time"

	"github.com/jwalitptl/notify-api/internal/repository"
	"github.com/jwalitptl/notify-api/internal/service/notification"
	"github.com/jwalitptl/notify-api/pkg/logger"
	"github.com/jwalitptl/notify-api/pkg/metrics"
)

// ExpiryWorker periodically purges notifications past their expires_at
// and announces the removals so connected clients can drop them.
type ExpiryWorker struct {
	service  notification.Service
	interval time.Duration
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewExpiryWorker(service notification.Service, interval time.Duration, logger *logger.Logger, m *metrics.Metrics) *ExpiryWorker {
	return &ExpiryWorker{
		service:  service,
		interval: interval,
		logger:   logger,
		metrics:  m,
	}
}

func (w *ExpiryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := w.service.PurgeExpired(ctx)
			if err != nil {
				w.logger.Error(err, "Failed to purge expired notifications")
				continue
			}
			if purged > 0 {
				w.metrics.NotificationsExpired.Add(float64(purged))
				w.logger.Info("Purged expired notifications", "count", purged)
			}
		}
	}
}

// OutboxCleanupWorker trims processed outbox rows older than the
// retention window.
type OutboxCleanupWorker struct {
	repo      repository.OutboxRepository
	retention time.Duration
	interval  time.Duration
	logger    *logger.Logger
}

func NewOutboxCleanupWorker(repo repository.OutboxRepository, retention, interval time.Duration, logger *logger.Logger) *OutboxCleanupWorker {
	return &OutboxCleanupWorker{
		repo:      repo,
		retention: retention,
		interval:  interval,
		logger:    logger,
	}
}

func (w *OutboxCleanupWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-w.retention)
			deleted, err := w.repo.DeleteProcessedBefore(ctx, cutoff)
			if err != nil {
				w.logger.Error(err, "Failed to clean processed outbox events")
				continue
			}
			if deleted > 0 {
				w.logger.Debug("Cleaned processed outbox events", "count", deleted)
			}
		}
	}
}
