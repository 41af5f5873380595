package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notify-api/internal/model"
)

type (
	// NotificationRepository is the authoritative store for notifications.
	// Mutations that feed the broadcast path return the affected rows so
	// the caller can enqueue the corresponding events.
	NotificationRepository interface {
		Create(ctx context.Context, notification *model.Notification) error
		CreateAndEnqueue(ctx context.Context, notification *model.Notification, event *model.OutboxEvent) error
		Get(ctx context.Context, id uuid.UUID) (*model.Notification, error)
		List(ctx context.Context, opts model.ListOptions) (*model.NotificationPage, error)
		UnreadFor(ctx context.Context, userID uuid.UUID, limit int) ([]*model.Notification, error)
		MarkRead(ctx context.Context, id uuid.UUID, at time.Time) (*model.Notification, error)
		MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) ([]*model.Notification, error)
		Delete(ctx context.Context, id uuid.UUID) error
		DeleteMany(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
		DeleteExpired(ctx context.Context, before time.Time) ([]*model.Notification, error)
	}

	OutboxRepository interface {
		Create(ctx context.Context, event *model.OutboxEvent) error
		GetPendingEventsWithLock(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
		UpdateStatusTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, status string, errorMessage *string, retryAt *time.Time) error
		MoveToDeadLetter(ctx context.Context, tx *sql.Tx, event *model.OutboxEvent) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}
)
