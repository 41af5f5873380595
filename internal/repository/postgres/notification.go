package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/notify-api/internal/model"
	"github.com/jwalitptl/notify-api/internal/repository"
)

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

const notificationColumns = `id, user_id, kind, title, description, read, read_at, action_url, metadata, created_at, expires_at`

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		return insertNotificationTx(ctx, tx, n)
	})
}

// CreateAndEnqueue persists the notification and its broadcast outbox
// event in one transaction, so a stored notification always has a
// pending broadcast and vice versa.
func (r *notificationRepository) CreateAndEnqueue(ctx context.Context, n *model.Notification, event *model.OutboxEvent) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertNotificationTx(ctx, tx, n); err != nil {
			return err
		}
		return insertOutboxTx(ctx, tx, event)
	})
}

func insertNotificationTx(ctx context.Context, tx *sqlx.Tx, n *model.Notification) error {
	query := `
		INSERT INTO notifications (
			id, user_id, kind, title, description, read, read_at,
			action_url, metadata, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	var metadata []byte
	if n.Metadata != nil {
		var err error
		metadata, err = json.Marshal(n.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	_, err := tx.ExecContext(ctx, query,
		n.ID,
		n.UserID,
		n.Kind,
		n.Title,
		n.Description,
		n.Read,
		n.ReadAt,
		n.ActionURL,
		metadata,
		n.CreatedAt,
		n.ExpiresAt,
	)
	return err
}

func (r *notificationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	query := fmt.Sprintf(`SELECT %s FROM notifications WHERE id = $1`, notificationColumns)

	var n model.Notification
	if err := r.db.GetContext(ctx, &n, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	if err := n.DecodeMetadata(); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &n, nil
}

// List returns one page of notifications newest first, plus the total
// and unread counts for the same scope. A nil UserID lists across all
// owners; only the root path ever passes that.
func (r *notificationRepository) List(ctx context.Context, opts model.ListOptions) (*model.NotificationPage, error) {
	where := `WHERE ($1::uuid IS NULL OR user_id = $1)`
	filter := where
	if opts.UnreadOnly {
		filter += ` AND read = false`
	}

	query := fmt.Sprintf(`
		SELECT %s FROM notifications
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, notificationColumns, filter)

	userID := uuid.NullUUID{UUID: opts.UserID, Valid: opts.UserID != uuid.Nil}

	var items []*model.Notification
	if err := r.db.SelectContext(ctx, &items, query, userID, opts.Limit, opts.Offset); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	for _, n := range items {
		if err := n.DecodeMetadata(); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM notifications %s`, filter)
	if err := r.db.GetContext(ctx, &total, countQuery, userID); err != nil {
		return nil, fmt.Errorf("failed to count notifications: %w", err)
	}

	var unread int
	unreadQuery := fmt.Sprintf(`SELECT COUNT(*) FROM notifications %s AND read = false`, where)
	if err := r.db.GetContext(ctx, &unread, unreadQuery, userID); err != nil {
		return nil, fmt.Errorf("failed to count unread notifications: %w", err)
	}

	return &model.NotificationPage{
		Items:   items,
		Total:   total,
		Unread:  unread,
		HasMore: opts.Offset+len(items) < total,
	}, nil
}

func (r *notificationRepository) UnreadFor(ctx context.Context, userID uuid.UUID, limit int) ([]*model.Notification, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM notifications
		WHERE user_id = $1 AND read = false
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, notificationColumns)

	var items []*model.Notification
	if err := r.db.SelectContext(ctx, &items, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list unread notifications: %w", err)
	}
	for _, n := range items {
		if err := n.DecodeMetadata(); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return items, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, id uuid.UUID, at time.Time) (*model.Notification, error) {
	query := fmt.Sprintf(`
		UPDATE notifications
		SET read = true, read_at = $2
		WHERE id = $1
		RETURNING %s
	`, notificationColumns)

	var n model.Notification
	if err := r.db.GetContext(ctx, &n, query, id, at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to mark notification read: %w", err)
	}
	if err := n.DecodeMetadata(); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &n, nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) ([]*model.Notification, error) {
	query := fmt.Sprintf(`
		UPDATE notifications
		SET read = true, read_at = $2
		WHERE user_id = $1 AND read = false
		RETURNING %s
	`, notificationColumns)

	var items []*model.Notification
	if err := r.db.SelectContext(ctx, &items, query, userID, at); err != nil {
		return nil, fmt.Errorf("failed to mark all read: %w", err)
	}
	for _, n := range items {
		if err := n.DecodeMetadata(); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return items, nil
}

func (r *notificationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteMany removes the given IDs and reports which ones actually
// existed, so the broadcast only names real deletions.
func (r *notificationRepository) DeleteMany(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `DELETE FROM notifications WHERE id = ANY($1) RETURNING id`

	var deleted []uuid.UUID
	if err := r.db.SelectContext(ctx, &deleted, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to delete notifications: %w", err)
	}
	return deleted, nil
}

func (r *notificationRepository) DeleteExpired(ctx context.Context, before time.Time) ([]*model.Notification, error) {
	query := fmt.Sprintf(`
		DELETE FROM notifications
		WHERE expires_at IS NOT NULL AND expires_at < $1
		RETURNING %s
	`, notificationColumns)

	var items []*model.Notification
	if err := r.db.SelectContext(ctx, &items, query, before); err != nil {
		return nil, fmt.Errorf("failed to delete expired notifications: %w", err)
	}
	return items, nil
}
