package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/jwalitptl/notify-api/internal/model"
	"github.com/jwalitptl/notify-api/internal/repository"
	apperrors "github.com/jwalitptl/notify-api/pkg/errors"
	"github.com/jwalitptl/notify-api/pkg/logger"
	"github.com/jwalitptl/notify-api/pkg/validator"
)

const (
	defaultReplayLimit = 50
	defaultPageLimit   = 20
	maxPageLimit       = 100
)

type Config struct {
	ReplayLimit int
	ReplayTTL   time.Duration
}

type Service interface {
	Create(ctx context.Context, req *model.CreateNotificationRequest) (*model.Notification, error)
	List(ctx context.Context, viewer model.Viewer, opts model.ListOptions) (*model.NotificationPage, error)
	MarkRead(ctx context.Context, viewer model.Viewer, id uuid.UUID) error
	MarkAllRead(ctx context.Context, viewer model.Viewer) error
	Delete(ctx context.Context, viewer model.Viewer, id uuid.UUID) error
	DeleteMany(ctx context.Context, viewer model.Viewer, ids []uuid.UUID) error
	ReplayUnread(ctx context.Context, userID uuid.UUID) ([]*model.Notification, error)
	PurgeExpired(ctx context.Context) (int, error)
}

type service struct {
	repo     repository.NotificationRepository
	outbox   repository.OutboxRepository
	replay   *gocache.Cache
	validate validator.Validator
	config   Config
	logger   *logger.Logger
}

func NewService(repo repository.NotificationRepository, outbox repository.OutboxRepository, config Config, logger *logger.Logger) Service {
	if config.ReplayLimit <= 0 {
		config.ReplayLimit = defaultReplayLimit
	}
	if config.ReplayTTL <= 0 {
		config.ReplayTTL = 5 * time.Minute
	}
	return &service{
		repo:     repo,
		outbox:   outbox,
		replay:   gocache.New(config.ReplayTTL, 2*config.ReplayTTL),
		validate: validator.New(),
		config:   config,
		logger:   logger,
	}
}

// Create persists a notification and enqueues its broadcast in the same
// transaction. A request with a role broadcasts the role-room variant of
// the event in addition to the owner's room.
func (s *service) Create(ctx context.Context, req *model.CreateNotificationRequest) (*model.Notification, error) {
	if err := s.validate.Validate(req); err != nil {
		return nil, apperrors.BadRequest("invalid notification request", err)
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return nil, apperrors.BadRequest("invalid user ID", err)
	}

	n := &model.Notification{
		ID:          uuid.New(),
		UserID:      userID,
		Kind:        model.NormalizeKind(req.Kind),
		Title:       req.Title,
		Description: req.Description,
		ActionURL:   req.ActionURL,
		Metadata:    req.Metadata,
		CreatedAt:   time.Now(),
		ExpiresAt:   req.ExpiresAt,
	}

	eventType := model.EventNotificationNew
	rooms := []string{model.UserRoom(n.UserID)}
	if req.Role != "" {
		eventType = model.EventNotificationAdmin
		rooms = append(rooms, model.RoleRoom(req.Role))
	}

	event, err := model.NewBroadcast(eventType, rooms, model.PayloadFrom(n))
	if err != nil {
		return nil, fmt.Errorf("failed to build broadcast: %w", err)
	}

	if err := s.repo.CreateAndEnqueue(ctx, n, event); err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}

	s.replay.Delete(n.UserID.String())
	return n, nil
}

// List serves the authoritative paginated fetch. Non-privileged viewers
// are always scoped to themselves regardless of what they asked for.
func (s *service) List(ctx context.Context, viewer model.Viewer, opts model.ListOptions) (*model.NotificationPage, error) {
	// Root may scope to any user (or none, meaning everyone); everybody
	// else is pinned to themselves no matter what they asked for.
	if !viewer.ViewAll {
		opts.UserID = viewer.ID
	}

	if opts.Limit <= 0 {
		opts.Limit = defaultPageLimit
	}
	if opts.Limit > maxPageLimit {
		opts.Limit = maxPageLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	page, err := s.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return page, nil
}

func (s *service) MarkRead(ctx context.Context, viewer model.Viewer, id uuid.UUID) error {
	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("notification", err)
		}
		return fmt.Errorf("failed to load notification: %w", err)
	}
	if !viewer.CanSee(existing.UserID) {
		return apperrors.Forbidden("notification belongs to another user", nil)
	}

	updated, err := s.repo.MarkRead(ctx, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}

	s.replay.Delete(updated.UserID.String())
	s.enqueue(ctx, model.EventNotificationUpdated,
		[]string{model.UserRoom(updated.UserID)}, model.PayloadFrom(updated))
	return nil
}

func (s *service) MarkAllRead(ctx context.Context, viewer model.Viewer) error {
	updated, err := s.repo.MarkAllRead(ctx, viewer.ID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to mark all read: %w", err)
	}
	if len(updated) == 0 {
		return nil
	}

	payloads := make([]model.NotificationPayload, 0, len(updated))
	for _, n := range updated {
		payloads = append(payloads, model.PayloadFrom(n))
	}

	s.replay.Delete(viewer.ID.String())
	s.enqueue(ctx, model.EventNotificationsSync,
		[]string{model.UserRoom(viewer.ID)}, payloads)
	return nil
}

func (s *service) Delete(ctx context.Context, viewer model.Viewer, id uuid.UUID) error {
	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("notification", err)
		}
		return fmt.Errorf("failed to load notification: %w", err)
	}
	if !viewer.CanSee(existing.UserID) {
		return apperrors.Forbidden("notification belongs to another user", nil)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFound("notification", err)
		}
		return fmt.Errorf("failed to delete notification: %w", err)
	}

	s.replay.Delete(existing.UserID.String())
	s.enqueue(ctx, model.EventNotificationDeleted,
		[]string{model.UserRoom(existing.UserID)}, model.DeletePayload{ID: id.String()})
	return nil
}

func (s *service) DeleteMany(ctx context.Context, viewer model.Viewer, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	// Non-privileged viewers can only delete their own; filter up front
	// rather than failing the whole batch on one foreign ID.
	allowed := ids
	if !viewer.ViewAll {
		allowed = allowed[:0:0]
		for _, id := range ids {
			n, err := s.repo.Get(ctx, id)
			if err != nil {
				continue
			}
			if n.UserID == viewer.ID {
				allowed = append(allowed, id)
			}
		}
	}

	deleted, err := s.repo.DeleteMany(ctx, allowed)
	if err != nil {
		return fmt.Errorf("failed to delete notifications: %w", err)
	}
	if len(deleted) == 0 {
		return nil
	}

	strs := make([]string, 0, len(deleted))
	for _, id := range deleted {
		strs = append(strs, id.String())
	}

	s.replay.Delete(viewer.ID.String())
	s.enqueue(ctx, model.EventNotificationsBulkDeleted,
		[]string{model.UserRoom(viewer.ID)}, model.BulkDeletePayload{IDs: strs})
	return nil
}

// ReplayUnread serves the join-time sync: the most recent unread
// notifications for a user, answered from the in-memory cache when warm.
func (s *service) ReplayUnread(ctx context.Context, userID uuid.UUID) ([]*model.Notification, error) {
	if cached, ok := s.replay.Get(userID.String()); ok {
		return cached.([]*model.Notification), nil
	}

	items, err := s.repo.UnreadFor(ctx, userID, s.config.ReplayLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load unread notifications: %w", err)
	}

	s.replay.SetDefault(userID.String(), items)
	return items, nil
}

// PurgeExpired removes expired notifications and broadcasts the
// deletions to each affected owner's room.
func (s *service) PurgeExpired(ctx context.Context) (int, error) {
	purged, err := s.repo.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired notifications: %w", err)
	}
	if len(purged) == 0 {
		return 0, nil
	}

	byUser := make(map[uuid.UUID][]string)
	for _, n := range purged {
		byUser[n.UserID] = append(byUser[n.UserID], n.ID.String())
	}
	for userID, ids := range byUser {
		s.replay.Delete(userID.String())
		s.enqueue(ctx, model.EventNotificationsBulkDeleted,
			[]string{model.UserRoom(userID)}, model.BulkDeletePayload{IDs: ids})
	}
	return len(purged), nil
}

// enqueue records a broadcast for the outbox worker. A failed enqueue is
// logged and swallowed: the store already changed, and the next
// authoritative fetch corrects any client that missed the event.
func (s *service) enqueue(ctx context.Context, eventType string, rooms []string, data any) {
	event, err := model.NewBroadcast(eventType, rooms, data)
	if err != nil {
		s.logger.Error(err, "failed to build broadcast", "event_type", eventType)
		return
	}
	if err := s.outbox.Create(ctx, event); err != nil {
		s.logger.Error(err, "failed to enqueue broadcast", "event_type", eventType)
	}
}
